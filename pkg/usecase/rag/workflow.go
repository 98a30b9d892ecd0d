package rag

import (
	"context"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

type State string

const (
	StateStart         State = "START"
	StateQueryAgent    State = "QUERY_AGENT"
	StateResponseAgent State = "RESPONSE_AGENT"
	StateEnd           State = "END"
)

// Step is one agent of the workflow operating on the conversation
type Step interface {
	Run(ctx context.Context, conv *model.History) error
}

// Workflow runs the fixed START -> QUERY_AGENT -> RESPONSE_AGENT -> END pipeline.
// There are no branches and no retries.
type Workflow struct {
	steps []workflowStep
}

type workflowStep struct {
	state State
	step  Step
}

func NewWorkflow(query, response Step) *Workflow {
	return &Workflow{
		steps: []workflowStep{
			{state: StateQueryAgent, step: query},
			{state: StateResponseAgent, step: response},
		},
	}
}

// New builds the retrieve-then-respond workflow over one collection
func New(retriever Retriever, generator Generator, collection string, opts ...QueryAgentOption) *Workflow {
	return NewWorkflow(NewQueryAgent(retriever, collection, opts...), NewResponseAgent(generator))
}

// Run answers a question in a fresh conversation and returns the final message content.
// A failing step aborts the run and no partial answer is returned.
func (w *Workflow) Run(ctx context.Context, question string) (string, error) {
	logger := logging.From(ctx)
	conv := model.NewHistory(model.NewQuestion(question))

	prev := StateStart
	for _, s := range w.steps {
		logger.Debug("workflow transition", "from", prev, "to", s.state)
		if err := s.step.Run(ctx, conv); err != nil {
			return "", goerr.Wrap(err, "workflow step failed", goerr.V("state", s.state))
		}
		prev = s.state
	}
	logger.Debug("workflow transition", "from", prev, "to", StateEnd)

	last := conv.Last()
	if last == nil || last.Kind != model.KindAnswer {
		return "", goerr.New("workflow finished without an answer", goerr.T(model.ErrTagModelInvocation))
	}
	return last.Content, nil
}
