package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const noPassagesNotice = "No relevant passages were found for this match."

// Retriever returns passages of a collection relevant to a question. *index.Index satisfies it.
type Retriever interface {
	Query(ctx context.Context, collection, question string, k int) (model.QueryResult, error)
}

// QueryAgent retrieves passages for the latest question and adds them to the conversation
type QueryAgent struct {
	retriever  Retriever
	collection string
	k          int
}

type QueryAgentOption func(*QueryAgent)

// WithTopK sets how many passages are retrieved
func WithTopK(k int) QueryAgentOption {
	return func(a *QueryAgent) {
		if k > 0 {
			a.k = k
		}
	}
}

func NewQueryAgent(retriever Retriever, collection string, opts ...QueryAgentOption) *QueryAgent {
	a := &QueryAgent{
		retriever:  retriever,
		collection: collection,
		k:          index.DefaultK,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run appends one retrieval message built from the passages matching the latest question
func (a *QueryAgent) Run(ctx context.Context, conv *model.History) error {
	question := conv.LastOf(model.KindQuestion)
	if question == nil {
		return goerr.New("no question in conversation", goerr.T(model.ErrTagInvalidInput))
	}

	result, err := a.retriever.Query(ctx, a.collection, question.Content, a.k)
	if err != nil {
		return goerr.Wrap(err, "failed to retrieve passages", goerr.V("collection", a.collection))
	}

	conv.Append(model.NewRetrieval(formatRetrieval(result)))
	return nil
}

func formatRetrieval(result model.QueryResult) string {
	if len(result) == 0 {
		return noPassagesNotice
	}

	var b strings.Builder
	b.WriteString("Retrieved Documents:\n")
	for i, p := range result {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, p.Passage.Text)
	}
	return b.String()
}
