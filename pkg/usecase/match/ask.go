package match

import (
	"context"
	"strings"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/usecase/rag"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Ask answers a question about the selected match within a session.
// The question and answer are recorded in the session history only when the answer succeeds.
func (t *Tracker) Ask(ctx context.Context, sessionID, question string) (string, error) {
	sel, err := t.Selection()
	if err != nil {
		return "", err
	}
	return t.AskMatch(ctx, &sel.Match, sessionID, question)
}

// AskMatch answers a question about any indexed match
func (t *Tracker) AskMatch(ctx context.Context, m *model.Match, sessionID, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", goerr.New("question is empty", goerr.T(model.ErrTagInvalidInput))
	}
	if sessionID == "" {
		return "", goerr.New("session id is empty", goerr.T(model.ErrTagInvalidInput))
	}

	logger := logging.From(ctx).With("session_id", sessionID, "match_id", m.ID)

	var opts []rag.QueryAgentOption
	if t.topK > 0 {
		opts = append(opts, rag.WithTopK(t.topK))
	}
	workflow := rag.New(t.index, t.generator, m.ID.CollectionName(), opts...)

	answer, err := workflow.Run(logging.With(ctx, logger), question)
	if err != nil {
		logger.Error("failed to answer question", logging.ErrAttr(err))
		return "", goerr.Wrap(err, "failed to answer question", goerr.V("match_id", m.ID))
	}

	t.sessions.Record(ctx, sessionID, model.NewQuestion(question), model.NewAnswer(answer))
	return answer, nil
}
