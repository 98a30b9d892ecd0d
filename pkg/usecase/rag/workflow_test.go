package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/cricai/pkg/index"
	"github.com/m-mizutani/cricai/pkg/index/memory"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/usecase/rag"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

type stepFunc func(ctx context.Context, conv *model.History) error

func (f stepFunc) Run(ctx context.Context, conv *model.History) error { return f(ctx, conv) }

type mockRetriever struct {
	queryFn func(ctx context.Context, collection, question string, k int) (model.QueryResult, error)
}

func (m *mockRetriever) Query(ctx context.Context, collection, question string, k int) (model.QueryResult, error) {
	return m.queryFn(ctx, collection, question, k)
}

type mockGenerator struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return m.generateFn(ctx, prompt)
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	retrieval := stepFunc(func(ctx context.Context, conv *model.History) error {
		conv.Append(model.NewRetrieval("Retrieved: X"))
		return nil
	})
	response := stepFunc(func(ctx context.Context, conv *model.History) error {
		conv.Append(model.NewAnswer("Answer based on: " + conv.LastOf(model.KindRetrieval).Content))
		return nil
	})

	answer, err := rag.NewWorkflow(retrieval, response).Run(context.Background(), "Q")
	gt.NoError(t, err)
	gt.Equal(t, answer, "Answer based on: Retrieved: X")
}

func TestWorkflowStopsOnError(t *testing.T) {
	responseCalled := false
	retrieval := stepFunc(func(ctx context.Context, conv *model.History) error {
		return goerr.New("backend down", goerr.T(model.ErrTagIndexBackend))
	})
	response := stepFunc(func(ctx context.Context, conv *model.History) error {
		responseCalled = true
		return nil
	})

	answer, err := rag.NewWorkflow(retrieval, response).Run(context.Background(), "Q")
	gt.Error(t, err)
	gt.Equal(t, answer, "")
	gt.False(t, responseCalled)
	gt.True(t, goerr.HasTag(err, model.ErrTagIndexBackend))
	gt.S(t, err.Error()).Contains("backend down")
}

func TestQueryAgent(t *testing.T) {
	var gotCollection, gotQuestion string
	var gotK int
	retriever := &mockRetriever{
		queryFn: func(ctx context.Context, collection, question string, k int) (model.QueryResult, error) {
			gotCollection, gotQuestion, gotK = collection, question, k
			return model.QueryResult{
				{Passage: &model.Passage{Text: "Player A scored 50 runs."}, Score: 0.9},
				{Passage: &model.Passage{Text: "Player B took 3 wickets."}, Score: 0.1},
			}, nil
		},
	}

	conv := model.NewHistory(model.NewQuestion("who scored runs"))
	gt.NoError(t, rag.NewQueryAgent(retriever, "ipl-1234").Run(context.Background(), conv))

	gt.Equal(t, gotCollection, "ipl-1234")
	gt.Equal(t, gotQuestion, "who scored runs")
	gt.Equal(t, gotK, 10)

	msgs := conv.Messages()
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0].Kind, model.KindQuestion)
	gt.Equal(t, msgs[1].Kind, model.KindRetrieval)
	gt.Equal(t, msgs[1].Role, model.RoleUser)
	gt.S(t, msgs[1].Content).Contains("Retrieved Documents:")
	gt.S(t, msgs[1].Content).Contains("[1] Player A scored 50 runs.")
	gt.S(t, msgs[1].Content).Contains("[2] Player B took 3 wickets.")
}

func TestQueryAgentNoPassages(t *testing.T) {
	retriever := &mockRetriever{
		queryFn: func(ctx context.Context, collection, question string, k int) (model.QueryResult, error) {
			return nil, nil
		},
	}
	conv := model.NewHistory(model.NewQuestion("who won"))
	gt.NoError(t, rag.NewQueryAgent(retriever, "ipl-1", rag.WithTopK(3)).Run(context.Background(), conv))
	gt.S(t, conv.Last().Content).Contains("No relevant passages")
}

func TestQueryAgentWithoutQuestion(t *testing.T) {
	retriever := &mockRetriever{
		queryFn: func(ctx context.Context, collection, question string, k int) (model.QueryResult, error) {
			t.Fatal("retriever must not be called")
			return nil, nil
		},
	}
	err := rag.NewQueryAgent(retriever, "ipl-1").Run(context.Background(), model.NewHistory())
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
}

func TestResponseAgent(t *testing.T) {
	var gotPrompt string
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, prompt string) (string, error) {
			gotPrompt = prompt
			return "Player A scored 50 runs.", nil
		},
	}

	conv := model.NewHistory(
		model.NewQuestion("who scored runs"),
		model.NewRetrieval("Retrieved Documents:\n[1] Player A scored 50 runs.\n"),
	)
	gt.NoError(t, rag.NewResponseAgent(gen).Run(context.Background(), conv))

	gt.S(t, gotPrompt).Contains("CONTEXT:\nRetrieved Documents:\n[1] Player A scored 50 runs.")
	gt.S(t, gotPrompt).Contains("USER QUESTION:\nwho scored runs")
	gt.True(t, strings.HasSuffix(strings.TrimSpace(gotPrompt), "CRICAI RESPONSE:"))

	last := conv.Last()
	gt.Equal(t, last.Kind, model.KindAnswer)
	gt.Equal(t, last.Role, model.RoleAssistant)
	gt.Equal(t, last.Content, "Player A scored 50 runs.")
}

func TestResponseAgentFailures(t *testing.T) {
	testCases := []struct {
		name   string
		answer string
		err    error
	}{
		{"model error", "", errors.New("503 unavailable")},
		{"empty output", "  \n", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &mockGenerator{
				generateFn: func(ctx context.Context, prompt string) (string, error) {
					return tc.answer, tc.err
				},
			}
			conv := model.NewHistory(model.NewQuestion("q"), model.NewRetrieval("r"))
			err := rag.NewResponseAgent(gen).Run(context.Background(), conv)
			gt.Error(t, err)
			gt.True(t, goerr.HasTag(err, model.ErrTagModelInvocation))
			gt.Equal(t, conv.Len(), 2)
		})
	}
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	x := index.New(memory.New(), index.NewLexicalEmbedder(0))
	gt.NoError(t, x.Refresh(ctx, "ipl-1234", model.NewPassages("Player A scored 50 runs.", "Player B took 3 wickets.")))

	gen := &mockGenerator{
		generateFn: func(ctx context.Context, prompt string) (string, error) {
			if strings.Index(prompt, "Player A scored") < strings.Index(prompt, "Player B took") {
				return "Player A scored the runs.", nil
			}
			return "unexpected ranking", nil
		},
	}

	answer, err := rag.New(x, gen, "ipl-1234").Run(ctx, "who scored runs")
	gt.NoError(t, err)
	gt.Equal(t, answer, "Player A scored the runs.")
}

func TestRunMissingCollection(t *testing.T) {
	ctx := context.Background()
	x := index.New(memory.New(), index.NewLexicalEmbedder(0))

	gen := &mockGenerator{
		generateFn: func(ctx context.Context, prompt string) (string, error) {
			return "never", nil
		},
	}

	answer, err := rag.New(x, gen, "ipl-missing").Run(ctx, "who won")
	gt.Error(t, err)
	gt.Equal(t, answer, "")
	gt.True(t, goerr.HasTag(err, model.ErrTagIndexBackend))
}
