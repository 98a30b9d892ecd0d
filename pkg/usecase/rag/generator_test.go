package rag_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/m-mizutani/cricai/pkg/adapter"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/usecase/rag"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"google.golang.org/genai"
)

type mockGemini struct {
	generateContentFn func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.generateContentFn(ctx, contents, config)
}

func (m *mockGemini) Embedding(ctx context.Context, text string, dims int) ([]float32, error) {
	return nil, errors.New("not implemented")
}

func TestGeminiGenerator(t *testing.T) {
	var gotConfig *genai.GenerateContentConfig
	var gotContents []*genai.Content
	gemini := &mockGemini{
		generateContentFn: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			gotContents, gotConfig = contents, config
			return &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{
					{Content: &genai.Content{Parts: []*genai.Part{{Text: "Kohli "}, {Text: "top scored."}}}},
				},
			}, nil
		},
	}

	out, err := rag.NewGeminiGenerator(gemini).Generate(context.Background(), "prompt")
	gt.NoError(t, err)
	gt.Equal(t, out, "Kohli top scored.")

	gt.A(t, gotContents).Length(1)
	gt.Equal(t, gotContents[0].Parts[0].Text, "prompt")
	gt.Equal(t, *gotConfig.Temperature, float32(0.1))
	gt.Equal(t, gotConfig.MaxOutputTokens, int32(500))
}

func TestGeminiGeneratorError(t *testing.T) {
	gemini := &mockGemini{
		generateContentFn: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return nil, errors.New("quota exceeded")
		},
	}
	_, err := rag.NewGeminiGenerator(gemini).Generate(context.Background(), "prompt")
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, model.ErrTagModelInvocation))

	gemini.generateContentFn = func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{}, nil
	}
	_, err = rag.NewGeminiGenerator(gemini).Generate(context.Background(), "prompt")
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, model.ErrTagModelInvocation))
}

func TestGeminiGeneratorLive(t *testing.T) {
	apiKey := os.Getenv("TEST_GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("TEST_GEMINI_API_KEY is not set")
	}

	gemini, err := adapter.NewGeminiAPI(context.Background(), apiKey)
	gt.NoError(t, err)

	prompt, err := rag.RenderPrompt("Retrieved Documents:\n[1] Player A scored 50 runs.\n", "Who scored 50 runs?")
	gt.NoError(t, err)

	answer, err := rag.NewGeminiGenerator(gemini).Generate(context.Background(), prompt)
	gt.NoError(t, err)
	gt.S(t, answer).Contains("Player A")
}
