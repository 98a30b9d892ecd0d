package rag

import (
	"context"
	"strings"

	"github.com/m-mizutani/cricai/pkg/adapter"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

const (
	defaultTemperature     = 0.1
	defaultMaxOutputTokens = 500
)

// Generator produces text from a fully rendered prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiGenerator is a Generator backed by Gemini with low temperature and a short answer budget
type GeminiGenerator struct {
	gemini adapter.Gemini
	config *genai.GenerateContentConfig
}

func NewGeminiGenerator(gemini adapter.Gemini) *GeminiGenerator {
	return &GeminiGenerator{
		gemini: gemini,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr[float32](defaultTemperature),
			MaxOutputTokens: defaultMaxOutputTokens,
		},
	}
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := g.gemini.GenerateContent(ctx, contents, g.config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate answer", goerr.T(model.ErrTagModelInvocation))
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", goerr.New("invalid response structure from gemini", goerr.T(model.ErrTagModelInvocation))
	}

	var parts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			parts = append(parts, part.Text)
		}
	}

	return strings.Join(parts, ""), nil
}
