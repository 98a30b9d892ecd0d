package rag

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/response.md
var responsePromptRaw string

var responsePromptTmpl = template.Must(template.New("response").Parse(responsePromptRaw))

// ResponseAgent answers the latest question from the latest retrieval message
type ResponseAgent struct {
	generator Generator
}

func NewResponseAgent(generator Generator) *ResponseAgent {
	return &ResponseAgent{generator: generator}
}

// RenderPrompt fills the response prompt with retrieved context and the question
func RenderPrompt(retrieved, question string) (string, error) {
	var buf bytes.Buffer
	if err := responsePromptTmpl.Execute(&buf, map[string]any{
		"Context":  retrieved,
		"Question": question,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute response prompt template")
	}
	return buf.String(), nil
}

// Run appends the generated answer to the conversation
func (a *ResponseAgent) Run(ctx context.Context, conv *model.History) error {
	question := conv.LastOf(model.KindQuestion)
	if question == nil {
		return goerr.New("no question in conversation", goerr.T(model.ErrTagInvalidInput))
	}

	var retrieved string
	if m := conv.LastOf(model.KindRetrieval); m != nil {
		retrieved = m.Content
	}

	prompt, err := RenderPrompt(retrieved, question.Content)
	if err != nil {
		return err
	}

	answer, err := a.generator.Generate(ctx, prompt)
	if err != nil {
		return goerr.Wrap(err, "failed to invoke generative model", goerr.T(model.ErrTagModelInvocation))
	}
	if strings.TrimSpace(answer) == "" {
		return goerr.New("generative model returned empty output", goerr.T(model.ErrTagModelInvocation))
	}

	conv.Append(model.NewAnswer(answer))
	return nil
}
