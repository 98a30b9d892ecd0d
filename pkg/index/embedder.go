package index

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/m-mizutani/cricai/pkg/adapter"
	"github.com/m-mizutani/goerr/v2"
)

const DefaultLexicalDims = 512

// GeminiEmbedder embeds text with the Gemini embedding model
type GeminiEmbedder struct {
	gemini adapter.Gemini
	dims   int
}

// NewGeminiEmbedder creates an embedder producing vectors of dims dimensions
func NewGeminiEmbedder(gemini adapter.Gemini, dims int) *GeminiEmbedder {
	return &GeminiEmbedder{gemini: gemini, dims: dims}
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.gemini.Embedding(ctx, text, e.dims)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get embedding from gemini")
	}
	if e.dims > 0 && len(vec) != e.dims {
		return nil, goerr.New("unexpected embedding dimensions", goerr.V("expected", e.dims), goerr.V("actual", len(vec)))
	}
	return vec, nil
}

func (e *GeminiEmbedder) Dimensions() int { return e.dims }

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// LexicalEmbedder is a deterministic bag-of-words embedder. Lowercased word tokens are
// hashed into a fixed number of buckets and the vector is L2 normalised, so cosine
// similarity grows with shared vocabulary. It needs no external service.
type LexicalEmbedder struct {
	dims int
}

func NewLexicalEmbedder(dims int) *LexicalEmbedder {
	if dims <= 0 {
		dims = DefaultLexicalDims
	}
	return &LexicalEmbedder{dims: dims}
}

func (e *LexicalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%uint32(e.dims)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (e *LexicalEmbedder) Dimensions() int { return e.dims }
