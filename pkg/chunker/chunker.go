package chunker

import (
	"iter"
	"unicode"

	"github.com/m-mizutani/cricai/pkg/model"
)

const (
	DefaultChunkSize    = 450
	DefaultChunkOverlap = 70
)

// separators in order of preference. A passage ends right after the separator.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune("! "),
	[]rune("? "),
}

// Chunker splits text into overlapping passages. Sizes are measured in runes.
type Chunker struct {
	size    int
	overlap int
}

type Option func(*Chunker)

// WithChunkSize sets the maximum passage length. Non-positive values are ignored.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the maximum number of runes shared by consecutive passages
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a Chunker. An overlap not smaller than the chunk size is clamped to a quarter of it.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns a single-pass sequence of passages covering the text.
// Empty text yields nothing. Text no longer than the chunk size yields one passage equal to it.
func (c *Chunker) Split(text string) iter.Seq[*model.Passage] {
	return func(yield func(*model.Passage) bool) {
		runes := []rune(text)
		n := len(runes)
		if n == 0 {
			return
		}

		start, seq := 0, 0
		for {
			end := n
			if n-start > c.size {
				end = c.boundary(runes, start)
			}

			p := &model.Passage{
				Text:          string(runes[start:end]),
				SequenceIndex: seq,
				Start:         start,
				End:           end,
			}
			if !yield(p) || end == n {
				return
			}

			start = c.nextStart(runes, start, end)
			seq++
		}
	}
}

// Passages collects all passages of the text
func (c *Chunker) Passages(text string) []*model.Passage {
	var passages []*model.Passage
	for p := range c.Split(text) {
		passages = append(passages, p)
	}
	return passages
}

// boundary picks the end of a passage starting at start. The end must leave room for the
// next passage to advance past start even after stepping back by the overlap.
func (c *Chunker) boundary(runes []rune, start int) int {
	limit := start + c.size
	minEnd := start + c.overlap + 1

	for _, sep := range separators {
		for end := limit; end >= minEnd && end >= start+len(sep); end-- {
			if hasSuffix(runes[start:end], sep) {
				return end
			}
		}
	}

	for end := limit; end >= minEnd; end-- {
		if unicode.IsSpace(runes[end-1]) {
			return end
		}
	}

	return limit
}

// nextStart steps back from end by the overlap and then forward to the first word start,
// so the shared text does not begin in the middle of a word.
func (c *Chunker) nextStart(runes []rune, start, end int) int {
	next := end - c.overlap
	if next <= start {
		return end
	}
	for p := next; p < end; p++ {
		if unicode.IsSpace(runes[p-1]) && !unicode.IsSpace(runes[p]) {
			return p
		}
	}
	return next
}

func hasSuffix(s, suffix []rune) bool {
	if len(s) < len(suffix) {
		return false
	}
	offset := len(s) - len(suffix)
	for i, r := range suffix {
		if s[offset+i] != r {
			return false
		}
	}
	return true
}
