package model

// Passage is a contiguous span of source text produced by the chunker.
// Start and End are rune offsets into the source text (End exclusive).
type Passage struct {
	Text          string `json:"text"`
	SequenceIndex int    `json:"sequence_index"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
}

// ScoredPassage is a passage returned by a similarity query
type ScoredPassage struct {
	Passage *Passage `json:"passage"`
	Score   float64  `json:"score"`
}

// QueryResult is an ordered list of passages, most similar first
type QueryResult []*ScoredPassage

// Texts returns passage texts in rank order
func (r QueryResult) Texts() []string {
	texts := make([]string, 0, len(r))
	for _, p := range r {
		texts = append(texts, p.Passage.Text)
	}
	return texts
}

// NewPassages builds passages from plain texts, numbering them in order.
// Offsets are left zero since the texts do not share a source.
func NewPassages(texts ...string) []*Passage {
	passages := make([]*Passage, 0, len(texts))
	for i, text := range texts {
		passages = append(passages, &Passage{Text: text, SequenceIndex: i})
	}
	return passages
}
