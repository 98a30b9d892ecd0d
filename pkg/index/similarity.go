package index

import (
	"math"
	"sort"

	"github.com/m-mizutani/cricai/pkg/model"
)

// Cosine returns the cosine similarity of two vectors. Zero vectors have similarity 0.
func Cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank scores records against vector by cosine similarity and returns the top k.
// Ties keep the passage order.
func Rank(records []*Record, vector []float32, k int) model.QueryResult {
	result := make(model.QueryResult, 0, len(records))
	for _, r := range records {
		result = append(result, &model.ScoredPassage{Passage: r.Passage, Score: Cosine(r.Embedding, vector)})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	if k > 0 && len(result) > k {
		result = result[:k]
	}
	return result
}
