package retrieval

import (
	"math"
	"sort"
)

// Cosine returns the cosine similarity of a and b, or 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// nativeScores normalises provider relevance into [0, 1]. Candidates without
// a provider score fall back to reciprocal rank.
func nativeScores(candidates []Candidate) []float64 {
	scores := make([]float64, len(candidates))
	var max float64
	for i, c := range candidates {
		s := c.ProviderScore
		if s <= 0 {
			s = 1 / float64(i+1)
		}
		scores[i] = s
		if s > max {
			max = s
		}
	}
	if max > 0 {
		for i := range scores {
			scores[i] /= max
		}
	}
	return scores
}

// Rank combines embedding similarity with provider relevance as
// weight*similarity + (1-weight)*native, sorts descending and keeps at most
// limit passages. A nil query vector ranks by provider relevance alone.
func Rank(query []float64, passages []Passage, native []float64, weight float64, limit int) []Passage {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	ranked := make([]Passage, len(passages))
	copy(ranked, passages)
	for i := range ranked {
		score := native[i]
		if query != nil {
			score = weight*Cosine(query, ranked[i].Embedding) + (1-weight)*native[i]
		}
		ranked[i].Score = score
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
