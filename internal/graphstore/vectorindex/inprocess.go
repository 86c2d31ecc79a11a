package vectorindex

import (
	"context"
	"math"
	"sort"
)

// FetchFunc retrieves all stored embeddings for a label. The in-process
// backend is a pure scoring layer over whatever source supplies these
// candidates (normally the graph store's own node properties).
type FetchFunc func(ctx context.Context, label string) ([]Candidate, error)

// InProcess computes cosine similarity over every candidate vector for a
// label, in Go, when no native operator is available (spec.md §4.1's
// documented fallback path).
type InProcess struct {
	Fetch FetchFunc
}

// NewInProcess creates an in-process fallback index backed by fetch.
func NewInProcess(fetch FetchFunc) *InProcess {
	return &InProcess{Fetch: fetch}
}

func (p *InProcess) Search(ctx context.Context, embedding []float32, label string, limit int) ([]Hit, error) {
	candidates, err := p.Fetch(ctx, label)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{Key: c.Key, Score: cosineSimilarity(embedding, c.Embedding)})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// cosineSimilarity computes cosine similarity between two vectors of
// possibly-mismatched length (shorter one is zero-padded) and returns 0
// for a zero-magnitude vector rather than NaN.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
	}
	for _, v := range b {
		magB += float64(v) * float64(v)
	}
	for _, v := range a[n:] {
		magA += float64(v) * float64(v)
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
