// Package vectorindex provides the pluggable vector-search backends the
// Graph Store Adapter falls back to when the graph backend's native
// cosine operator is unavailable (spec.md §4.1, §9).
package vectorindex

import "context"

// Hit is one ranked vector-search result.
type Hit struct {
	Key   string
	Score float64
}

// Candidate is a stored embedding the in-process backend scores.
type Candidate struct {
	Key       string
	Embedding []float32
}

// Index is satisfied by every vector-search backend.
type Index interface {
	// Search returns up to limit hits ordered by descending similarity.
	Search(ctx context.Context, embedding []float32, label string, limit int) ([]Hit, error)
}
