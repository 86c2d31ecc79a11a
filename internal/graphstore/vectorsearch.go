package graphstore

import (
	"context"
	"fmt"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/graphstore/vectorindex"
)

// SemanticSearch performs k-NN similarity search over embeddings for the
// given node kind. It probes the native vector-index operator on first
// call, caches the result for the process lifetime, and falls back to the
// configured secondary backend (external index, then in-process cosine)
// when the native operator is unavailable (spec.md §4.1, §9).
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, kind domain.NodeKind, limit int) ([]vectorindex.Hit, error) {
	s.vecMu.Lock()
	probed := s.nativeOK
	s.vecMu.Unlock()

	if probed == nil || *probed {
		hits, err := s.nativeSearch(ctx, embedding, kind, limit)
		if err == nil {
			s.cacheNative(true)
			return hits, nil
		}
		if !isUnsupportedProcedure(err) {
			// A real query error, not "operator unavailable" — surface it.
			return nil, err
		}
		s.cacheNative(false)
	}

	if s.external != nil {
		return s.external.Search(ctx, embedding, string(kind), limit)
	}
	return s.fallback.Search(ctx, embedding, string(kind), limit)
}

func (s *Store) cacheNative(ok bool) {
	s.vecMu.Lock()
	s.nativeOK = &ok
	s.vecMu.Unlock()
}

// nativeSearch issues a native vector-index query via db.index.vector.queryNodes.
func (s *Store) nativeSearch(ctx context.Context, embedding []float32, kind domain.NodeKind, limit int) ([]vectorindex.Hit, error) {
	cypher := fmt.Sprintf(
		`CALL db.index.vector.queryNodes('%s_embedding', $limit, $embedding)
		 YIELD node, score RETURN node.%s AS key, score`,
		kind, identityKeys[kind],
	)
	r := s.run(ctx, cypher, map[string]any{"limit": limit, "embedding": embedding}, false)
	if r.IsErr() {
		_, err := r.Unwrap()
		return nil, err
	}
	records, _ := r.Unwrap()
	hits := make([]vectorindex.Hit, 0, len(records))
	for _, rec := range records {
		key, _ := rec.Get("key")
		score, _ := rec.Get("score")
		sc, _ := score.(float64)
		hits = append(hits, vectorindex.Hit{Key: fmt.Sprint(key), Score: sc})
	}
	return hits, nil
}

// fetchCandidates backs the in-process fallback: it reads every node of a
// label along with its embedding property.
func (s *Store) fetchCandidates(ctx context.Context, label string) ([]vectorindex.Candidate, error) {
	kind := domain.NodeKind(label)
	cypher := fmt.Sprintf("MATCH (n:%s) WHERE n.embedding IS NOT NULL RETURN n.%s AS key, n.embedding AS embedding", kind, identityKeys[kind])
	r := s.run(ctx, cypher, nil, false)
	if r.IsErr() {
		_, err := r.Unwrap()
		return nil, err
	}
	records, _ := r.Unwrap()
	out := make([]vectorindex.Candidate, 0, len(records))
	for _, rec := range records {
		keyVal, _ := rec.Get("key")
		embVal, _ := rec.Get("embedding")
		floats, ok := embVal.([]any)
		if !ok {
			continue
		}
		emb := make([]float32, len(floats))
		for i, f := range floats {
			if fv, ok := f.(float64); ok {
				emb[i] = float32(fv)
			}
		}
		out = append(out, vectorindex.Candidate{Key: fmt.Sprint(keyVal), Embedding: emb})
	}
	return out, nil
}

// isUnsupportedProcedure reports whether err indicates the native vector
// index procedure doesn't exist on this backend (as opposed to a real
// query failure), the trigger for falling back per spec.md §4.1.
func isUnsupportedProcedure(err error) bool {
	return containsAny(err.Error(), []string{
		"Neo.ClientError.Procedure.ProcedureNotFound",
		"There is no procedure with the name",
		"Unknown function 'db.index.vector",
	})
}
