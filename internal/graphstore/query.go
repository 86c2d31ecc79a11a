package graphstore

import (
	"context"
	"fmt"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// AllNodes returns every node of kind currently in the store. Used by the
// Summarizer's DAGBuilder and the Documentation step's symbol-alias table —
// both need a full snapshot of one label rather than a single-key lookup.
func (s *Store) AllNodes(ctx context.Context, kind domain.NodeKind) ([]domain.Node, error) {
	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n", kind)
	r := s.run(ctx, cypher, nil, false)
	if r.IsErr() {
		_, err := r.Unwrap()
		return nil, err
	}
	records, _ := r.Unwrap()
	nodes := make([]domain.Node, 0, len(records))
	for _, rec := range records {
		node, err := nodeFromRecord(kind, rec)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// AllEdges returns every edge of kind along with the keys of its endpoints,
// used by the Summarizer's DAGBuilder to reconstruct containment/call/
// inheritance ordering without knowing each endpoint's concrete NodeKind in
// advance.
func (s *Store) AllEdges(ctx context.Context, kind domain.EdgeKind) ([]domain.Edge, error) {
	cypher := fmt.Sprintf(
		`MATCH (a)-[r:%s]->(b) RETURN a.key AS from, b.key AS to`,
		kind,
	)
	r := s.run(ctx, cypher, nil, false)
	if r.IsErr() {
		_, err := r.Unwrap()
		return nil, err
	}
	records, _ := r.Unwrap()
	edges := make([]domain.Edge, 0, len(records))
	for _, rec := range records {
		from, _ := rec.Get("from")
		to, _ := rec.Get("to")
		if from == nil || to == nil {
			continue
		}
		edges = append(edges, domain.Edge{Kind: kind, From: fmt.Sprint(from), To: fmt.Sprint(to)})
	}
	return edges, nil
}
