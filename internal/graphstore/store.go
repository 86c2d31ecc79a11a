// Package graphstore is the Graph Store Access Layer (spec.md §4.1): the
// single point of contact between every pipeline step and the underlying
// property-graph backend. All node/edge writes go through merge-by-
// identity helpers; there is no exported raw-create path.
package graphstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/ingestforge/ingestforge/internal/config"
	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/graphstore/vectorindex"
	"github.com/ingestforge/ingestforge/pkg/fn"
	"github.com/ingestforge/ingestforge/pkg/metrics"
	"github.com/ingestforge/ingestforge/pkg/resilience"
)

// identityKeys maps each node kind to its identifying property name. All
// kinds currently identify on "key"; the map exists so a future kind can
// diverge without touching every call site.
var identityKeys = map[domain.NodeKind]string{
	domain.KindRepository:    "key",
	domain.KindDirectory:     "key",
	domain.KindFile:          "key",
	domain.KindModule:        "key",
	domain.KindClass:         "key",
	domain.KindFunction:      "key",
	domain.KindSummary:       "key",
	domain.KindDocumentation: "key",
}

// Store is the concrete Graph Store Adapter.
type Store struct {
	connector *Connector
	breaker   *resilience.Breaker
	retry     fn.RetryOpts
	metrics   *metrics.Registry

	mu     sync.RWMutex
	driver neo4j.DriverWithContext

	vecMu    sync.Mutex
	nativeOK *bool
	fallback vectorindex.Index
	external vectorindex.Index
}

// New dials the graph backend through the configured candidate chain and
// returns a ready Store. initialize_schema is NOT called here; callers
// invoke InitializeSchema explicitly once at startup.
func New(ctx context.Context, cfg config.Config, reg *metrics.Registry) (*Store, error) {
	connector := NewConnector(cfg.GraphCandidates, cfg.GraphUser, cfg.GraphPassword, cfg.GraphPoolSize, cfg.GraphConnTimeout)
	driver, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = metrics.New()
	}
	s := &Store{
		connector: connector,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		retry: fn.RetryOpts{
			MaxAttempts: cfg.GraphTxRetryBudget,
			InitialWait: 250 * time.Millisecond,
			MaxWait:     10 * time.Second,
			Jitter:      true,
		},
		metrics: reg,
		driver:  driver,
	}
	if cfg.VectorBackend == "qdrant" {
		q, err := vectorindex.NewQdrant(cfg.QdrantAddr, cfg.QdrantCollection)
		if err != nil {
			return nil, fmt.Errorf("graphstore: qdrant backend: %w", err)
		}
		if err := q.EnsureCollection(ctx, cfg.EmbeddingDims); err != nil {
			return nil, err
		}
		s.external = q
	}
	s.fallback = vectorindex.NewInProcess(s.fetchCandidates)
	return s, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driver.Close(ctx)
}

func (s *Store) currentDriver() neo4j.DriverWithContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driver
}

// reconnect re-dials through the candidate chain and swaps the live
// driver. Called when a connection-class error is observed.
func (s *Store) reconnect(ctx context.Context) error {
	s.connector.Invalidate()
	driver, err := s.connector.Connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.driver
	s.driver = driver
	s.mu.Unlock()
	_ = old.Close(ctx)
	return nil
}

// session opens a scoped session for mode. Callers must defer Close.
func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.currentDriver().NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
}

// run executes a single Cypher statement with retry and circuit-breaker
// protection, per spec.md §4.1's retry contract.
func (s *Store) run(ctx context.Context, cypher string, params map[string]any, write bool) fn.Result[[]*neo4j.Record] {
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}

	return resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[[]*neo4j.Record] {
		return fn.Retry(ctx, s.retry, func(ctx context.Context) fn.Result[[]*neo4j.Record] {
			sess := s.session(ctx, mode)
			defer sess.Close(ctx)

			result, err := sess.Run(ctx, cypher, params)
			if err != nil {
				qerr := classifyNeo4jError(cypher, err)
				if !qerr.Retryable() {
					return fn.Err[[]*neo4j.Record](qerr)
				}
				_ = s.reconnect(ctx)
				return fn.Err[[]*neo4j.Record](qerr)
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return fn.Err[[]*neo4j.Record](classifyNeo4jError(cypher, err))
			}
			return fn.Ok(records)
		})
	})
}

// InitializeSchema creates uniqueness constraints and vector indexes for
// every node kind. Idempotent: safe to call on every startup.
func (s *Store) InitializeSchema(ctx context.Context) error {
	for kind, idKey := range identityKeys {
		stmt := fmt.Sprintf(
			"CREATE CONSTRAINT IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
			kind, idKey,
		)
		r := s.run(ctx, stmt, nil, true)
		if r.IsErr() {
			_, err := r.Unwrap()
			return &SchemaError{Statement: stmt, Wrapped: err}
		}
	}

	for _, kind := range []domain.NodeKind{domain.KindSummary, domain.KindDocumentation} {
		stmt := fmt.Sprintf(
			"CREATE VECTOR INDEX %s_embedding IF NOT EXISTS FOR (n:%s) ON (n.embedding)",
			kind, kind,
		)
		r := s.run(ctx, stmt, nil, true)
		if r.IsErr() {
			_, err := r.Unwrap()
			return &SchemaError{Statement: stmt, Wrapped: err}
		}
	}
	return nil
}

// MergeNode idempotently writes node, merging by its (Kind, Key) identity.
// Never a blind create: re-running the same write twice produces the same
// node (spec.md §3's identity invariant).
func (s *Store) MergeNode(ctx context.Context, node domain.Node) error {
	idKey := identityKeys[node.Kind]
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $key}) SET n += $props", node.Kind, idKey)
	r := s.run(ctx, cypher, map[string]any{"key": node.Key, "props": flattenProps(node)}, true)
	if r.IsErr() {
		_, err := r.Unwrap()
		return err
	}
	return nil
}

// MergeEdge idempotently writes an edge between two existing nodes.
func (s *Store) MergeEdge(ctx context.Context, fromKind, toKind domain.NodeKind, edge domain.Edge) error {
	cypher := fmt.Sprintf(
		`MATCH (a:%s {key: $from}), (b:%s {key: $to})
		 MERGE (a)-[r:%s]->(b)
		 SET r += $props`,
		fromKind, toKind, edge.Kind,
	)
	r := s.run(ctx, cypher, map[string]any{"from": edge.From, "to": edge.To, "props": edge.Props}, true)
	if r.IsErr() {
		_, err := r.Unwrap()
		return err
	}
	return nil
}

// DeleteEdge removes a specific edge instance, used by the Filesystem
// step to retract CONTAINS edges for paths no longer present on re-run.
func (s *Store) DeleteEdge(ctx context.Context, fromKind, toKind domain.NodeKind, kind domain.EdgeKind, from, to string) error {
	cypher := fmt.Sprintf(
		`MATCH (a:%s {key: $from})-[r:%s]->(b:%s {key: $to}) DELETE r`,
		fromKind, kind, toKind,
	)
	r := s.run(ctx, cypher, map[string]any{"from": from, "to": to}, true)
	if r.IsErr() {
		_, err := r.Unwrap()
		return err
	}
	return nil
}

// GetNode fetches a node by kind and key.
func (s *Store) GetNode(ctx context.Context, kind domain.NodeKind, key string) (domain.Node, error) {
	idKey := identityKeys[kind]
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $key}) RETURN n", kind, idKey)
	r := s.run(ctx, cypher, map[string]any{"key": key}, false)
	if r.IsErr() {
		_, err := r.Unwrap()
		return domain.Node{}, err
	}
	records, _ := r.Unwrap()
	if len(records) == 0 {
		return domain.Node{}, fmt.Errorf("graphstore: %s %q not found", kind, key)
	}
	return nodeFromRecord(kind, records[0])
}

// ChildKeys returns the keys of all nodes reached via a CONTAINS edge
// from parentKey, used by the Filesystem step to diff its previous walk.
func (s *Store) ChildKeys(ctx context.Context, parentKind, childKind domain.NodeKind, parentKey string) ([]string, error) {
	cypher := fmt.Sprintf(
		`MATCH (:%s {key: $key})-[:%s]->(c:%s) RETURN c.key AS key`,
		parentKind, domain.EdgeContains, childKind,
	)
	r := s.run(ctx, cypher, map[string]any{"key": parentKey}, false)
	if r.IsErr() {
		_, err := r.Unwrap()
		return nil, err
	}
	records, _ := r.Unwrap()
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if v, ok := rec.Get("key"); ok && v != nil {
			keys = append(keys, fmt.Sprint(v))
		}
	}
	return keys, nil
}

// WriteBatch atomically merges a set of nodes and edges in a single
// managed transaction (spec.md §4.1's execute_batch).
func (s *Store) WriteBatch(ctx context.Context, nodes []domain.Node, edges []domain.Edge, edgeKinds map[int][2]domain.NodeKind) error {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range nodes {
			idKey := identityKeys[n.Kind]
			cypher := fmt.Sprintf("MERGE (x:%s {%s: $key}) SET x += $props", n.Kind, idKey)
			if _, err := tx.Run(ctx, cypher, map[string]any{"key": n.Key, "props": flattenProps(n)}); err != nil {
				return nil, err
			}
		}
		for i, e := range edges {
			kinds := edgeKinds[i]
			cypher := fmt.Sprintf(
				`MATCH (a:%s {key: $from}), (b:%s {key: $to}) MERGE (a)-[r:%s]->(b) SET r += $props`,
				kinds[0], kinds[1], e.Kind,
			)
			if _, err := tx.Run(ctx, cypher, map[string]any{"from": e.From, "to": e.To, "props": e.Props}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return &TransactionError{Wrapped: err}
	}
	return nil
}

func flattenProps(n domain.Node) map[string]any {
	props := make(map[string]any, len(n.Props)+1)
	for k, v := range n.Props {
		props[k] = v
	}
	if len(n.Embedding) > 0 {
		vals := make([]float64, len(n.Embedding))
		for i, f := range n.Embedding {
			vals[i] = float64(f)
		}
		props["embedding"] = vals
	}
	return props
}

func nodeFromRecord(kind domain.NodeKind, rec *neo4j.Record) (domain.Node, error) {
	v, ok := rec.Get("n")
	if !ok {
		return domain.Node{}, fmt.Errorf("graphstore: record missing node")
	}
	raw, ok := v.(dbtype.Node)
	if !ok {
		return domain.Node{}, fmt.Errorf("graphstore: unexpected node value type")
	}
	node := domain.Node{Kind: kind, Props: map[string]any{}}
	for k, val := range raw.Props {
		switch k {
		case identityKeys[kind]:
			node.Key = fmt.Sprint(val)
		case "embedding":
			if floats, ok := val.([]any); ok {
				node.Embedding = make([]float32, len(floats))
				for i, f := range floats {
					if fv, ok := f.(float64); ok {
						node.Embedding[i] = float32(fv)
					}
				}
			}
		default:
			node.Props[k] = val
		}
	}
	return node, nil
}
