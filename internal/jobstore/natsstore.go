package jobstore

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/pkg/natsutil"
)

// NATSStore layers distributed pub/sub over an inner durable Store,
// grounded in pkg/natsutil's generic Publish/Subscribe helpers (trace
// context propagation included). The Worker Runtime and Orchestrator run
// as separate processes (spec.md §4.4/§4.5's "work happens on the Worker
// Runtime" split), so progress events must cross a process boundary —
// NATS is the transport the rest of the pack already depends on for
// exactly this.
type NATSStore struct {
	Store
	nc *nats.Conn
}

// NewNATSStore wraps inner with NATS-distributed progress events.
func NewNATSStore(inner Store, nc *nats.Conn) *NATSStore {
	return &NATSStore{Store: inner, nc: nc}
}

func progressSubject(jobID string) string {
	return fmt.Sprintf("ingest.progress.%s", jobID)
}

// Publish writes to the inner store and broadcasts over NATS so remote
// subscribers (e.g. an HTTP API process) observe it too.
func (s *NATSStore) Publish(ctx context.Context, jobID string, event domain.ProgressEvent) error {
	if err := s.Store.Publish(ctx, jobID, event); err != nil {
		return err
	}
	return natsutil.Publish(ctx, s.nc, progressSubject(jobID), event)
}

// Subscribe listens on the job's NATS subject. Best-effort per spec.md
// §4.3: a subscriber that misses an event should poll Get to reconcile.
func (s *NATSStore) Subscribe(ctx context.Context, jobID string) (<-chan domain.ProgressEvent, func(), error) {
	if _, err := s.Store.Get(ctx, jobID); err != nil {
		return nil, nil, err
	}

	ch := make(chan domain.ProgressEvent, 32)
	sub, err := natsutil.Subscribe(s.nc, progressSubject(jobID), func(_ context.Context, event domain.ProgressEvent) {
		select {
		case ch <- event:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jobstore: subscribe %s: %w", jobID, err)
	}

	unsubscribe := func() {
		_ = sub.Unsubscribe()
		close(ch)
	}
	return ch, unsubscribe, nil
}
