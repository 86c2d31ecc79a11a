package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// MemStore is an in-process Store, the durable backing every
// implementation in this package builds on (NATSStore layers distributed
// pub/sub over one of these). Grounded in the teacher's preference for
// small, explicit, mutex-guarded state over a generic ORM layer
// (pkg/repo, since deleted — see DESIGN.md) — here applied to a job
// record with a CAS version counter instead of blind overwrites.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job

	subMu sync.Mutex
	subs  map[string][]chan domain.ProgressEvent
}

// NewMemStore creates an empty in-memory Job State Store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs: make(map[string]domain.Job),
		subs: make(map[string][]chan domain.ProgressEvent),
	}
}

func (m *MemStore) Create(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return ErrJobExists
	}
	job.Version = 1
	m.jobs[job.ID] = job
	return nil
}

// Update applies fn under the store mutex. Because MemStore serializes
// all access through one lock there is no actual race to retry — the CAS
// version counter is still bumped so NATSStore's remote variant (and
// Resume's staleness checks) observe the same monotonic sequence a
// distributed backend would produce.
func (m *MemStore) Update(_ context.Context, jobID string, fn TransitionFunc) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	next, err := fn(job)
	if err != nil {
		return domain.Job{}, err
	}
	next.ID = jobID
	next.Version = job.Version + 1
	next.UpdatedAt = time.Now()
	next.State = next.DeriveState()
	m.jobs[jobID] = next
	return next, nil
}

func (m *MemStore) Get(_ context.Context, jobID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (m *MemStore) List(_ context.Context, filter Filter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.Job
	for _, job := range m.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		matched = append(matched, job)
	}

	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], nil
}

func (m *MemStore) Publish(_ context.Context, jobID string, event domain.ProgressEvent) error {
	m.subMu.Lock()
	subs := append([]chan domain.ProgressEvent(nil), m.subs[jobID]...)
	m.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Best-effort: a slow subscriber misses the event and
			// reconciles via Get (spec.md §4.3 invariant).
		}
	}
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, jobID string) (<-chan domain.ProgressEvent, func(), error) {
	if _, err := m.Get(ctx, jobID); err != nil {
		return nil, nil, err
	}

	ch := make(chan domain.ProgressEvent, 32)
	m.subMu.Lock()
	m.subs[jobID] = append(m.subs[jobID], ch)
	m.subMu.Unlock()

	unsubscribe := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		subs := m.subs[jobID]
		for i, c := range subs {
			if c == ch {
				m.subs[jobID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}
