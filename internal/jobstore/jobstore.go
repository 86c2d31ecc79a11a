// Package jobstore is the durable, CAS-protected Job State Store
// (spec.md §4.3): a key-value store keyed by job ID, plus a best-effort
// pub/sub channel for progress events.
package jobstore

import (
	"context"
	"errors"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// ErrJobExists is returned by Create when the job ID is already taken.
var ErrJobExists = errors.New("jobstore: job already exists")

// ErrJobNotFound is returned by Get/Update/Subscribe for an unknown job ID.
var ErrJobNotFound = errors.New("jobstore: job not found")

// ErrConflict names a lost compare-and-swap race, as distinct from a
// caller-supplied transition error. No implementation in this package
// returns it: MemStore serializes every Update under one lock, and
// NATSStore delegates Update to its inner Store.
var ErrConflict = errors.New("jobstore: version conflict")

// TransitionFunc mutates a job and returns the new state, or an error to
// abort the update (the job is left unchanged).
type TransitionFunc func(job domain.Job) (domain.Job, error)

// Filter narrows List results. A zero Filter matches every job.
type Filter struct {
	State  domain.JobState
	Limit  int
	Offset int
}

// Store is the Job State Store contract (spec.md §4.3).
type Store interface {
	// Create durably records job. It fails with ErrJobExists if the ID
	// is already present (spec.md: "create(job) -> only succeeds if key
	// absent").
	Create(ctx context.Context, job domain.Job) error

	// Update applies fn to the current job under compare-and-swap,
	// retrying on version conflicts until fn succeeds or ctx is done
	// (spec.md: "update(job_id, transition_fn) -> compare-and-swap using
	// a version counter; retries on conflict").
	Update(ctx context.Context, jobID string, fn TransitionFunc) (domain.Job, error)

	// Get returns the current state of jobID.
	Get(ctx context.Context, jobID string) (domain.Job, error)

	// List returns jobs matching filter.
	List(ctx context.Context, filter Filter) ([]domain.Job, error)

	// Publish broadcasts a progress event for jobID. Best-effort: a
	// subscriber that isn't listening at the moment simply misses it
	// (spec.md: "publish is best-effort; subscribers missing events may
	// reconcile by polling get").
	Publish(ctx context.Context, jobID string, event domain.ProgressEvent) error

	// Subscribe returns a channel of progress events for jobID and an
	// unsubscribe function the caller must invoke when done.
	Subscribe(ctx context.Context, jobID string) (<-chan domain.ProgressEvent, func(), error)
}
