// Package orchestrator implements the Pipeline Orchestrator (spec.md
// §4.5): it sequences a job's steps in declared order, heartbeats each
// step's status, applies the configured retry/backoff policy, honors
// cancellation, and resumes jobs left running by a crashed process.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/jobstore"
	"github.com/ingestforge/ingestforge/internal/pipeline"
)

// Options configures orchestrator timing. All fields have sensible
// defaults in New.
type Options struct {
	// HeartbeatInterval bounds how often Status is polled while a step
	// runs (spec.md: "heartbeat polling of status every <=1s").
	HeartbeatInterval time.Duration
	// CancelGrace is how long Stop is given to succeed before Cancel is
	// invoked instead (spec.md §4.5.f).
	CancelGrace time.Duration
	// LeaseTimeout is how long a running job may go without a heartbeat
	// update before Resume considers its worker lease expired.
	LeaseTimeout time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 30 * time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Orchestrator drives jobs through their declared step list.
type Orchestrator struct {
	registry *pipeline.Registry
	store    jobstore.Store
	steps    []domain.StepDescriptor
	opts     Options

	wg sync.WaitGroup
}

// New creates an Orchestrator over steps (loaded from configuration at
// startup, per spec.md §4.5's "Inputs").
func New(registry *pipeline.Registry, store jobstore.Store, steps []domain.StepDescriptor, opts Options) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    store,
		steps:    steps,
		opts:     opts.withDefaults(),
	}
}

func (o *Orchestrator) stepNames() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name
	}
	return names
}

// Submit creates a job for repoPath and begins driving it asynchronously,
// returning the new job ID. It fails fast — before creating anything —
// if the declared step order violates dependencies() (spec.md §4.5.2).
func (o *Orchestrator) Submit(ctx context.Context, repoPath string, options map[string]any) (string, error) {
	if err := domain.ValidateSubmission(repoPath, o.steps); err != nil {
		return "", err
	}
	if err := domain.ValidateOrdering(o.stepNames(), o.registry.Dependencies); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	now := time.Now()
	progress := make([]domain.StepProgress, len(o.steps))
	for i, s := range o.steps {
		progress[i] = domain.StepProgress{Name: s.Name, State: domain.StepPending}
	}

	job := domain.Job{
		ID:        jobID,
		RepoPath:  repoPath,
		Steps:     o.steps,
		Progress:  progress,
		State:     domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(context.WithoutCancel(ctx), jobID, repoPath, options)
	}()
	return jobID, nil
}

// Wait blocks until every in-flight Submit/Resume goroutine has returned.
// Intended for tests and graceful shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Resume scans for jobs left `running` by a crashed process whose worker
// lease has expired, resets their in-flight step back to pending, and
// resumes driving them from there (spec.md §4.5's crash-resume edge
// case). Steps are required to be idempotent so resuming from the last
// completed step is always safe.
func (o *Orchestrator) Resume(ctx context.Context) error {
	jobs, err := o.store.List(ctx, jobstore.Filter{State: domain.JobRunning})
	if err != nil {
		return fmt.Errorf("orchestrator: resume list: %w", err)
	}

	for _, job := range jobs {
		if time.Since(job.UpdatedAt) < o.opts.LeaseTimeout {
			continue // still within lease, a live worker owns it
		}

		resumed, err := o.store.Update(ctx, job.ID, func(j domain.Job) (domain.Job, error) {
			for i := range j.Progress {
				if j.Progress[i].State == domain.StepRunning {
					j.Progress[i].State = domain.StepPending
					j.Progress[i].Attempt = 0
				}
			}
			return j, nil
		})
		if err != nil {
			o.opts.Logger.Error("orchestrator: resume reset failed", "job_id", job.ID, "error", err)
			continue
		}

		o.opts.Logger.Info("orchestrator: resuming job after lease expiry", "job_id", job.ID)
		o.wg.Add(1)
		go func(j domain.Job) {
			defer o.wg.Done()
			o.drive(context.WithoutCancel(ctx), j.ID, j.RepoPath, nil)
		}(resumed)
	}
	return nil
}

// Cancel sets the cancellation flag on jobID. Workers and the driving
// goroutine observe it at their next suspension point (spec.md §4.3).
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	_, err := o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
		j.Cancelled = true
		return j, nil
	})
	return err
}
