// Package worker implements the Worker Runtime (spec.md §4.6): it pulls
// step-invocation tasks from a NATS queue group per step name, acquires
// a renewable lease, invokes the step's work, and heartbeats progress
// back through the Job State Store at least every 2s while active.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/jobstore"
	"github.com/ingestforge/ingestforge/internal/pipeline"
)

// Task is one step-invocation dispatched to a worker (spec.md §4.6:
// "{job_id, step_name, options}").
type Task struct {
	JobID    string         `json:"job_id"`
	StepName string         `json:"step_name"`
	RepoPath string         `json:"repo_path"`
	Options  map[string]any `json:"options"`
}

func taskSubject(stepName string) string { return fmt.Sprintf("ingest.tasks.%s", stepName) }

// PublishTask enqueues a task for whichever worker in the step's queue
// group picks it up next.
func PublishTask(nc *nats.Conn, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return nc.Publish(taskSubject(task.StepName), data)
}

// Options configures Runtime timing.
type Options struct {
	// LeaseRenewInterval is how often the worker renews its lease on an
	// in-flight task by bumping the job's heartbeat timestamp.
	LeaseRenewInterval time.Duration
	// PollRate bounds how fast the runtime pulls new tasks off the
	// queue group, independent of NATS's own delivery rate — distinct
	// from the Graph Store Adapter/LLM Gateway's own internal token
	// buckets (spec.md §4.6: workers are stateless; this limiter is
	// purely about not hot-looping on a saturated queue group).
	PollRate  rate.Limit
	PollBurst int
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.LeaseRenewInterval <= 0 {
		o.LeaseRenewInterval = 2 * time.Second
	}
	if o.PollRate <= 0 {
		o.PollRate = 50
	}
	if o.PollBurst <= 0 {
		o.PollBurst = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Runtime executes step tasks for one or more registered steps, stateless
// between tasks (spec.md §4.6: "no in-process mutable shared state
// between tasks").
type Runtime struct {
	nc       *nats.Conn
	store    jobstore.Store
	registry *pipeline.Registry
	opts     Options
	limiter  *rate.Limiter

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New creates a Runtime.
func New(nc *nats.Conn, store jobstore.Store, registry *pipeline.Registry, opts Options) *Runtime {
	opts = opts.withDefaults()
	return &Runtime{
		nc:       nc,
		store:    store,
		registry: registry,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.PollRate, opts.PollBurst),
	}
}

// Serve subscribes to the queue group for each step name and processes
// tasks until ctx is cancelled. queueGroup is typically the step name
// itself so concurrency is configured per step (spec.md §4.6: "queue per
// step name allows concurrency configuration").
func (r *Runtime) Serve(ctx context.Context, stepNames []string) error {
	for _, name := range stepNames {
		name := name
		sub, err := r.nc.QueueSubscribe(taskSubject(name), name, func(msg *nats.Msg) {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			r.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("worker: subscribe %s: %w", name, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	<-ctx.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	return ctx.Err()
}

func (r *Runtime) handle(ctx context.Context, msg *nats.Msg) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		r.opts.Logger.Error("worker: malformed task", "error", err)
		return
	}

	step, ok := r.registry.Lookup(task.StepName)
	if !ok {
		r.opts.Logger.Error("worker: no step registered", "step", task.StepName)
		return
	}

	r.execute(ctx, step, task)
}

// execute runs one task, renewing the job's lease on a ticker and
// converting any panic from the step into a tool_failure error instead
// of crashing the worker.
func (r *Runtime) execute(ctx context.Context, step pipeline.Step, task Task) {
	leaseCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.renewLease(leaseCtx, task.JobID)
	}()
	// cancel must run before Wait, so register Wait's defer first:
	// defers unwind LIFO, and whichever runs last here would otherwise
	// block forever waiting on a lease-renewal loop nothing ever stops.
	defer wg.Wait()
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			stepErr := domain.NewStepError(domain.KindToolFailure, fmt.Sprintf("step panicked: %v", rec), nil)
			r.recordFailure(ctx, task, stepErr)
		}
	}()

	if err := step.Run(ctx, task.JobID, task.RepoPath, task.Options); err != nil {
		stepErr := domain.NewStepError(domain.KindToolFailure, "step run failed", err)
		r.recordFailure(ctx, task, stepErr)
	}
}

func (r *Runtime) renewLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(r.opts.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
				return j, nil // bumps UpdatedAt, renewing the Orchestrator's lease-expiry check
			})
		}
	}
}

func (r *Runtime) recordFailure(ctx context.Context, task Task, stepErr *domain.StepError) {
	r.opts.Logger.Error("worker: step failed", "job_id", task.JobID, "step", task.StepName, "error", stepErr)
	_, _ = r.store.Update(ctx, task.JobID, func(j domain.Job) (domain.Job, error) {
		p := j.StepByName(task.StepName)
		if p != nil {
			p.State = domain.StepFailed
			p.LastError = stepErr
		}
		return j, nil
	})
}
