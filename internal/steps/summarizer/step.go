// Package summarizer wires the Dependency-Aware Parallel Summarizer engine
// (internal/summarizer) into a pipeline.Step, with the same explicit
// Register function every step package provides.
package summarizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/pipeline"
	"github.com/ingestforge/ingestforge/internal/summarizer"
)

// StepName is the configuration-facing identifier for this step.
const StepName = "summarizer"

// jobRun tracks one in-flight (or finished) execution of the step for a
// single job.
type jobRun struct {
	mu       sync.Mutex
	status   pipeline.Status
	cancel   context.CancelFunc
	stopped  bool
	canceled bool
}

func (r *jobRun) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped || r.canceled
}

// Step runs the Summarizer engine over a job's repository, reporting
// progress through Status as the Scheduler completes each DAG node. It
// depends on the summarizer package's own narrow Store/Gateway
// interfaces rather than the concrete graphstore/llmgateway types, so it
// can be exercised against fakes in tests.
type Step struct {
	store summarizer.Store
	gw    summarizer.Gateway

	mu   sync.Mutex
	runs map[string]*jobRun
}

// New creates the summarizer Step over store and gw.
func New(store summarizer.Store, gw summarizer.Gateway) *Step {
	return &Step{store: store, gw: gw, runs: make(map[string]*jobRun)}
}

func (s *Step) Name() string { return StepName }

// Dependencies requires the AST and Filesystem steps, whose output
// populates the code-entity nodes and containment edges the DAGBuilder
// reads.
func (s *Step) Dependencies() []string { return []string{"filesystem", "ast"} }

func (s *Step) runFor(jobID string) *jobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[jobID]
	if !ok {
		r = &jobRun{status: pipeline.Status{State: domain.StepPending}}
		s.runs[jobID] = r
	}
	return r
}

func (s *Step) run(ctx context.Context, jobID, repoPath string, options map[string]any, update bool) error {
	run := s.runFor(jobID)

	run.mu.Lock()
	if run.status.State == domain.StepRunning {
		run.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	run.stopped = false
	run.canceled = false
	run.status = pipeline.Status{State: domain.StepRunning, Percent: 0, Message: "building dependency graph"}
	run.mu.Unlock()

	concurrency := 5
	if v, ok := options["concurrency"].(int); ok && v > 0 {
		concurrency = v
	}
	threshold := 0
	if v, ok := options["failure_threshold"].(int); ok && v >= 0 {
		threshold = v
	}

	go s.execute(runCtx, run, jobID, concurrency, threshold, update)
	return nil
}

func (s *Step) execute(ctx context.Context, run *jobRun, jobID string, concurrency, threshold int, update bool) {
	builder := summarizer.NewDAGBuilder(s.store)
	dag, err := builder.Build(ctx)
	if err != nil {
		s.fail(run, domain.NewStepError(domain.KindTransient, "build dependency graph", err))
		return
	}

	run.mu.Lock()
	run.status.Message = fmt.Sprintf("summarizing %d nodes", len(dag.Nodes))
	run.mu.Unlock()

	gen := summarizer.NewGenerator(s.store, s.gw, update)
	sched := summarizer.NewScheduler(dag, gen, concurrency)

	results := sched.Run(ctx, run.isCancelled, func(completed, total int) {
		pct := 0
		if total > 0 {
			pct = completed * 100 / total
		}
		run.mu.Lock()
		run.status.Percent = pct
		run.status.Message = fmt.Sprintf("summarized %d/%d nodes", completed, total)
		run.mu.Unlock()
	})

	failed := 0
	for _, r := range results {
		if r.State == summarizer.NodeFailed {
			failed++
		}
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	switch {
	case run.canceled:
		run.status = pipeline.Status{State: domain.StepCancelled, Percent: run.status.Percent, Message: "cancelled"}
	case run.stopped:
		run.status = pipeline.Status{State: domain.StepCancelled, Percent: run.status.Percent, Message: "stopped"}
	case failed > threshold:
		run.status = pipeline.Status{
			State:   domain.StepFailed,
			Percent: 100,
			Message: fmt.Sprintf("%d/%d nodes failed to summarize", failed, len(results)),
			Err:     domain.NewStepError(domain.KindPartialData, fmt.Sprintf("%d DAG nodes failed summarization, threshold %d", failed, threshold), nil),
		}
	case failed > 0:
		run.status = pipeline.Status{
			State:   domain.StepCompleted,
			Percent: 100,
			Message: fmt.Sprintf("completed with %d/%d nodes unsummarized", failed, len(results)),
		}
	default:
		run.status = pipeline.Status{State: domain.StepCompleted, Percent: 100, Message: "summarized all nodes"}
	}
}

func (s *Step) fail(run *jobRun, stepErr *domain.StepError) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.status = pipeline.Status{State: domain.StepFailed, Percent: run.status.Percent, Message: stepErr.Message, Err: stepErr}
}

func (s *Step) Run(ctx context.Context, jobID, repoPath string, options map[string]any) error {
	return s.run(ctx, jobID, repoPath, options, false)
}

func (s *Step) IngestionUpdate(ctx context.Context, jobID, repoPath string, options map[string]any) error {
	return s.run(ctx, jobID, repoPath, options, true)
}

func (s *Step) Status(ctx context.Context, jobID string) (pipeline.Status, error) {
	run := s.runFor(jobID)
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.status, nil
}

// Stop requests graceful termination: in-flight LLM calls finish, but no
// new DAG node is dispatched.
func (s *Step) Stop(ctx context.Context, jobID string) error {
	run := s.runFor(jobID)
	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()
	return nil
}

// Cancel hard-aborts by cancelling the step's context, unblocking any
// in-flight Gateway call.
func (s *Step) Cancel(ctx context.Context, jobID string) error {
	run := s.runFor(jobID)
	run.mu.Lock()
	run.canceled = true
	cancel := run.cancel
	run.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Register builds a Step over store and gw and adds it to the global
// registry. Called from the binary's wiring, not from an init() — the
// step needs live store/gateway instances the package can't construct on
// its own at import time.
func Register(store summarizer.Store, gw summarizer.Gateway) *Step {
	step := New(store, gw)
	pipeline.Register(step)
	return step
}
