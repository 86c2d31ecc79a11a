package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/jobstore"
	"github.com/ingestforge/ingestforge/internal/pipeline"
)

// fakeStep completes after a fixed number of status polls, or fails/hangs
// as configured, without doing any real work.
type fakeStep struct {
	name         string
	deps         []string
	pollsToReady int

	mu     sync.Mutex
	polls  map[string]int
	failAt int // if > 0, status reports failed at this poll count instead of completing
	stopped map[string]bool
}

func newFakeStep(name string) *fakeStep {
	return &fakeStep{name: name, pollsToReady: 1, polls: map[string]int{}, stopped: map[string]bool{}}
}

func (s *fakeStep) Name() string           { return s.name }
func (s *fakeStep) Dependencies() []string { return s.deps }

func (s *fakeStep) Run(_ context.Context, jobID, _ string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[jobID] = 0
	return nil
}

func (s *fakeStep) Status(_ context.Context, jobID string) (pipeline.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[jobID]++
	n := s.polls[jobID]

	if s.failAt > 0 && n >= s.failAt {
		return pipeline.Status{State: domain.StepFailed, Percent: 0}, nil
	}
	if n >= s.pollsToReady {
		return pipeline.Status{State: domain.StepCompleted, Percent: 100}, nil
	}
	return pipeline.Status{State: domain.StepRunning, Percent: 50}, nil
}

func (s *fakeStep) Stop(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[jobID] = true
	return nil
}
func (s *fakeStep) Cancel(_ context.Context, _ string) error { return nil }
func (s *fakeStep) IngestionUpdate(context.Context, string, string, map[string]any) error {
	return nil
}

func testOptions() Options {
	return Options{HeartbeatInterval: 5 * time.Millisecond, CancelGrace: 50 * time.Millisecond}
}

func TestSubmitRunsStepsInOrderToCompletion(t *testing.T) {
	reg := pipeline.NewRegistry()
	fsStep := newFakeStep("filesystem")
	astStep := newFakeStep("ast")
	astStep.deps = []string{"filesystem"}
	reg.Register(fsStep)
	reg.Register(astStep)

	store := jobstore.NewMemStore()
	o := New(reg, store, []domain.StepDescriptor{
		{Name: "filesystem", Retries: 1, BackoffSeconds: 1},
		{Name: "ast", Retries: 1, BackoffSeconds: 1},
	}, testOptions())

	jobID, err := o.Submit(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.Wait()

	job, err := store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.State != domain.JobCompleted {
		t.Fatalf("expected completed job, got %s (%+v)", job.State, job.Progress)
	}
}

func TestSubmitRejectsUnsatisfiedDependencyOrder(t *testing.T) {
	reg := pipeline.NewRegistry()
	fsStep := newFakeStep("filesystem")
	astStep := newFakeStep("ast")
	astStep.deps = []string{"filesystem"}
	reg.Register(fsStep)
	reg.Register(astStep)

	store := jobstore.NewMemStore()
	o := New(reg, store, []domain.StepDescriptor{
		{Name: "ast", Retries: 1, BackoffSeconds: 1},
		{Name: "filesystem", Retries: 1, BackoffSeconds: 1},
	}, testOptions())

	_, err := o.Submit(context.Background(), t.TempDir(), nil)
	if err == nil {
		t.Fatal("expected an ordering validation error")
	}
}

func TestStepExhaustsRetriesAndFailsJob(t *testing.T) {
	reg := pipeline.NewRegistry()
	fsStep := newFakeStep("filesystem")
	fsStep.failAt = 1
	reg.Register(fsStep)

	store := jobstore.NewMemStore()
	o := New(reg, store, []domain.StepDescriptor{
		{Name: "filesystem", Retries: 2, BackoffSeconds: 0},
	}, testOptions())

	jobID, err := o.Submit(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.Wait()

	job, err := store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.State != domain.JobFailed {
		t.Fatalf("expected failed job, got %s", job.State)
	}
	progress := job.StepByName("filesystem")
	if progress.LastError == nil {
		t.Fatal("expected a recorded step error")
	}
}

func TestCancelStopsStepAndMarksJobCancelled(t *testing.T) {
	reg := pipeline.NewRegistry()
	fsStep := newFakeStep("filesystem")
	fsStep.pollsToReady = 1_000_000 // never completes on its own
	reg.Register(fsStep)

	store := jobstore.NewMemStore()
	o := New(reg, store, []domain.StepDescriptor{
		{Name: "filesystem", Retries: 1, BackoffSeconds: 1},
	}, testOptions())

	jobID, err := o.Submit(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := o.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.Wait()

	job, err := store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.State != domain.JobCancelled {
		t.Fatalf("expected cancelled job, got %s", job.State)
	}
}
