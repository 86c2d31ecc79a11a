package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
)

func newTestJob(id string) domain.Job {
	return domain.Job{
		ID:       id,
		RepoPath: "/repo",
		Steps:    []domain.StepDescriptor{{Name: "filesystem"}, {Name: "ast"}},
		Progress: []domain.StepProgress{
			{Name: "filesystem", State: domain.StepPending},
			{Name: "ast", State: domain.StepPending},
		},
		State:     domain.JobPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	store := NewMemStore()
	job := newTestJob("job-1")

	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Create(context.Background(), job); err != ErrJobExists {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}

func TestUpdateIncrementsVersionAndDerivesState(t *testing.T) {
	store := NewMemStore()
	job := newTestJob("job-1")
	_ = store.Create(context.Background(), job)

	updated, err := store.Update(context.Background(), "job-1", func(j domain.Job) (domain.Job, error) {
		for i := range j.Progress {
			j.Progress[i].State = domain.StepCompleted
		}
		return j, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if updated.State != domain.JobCompleted {
		t.Fatalf("expected completed state, got %s", updated.State)
	}
}

func TestUpdateUnknownJobFails(t *testing.T) {
	store := NewMemStore()
	_, err := store.Update(context.Background(), "missing", func(j domain.Job) (domain.Job, error) { return j, nil })
	if err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListFiltersByState(t *testing.T) {
	store := NewMemStore()
	running := newTestJob("running")
	running.State = domain.JobRunning
	done := newTestJob("done")
	done.State = domain.JobCompleted

	_ = store.Create(context.Background(), running)
	_ = store.Create(context.Background(), done)

	jobs, err := store.List(context.Background(), Filter{State: domain.JobCompleted})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "done" {
		t.Fatalf("expected only the completed job, got %v", jobs)
	}
}

func TestPublishSubscribeDeliversEvent(t *testing.T) {
	store := NewMemStore()
	job := newTestJob("job-1")
	_ = store.Create(context.Background(), job)

	events, unsubscribe, err := store.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	want := domain.ProgressEvent{JobID: "job-1", Step: "filesystem", Percent: 50, Message: "walking"}
	if err := store.Publish(context.Background(), "job-1", want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-events:
		if got.Step != want.Step || got.Percent != want.Percent {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeUnknownJobFails(t *testing.T) {
	store := NewMemStore()
	_, _, err := store.Subscribe(context.Background(), "missing")
	if err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
