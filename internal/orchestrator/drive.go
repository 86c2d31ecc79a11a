package orchestrator

import (
	"context"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/pipeline"
)

// drive runs jobID through o.steps in declared order, applying spec.md
// §4.5's algorithm. It is always invoked from a goroutine (by Submit or
// Resume) and never returns an error — terminal outcomes are recorded on
// the job record itself.
func (o *Orchestrator) drive(ctx context.Context, jobID, repoPath string, options map[string]any) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.opts.Logger.Error("orchestrator: drive: job vanished", "job_id", jobID, "error", err)
		return
	}

	for _, descriptor := range o.steps {
		progress := job.StepByName(descriptor.Name)
		if progress == nil || progress.State == domain.StepCompleted || progress.State == domain.StepSkipped {
			continue // already done — covers the crash-resume case
		}

		outcome := o.driveStep(ctx, jobID, descriptor, repoPath, options)
		switch outcome {
		case stepOutcomeCompleted:
			job, err = o.store.Get(ctx, jobID)
			if err != nil {
				return
			}
			continue
		case stepOutcomeCancelled, stepOutcomeFailed:
			return
		}
	}

	_, _ = o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
		return j, nil // State is recomputed by Update from j.Progress via DeriveState
	})
}

type stepOutcome int

const (
	stepOutcomeCompleted stepOutcome = iota
	stepOutcomeFailed
	stepOutcomeCancelled
)

// driveStep runs one step to completion, failure, or cancellation,
// retrying on failure per the step's configured backoff (spec.md
// §4.5.2.b-f).
func (o *Orchestrator) driveStep(ctx context.Context, jobID string, descriptor domain.StepDescriptor, repoPath string, options map[string]any) stepOutcome {
	step, ok := o.registry.Lookup(descriptor.Name)
	if !ok {
		o.failJob(ctx, jobID, descriptor.Name, domain.NewStepError(domain.KindConfiguration,
			"no step registered for "+descriptor.Name, nil))
		return stepOutcomeFailed
	}

	maxRetries := descriptor.Retries
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoff := time.Duration(descriptor.BackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if o.isCancelled(ctx, jobID) {
			return o.handleCancellation(ctx, jobID, step, descriptor.Name)
		}

		now := time.Now()
		_, _ = o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
			p := j.StepByName(descriptor.Name)
			p.State = domain.StepRunning
			p.Attempt = attempt
			p.StartedAt = &now
			p.LastError = nil
			return j, nil
		})

		if err := step.Run(ctx, jobID, repoPath, options); err != nil {
			if !o.retryOrFail(ctx, jobID, descriptor.Name, attempt, maxRetries, backoff, err) {
				return stepOutcomeFailed
			}
			continue
		}

		outcome := o.heartbeat(ctx, jobID, step, descriptor.Name)
		switch outcome {
		case stepOutcomeCompleted:
			return stepOutcomeCompleted
		case stepOutcomeCancelled:
			return stepOutcomeCancelled
		case stepOutcomeFailed:
			return stepOutcomeFailed // context cancelled — shutting down, not a step failure to retry
		default: // stepOutcomeRetryNeeded
			status, _ := step.Status(ctx, jobID)
			var stepErr error
			if status.Err != nil {
				stepErr = status.Err
			}
			if !o.retryOrFail(ctx, jobID, descriptor.Name, attempt, maxRetries, backoff, stepErr) {
				return stepOutcomeFailed
			}
		}
	}
	return stepOutcomeFailed
}

// heartbeat polls step.Status at the configured interval, forwarding
// percent/message to the Job State Store's pub/sub channel, until the
// step reaches a terminal state or cancellation is observed.
func (o *Orchestrator) heartbeat(ctx context.Context, jobID string, step pipeline.Step, name string) stepOutcome {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return stepOutcomeFailed
		case <-ticker.C:
		}

		if o.isCancelled(ctx, jobID) {
			return o.handleCancellation(ctx, jobID, step, name)
		}

		status, err := step.Status(ctx, jobID)
		if err != nil {
			continue // transient status-read hiccup, keep polling
		}

		_, _ = o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
			p := j.StepByName(name)
			p.Percent = status.Percent
			return j, nil
		})
		_ = o.store.Publish(ctx, jobID, domain.ProgressEvent{
			JobID: jobID, Step: name, Percent: status.Percent, Message: status.Message, Timestamp: time.Now(),
		})

		switch status.State {
		case domain.StepCompleted, domain.StepSkipped:
			now := time.Now()
			_, _ = o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
				p := j.StepByName(name)
				p.State = status.State
				p.EndedAt = &now
				return j, nil
			})
			return stepOutcomeCompleted
		case domain.StepFailed:
			return stepOutcomeRetryNeeded
		}
	}
}

// stepOutcomeRetryNeeded is an internal-only heartbeat result distinct
// from the three outward-facing outcomes: it tells driveStep to consult
// retryOrFail rather than to stop driving the job.
const stepOutcomeRetryNeeded = stepOutcome(99)

func (o *Orchestrator) retryOrFail(ctx context.Context, jobID, stepName string, attempt, maxRetries int, backoff time.Duration, cause error) bool {
	if attempt < maxRetries {
		sleep := backoff * time.Duration(1<<uint(attempt-1))
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
		return true
	}

	stepErr := domain.NewStepError(domain.KindToolFailure, "step exhausted retries", cause)
	o.failJob(ctx, jobID, stepName, stepErr)
	return false
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, stepName string, stepErr *domain.StepError) {
	now := time.Now()
	_, _ = o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
		p := j.StepByName(stepName)
		if p != nil {
			p.State = domain.StepFailed
			p.LastError = stepErr
			p.EndedAt = &now
		}
		return j, nil
	})
}

func (o *Orchestrator) isCancelled(ctx context.Context, jobID string) bool {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Cancelled
}

// handleCancellation implements spec.md §4.5.f: request a graceful Stop,
// escalate to a hard Cancel if the step is still running after the grace
// period, then mark the job cancelled.
func (o *Orchestrator) handleCancellation(ctx context.Context, jobID string, step pipeline.Step, stepName string) stepOutcome {
	_ = step.Stop(ctx, jobID)

	deadline := time.Now().Add(o.opts.CancelGrace)
	for time.Now().Before(deadline) {
		status, err := step.Status(ctx, jobID)
		if err == nil && status.State != domain.StepRunning {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	status, _ := step.Status(ctx, jobID)
	if status.State == domain.StepRunning {
		_ = step.Cancel(ctx, jobID)
	}

	now := time.Now()
	_, _ = o.store.Update(ctx, jobID, func(j domain.Job) (domain.Job, error) {
		p := j.StepByName(stepName)
		if p != nil && p.State == domain.StepRunning {
			p.State = domain.StepCancelled
			p.EndedAt = &now
		}
		return j, nil
	})
	return stepOutcomeCancelled
}

