package ast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
)

func waitForTerminal(t *testing.T, step *Step, jobID string) domain.StepState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := step.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		switch st.State {
		case domain.StepCompleted, domain.StepFailed, domain.StepCancelled:
			return st.State
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("step never reached a terminal state")
	return ""
}

func TestStepRunSucceedsOnZeroExit(t *testing.T) {
	step := New()
	step.Command = func(string, map[string]any) (string, []string) {
		return "true", nil
	}

	if err := step.Run(context.Background(), "job-1", "/repo", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state := waitForTerminal(t, step, "job-1")
	if state != domain.StepCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
}

func TestStepRunFailsOnNonZeroExit(t *testing.T) {
	step := New()
	step.Command = func(string, map[string]any) (string, []string) {
		return "false", nil
	}

	if err := step.Run(context.Background(), "job-2", "/repo", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state := waitForTerminal(t, step, "job-2")
	if state != domain.StepFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	status, _ := step.Status(context.Background(), "job-2")
	if status.Err == nil || status.Err.Kind != domain.KindToolFailure {
		t.Fatalf("expected a ToolFailure error, got %v", status.Err)
	}
}

func TestStepParsesProgressLines(t *testing.T) {
	script := `printf '{"path":"a.go","done":true}\n{"path":"b.go","done":true}\n'`
	step := New()
	step.Command = func(string, map[string]any) (string, []string) {
		return "sh", []string{"-c", script}
	}

	if err := step.Run(context.Background(), "job-3", "/repo", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	state := waitForTerminal(t, step, "job-3")
	if state != domain.StepCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
}

func TestStepCancelKillsSubprocess(t *testing.T) {
	step := New()
	step.Command = func(string, map[string]any) (string, []string) {
		return "sleep", []string{"5"}
	}

	if err := step.Run(context.Background(), "job-4", "/repo", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := step.Cancel(context.Background(), "job-4"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	state := waitForTerminal(t, step, "job-4")
	if state != domain.StepCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
}

func TestDefaultCommandAppendsOptionArgs(t *testing.T) {
	name, args := DefaultCommand("/repo", map[string]any{"command": "custom-parser", "args": []any{"--verbose"}})
	if name != "custom-parser" {
		t.Fatalf("expected custom-parser, got %s", name)
	}
	want := []string{"--repo", "/repo", "--readonly", "--verbose"}
	if fmt.Sprint(args) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
}
