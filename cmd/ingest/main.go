// Command ingest is the operator CLI for the ingestion pipeline service
// (cmd/api): it submits a repository for ingestion, polls job status,
// requests cancellation, and checks that the service (which runs its own
// crash-resume scan at startup) is reachable, following the teacher's flag.Parse/envOr
// configuration style but dispatching subcommands off os.Args[1] the way
// the standard library's own multi-command tools (go, git) do.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "resume":
		err = runResume(ctx, os.Args[2:])
	case "cancel":
		err = runCancel(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ingest <submit|status|resume|cancel> [flags]

  submit -repo <path> [-watch]   submit a repository and optionally poll until terminal
  status -job <id>               print the current status of a job
  cancel -job <id>               request cancellation of a running job
  resume                         check the service is up (it resumes crashed jobs at startup)`)
}

func apiAddr() string {
	return "http://localhost:" + envOr("HTTP_PORT", "8080")
}

type submitRequest struct {
	RepositoryPath string         `json:"repository_path"`
	Options        map[string]any `json:"options,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type stepProgress struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Percent int    `json:"percent"`
	Attempt int    `json:"attempt"`
}

type jobStatus struct {
	JobID     string         `json:"job_id"`
	State     string         `json:"state"`
	Steps     []stepProgress `json:"steps"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	repo := fs.String("repo", "", "repository path to ingest (required)")
	watch := fs.Bool("watch", false, "poll status until the job reaches a terminal state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" {
		return fmt.Errorf("submit: -repo is required")
	}

	body, _ := json.Marshal(submitRequest{RepositoryPath: *repo})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiAddr()+"/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Println(out.JobID)

	if !*watch {
		return nil
	}
	return pollUntilTerminal(ctx, out.JobID)
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jobID := fs.String("job", "", "job id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return fmt.Errorf("status: -job is required")
	}

	status, err := fetchStatus(ctx, *jobID)
	if err != nil {
		return err
	}
	return printStatus(status)
}

func runCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	jobID := fs.String("job", "", "job id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return fmt.Errorf("cancel: -job is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiAddr()+"/jobs/"+*jobID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("cancel: unexpected status %d", resp.StatusCode)
	}
	fmt.Println("cancellation requested")
	return nil
}

// runResume has no corresponding HTTP route: crash-resume already runs
// automatically at the service's startup (spec.md §4.5's edge case), so
// this subcommand is a operator-facing reminder rather than a remote
// call — it just confirms the service is reachable.
func runResume(ctx context.Context, _ []string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiAddr()+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("resume: service unreachable: %w", err)
	}
	defer resp.Body.Close()
	fmt.Println("the running service already resumes crash-interrupted jobs at startup")
	return nil
}

func fetchStatus(ctx context.Context, jobID string) (jobStatus, error) {
	var out jobStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiAddr()+"/jobs/"+jobID, nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return out, fmt.Errorf("status: job %s not found", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status: unexpected status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func printStatus(status jobStatus) error {
	fmt.Printf("job %s: %s\n", status.JobID, status.State)
	for _, s := range status.Steps {
		fmt.Printf("  %-15s %-10s %3d%% (attempt %d)\n", s.Name, s.State, s.Percent, s.Attempt)
	}
	return nil
}

// pollUntilTerminal polls status every second until the job reaches a
// completed, failed, or cancelled state.
func pollUntilTerminal(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := fetchStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch status.State {
		case "completed", "failed", "cancelled":
			return printStatus(status)
		}
	}
}
