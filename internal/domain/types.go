// Package domain defines the core types shared across the ingestion
// pipeline: jobs, step descriptors, and the polymorphic graph node/edge
// shapes the Graph Store Adapter persists.
package domain

import "time"

// NodeKind enumerates the graph node variants the pipeline produces.
type NodeKind string

const (
	KindRepository    NodeKind = "Repository"
	KindDirectory     NodeKind = "Directory"
	KindFile          NodeKind = "File"
	KindModule        NodeKind = "Module"
	KindClass         NodeKind = "Class"
	KindFunction      NodeKind = "Function"
	KindSummary       NodeKind = "Summary"
	KindDocumentation NodeKind = "Documentation"
)

// EdgeKind enumerates the graph edge variants.
type EdgeKind string

const (
	EdgeContains      EdgeKind = "CONTAINS"
	EdgeImports       EdgeKind = "IMPORTS"
	EdgeCalls         EdgeKind = "CALLS"
	EdgeInheritsFrom  EdgeKind = "INHERITS_FROM"
	EdgeDocumentedBy  EdgeKind = "DOCUMENTED_BY"
	EdgeSummarizedBy  EdgeKind = "SUMMARIZED_BY"
	EdgeImplements    EdgeKind = "IMPLEMENTS"
	EdgeDefines       EdgeKind = "DEFINES"
)

// Node is the polymorphic graph node. Identity is the pair (Kind, Key);
// Props carries non-identifying attributes, including the optional
// embedding vector for Summary/Documentation nodes.
type Node struct {
	Kind      NodeKind       `json:"kind"`
	Key       string         `json:"key"`
	Props     map[string]any `json:"props"`
	Embedding []float32      `json:"embedding,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// Edge connects two nodes identified by their graph keys.
type Edge struct {
	Kind  EdgeKind       `json:"kind"`
	From  string         `json:"from"`
	To    string         `json:"to"`
	Props map[string]any `json:"props,omitempty"`
}

// StepState is the lifecycle state of a single step within a job.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepCancelled StepState = "cancelled"
	StepSkipped   StepState = "skipped"
)

// JobState is the aggregate state of a job, derived from its steps.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// StepProgress is the per-step mutable state tracked within a Job.
type StepProgress struct {
	Name      string     `json:"name"`
	State     StepState  `json:"state"`
	Percent   int        `json:"percent"`
	Attempt   int        `json:"attempt"`
	LastError *StepError `json:"last_error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StepDescriptor is a configuration-declared pipeline entry. Immutable
// once loaded at orchestrator startup.
type StepDescriptor struct {
	Name            string         `json:"name"`
	Concurrency     int            `json:"concurrency"`
	Retries         int            `json:"retries"`
	BackoffSeconds  int            `json:"backoff_seconds"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	Options         map[string]any `json:"options"`
}

// Job is one invocation of the full pipeline over one repository.
type Job struct {
	ID           string         `json:"id"`
	RepoPath     string         `json:"repo_path"`
	Steps        []StepDescriptor `json:"steps"`
	Progress     []StepProgress `json:"progress"`
	State        JobState       `json:"state"`
	Cancelled    bool           `json:"cancelled"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StepByName returns a pointer to the StepProgress entry for name, or nil.
func (j *Job) StepByName(name string) *StepProgress {
	for i := range j.Progress {
		if j.Progress[i].Name == name {
			return &j.Progress[i]
		}
	}
	return nil
}

// DeriveState recomputes the job's aggregate state from its step progress,
// per spec.md §3's invariant: failed iff any step failed after exhausting
// retries; completed iff all steps completed; cancelled iff the
// cancellation flag was observed and no step is still running.
func (j *Job) DeriveState() JobState {
	anyRunning := false
	anyFailed := false
	allCompleted := true

	for _, p := range j.Progress {
		switch p.State {
		case StepFailed:
			anyFailed = true
			allCompleted = false
		case StepRunning:
			anyRunning = true
			allCompleted = false
		case StepCompleted, StepSkipped:
			// no-op
		default:
			allCompleted = false
		}
	}

	switch {
	case anyFailed:
		return JobFailed
	case j.Cancelled && !anyRunning:
		return JobCancelled
	case allCompleted:
		return JobCompleted
	default:
		return JobRunning
	}
}

// ProgressEvent is published to the Job State Store's pub/sub channel.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Step      string    `json:"step"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
