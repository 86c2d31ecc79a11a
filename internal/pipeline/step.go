// Package pipeline defines the Step contract every pipeline stage
// implements (spec.md §4.4) and the Registry the binaries register steps into,
// grounded in the teacher's fn.Stage composition style but generalized
// from a fixed compile-time pipeline (engine/ingest.go's Validate ->
// Parse -> ChunkDoc -> Embed -> Store chain) into named, independently
// schedulable units the Orchestrator assembles from configuration.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// Status is the point-in-time state of a step's execution for one job.
type Status struct {
	State   domain.StepState
	Percent int
	Message string
	Err     *domain.StepError
}

// Step is the contract every pipeline stage implements (spec.md §4.4).
// Run returns promptly after scheduling — the Worker Runtime performs
// the actual work and reports progress back through the Job State Store.
type Step interface {
	// Name is the configuration-facing identifier (matches StepConfig.Name).
	Name() string

	// Dependencies lists step names that must complete earlier in the
	// same job.
	Dependencies() []string

	// Run begins work for jobID against repoPath and returns promptly.
	Run(ctx context.Context, jobID, repoPath string, options map[string]any) error

	// Status reports the current execution state for jobID.
	Status(ctx context.Context, jobID string) (Status, error)

	// Stop requests best-effort graceful termination.
	Stop(ctx context.Context, jobID string) error

	// Cancel hard-aborts the step, guaranteeing resource release.
	Cancel(ctx context.Context, jobID string) error

	// IngestionUpdate re-runs the step incrementally over changed inputs
	// only, rather than from scratch.
	IngestionUpdate(ctx context.Context, jobID, repoPath string, options map[string]any) error
}

// Registry holds every known Step, keyed by name. Each binary (cmd/api,
// cmd/worker) fills the global registry at startup by calling every step
// package's Register function, which keeps the Orchestrator decoupled
// from the concrete step packages — it only imports this package.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// global is the process-wide registry steps register into.
var global = NewRegistry()

// NewRegistry creates an empty Registry. Production code uses the
// package-level Register/Lookup/Global against the shared global registry;
// tests construct their own to avoid cross-test pollution.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds step to r, panicking on a duplicate name — a
// configuration error caught at startup, not a runtime condition to
// recover from.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := step.Name()
	if _, exists := r.steps[name]; exists {
		panic(fmt.Sprintf("pipeline: step %q already registered", name))
	}
	r.steps[name] = step
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[name]
	return step, ok
}

// Dependencies returns the dependency names of a registered step, used to
// satisfy domain.ValidateOrdering's dependenciesOf callback.
func (r *Registry) Dependencies(name string) []string {
	step, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return step.Dependencies()
}

// All returns every registered step name.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	return names
}

// Register adds step to the global registry.
func Register(step Step) { global.Register(step) }

// Lookup returns a step from the global registry.
func Lookup(name string) (Step, bool) { return global.Lookup(name) }

// Global returns the process-wide registry.
func Global() *Registry { return global }
