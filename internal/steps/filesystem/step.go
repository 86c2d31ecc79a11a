// Package filesystem implements the Filesystem Step (spec.md §4.7): walks
// a repository depth-unbounded, merges a Directory/File node per path,
// links each to its parent via CONTAINS, and retracts CONTAINS edges for
// paths removed on re-run. Grounded in the same explicit-Register,
// jobRun-per-job shape as internal/steps/summarizer, with the actual
// graph writes following internal/graphstore.Store's merge-by-identity
// discipline (engine/graph.GraphStore's SaveComponent/SaveEdge pattern,
// generalized from one Component label to Directory/File NodeKinds).
package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/pipeline"
)

// StepName is the configuration-facing identifier for this step.
const StepName = "filesystem"

// Store is the subset of graphstore.Store the Filesystem step needs.
type Store interface {
	MergeNode(ctx context.Context, node domain.Node) error
	MergeEdge(ctx context.Context, fromKind, toKind domain.NodeKind, edge domain.Edge) error
	DeleteEdge(ctx context.Context, fromKind, toKind domain.NodeKind, kind domain.EdgeKind, from, to string) error
	GetNode(ctx context.Context, kind domain.NodeKind, key string) (domain.Node, error)
	ChildKeys(ctx context.Context, parentKind, childKind domain.NodeKind, parentKey string) ([]string, error)
	AllNodes(ctx context.Context, kind domain.NodeKind) ([]domain.Node, error)
}

// defaultIgnore mirrors the common .gitignore-style noise every repo
// carries; step options may extend this list.
var defaultIgnore = []string{".git", "node_modules", "vendor", ".venv", "__pycache__", "dist", "build"}

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

// Step walks a repository and merges Directory/File nodes into the graph
// store, wiring CONTAINS edges as it goes.
type Step struct {
	store Store

	mu   sync.Mutex
	runs map[string]*jobRun
}

// New creates the filesystem Step over store.
func New(store Store) *Step {
	return &Step{store: store, runs: make(map[string]*jobRun)}
}

func (s *Step) Name() string { return StepName }

// Dependencies is empty: the Filesystem step is the root of the pipeline,
// producing the Repository/Directory/File nodes every later step relies on.
func (s *Step) Dependencies() []string { return nil }

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

func ignoreGlobs(options map[string]any) []string {
	globs := append([]string(nil), defaultIgnore...)
	if raw, ok := options["ignore"].([]string); ok {
		globs = append(globs, raw...)
	} else if raw, ok := options["ignore"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				globs = append(globs, s)
			}
		}
	}
	return globs
}

func matchesIgnore(name string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func (s *Step) run(ctx context.Context, jobID, repoPath string, options map[string]any) error {
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
	run.status = pipeline.Status{State: domain.StepRunning, Percent: 0, Message: "scanning repository"}
	run.mu.Unlock()

	go s.execute(runCtx, run, jobID, repoPath, options)
	return nil
}

func (s *Step) Run(ctx context.Context, jobID, repoPath string, options map[string]any) error {
	return s.run(ctx, jobID, repoPath, options)
}

// IngestionUpdate re-walks the repository; the merge-by-identity writes
// and the removed-path diff below already make a full re-walk cheap and
// correct for changed inputs, so there is no separate incremental path.
func (s *Step) IngestionUpdate(ctx context.Context, jobID, repoPath string, options map[string]any) error {
	return s.run(ctx, jobID, repoPath, options)
}

func (s *Step) execute(ctx context.Context, run *jobRun, jobID, repoPath string, options map[string]any) {
	globs := ignoreGlobs(options)

	total, err := preScan(repoPath, globs)
	if err != nil {
		s.fail(run, domain.NewStepError(domain.KindPermanent, "pre-scan repository", err))
		return
	}

	repoKey := repoPath
	if err := s.store.MergeNode(ctx, domain.Node{
		Kind:      domain.KindRepository,
		Key:       repoKey,
		Props:     map[string]any{"name": filepath.Base(repoPath)},
		CreatedAt: time.Now(),
	}); err != nil {
		s.fail(run, domain.NewStepError(domain.KindTransient, "merge repository node", err))
		return
	}

	processed := 0
	seen := map[string]string{repoKey: ""} // path -> parent key

	walkErr := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if run.isCancelled() {
			return fs.SkipAll
		}
		if err != nil {
			return err
		}
		if path == repoPath {
			return nil
		}
		if matchesIgnore(d.Name(), globs) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		parent := filepath.Dir(path)
		parentKind := domain.KindDirectory
		if parent == repoPath {
			parentKind = domain.KindRepository
		}

		if d.IsDir() {
			if err := s.store.MergeNode(ctx, domain.Node{
				Kind:      domain.KindDirectory,
				Key:       path,
				Props:     map[string]any{"name": d.Name()},
				CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
			if err := s.store.MergeEdge(ctx, parentKind, domain.KindDirectory, domain.Edge{
				Kind: domain.EdgeContains, From: parent, To: path,
			}); err != nil {
				return err
			}
			seen[path] = parent
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := s.store.MergeNode(ctx, domain.Node{
			Kind: domain.KindFile,
			Key:  path,
			Props: map[string]any{
				"name":          d.Name(),
				"size":          info.Size(),
				"extension":     strings.TrimPrefix(filepath.Ext(path), "."),
				"content_type":  contentTypeOf(path),
				"last_modified": info.ModTime().Format(time.RFC3339),
			},
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := s.store.MergeEdge(ctx, parentKind, domain.KindFile, domain.Edge{
			Kind: domain.EdgeContains, From: parent, To: path,
		}); err != nil {
			return err
		}
		seen[path] = parent

		processed++
		pct := 0
		if total > 0 {
			pct = processed * 100 / total
		}
		run.mu.Lock()
		run.status.Percent = pct
		run.status.Message = fmt.Sprintf("processed %d/%d", processed, total)
		run.mu.Unlock()
		return nil
	})

	if walkErr != nil && walkErr != fs.SkipAll {
		s.fail(run, domain.NewStepError(domain.KindPermanent, "walk repository", walkErr))
		return
	}

	run.mu.Lock()
	cancelled := run.canceled
	stopped := run.stopped
	run.mu.Unlock()
	if cancelled || stopped {
		run.mu.Lock()
		run.status = pipeline.Status{State: domain.StepCancelled, Percent: run.status.Percent, Message: "cancelled"}
		run.mu.Unlock()
		return
	}

	if err := s.retractRemoved(ctx, repoKey, seen); err != nil {
		s.fail(run, domain.NewStepError(domain.KindTransient, "retract removed paths", err))
		return
	}

	if err := s.linkDefinitions(ctx); err != nil {
		s.fail(run, domain.NewStepError(domain.KindTransient, "link AST definitions to files", err))
		return
	}

	run.mu.Lock()
	run.status = pipeline.Status{State: domain.StepCompleted, Percent: 100, Message: fmt.Sprintf("walked %d files", processed)}
	run.mu.Unlock()
}

// retractRemoved diffs the previously recorded CONTAINS children of every
// directory/repository node seen this walk against the new seen set, and
// deletes CONTAINS edges for paths no longer present (spec.md §4.7's
// idempotency: "removes CONTAINS edges for files no longer present").
func (s *Step) retractRemoved(ctx context.Context, repoKey string, seen map[string]string) error {
	parents := map[string]domain.NodeKind{repoKey: domain.KindRepository}
	for path := range seen {
		if path == repoKey {
			continue
		}
		parents[path] = domain.KindDirectory
	}

	sortedParents := make([]string, 0, len(parents))
	for p := range parents {
		sortedParents = append(sortedParents, p)
	}
	sort.Strings(sortedParents)

	for _, parentKey := range sortedParents {
		parentKind := parents[parentKey]
		for _, childKind := range []domain.NodeKind{domain.KindDirectory, domain.KindFile} {
			children, err := s.store.ChildKeys(ctx, parentKind, childKind, parentKey)
			if err != nil {
				continue // best-effort: a lookup failure here shouldn't fail the whole walk
			}
			for _, child := range children {
				if _, stillPresent := seen[child]; !stillPresent {
					if err := s.store.DeleteEdge(ctx, parentKind, childKind, domain.EdgeContains, parentKey, child); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// linkDefinitions queries Function/Class/Module nodes created by the AST
// step and links each to its defining File node by path match (spec.md
// §4.7: "after walk, queries existing AST nodes... and links each to its
// defining file by path match").
func (s *Step) linkDefinitions(ctx context.Context) error {
	for _, kind := range []domain.NodeKind{domain.KindFunction, domain.KindClass, domain.KindModule} {
		nodes, err := s.store.AllNodes(ctx, kind)
		if err != nil {
			continue // AST step may not have run yet on a fresh job; not an error for this step
		}
		for _, n := range nodes {
			filePath, ok := n.Props["file"].(string)
			if !ok || filePath == "" {
				continue
			}
			if _, err := s.store.GetNode(ctx, domain.KindFile, filePath); err != nil {
				continue
			}
			if err := s.store.MergeEdge(ctx, domain.KindFile, kind, domain.Edge{
				Kind: domain.EdgeDefines, From: filePath, To: n.Key,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Step) fail(run *jobRun, stepErr *domain.StepError) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.status = pipeline.Status{State: domain.StepFailed, Percent: run.status.Percent, Message: stepErr.Message, Err: stepErr}
}

func (s *Step) Status(ctx context.Context, jobID string) (pipeline.Status, error) {
	run := s.runFor(jobID)
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.status, nil
}

func (s *Step) Stop(ctx context.Context, jobID string) error {
	run := s.runFor(jobID)
	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()
	return nil
}

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

// Register builds a Step over store and adds it to the global registry.
func Register(store Store) *Step {
	step := New(store)
	pipeline.Register(step)
	return step
}

// preScan performs a cheap count-only walk to produce the `total` for
// percent reporting (spec.md §4.7).
func preScan(repoPath string, globs []string) (int, error) {
	total := 0
	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == repoPath {
			return nil
		}
		if matchesIgnore(d.Name(), globs) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			total++
		}
		return nil
	})
	return total, err
}

func contentTypeOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".js", ".ts", ".java", ".rb", ".rs", ".c", ".cpp", ".h":
		return "source"
	case ".md", ".rst", ".txt", ".adoc":
		return "doc"
	case ".json", ".yaml", ".yml", ".toml":
		return "config"
	default:
		return "unknown"
	}
}
