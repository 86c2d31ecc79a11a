// Package documentation implements the Documentation Step (spec.md
// §4.10): finds documentation files among the File nodes the Filesystem
// step already created, extracts references to code symbols by
// heuristic matching, and creates Documentation nodes with
// DOCUMENTED_BY edges plus an embedding for semantic search parity with
// Summary nodes. The regex-plus-lookup-table matching shape is grounded
// in pkg/vehiclenlp.Extractor (there: vehicle mentions against a fixed
// make/model database; here: code-symbol mentions against an alias
// table built from the graph's own Function/Class/Module names).
package documentation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/pipeline"
)

// StepName is the configuration-facing identifier for this step.
const StepName = "documentation"

// docExtensions is the allowlist of file extensions treated as
// documentation (spec.md §4.10: "by extension and known filenames").
var docExtensions = map[string]bool{".md": true, ".rst": true, ".adoc": true, ".txt": true}

// docBasenames is the allowlist of well-known doc filenames with no (or
// any) extension.
var docBasenames = map[string]bool{"readme": true, "changelog": true, "contributing": true, "license": true}

// codeSpanRe matches inline code spans and bare dotted/qualified names —
// the two heuristics spec.md §4.10 names explicitly ("paths, qualified
// names, inline code-spans").
var codeSpanRe = regexp.MustCompile("`([^`]+)`")
var qualifiedNameRe = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)+\b`)

// Store is the subset of graphstore.Store the Documentation step needs.
type Store interface {
	AllNodes(ctx context.Context, kind domain.NodeKind) ([]domain.Node, error)
	MergeNode(ctx context.Context, node domain.Node) error
	MergeEdge(ctx context.Context, fromKind, toKind domain.NodeKind, edge domain.Edge) error
}

// Gateway is the subset of llmgateway.Gateway the Documentation step needs.
type Gateway interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

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

// Step links documentation text to the code symbols it mentions.
type Step struct {
	store Store
	gw    Gateway

	mu   sync.Mutex
	runs map[string]*jobRun
}

// New creates the Documentation Step over store and gw.
func New(store Store, gw Gateway) *Step {
	return &Step{store: store, gw: gw, runs: make(map[string]*jobRun)}
}

func (s *Step) Name() string { return StepName }

// Dependencies requires filesystem (for File nodes to scan) and ast (so
// the symbol alias table has entries to match against).
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
	run.status = pipeline.Status{State: domain.StepRunning, Percent: 0, Message: "collecting documentation files"}
	run.mu.Unlock()

	go s.execute(runCtx, run, jobID)
	return nil
}

func (s *Step) Run(ctx context.Context, jobID, repoPath string, options map[string]any) error {
	return s.run(ctx, jobID, repoPath, options)
}

func (s *Step) IngestionUpdate(ctx context.Context, jobID, repoPath string, options map[string]any) error {
	return s.run(ctx, jobID, repoPath, options)
}

// aliasTable maps a lowercase symbol alias (simple name, or
// qualified-name suffix) to the graph key of the Function/Class/Module
// it names.
type aliasTable map[string]struct {
	key  string
	kind domain.NodeKind
}

func (s *Step) buildAliasTable(ctx context.Context) (aliasTable, error) {
	table := make(aliasTable)
	for _, kind := range []domain.NodeKind{domain.KindFunction, domain.KindClass, domain.KindModule} {
		nodes, err := s.store.AllNodes(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			name, _ := n.Props["name"].(string)
			if name == "" {
				name = n.Key
			}
			table[strings.ToLower(name)] = struct {
				key  string
				kind domain.NodeKind
			}{key: n.Key, kind: kind}
		}
	}
	return table, nil
}

func (s *Step) execute(ctx context.Context, run *jobRun, jobID string) {
	files, err := s.store.AllNodes(ctx, domain.KindFile)
	if err != nil {
		s.fail(run, domain.NewStepError(domain.KindTransient, "list file nodes", err))
		return
	}

	docs := filterDocFiles(files)
	table, err := s.buildAliasTable(ctx)
	if err != nil {
		s.fail(run, domain.NewStepError(domain.KindTransient, "build symbol alias table", err))
		return
	}

	total := len(docs)
	processed := 0
	for _, f := range docs {
		if run.isCancelled() {
			run.mu.Lock()
			run.status = pipeline.Status{State: domain.StepCancelled, Percent: run.status.Percent, Message: "cancelled"}
			run.mu.Unlock()
			return
		}

		if err := s.processDoc(ctx, f, table); err != nil {
			// A single unreadable/unembeddable doc doesn't fail the whole
			// step (spec.md §4.10 is silent on precision; best-effort per
			// DESIGN.md's resolved open question).
			processed++
			continue
		}

		processed++
		pct := 0
		if total > 0 {
			pct = processed * 100 / total
		}
		run.mu.Lock()
		run.status.Percent = pct
		run.status.Message = fmt.Sprintf("linked %d/%d documentation files", processed, total)
		run.mu.Unlock()
	}

	run.mu.Lock()
	run.status = pipeline.Status{State: domain.StepCompleted, Percent: 100, Message: fmt.Sprintf("processed %d documentation files", total)}
	run.mu.Unlock()
}

func (s *Step) processDoc(ctx context.Context, f domain.Node, table aliasTable) error {
	text, err := os.ReadFile(f.Key)
	if err != nil {
		return fmt.Errorf("documentation: read %s: %w", f.Key, err)
	}

	matches := matchSymbols(string(text), table)

	vectors, err := s.gw.Embed(ctx, []string{string(text)})
	if err != nil {
		return fmt.Errorf("documentation: embed %s: %w", f.Key, err)
	}
	var embedding []float32
	if len(vectors) > 0 {
		embedding = vectors[0]
	}

	docKey := "doc:" + f.Key
	if err := s.store.MergeNode(ctx, domain.Node{
		Kind: domain.KindDocumentation,
		Key:  docKey,
		Props: map[string]any{
			"source_file": f.Key,
			"format":      strings.TrimPrefix(filepath.Ext(f.Key), "."),
		},
		Embedding: embedding,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("documentation: merge doc node for %s: %w", f.Key, err)
	}

	for _, m := range matches {
		if err := s.store.MergeEdge(ctx, domain.KindDocumentation, m.kind, domain.Edge{
			Kind: domain.EdgeDocumentedBy, From: docKey, To: m.key,
		}); err != nil {
			return fmt.Errorf("documentation: link %s to %s: %w", docKey, m.key, err)
		}
	}
	return nil
}

// matchSymbols extracts candidate symbol mentions from text (inline
// code-spans and qualified dotted names) and resolves each against the
// alias table, deduplicating by target key.
func matchSymbols(text string, table aliasTable) []struct {
	key  string
	kind domain.NodeKind
} {
	seen := make(map[string]bool)
	var out []struct {
		key  string
		kind domain.NodeKind
	}

	add := func(candidate string) {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			return
		}
		if entry, ok := table[candidate]; ok {
			if !seen[entry.key] {
				seen[entry.key] = true
				out = append(out, entry)
			}
			return
		}
		if idx := strings.LastIndexByte(candidate, '.'); idx >= 0 {
			add(candidate[idx+1:])
		}
	}

	for _, m := range codeSpanRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range qualifiedNameRe.FindAllString(text, -1) {
		add(m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func filterDocFiles(files []domain.Node) []domain.Node {
	var docs []domain.Node
	for _, f := range files {
		base := strings.ToLower(strings.TrimSuffix(filepath.Base(f.Key), filepath.Ext(f.Key)))
		ext := strings.ToLower(filepath.Ext(f.Key))
		if docExtensions[ext] || docBasenames[base] {
			docs = append(docs, f)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs
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

// Register builds a Step over store and gw and adds it to the global
// registry.
func Register(store Store, gw Gateway) *Step {
	step := New(store, gw)
	pipeline.Register(step)
	return step
}
