package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
)

type fakeStore struct {
	nodes map[domain.NodeKind]map[string]domain.Node
	edges map[domain.EdgeKind][]domain.Edge
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes: map[domain.NodeKind]map[string]domain.Node{},
		edges: map[domain.EdgeKind][]domain.Edge{},
	}
}

func (f *fakeStore) MergeNode(_ context.Context, node domain.Node) error {
	if f.nodes[node.Kind] == nil {
		f.nodes[node.Kind] = map[string]domain.Node{}
	}
	f.nodes[node.Kind][node.Key] = node
	return nil
}

func (f *fakeStore) MergeEdge(_ context.Context, _, _ domain.NodeKind, edge domain.Edge) error {
	f.edges[edge.Kind] = append(f.edges[edge.Kind], edge)
	return nil
}

func (f *fakeStore) DeleteEdge(_ context.Context, _, _ domain.NodeKind, kind domain.EdgeKind, from, to string) error {
	var kept []domain.Edge
	for _, e := range f.edges[kind] {
		if e.From == from && e.To == to {
			continue
		}
		kept = append(kept, e)
	}
	f.edges[kind] = kept
	return nil
}

func (f *fakeStore) GetNode(_ context.Context, kind domain.NodeKind, key string) (domain.Node, error) {
	n, ok := f.nodes[kind][key]
	if !ok {
		return domain.Node{}, os.ErrNotExist
	}
	return n, nil
}

func (f *fakeStore) ChildKeys(_ context.Context, _, childKind domain.NodeKind, parentKey string) ([]string, error) {
	var out []string
	for _, e := range f.edges[domain.EdgeContains] {
		if e.From == parentKey {
			if n, ok := f.nodes[childKind][e.To]; ok {
				_ = n
				out = append(out, e.To)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) AllNodes(_ context.Context, kind domain.NodeKind) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range f.nodes[kind] {
		out = append(out, n)
	}
	return out, nil
}

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

func writeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "util.go"), []byte("package sub"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestStepRunPopulatesGraph(t *testing.T) {
	repo := writeTree(t)
	store := newFakeStore()
	step := New(store)

	if err := step.Run(context.Background(), "job-1", repo, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state := waitForTerminal(t, step, "job-1")
	if state != domain.StepCompleted {
		t.Fatalf("expected completed, got %s", state)
	}

	if len(store.nodes[domain.KindFile]) != 2 {
		t.Fatalf("expected 2 file nodes, got %d", len(store.nodes[domain.KindFile]))
	}
	if len(store.nodes[domain.KindDirectory]) < 1 {
		t.Fatalf("expected at least 1 directory node")
	}
	for key := range store.nodes[domain.KindFile] {
		if filepath.Base(key) == "HEAD" {
			t.Fatalf(".git contents should have been ignored, found %s", key)
		}
	}
}

func TestStepRetractsRemovedFiles(t *testing.T) {
	repo := writeTree(t)
	store := newFakeStore()
	step := New(store)

	if err := step.Run(context.Background(), "job-2", repo, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitForTerminal(t, step, "job-2")

	if err := os.Remove(filepath.Join(repo, "sub", "util.go")); err != nil {
		t.Fatal(err)
	}

	if err := step.IngestionUpdate(context.Background(), "job-2", repo, nil); err != nil {
		t.Fatalf("IngestionUpdate: %v", err)
	}
	state := waitForTerminal(t, step, "job-2")
	if state != domain.StepCompleted {
		t.Fatalf("expected completed, got %s", state)
	}

	removedKey := filepath.Join(repo, "sub", "util.go")
	for _, e := range store.edges[domain.EdgeContains] {
		if e.To == removedKey {
			t.Fatalf("CONTAINS edge to removed file should have been retracted")
		}
	}
}

func TestStepNameAndDependencies(t *testing.T) {
	step := New(newFakeStore())
	if step.Name() != StepName {
		t.Fatalf("expected name %q, got %q", StepName, step.Name())
	}
	if deps := step.Dependencies(); len(deps) != 0 {
		t.Fatalf("expected no dependencies, got %v", deps)
	}
}

func TestIgnoreGlobsHonorsOptions(t *testing.T) {
	globs := ignoreGlobs(map[string]any{"ignore": []any{"*.tmp", "coverage"}})
	if !matchesIgnore("scratch.tmp", globs) {
		t.Fatalf("expected scratch.tmp to be ignored")
	}
	if !matchesIgnore("node_modules", globs) {
		t.Fatalf("expected default ignore node_modules to still apply")
	}
	if matchesIgnore("main.go", globs) {
		t.Fatalf("main.go should not be ignored")
	}
}
