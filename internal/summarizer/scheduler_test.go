package summarizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/llmgateway"
)

// fakeGateway records the highest number of concurrently in-flight Chat
// calls it has observed, and lets individual keys be configured to fail.
type fakeGateway struct {
	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32
	failChat    map[string]bool
}

func (g *fakeGateway) Chat(_ context.Context, _ llmgateway.Role, messages []llmgateway.Message, _ llmgateway.Options) (string, error) {
	cur := atomic.AddInt32(&g.inFlight, 1)
	defer atomic.AddInt32(&g.inFlight, -1)
	for {
		max := atomic.LoadInt32(&g.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&g.maxInFlight, max, cur) {
			break
		}
	}

	prompt := messages[0].Content
	g.mu.Lock()
	shouldFail := g.failChat[prompt]
	g.mu.Unlock()
	if shouldFail {
		return "", fmt.Errorf("fake chat failure")
	}
	return "summary of: " + prompt, nil
}

func (g *fakeGateway) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func chainDAG(n int) (*DAG, *fakeStore) {
	s := newFakeStore()
	dag := &DAG{Nodes: make(map[string]*Node)}
	var prev string
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("f%d", i)
		node := &Node{
			Key: key, Kind: domain.KindFunction,
			Props: map[string]any{"source": fmt.Sprintf("func f%d() {}", i)},
			preds: map[string]struct{}{}, succs: map[string]struct{}{},
		}
		dag.Nodes[key] = node
		if prev != "" {
			dag.Nodes[prev].succs[key] = struct{}{}
			node.preds[prev] = struct{}{}
		}
		prev = key
	}
	return dag, s
}

func TestSchedulerRespectsConcurrencyCap(t *testing.T) {
	// 20 independent (unlinked) nodes, concurrency capped at 3.
	s := newFakeStore()
	dag := &DAG{Nodes: make(map[string]*Node)}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("f%d", i)
		dag.Nodes[key] = &Node{
			Key: key, Kind: domain.KindFunction,
			Props: map[string]any{"source": "func body"},
			preds: map[string]struct{}{}, succs: map[string]struct{}{},
		}
	}

	gw := &fakeGateway{}
	gen := NewGenerator(s, gw, false)
	sched := NewScheduler(dag, gen, 3)

	results := sched.Run(context.Background(), func() bool { return false }, nil)
	if len(results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(results))
	}
	if gw.maxInFlight > 3 {
		t.Fatalf("concurrency cap violated: observed %d in-flight calls", gw.maxInFlight)
	}
	for _, r := range results {
		if r.State != NodeSummarized {
			t.Fatalf("node %s: expected summarized, got %s (%v)", r.Key, r.State, r.Err)
		}
	}
}

func TestSchedulerRunsChainInOrder(t *testing.T) {
	dag, s := chainDAG(5)
	gw := &fakeGateway{}
	gen := NewGenerator(s, gw, false)
	sched := NewScheduler(dag, gen, 2)

	var progressCalls []int
	results := sched.Run(context.Background(), func() bool { return false }, func(completed, total int) {
		progressCalls = append(progressCalls, completed)
	})

	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if len(progressCalls) != 5 || progressCalls[4] != 5 {
		t.Fatalf("expected progress calls 1..5, got %v", progressCalls)
	}
	for _, r := range results {
		if r.State != NodeSummarized {
			t.Fatalf("node %s not summarized: %s", r.Key, r.State)
		}
	}
}

func TestSchedulerPartialFailureDoesNotBlockSuccessors(t *testing.T) {
	dag, s := chainDAG(3) // f0 -> f1 -> f2 (f0 pred of f1, f1 pred of f2)
	gw := &fakeGateway{failChat: map[string]bool{}}
	failer := &failingGateway{fakeGateway: gw, failKey: "f0"}
	gen := NewGenerator(s, failer, false)
	sched := NewScheduler(dag, gen, 2)

	results := sched.Run(context.Background(), func() bool { return false }, nil)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byKey := map[string]NodeResult{}
	for _, r := range results {
		byKey[r.Key] = r
	}
	if byKey["f0"].State != NodeFailed {
		t.Fatalf("expected f0 failed, got %s", byKey["f0"].State)
	}
	if byKey["f1"].State != NodeSummarized {
		t.Fatalf("expected f1 to still summarize despite f0's failure, got %s (%v)", byKey["f1"].State, byKey["f1"].Err)
	}
	if byKey["f2"].State != NodeSummarized {
		t.Fatalf("expected f2 to still summarize, got %s", byKey["f2"].State)
	}
}

// failingGateway fails Chat whenever the prompt mentions failKey's node key.
type failingGateway struct {
	*fakeGateway
	failKey string
}

func (g *failingGateway) Chat(ctx context.Context, role llmgateway.Role, messages []llmgateway.Message, opts llmgateway.Options) (string, error) {
	if len(messages) > 0 && containsSubstring(messages[0].Content, g.failKey) {
		return "", fmt.Errorf("fake chat failure for %s", g.failKey)
	}
	return g.fakeGateway.Chat(ctx, role, messages, opts)
}

func containsSubstring(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func TestSchedulerCancellationSkipsRemainingNodes(t *testing.T) {
	dag, s := chainDAG(4)
	gw := &fakeGateway{}
	gen := NewGenerator(s, gw, false)
	sched := NewScheduler(dag, gen, 1)

	var mu sync.Mutex
	cancelled := false
	completedCount := 0
	results := sched.Run(context.Background(), func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelled
	}, func(completed, total int) {
		mu.Lock()
		completedCount = completed
		if completedCount >= 1 {
			cancelled = true
		}
		mu.Unlock()
	})

	if len(results) != 4 {
		t.Fatalf("expected 4 terminal results even when cancelled, got %d", len(results))
	}
	var sawSkipped bool
	for _, r := range results {
		if r.State == NodeSkipped {
			sawSkipped = true
		}
	}
	if !sawSkipped {
		t.Fatalf("expected at least one skipped node after cancellation, got %+v", results)
	}
}
