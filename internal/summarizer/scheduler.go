package summarizer

import (
	"context"
	"fmt"
	"sync"
)

// NodeState is the terminal (or in-flight) state of one DAG node's
// summarization, per spec.md §4.9's "pending -> ready -> running ->
// {summarized, failed, skipped}".
type NodeState string

const (
	NodeSummarized NodeState = "summarized"
	NodeFailed     NodeState = "failed"
	NodeSkipped    NodeState = "skipped"
)

// NodeResult is the terminal outcome for one DAG node.
type NodeResult struct {
	Key    string
	Kind   string
	Reused bool
	State  NodeState
	Err    error
}

// ProgressFunc is invoked after every node completes, reporting
// completed/total for the step's percent (spec.md §4.9: "summarized_nodes
// / total_nodes x 100, published on every completion").
type ProgressFunc func(completed, total int)

// Scheduler runs the bottom-up, bounded-parallel DAG traversal (spec.md
// §4.9's "Scheduling"): a ready set of nodes whose predecessors are all
// summarized, drained by a worker pool of size Concurrency.
type Scheduler struct {
	dag         *DAG
	gen         *Generator
	concurrency int
}

// NewScheduler creates a Scheduler over dag with a worker pool of size
// concurrency (default 5 per spec.md §4.9, applied by the caller).
func NewScheduler(dag *DAG, gen *Generator, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Scheduler{dag: dag, gen: gen, concurrency: concurrency}
}

// Run drives every DAG node to a terminal state. isCancelled is polled
// before each node begins running (one of spec.md §5's suspension
// points: "between DAG levels"); once observed, remaining unstarted nodes
// are marked skipped rather than summarized. The semaphore of size
// Concurrency is the enforcement point for spec.md §8's invariant that
// in-flight LLM calls never exceed the configured cap.
func (s *Scheduler) Run(ctx context.Context, isCancelled func() bool, onProgress ProgressFunc) []NodeResult {
	total := len(s.dag.Nodes)
	if total == 0 {
		return nil
	}

	var mu sync.Mutex
	done := make(map[string]bool, total)
	dispatched := make(map[string]bool, total)
	predRemaining := make(map[string]int, total)
	summaryText := make(map[string]string, total)
	var results []NodeResult
	completed := 0

	for key, n := range s.dag.Nodes {
		predRemaining[key] = len(n.preds)
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	var dispatchReady func()
	var runNode func(key string)

	dispatchReady = func() {
		mu.Lock()
		var toDispatch []string
		for key := range s.dag.Nodes {
			if done[key] || dispatched[key] {
				continue
			}
			if predRemaining[key] <= 0 {
				dispatched[key] = true
				toDispatch = append(toDispatch, key)
			}
		}
		mu.Unlock()

		for _, key := range toDispatch {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				runNode(key)
			}(key)
		}
	}

	runNode = func(key string) {
		node := s.dag.Nodes[key]

		mu.Lock()
		cancelled := isCancelled != nil && isCancelled()
		mu.Unlock()

		var res NodeResult
		res.Key = key
		res.Kind = string(node.Kind)

		switch {
		case cancelled:
			res.State = NodeSkipped
		default:
			summaryOf := func(k string) string {
				mu.Lock()
				defer mu.Unlock()
				return summaryText[k]
			}
			outcome, err := s.gen.Summarize(ctx, s.dag, node, summaryOf)
			if err != nil {
				res.State = NodeFailed
				res.Err = err
			} else {
				res.State = NodeSummarized
				res.Reused = outcome.Reused
				mu.Lock()
				summaryText[key] = outcome.Text
				mu.Unlock()
			}
		}

		if res.State == NodeFailed || res.State == NodeSkipped {
			mu.Lock()
			summaryText[key] = placeholderNote(key, res.State)
			mu.Unlock()
		}

		mu.Lock()
		done[key] = true
		results = append(results, res)
		completed++
		n := completed
		for _, succ := range s.dag.Successors(key) {
			predRemaining[succ]--
		}
		mu.Unlock()

		if onProgress != nil {
			onProgress(n, total)
		}

		dispatchReady()
	}

	dispatchReady()
	wg.Wait()

	return results
}

// placeholderNote is the stand-in content a successor uses in place of a
// predecessor that failed or was skipped, so the successor's own
// summarization can still proceed (spec.md §4.9's partial-failure rule).
func placeholderNote(key string, state NodeState) string {
	return fmt.Sprintf("[%s could not be summarized: %s]", key, state)
}
