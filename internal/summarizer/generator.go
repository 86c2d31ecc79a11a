package summarizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/llmgateway"
)

// contentTokenBudget bounds the source text handed to the LLM per node,
// truncated with boundary-aware trimming (spec.md §4.9 step 1).
const contentTokenBudget = 6000 // approx chars; ~1500 tokens at 4 chars/token

// Gateway is the subset of llmgateway.Gateway the Generator calls.
type Gateway interface {
	Chat(ctx context.Context, role llmgateway.Role, messages []llmgateway.Message, opts llmgateway.Options) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces one Summary node per DAG node: extract content,
// select a prompt template by kind, call the LLM Gateway's Chat, embed the
// result, then merge the Summary node and its SUMMARIZED_BY edge (spec.md
// §4.9's five-step per-node generation). The node and the edge are two
// separate store calls, not one transaction: if MergeEdge fails, the
// Summary node stays in the graph without its edge.
type Generator struct {
	store   Store
	gateway Gateway
	// UpdateMode marks a generation pass as an explicit IngestionUpdate
	// re-run rather than a plain Run. It does not gate the content-hash
	// reuse check below (see DESIGN.md's open-questions entry on
	// update_mode): that check applies on every pass so the zero-LLM-call
	// round-trip law holds for both call sites.
	UpdateMode bool
}

// NewGenerator creates a Generator over store and gateway.
func NewGenerator(store Store, gateway Gateway, updateMode bool) *Generator {
	return &Generator{store: store, gateway: gateway, UpdateMode: updateMode}
}

// Outcome reports what Summarize did for one node, distinguishing a fresh
// LLM call from a reused summary for the at-most-once invariant (spec.md
// §4.9, §8's round-trip law).
type Outcome struct {
	Reused bool
	Text   string
}

// Summarize generates (or reuses) the summary for node, whose members'
// summaries are already available via summaryOf for collapsed SCC
// super-nodes and for stitching container summaries.
func (g *Generator) Summarize(ctx context.Context, dag *DAG, node *Node, summaryOf func(key string) string) (Outcome, error) {
	content := g.extractContent(dag, node, summaryOf)
	hash := contentHash(content)

	if existing, err := g.store.GetNode(ctx, domain.KindSummary, summaryKey(node.Key)); err == nil {
		if h, ok := existing.Props["content_hash"].(string); ok && h == hash {
			return Outcome{Reused: true, Text: fmt.Sprint(existing.Props["text"])}, nil
		}
	}

	prompt := promptFor(node.Kind, node.Key, content)
	text, err := g.gateway.Chat(ctx, chatRoleFor(node.Kind), []llmgateway.Message{
		{Role: "user", Content: prompt},
	}, llmgateway.Options{})
	if err != nil {
		return Outcome{}, fmt.Errorf("summarizer: chat for %s: %w", node.Key, err)
	}

	vectors, err := g.gateway.Embed(ctx, []string{text})
	if err != nil {
		return Outcome{}, fmt.Errorf("summarizer: embed for %s: %w", node.Key, err)
	}
	var embedding []float32
	if len(vectors) > 0 {
		embedding = vectors[0]
	}

	now := time.Now()
	summaryNode := domain.Node{
		Kind: domain.KindSummary,
		Key:  summaryKey(node.Key),
		Props: map[string]any{
			"target_key":  node.Key,
			"target_kind": string(node.Kind),
			"text":        text,
			"content_hash": hash,
		},
		Embedding: embedding,
		CreatedAt: now,
	}
	if err := g.store.MergeNode(ctx, summaryNode); err != nil {
		return Outcome{}, fmt.Errorf("summarizer: merge summary for %s: %w", node.Key, err)
	}
	if err := g.store.MergeEdge(ctx, domain.KindSummary, node.Kind, domain.Edge{
		Kind: domain.EdgeSummarizedBy,
		From: summaryNode.Key,
		To:   node.Key,
	}); err != nil {
		return Outcome{}, fmt.Errorf("summarizer: link summary for %s: %w", node.Key, err)
	}

	return Outcome{Reused: false, Text: text}, nil
}

func summaryKey(targetKey string) string { return "summary:" + targetKey }

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// extractContent implements spec.md §4.9 step 1: source text for leaf
// entities, stitched child summaries for containers, truncated to a
// token budget with boundary-aware (line-oriented) trimming.
func (g *Generator) extractContent(dag *DAG, node *Node, summaryOf func(key string) string) string {
	if len(node.Members) > 1 {
		// Collapsed SCC: concatenate each member's own source text.
		var b strings.Builder
		for _, m := range node.Members {
			if mn, ok := dag.Nodes[m]; ok {
				b.WriteString(sourceOf(mn.Props))
				b.WriteString("\n\n")
			}
		}
		return truncate(b.String(), contentTokenBudget)
	}

	switch node.Kind {
	case domain.KindFile, domain.KindFunction:
		return truncate(sourceOf(node.Props), contentTokenBudget)
	case domain.KindClass, domain.KindModule, domain.KindDirectory, domain.KindRepository:
		var b strings.Builder
		for _, child := range dag.Predecessors(node.Key) {
			b.WriteString(summaryOf(child))
			b.WriteString("\n")
		}
		return truncate(b.String(), contentTokenBudget)
	default:
		return truncate(sourceOf(node.Props), contentTokenBudget)
	}
}

func sourceOf(props map[string]any) string {
	if props == nil {
		return ""
	}
	if s, ok := props["source"].(string); ok {
		return s
	}
	if s, ok := props["content"].(string); ok {
		return s
	}
	return ""
}

// truncate trims s to at most n bytes at the last line boundary within
// them (spec.md §4.9's "boundary-aware trimming"). When the first n bytes
// hold no newline, it cuts at exactly n bytes, mid-line.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		return cut[:idx]
	}
	return cut
}

// chatRoleFor picks the LLM Gateway role for a node kind. Leaf entities
// use the reasoning role since explaining small code units benefits from
// that model's deliberation; containers stitch already-produced text and
// route through the cheaper chat role.
func chatRoleFor(kind domain.NodeKind) llmgateway.Role {
	switch kind {
	case domain.KindFunction, domain.KindFile:
		return llmgateway.RoleReasoning
	default:
		return llmgateway.RoleChat
	}
}
