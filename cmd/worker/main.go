// Command worker hosts the Worker Runtime (spec.md §4.6): the
// distributed-deployment counterpart to cmd/api's in-process Orchestrator,
// for operators who want step execution to scale independently of the
// service that accepts submissions. It registers the same steps against a
// queue-group NATS subscription per step name.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/ingestforge/ingestforge/internal/config"
	"github.com/ingestforge/ingestforge/internal/graphstore"
	"github.com/ingestforge/ingestforge/internal/jobstore"
	"github.com/ingestforge/ingestforge/internal/llmgateway"
	"github.com/ingestforge/ingestforge/internal/llmgateway/ollama"
	"github.com/ingestforge/ingestforge/internal/pipeline"
	"github.com/ingestforge/ingestforge/internal/steps/ast"
	"github.com/ingestforge/ingestforge/internal/steps/documentation"
	"github.com/ingestforge/ingestforge/internal/steps/filesystem"
	"github.com/ingestforge/ingestforge/internal/steps/summarizer"
	"github.com/ingestforge/ingestforge/internal/worker"
	"github.com/ingestforge/ingestforge/pkg/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	steps := flag.String("steps", "filesystem,ast,summarizer,documentation", "comma-separated step names this worker serves")
	flag.Parse()

	if err := run(strings.Split(*steps, ","), logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(stepNames []string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	reg := metrics.New()

	nc, err := nats.Connect(cfg.NATSURL, nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	store, err := graphstore.New(ctx, cfg, reg)
	if err != nil {
		return fmt.Errorf("graph store: %w", err)
	}
	defer store.Close(ctx)

	provider := ollama.New(cfg.LLMEndpoint, cfg.LLMAPIKey)
	gateway := llmgateway.New(provider, llmgateway.Config{
		Models: map[llmgateway.Role]string{
			llmgateway.RoleChat:      cfg.LLMModelChat,
			llmgateway.RoleReasoning: cfg.LLMModelReasoning,
			llmgateway.RoleEmbedding: cfg.LLMModelEmbedding,
		},
		MaxRetries:  cfg.LLMMaxRetries,
		BackoffBase: cfg.LLMBackoffBase,
	}, reg)

	registry := pipeline.Global()
	filesystem.Register(store)
	ast.Register()
	summarizer.Register(store, gateway)
	documentation.Register(store, gateway)

	jobs := jobstore.NewNATSStore(jobstore.NewMemStore(), nc)

	runtime := worker.New(nc, jobs, registry, worker.Options{Logger: logger})
	logger.Info("worker runtime starting", "steps", stepNames)
	return runtime.Serve(ctx, stepNames)
}
