// Command api is the ingestion pipeline service: it hosts the Pipeline
// Orchestrator behind a thin HTTP surface for job submission and status,
// plus the ambient /metrics endpoint, following the same
// Config/loadConfig/envOr, ServeMux-with-method-patterns, and
// mid.Chain-wrapped graceful-shutdown shape as the teacher's original
// chat API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ingestforge/ingestforge/internal/config"
	"github.com/ingestforge/ingestforge/internal/domain"
	"github.com/ingestforge/ingestforge/internal/graphstore"
	"github.com/ingestforge/ingestforge/internal/jobstore"
	"github.com/ingestforge/ingestforge/internal/llmgateway"
	"github.com/ingestforge/ingestforge/internal/llmgateway/ollama"
	"github.com/ingestforge/ingestforge/internal/orchestrator"
	"github.com/ingestforge/ingestforge/internal/pipeline"
	"github.com/ingestforge/ingestforge/internal/steps/ast"
	"github.com/ingestforge/ingestforge/internal/steps/documentation"
	"github.com/ingestforge/ingestforge/internal/steps/filesystem"
	"github.com/ingestforge/ingestforge/internal/steps/summarizer"
	"github.com/ingestforge/ingestforge/pkg/metrics"
	"github.com/ingestforge/ingestforge/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	if err := run(cfg, logger); err != nil {
		logger.Error("api server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	store, err := graphstore.New(ctx, cfg, reg)
	if err != nil {
		return fmt.Errorf("graph store: %w", err)
	}
	defer store.Close(ctx)
	if err := store.InitializeSchema(ctx); err != nil {
		return fmt.Errorf("graph schema: %w", err)
	}

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

	jobs, closeJobs := buildJobStore(cfg, logger)
	defer closeJobs()

	registry := pipeline.Global()
	filesystem.Register(store)
	ast.Register()
	summarizer.Register(store, gateway)
	documentation.Register(store, gateway)

	pcfg, err := config.LoadPipelineConfig(cfg.PipelineConfigPath)
	if err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	orch := orchestrator.New(registry, jobs, pcfg.Descriptors(), orchestrator.Options{Logger: logger})
	if err := orch.Resume(ctx); err != nil {
		logger.Error("resume scan failed", "err", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /jobs", handleSubmit(orch, logger))
	mux.HandleFunc("GET /jobs/{id}", handleStatus(jobs))
	mux.HandleFunc("POST /jobs/{id}/cancel", handleCancel(orch))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS("*"),
		mid.OTel("ingestforge-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	reg.ServeAsync(cfg.MetricsPort)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTPPort)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutCtx)
	orch.Wait()
	return err
}

// buildJobStore wraps an in-process MemStore with NATS-distributed
// progress events when NATS_URL resolves to a live broker, falling back
// to a bare MemStore otherwise — the orchestrator and this HTTP process
// are the same process here, so only the pub/sub fan-out (not job
// storage itself) crosses a process boundary to any external subscriber.
func buildJobStore(cfg config.Config, logger *slog.Logger) (jobstore.Store, func()) {
	mem := jobstore.NewMemStore()

	nc, err := nats.Connect(cfg.NATSURL, nats.MaxReconnects(5))
	if err != nil {
		logger.Warn("nats unavailable, progress events stay in-process", "err", err)
		return mem, func() {}
	}
	return jobstore.NewNATSStore(mem, nc), nc.Close
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// submitRequest is the JSON body for POST /jobs (spec.md §6: "job
// submission ... {repository_path, options?} -> job identifier").
type submitRequest struct {
	RepositoryPath string         `json:"repository_path"`
	Options        map[string]any `json:"options"`
}

func handleSubmit(orch *orchestrator.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		jobID, err := orch.Submit(r.Context(), req.RepositoryPath, req.Options)
		if err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			logger.Error("submit failed", "err", err)
			writeError(w, http.StatusInternalServerError, "submit failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
	}
}

// jobStatus mirrors spec.md §6's "job status" produced shape.
type jobStatus struct {
	JobID     string                `json:"job_id"`
	State     domain.JobState       `json:"state"`
	Steps     []domain.StepProgress `json:"steps"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func handleStatus(store jobstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		job, err := store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, jobstore.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "status lookup failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobStatus{
			JobID:     job.ID,
			State:     job.State,
			Steps:     job.Progress,
			UpdatedAt: job.UpdatedAt,
		})
	}
}

func handleCancel(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := orch.Cancel(r.Context(), id); err != nil {
			if errors.Is(err, jobstore.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "cancel failed")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
