// Package llmgateway is the unified Complete/Chat/Embed façade over a
// pluggable model provider (spec.md §4.2). The Gateway is the sole point
// of contact with the external model service; its retry is the only
// retry against that service (spec.md §5).
package llmgateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ingestforge/ingestforge/pkg/fn"
	"github.com/ingestforge/ingestforge/pkg/metrics"
	"github.com/ingestforge/ingestforge/pkg/resilience"
)

// Role is the logical model role a caller requests; the Gateway maps it
// to a concrete model name via configuration (spec.md §4.2).
type Role string

const (
	RoleChat      Role = "chat"
	RoleReasoning Role = "reasoning"
	RoleEmbedding Role = "embedding"
)

// ErrAuthentication surfaces immediately, never retried.
var ErrAuthentication = errors.New("llmgateway: authentication failed")

// ErrRateLimit names a rate-limit failure. The Gateway itself never
// returns it: when the retry budget is exhausted, the provider's last
// error is returned as-is.
var ErrRateLimit = errors.New("llmgateway: rate limited")

// Message is one turn in a Chat call.
type Message struct {
	Role    string
	Content string
}

// Options carries per-call generation parameters. Reasoning-role calls
// omit Temperature/MaxTokens per spec.md §4.2.
type Options struct {
	Temperature *float32
	MaxTokens   *int32
}

// Provider is the pluggable vendor client (spec.md §1): "an interface
// with Complete, Chat, Embed; implementation is pluggable."
type Provider interface {
	Complete(ctx context.Context, model, prompt string, opts Options) (string, error)
	Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// RateLimitSignal lets a Provider report a server-advised retry delay
// (ok=false when it can't determine one). The Gateway's retry loop does
// not consult it: every retry waits per the jittered exponential backoff.
type RateLimitSignal interface {
	RetryAfter(err error) (d time.Duration, ok bool)
}

// Gateway routes calls to Provider by role, with retry, rate limiting,
// and metrics (spec.md §4.2).
type Gateway struct {
	provider Provider
	models   map[Role]string
	retry    fn.RetryOpts
	limiter  *resilience.Limiter
	metrics  *metrics.Registry
}

// Config configures a Gateway.
type Config struct {
	Models      map[Role]string
	MaxRetries  int
	BackoffBase time.Duration
	RateLimit   resilience.LimiterOpts
}

// New builds a Gateway over provider.
func New(provider Provider, cfg Config, reg *metrics.Registry) *Gateway {
	if reg == nil {
		reg = metrics.New()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = time.Second
	}
	limiterOpts := cfg.RateLimit
	if limiterOpts.Rate <= 0 {
		limiterOpts = resilience.LimiterOpts{Rate: 10, Burst: 10}
	}
	return &Gateway{
		provider: provider,
		models:   cfg.Models,
		retry: fn.RetryOpts{
			MaxAttempts: maxRetries,
			InitialWait: backoff,
			MaxWait:     backoff * 32,
			Jitter:      true,
		},
		limiter: resilience.NewLimiter(limiterOpts),
		metrics: reg,
	}
}

func (g *Gateway) modelFor(role Role) string {
	if m, ok := g.models[role]; ok && m != "" {
		return m
	}
	return string(role)
}

func (g *Gateway) counters(role Role) (calls, retries, failures *metrics.Counter, latency *metrics.Histogram) {
	labels := func(n string) string {
		return metrics.WithLabels(n, "model", g.modelFor(role), "role", string(role))
	}
	calls = g.metrics.Counter(labels("llm_calls_total"), "LLM calls by model and role")
	retries = g.metrics.Counter(labels("llm_retries_total"), "LLM retries by model and role")
	failures = g.metrics.Counter(labels("llm_failures_total"), "LLM failures by model and role")
	latency = g.metrics.Histogram(labels("llm_latency_seconds"), "LLM call latency by model and role", nil)
	return
}

// Complete calls the provider's Complete for the given role.
func (g *Gateway) Complete(ctx context.Context, role Role, prompt string, opts Options) (string, error) {
	if role == RoleReasoning {
		opts = Options{}
	}
	model := g.modelFor(role)
	calls, retries, failures, latency := g.counters(role)
	calls.Inc()
	start := time.Now()
	defer latency.Since(start)

	if err := g.limiter.Wait(ctx); err != nil {
		failures.Inc()
		return "", err
	}

	out, err := retryCall(ctx, g.retry, retries, func(ctx context.Context) (string, error) {
		return g.provider.Complete(ctx, model, prompt, opts)
	})
	if err != nil {
		failures.Inc()
	}
	return out, err
}

// Chat calls the provider's Chat for the given role.
func (g *Gateway) Chat(ctx context.Context, role Role, messages []Message, opts Options) (string, error) {
	if role == RoleReasoning {
		opts = Options{}
	}
	model := g.modelFor(role)
	calls, retries, failures, latency := g.counters(role)
	calls.Inc()
	start := time.Now()
	defer latency.Since(start)

	if err := g.limiter.Wait(ctx); err != nil {
		failures.Inc()
		return "", err
	}

	out, err := retryCall(ctx, g.retry, retries, func(ctx context.Context) (string, error) {
		return g.provider.Chat(ctx, model, messages, opts)
	})
	if err != nil {
		failures.Inc()
	}
	return out, err
}

// Embed calls the provider's Embed for the embedding role.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := g.modelFor(RoleEmbedding)
	calls, retries, failures, latency := g.counters(RoleEmbedding)
	calls.Inc()
	start := time.Now()
	defer latency.Since(start)

	if err := g.limiter.Wait(ctx); err != nil {
		failures.Inc()
		return nil, err
	}

	out, err := retryCall(ctx, g.retry, retries, func(ctx context.Context) ([][]float32, error) {
		return g.provider.Embed(ctx, model, texts)
	})
	if err != nil {
		failures.Inc()
	}
	return out, err
}

// isPermanent reports whether err should never be retried. Only
// ErrAuthentication (matched with errors.Is, so providers may wrap it) is
// permanent; every other error, a malformed request included, is retried.
func isPermanent(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// retryCall runs f with fn.Retry's exponential-backoff-with-jitter
// schedule, but — unlike fn.Retry — stops immediately on a permanent
// error instead of burning the remaining attempts.
func retryCall[T any](ctx context.Context, opts fn.RetryOpts, retries *metrics.Counter, f func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	wait := opts.InitialWait

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			retries.Inc()
		}
		out, err := f(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if isPermanent(err) {
			return zero, err
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleepDur):
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return zero, lastErr
}
