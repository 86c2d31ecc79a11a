package graphstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Connector dials an ordered list of candidate URIs, caching the winner
// for the process lifetime until a failure forces re-selection
// (spec.md §4.1, §9's "connection fallback chain").
type Connector struct {
	candidates []string
	user, pass string
	poolSize   int
	connTimeout time.Duration

	mu     sync.Mutex
	cached string // URI of the last-successful candidate, "" when none
}

// NewConnector builds a Connector over the given candidate URIs, tried in
// order on each Connect call until one succeeds.
func NewConnector(candidates []string, user, pass string, poolSize int, connTimeout time.Duration) *Connector {
	return &Connector{
		candidates:  candidates,
		user:        user,
		pass:        pass,
		poolSize:    poolSize,
		connTimeout: connTimeout,
	}
}

// Connect tries the cached candidate first (if any), then falls through
// the full candidate list in order. It returns a live, verified driver.
func (c *Connector) Connect(ctx context.Context) (neo4j.DriverWithContext, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()

	order := c.candidates
	if cached != "" {
		order = reorderFirst(c.candidates, cached)
	}

	var lastErr error
	for _, candidate := range order {
		driver, err := c.dial(ctx, candidate)
		if err != nil {
			lastErr = &ConnectionError{Candidate: candidate, Wrapped: err}
			continue
		}
		c.mu.Lock()
		c.cached = candidate
		c.mu.Unlock()
		return driver, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate URIs configured")
	}
	return nil, lastErr
}

func (c *Connector) dial(ctx context.Context, uri string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(c.user, c.pass, ""),
		func(cfg *neo4j.Config) {
			cfg.MaxConnectionPoolSize = c.poolSize
			cfg.ConnectionAcquisitionTimeout = c.connTimeout
		},
	)
	if err != nil {
		return nil, err
	}
	verifyCtx, cancel := context.WithTimeout(ctx, c.connTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return driver, nil
}

// Invalidate clears the cached winning candidate, forcing the next
// Connect call to re-probe the full chain. Called when a previously
// healthy connection starts failing.
func (c *Connector) Invalidate() {
	c.mu.Lock()
	c.cached = ""
	c.mu.Unlock()
}

func reorderFirst(candidates []string, first string) []string {
	out := make([]string, 0, len(candidates))
	out = append(out, first)
	for _, c := range candidates {
		if c != first {
			out = append(out, c)
		}
	}
	return out
}
