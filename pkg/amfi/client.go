package amfi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fundscope/fundscope/pkg/utils"
)

// Client fetches NAV data from the external source over HTTP. It carries a
// token-bucket rate limiter and a per-endpoint circuit breaker: the source is
// a shared public service with an implicit rate limit, and a misbehaving
// mirror must not absorb every request of a long sync pass.
type Client struct {
	bulkEndpoints   []string
	schemeEndpoints []string
	client          *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new Client.
type Opts struct {
	// BulkEndpoints serve the full NAVAll feed; SchemeEndpoints serve
	// per-scheme history documents at <endpoint>/<schemeCode>.
	BulkEndpoints   []string
	SchemeEndpoints []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewClient creates a new Client with the given options.
func NewClient(o Opts) *Client {
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 10 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &Client{
		bulkEndpoints:    utils.Dedup(o.BulkEndpoints),
		schemeEndpoints:  utils.Dedup(o.SchemeEndpoints),
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// refill refills the token-bucket with new tokens if necessary.
func (c *Client) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire takes a token from the bucket, blocking until one is available or
// the context is done.
func (c *Client) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// isOpen returns true if the endpoint's breaker is in the OPEN state.
func (c *Client) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the breaker once the
// failure count crosses the threshold.
func (c *Client) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

// get issues a rate-limited GET against the first healthy endpoint, failing
// over to the others on connection or server-side errors. The caller owns the
// returned body.
func (c *Client) get(ctx context.Context, endpoints []string, path string) (io.ReadCloser, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	var lastErr error
	for i := 0; i < len(endpoints); i++ {
		ep := endpoints[i%len(endpoints)]
		if c.isOpen(ep) {
			continue
		}

		if err := c.acquire(ctx); err != nil {
			return nil, err
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, ep+path, nil)
		if reqErr != nil {
			return nil, reqErr
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server %d from %s", resp.StatusCode, ep)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("http %d from %s", resp.StatusCode, ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		return resp.Body, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints have open circuit breakers")
	}
	return nil, lastErr
}

// BulkFeed streams the full NAV feed. The caller must close the returned
// reader; feeding it straight into ParseBulkFeed keeps memory flat.
func (c *Client) BulkFeed(ctx context.Context) (io.ReadCloser, error) {
	return c.get(ctx, c.bulkEndpoints, "")
}

// SchemeDocument fetches one scheme's full history document.
func (c *Client) SchemeDocument(ctx context.Context, schemeCode string) ([]byte, error) {
	body, err := c.get(ctx, c.schemeEndpoints, "/"+schemeCode)
	if err != nil {
		return nil, err
	}
	defer func() { _ = utils.DrainAndClose(body) }()

	doc, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read scheme document for %s: %w", schemeCode, err)
	}
	return doc, nil
}
