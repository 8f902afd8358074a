// Package dataminr implements the authenticated HTTP gateway to the
// Dataminr alert API.
//
// # Overview
//
// Client is the single choke point for all outbound vendor traffic. Every
// request is:
//  1. Enqueued on a bounded FIFO queue drained by one consumer goroutine,
//     so outbound calls are serialized in submission order.
//  2. Gated on the server-advertised rate-limit window; when the window is
//     exhausted the consumer stalls until the advertised reset.
//  3. Authenticated with a cached bearer token that is refreshed on expiry
//     and exactly once on a 401 response.
//  4. Retried on 429 responses, honouring X-RateLimit-Reset from the
//     headers or the error body when present and falling back to
//     exponential backoff otherwise.
//
// Queue overflow and queue timeout are distinguishable error kinds
// ([ErrQueueFull], [ErrQueueTimeout]); upstream failures after retries are
// surfaced as [StatusError].
//
// An alternate bulk operating mode signs requests with HMAC-SHA256 instead
// of bearer tokens and downloads ZIP archives; see hmac.go.
package dataminr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPageSize is the page size requested on a first poll.
	DefaultPageSize = 10

	// MaxPageSize is the largest page the vendor serves; indicator
	// searches request it so a full page signals "possibly more".
	MaxPageSize = 100

	defaultMaxQueueSize   = 12
	defaultQueueTimeout   = 120 * time.Second
	defaultMaxRetries     = 3
	defaultRequestTimeout = 30 * time.Second

	// defaultRateWindow is assumed when the server has not yet advertised
	// a reset.
	defaultRateWindow = 60 * time.Second

	// maxRetryBackoff caps the exponential 429 backoff.
	maxRetryBackoff = 60 * time.Second
)

// Config holds the gateway configuration.
type Config struct {
	// BaseURL is the vendor base URL without a trailing slash. Required.
	BaseURL string

	// APIPrefix is prepended to versioned routes (e.g. "/api" yields
	// "/api/v1/alerts"). Optional.
	APIPrefix string

	// ClientID and ClientSecret are the vendor credentials. Required for
	// the token-authenticated mode.
	ClientID     string
	ClientSecret string

	// MaxQueueSize bounds the outbound request queue. Defaults to 12.
	MaxQueueSize int

	// QueueTimeout is the longest a request may wait in the queue before
	// being dropped with ErrQueueTimeout. Defaults to 120s.
	QueueTimeout time.Duration

	// MaxRetries bounds 429 retries per request. Defaults to 3.
	MaxRetries int

	// RequestTimeout is the per-HTTP-call timeout. Defaults to 30s.
	RequestTimeout time.Duration

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics, when non-nil, receives gateway operation counters.
	Metrics *Metrics
}

func (c *Config) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = defaultQueueTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Request describes one outbound vendor call.
type Request struct {
	// Route is the path appended to the base URL (e.g. "/v1/alerts").
	Route string

	// Method defaults to GET when empty.
	Method string

	// Query is appended to the route.
	Query url.Values

	// Header carries extra request headers.
	Header http.Header

	// ResultID tags the request for parallel fan-out correlation.
	ResultID string
}

// rateLimit is the server-advertised rate-limit window. It is mutated only
// by the queue consumer; the mutex covers reads from Snapshot.
type rateLimit struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	window    time.Duration
	known     bool
}

// queued is one entry of the outbound queue.
type queued struct {
	ctx        context.Context
	req        Request
	id         string
	enqueuedAt time.Time
	done       chan outcome
}

type outcome struct {
	body []byte
	err  error
}

// Client is the shared vendor gateway. Create one with New, call Start to
// launch the queue consumer, and Stop to drain it.
type Client struct {
	baseURL      string
	apiPrefix    string
	clientID     string
	clientSecret string
	maxRetries   int
	queueTimeout time.Duration

	httpc   *http.Client
	tokens  *tokenCache
	queue   chan *queued
	rl      rateLimit
	logger  *slog.Logger
	metrics *Metrics

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client. The client is idle until Start is called.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		baseURL:      cfg.BaseURL,
		apiPrefix:    cfg.APIPrefix,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		maxRetries:   cfg.MaxRetries,
		queueTimeout: cfg.QueueTimeout,
		httpc:        &http.Client{Timeout: cfg.RequestTimeout},
		tokens:       newTokenCache(),
		queue:        make(chan *queued, cfg.MaxQueueSize),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Start launches the queue consumer goroutine.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.consume(ctx)
}

// Stop terminates the queue consumer and waits for it to exit. Queued
// requests that have not been dispatched fail with context errors.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Do submits the request to the outbound queue and waits for its response
// body. It returns ErrQueueFull immediately when the queue is at capacity
// and ErrQueueTimeout when the request waited too long before dispatch.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	q := &queued{
		ctx:        ctx,
		req:        req,
		id:         uuid.New().String(),
		enqueuedAt: c.now(),
		done:       make(chan outcome, 1),
	}

	select {
	case c.queue <- q:
		c.metricsQueueDepth(int64(len(c.queue)))
	default:
		c.metricsQueueRejected()
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(c.queue))
	}

	select {
	case <-ctx.Done():
		// The consumer will notice the dead context when it dequeues.
		return nil, ctx.Err()
	case out := <-q.done:
		return out.body, out.err
	}
}

// consume drains the queue one request at a time, applying the rate-limit
// gate before each dispatch. It exits when ctx is cancelled.
func (c *Client) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-c.queue:
			c.metricsQueueDepth(int64(len(c.queue)))
			c.serve(ctx, q)
		}
	}
}

// serve runs one dequeued request to completion.
func (c *Client) serve(ctx context.Context, q *queued) {
	if q.ctx.Err() != nil {
		q.done <- outcome{err: q.ctx.Err()}
		return
	}

	deadline := q.enqueuedAt.Add(c.queueTimeout)
	if c.now().After(deadline) {
		c.metricsQueueTimeout()
		q.done <- outcome{err: ErrQueueTimeout}
		return
	}

	// Rate-limit gate: stall while the current window is exhausted, but
	// never beyond the request's queue deadline.
	for !c.admitOne() {
		wait := c.stallFor()
		if remaining := deadline.Sub(c.now()); wait > remaining {
			c.metricsQueueTimeout()
			q.done <- outcome{err: ErrQueueTimeout}
			return
		}
		c.logger.Debug("rate limit window exhausted, stalling",
			slog.String("request_id", q.id),
			slog.Duration("wait", wait))
		if err := c.sleep(ctx, wait); err != nil {
			q.done <- outcome{err: err}
			return
		}
	}

	body, err := c.dispatch(ctx, q)
	q.done <- outcome{body: body, err: err}
}

// admitOne consumes one slot of the rate-limit window. It refills the
// window when the advertised reset has elapsed and reports false when no
// slot is available.
func (c *Client) admitOne() bool {
	c.rl.mu.Lock()
	defer c.rl.mu.Unlock()

	if !c.rl.known {
		// No window advertised yet; dispatch optimistically.
		return true
	}
	if c.now().After(c.rl.resetAt) {
		if c.rl.limit <= 0 {
			// A 429 may advertise a reset without a limit; once the reset
			// passes there is no window left to enforce.
			return true
		}
		c.rl.remaining = c.rl.limit
		c.rl.resetAt = c.now().Add(c.windowLocked())
	}
	if c.rl.remaining > 0 {
		c.rl.remaining--
		return true
	}
	return false
}

// stallFor returns how long to wait before re-evaluating the window.
func (c *Client) stallFor() time.Duration {
	c.rl.mu.Lock()
	defer c.rl.mu.Unlock()

	if wait := c.rl.resetAt.Sub(c.now()); wait > 0 {
		return wait
	}
	return c.windowLocked()
}

func (c *Client) windowLocked() time.Duration {
	if c.rl.window > 0 {
		return c.rl.window
	}
	return defaultRateWindow
}

// updateRateLimit folds the X-RateLimit-* response headers into the shared
// window state. Absent headers leave the previous state untouched.
func (c *Client) updateRateLimit(h http.Header) {
	limit, okLimit := headerInt(h, "X-RateLimit-Limit")
	remaining, okRem := headerInt(h, "X-RateLimit-Remaining")
	resetMs, okReset := headerInt(h, "X-RateLimit-Reset")

	if !okLimit && !okRem && !okReset {
		return
	}

	c.rl.mu.Lock()
	defer c.rl.mu.Unlock()

	c.rl.known = true
	if okLimit {
		c.rl.limit = limit
	}
	if okRem {
		c.rl.remaining = remaining
	}
	if okReset {
		window := time.Duration(resetMs) * time.Millisecond
		c.rl.resetAt = c.now().Add(window)
		c.rl.window = window
	}
}

// rateLimitFromBody extracts rate-limit values mirrored inside a 429 JSON
// error body, normalized to the header names updateRateLimit consumes. It
// returns nil when the body carries none.
func rateLimitFromBody(body []byte) http.Header {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	if e, ok := m["error"].(map[string]any); ok {
		m = e
	}

	h := http.Header{}
	for k, v := range m {
		var canon string
		switch strings.ToLower(strings.ReplaceAll(k, "_", "-")) {
		case "x-ratelimit-limit", "ratelimit-limit":
			canon = "X-RateLimit-Limit"
		case "x-ratelimit-remaining", "ratelimit-remaining":
			canon = "X-RateLimit-Remaining"
		case "x-ratelimit-reset", "ratelimit-reset":
			canon = "X-RateLimit-Reset"
		default:
			continue
		}
		switch n := v.(type) {
		case float64:
			h.Set(canon, strconv.FormatInt(int64(n), 10))
		case string:
			h.Set(canon, n)
		}
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RateLimitSnapshot reports the current window state for diagnostics.
type RateLimitSnapshot struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimit returns a snapshot of the shared rate-limit state.
func (c *Client) RateLimit() RateLimitSnapshot {
	c.rl.mu.Lock()
	defer c.rl.mu.Unlock()
	return RateLimitSnapshot{Limit: c.rl.limit, Remaining: c.rl.remaining, ResetAt: c.rl.resetAt}
}

// dispatch executes the HTTP call with token auth, one in-band 401
// refresh, and bounded 429 retries.
func (c *Client) dispatch(ctx context.Context, q *queued) ([]byte, error) {
	refreshed := false

	for attempt := 0; ; attempt++ {
		token, err := c.resolveToken(q.ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.execute(q, token)
		if err != nil {
			// Connection-level failures are never retried.
			c.metricsRequestError()
			return nil, fmt.Errorf("dataminr: %s %s: %w", q.req.Method, q.req.Route, err)
		}

		c.updateRateLimit(resp.Header)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("dataminr: read response body: %w", err)
			}
			c.metricsRequestOK()
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			if refreshed {
				// Second 401 in a row: the credentials themselves are bad.
				return nil, fmt.Errorf("%w: request rejected twice with 401", ErrBadCredentials)
			}
			refreshed = true
			c.tokens.invalidate(c.clientID, c.clientSecret)
			c.logger.Info("bearer token rejected, refreshing",
				slog.String("request_id", q.id))
			// Loop re-resolves a fresh token; 401 does not consume a retry.
			attempt--

		case resp.StatusCode == http.StatusTooManyRequests:
			body := readSmall(resp.Body)
			resp.Body.Close()
			c.metricsRateLimited()

			// Some 429 responses carry the rate-limit values in the error
			// body instead of the headers.
			rlHeader := resp.Header
			if _, ok := headerInt(rlHeader, "X-RateLimit-Reset"); !ok {
				if bh := rateLimitFromBody([]byte(body)); bh != nil {
					c.updateRateLimit(bh)
					rlHeader = bh
				}
			}

			if attempt >= c.maxRetries {
				return nil, &StatusError{Status: resp.StatusCode, Body: body}
			}

			wait := retryWait(rlHeader, attempt)
			c.logger.Warn("rate limited, backing off",
				slog.String("request_id", q.id),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait))
			c.metricsRetry()
			if err := c.sleep(q.ctx, wait); err != nil {
				return nil, err
			}

		default:
			body := readSmall(resp.Body)
			resp.Body.Close()
			c.metricsRequestError()
			return nil, &StatusError{Status: resp.StatusCode, Body: body}
		}
	}
}

// execute performs one HTTP attempt.
func (c *Client) execute(q *queued, token string) (*http.Response, error) {
	u := c.baseURL + c.apiPrefix + q.req.Route
	if len(q.req.Query) > 0 {
		u += "?" + q.req.Query.Encode()
	}

	req, err := http.NewRequestWithContext(q.ctx, q.req.Method, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range q.req.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Dmauth "+token)
	req.Header.Set("Accept", "application/json")

	c.metricsRequest()
	return c.httpc.Do(req)
}

// retryWait computes the 429 wait: the advertised X-RateLimit-Reset
// (milliseconds) when present, otherwise min(2^attempt, 60) seconds.
func retryWait(h http.Header, attempt int) time.Duration {
	if ms, ok := headerInt(h, "X-RateLimit-Reset"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
