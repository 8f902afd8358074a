// Package dataminr – Prometheus metrics for the vendor gateway.
//
// Metrics tracks operational counters and gauges for the outbound request
// path. All fields are updated atomically so they can be read concurrently
// from an HTTP handler without holding any additional lock.
//
// # Metric catalogue
//
//	gateway_requests_total        – counter: HTTP attempts issued upstream
//	gateway_requests_ok_total     – counter: requests answered 2xx
//	gateway_request_errors_total  – counter: non-retryable upstream failures
//	gateway_rate_limited_total    – counter: 429 responses received
//	gateway_retries_total         – counter: 429 retry attempts performed
//	gateway_token_fetches_total   – counter: token-endpoint grants attempted
//	gateway_token_errors_total    – counter: token grants that failed
//	gateway_queue_rejected_total  – counter: requests dropped, queue full
//	gateway_queue_timeouts_total  – counter: requests dropped, queue wait exceeded
//	gateway_queue_depth           – gauge:   requests currently queued
//	poll_cycles_total             – counter: alert ingestion cycles completed
//	poll_cycle_errors_total       – counter: alert ingestion cycles that failed
//	polling_active                – gauge:   1 while the ingestion loops run
package dataminr

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the gateway. The
// zero value is ready to use; all counters start at zero.
type Metrics struct {
	Requests      atomic.Int64
	RequestsOK    atomic.Int64
	RequestErrors atomic.Int64
	RateLimited   atomic.Int64
	Retries       atomic.Int64
	TokenFetches  atomic.Int64
	TokenErrors   atomic.Int64
	QueueRejected atomic.Int64
	QueueTimeouts atomic.Int64

	QueueDepth atomic.Int64

	PollCycles      atomic.Int64
	PollCycleErrors atomic.Int64
	PollingActive   atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its
// current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of HTTP attempts issued to the vendor API.",
			kind:  "counter",
			name:  "gateway_requests_total",
			value: m.Requests.Load(),
		},
		{
			help:  "Total number of vendor requests answered with a 2xx status.",
			kind:  "counter",
			name:  "gateway_requests_ok_total",
			value: m.RequestsOK.Load(),
		},
		{
			help:  "Total number of non-retryable upstream failures.",
			kind:  "counter",
			name:  "gateway_request_errors_total",
			value: m.RequestErrors.Load(),
		},
		{
			help:  "Total number of 429 responses received from the vendor.",
			kind:  "counter",
			name:  "gateway_rate_limited_total",
			value: m.RateLimited.Load(),
		},
		{
			help:  "Total number of 429 retry attempts performed.",
			kind:  "counter",
			name:  "gateway_retries_total",
			value: m.Retries.Load(),
		},
		{
			help:  "Total number of token-endpoint grants attempted.",
			kind:  "counter",
			name:  "gateway_token_fetches_total",
			value: m.TokenFetches.Load(),
		},
		{
			help:  "Total number of token-endpoint grants that failed.",
			kind:  "counter",
			name:  "gateway_token_errors_total",
			value: m.TokenErrors.Load(),
		},
		{
			help:  "Total number of requests dropped because the queue was full.",
			kind:  "counter",
			name:  "gateway_queue_rejected_total",
			value: m.QueueRejected.Load(),
		},
		{
			help:  "Total number of requests dropped after exceeding the queue wait bound.",
			kind:  "counter",
			name:  "gateway_queue_timeouts_total",
			value: m.QueueTimeouts.Load(),
		},
		{
			help:  "Number of requests currently waiting in the outbound queue.",
			kind:  "gauge",
			name:  "gateway_queue_depth",
			value: m.QueueDepth.Load(),
		},
		{
			help:  "Total number of alert ingestion cycles completed.",
			kind:  "counter",
			name:  "poll_cycles_total",
			value: m.PollCycles.Load(),
		},
		{
			help:  "Total number of alert ingestion cycles that failed.",
			kind:  "counter",
			name:  "poll_cycle_errors_total",
			value: m.PollCycleErrors.Load(),
		},
		{
			help:  "Whether the ingestion loops are currently running.",
			kind:  "gauge",
			name:  "polling_active",
			value: m.PollingActive.Load(),
		},
	}
}

// Handler returns an http.Handler that writes all gateway metrics in the
// Prometheus text exposition format on every GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}

// ── metrics helpers ──────────────────────────────────────────────────────────
//
// Each helper is a no-op when c.metrics is nil so running without
// instrumentation costs a single pointer check.

func (c *Client) metricsRequest() {
	if c.metrics != nil {
		c.metrics.Requests.Add(1)
	}
}

func (c *Client) metricsRequestOK() {
	if c.metrics != nil {
		c.metrics.RequestsOK.Add(1)
	}
}

func (c *Client) metricsRequestError() {
	if c.metrics != nil {
		c.metrics.RequestErrors.Add(1)
	}
}

func (c *Client) metricsRateLimited() {
	if c.metrics != nil {
		c.metrics.RateLimited.Add(1)
	}
}

func (c *Client) metricsRetry() {
	if c.metrics != nil {
		c.metrics.Retries.Add(1)
	}
}

func (c *Client) metricsTokenFetch() {
	if c.metrics != nil {
		c.metrics.TokenFetches.Add(1)
	}
}

func (c *Client) metricsTokenError() {
	if c.metrics != nil {
		c.metrics.TokenErrors.Add(1)
	}
}

func (c *Client) metricsQueueRejected() {
	if c.metrics != nil {
		c.metrics.QueueRejected.Add(1)
	}
}

func (c *Client) metricsQueueTimeout() {
	if c.metrics != nil {
		c.metrics.QueueTimeouts.Add(1)
	}
}

func (c *Client) metricsQueueDepth(n int64) {
	if c.metrics != nil {
		c.metrics.QueueDepth.Store(n)
	}
}
