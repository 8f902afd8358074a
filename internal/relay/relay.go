// Package relay contains the process supervisor. It wires together the
// alert store, the vendor gateway, and the polling engine, managing their
// lifecycle through a shared context. Polling is not started at startup:
// the first dispatched request bootstraps it lazily, and Shutdown returns
// the supervisor to its pre-bootstrap state.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alertops/dataminr-relay/internal/dataminr"
	"github.com/alertops/dataminr-relay/internal/poller"
	"github.com/alertops/dataminr-relay/internal/store"
)

// Relay is the central supervisor. It owns the polling lifecycle flag and
// the shared context handed to lazily started components.
type Relay struct {
	logger *slog.Logger
	store  *store.Store
	client *dataminr.Client
	poller *poller.Poller

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	baseCtx context.Context
	running bool
}

// Option is a functional option for Relay construction.
type Option func(*Relay)

// WithStore registers the alert store used for health reporting.
func WithStore(s *store.Store) Option {
	return func(r *Relay) { r.store = s }
}

// WithClient registers the vendor gateway whose queue consumer the relay
// starts and stops.
func WithClient(c *dataminr.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithPoller registers the polling engine started on first demand.
func WithPoller(p *poller.Poller) Option {
	return func(r *Relay) { r.poller = p }
}

// New creates a Relay. Components are optional; the relay runs with no-op
// gaps for any that are missing, which is useful in tests.
func New(opts ...Option) *Relay {
	r := &Relay{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Startup installs the logger, starts the gateway's queue consumer, and
// logs a startup marker. It does not start polling; that happens on the
// first dispatched request.
func (r *Relay) Startup(ctx context.Context, logger *slog.Logger) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay: already running")
	}
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	if r.client != nil {
		r.client.Start(ctx)
	}

	r.logger.Info("relay started", slog.Bool("polling_deferred", true))
	return nil
}

// Shutdown stops polling and the gateway queue consumer. It is safe to call
// multiple times; a later Startup re-bootstraps from scratch.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.poller != nil {
		r.poller.Shutdown()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.client != nil {
		r.client.Stop()
	}

	r.logger.Info("relay stopped")
}

// PollingInitialized reports whether the polling engine is running.
func (r *Relay) PollingInitialized() bool {
	return r.poller != nil && r.poller.Initialized()
}

// InitPolling starts the polling engine on the relay's lifecycle context.
// It is idempotent and safe to call concurrently; calls before Startup or
// after Shutdown are no-ops.
func (r *Relay) InitPolling() {
	r.mu.RLock()
	ctx := r.baseCtx
	running := r.running
	r.mu.RUnlock()

	if !running || r.poller == nil || ctx == nil {
		return
	}
	r.poller.Init(ctx)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status               string  `json:"status"`
	UptimeS              float64 `json:"uptime_s"`
	PollingActive        bool    `json:"polling_active"`
	AlertsCached         int     `json:"alerts_cached"`
	TotalAlertsProcessed int     `json:"total_alerts_processed"`
	LastPollAt           string  `json:"last_poll_at,omitempty"`
}

// Health returns a snapshot of the current relay health state.
func (r *Relay) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(r.startTime).Seconds(),
	}
	if r.store != nil {
		h.AlertsCached = r.store.Len()
	}
	if r.poller != nil {
		h.PollingActive = r.poller.Initialized()
		state := r.poller.Snapshot()
		h.TotalAlertsProcessed = state.TotalAlertsProcessed
		if !state.LastPollTime.IsZero() {
			h.LastPollAt = state.LastPollTime.UTC().Format(time.RFC3339)
		}
	}
	return h
}

// HealthzHandler responds with the relay's health status as JSON.
func (r *Relay) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	h := r.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		r.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
