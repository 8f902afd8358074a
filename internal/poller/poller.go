// Package poller implements the periodic ingestion engine that keeps the
// alert store warm. Two independent tasks run on single-shot timers that
// reschedule after completion so cycles never overlap:
//
//   - The alerts poll walks the vendor feed with cursor pagination,
//     admitting each page into the store and resuming from the last cursor
//     on the next cycle. In bulk mode it instead downloads one signed ZIP
//     archive per cycle and advances an integer watermark.
//   - The lists poll refreshes the watch-list catalog.
//
// Transient cycle failures are retried on the next tick with exponential
// backoff; a cycle that hits the vendor rate limit aborts immediately and
// leaves the cursor untouched.
package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alertops/dataminr-relay/internal/dataminr"
	"github.com/alertops/dataminr-relay/internal/store"
)

const (
	// MinInterval is the floor for the alerts poll period.
	MinInterval = 30 * time.Second

	// DefaultListsInterval is the lists catalog refresh period.
	DefaultListsInterval = 5 * time.Minute

	// DefaultMaxPages bounds pagination within one alerts cycle.
	DefaultMaxPages = 50

	// Page pacing bounds: a short randomized pause between pages keeps a
	// deep catch-up cycle from hammering the rate limit.
	pagePauseMin = 200 * time.Millisecond
	pagePauseMax = 500 * time.Millisecond
)

// State is the polling progress record. It is created on the first poll,
// updated after each cycle, and reset on reconfiguration; only the poller
// mutates it.
type State struct {
	// LastPollTime is when the most recent alerts cycle completed.
	LastPollTime time.Time

	// LastCursor resumes feed pagination across cycles (token mode).
	LastCursor string

	// LastSince is the bulk-mode resumption watermark.
	LastSince int64

	// AlertCount is the number of alerts fetched by the last cycle.
	AlertCount int

	// TotalAlertsProcessed accumulates across cycles.
	TotalAlertsProcessed int
}

// Config wires the poller to its collaborators.
type Config struct {
	// Client is the token-authenticated gateway. Required unless Bulk is set.
	Client *dataminr.Client

	// Bulk selects the HMAC/ZIP ingestion variant when non-nil; the two
	// modes are mutually exclusive per process.
	Bulk *dataminr.BulkClient

	// Store receives admitted alerts and the lists catalog. Required.
	Store *store.Store

	// Interval is the alerts poll period; values below MinInterval are
	// clamped up.
	Interval time.Duration

	// ListsInterval defaults to DefaultListsInterval when zero.
	ListsInterval time.Duration

	// PageSize is the page requested on the first poll. Defaults to
	// dataminr.DefaultPageSize.
	PageSize int

	// MaxPages bounds pagination per cycle. Defaults to DefaultMaxPages.
	MaxPages int

	// Lists restricts the feed to the configured watch-list ids.
	Lists []string

	// Metrics receives cycle counters when non-nil.
	Metrics *dataminr.Metrics

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// Poller runs the two ingestion loops. Create one with New; Init starts the
// loops, Shutdown stops them.
type Poller struct {
	client        *dataminr.Client
	bulk          *dataminr.BulkClient
	store         *store.Store
	interval      time.Duration
	listsInterval time.Duration
	pageSize      int
	maxPages      int
	lists         []string
	metrics       *dataminr.Metrics
	logger        *slog.Logger

	// pagePause is swappable for tests.
	pagePause func() time.Duration

	mu    sync.Mutex
	state State

	// Busy flags suppress re-entry when an immediate run overlaps a
	// scheduled one.
	alertsBusy atomic.Bool
	listsBusy  atomic.Bool

	initMu      sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Poller. It is idle until Init is called.
func New(cfg Config) *Poller {
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.ListsInterval <= 0 {
		cfg.ListsInterval = DefaultListsInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = dataminr.DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		client:        cfg.Client,
		bulk:          cfg.Bulk,
		store:         cfg.Store,
		interval:      cfg.Interval,
		listsInterval: cfg.ListsInterval,
		pageSize:      cfg.PageSize,
		maxPages:      cfg.MaxPages,
		lists:         cfg.Lists,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		pagePause: func() time.Duration {
			return pagePauseMin + time.Duration(rand.Int63n(int64(pagePauseMax-pagePauseMin)))
		},
	}
}

// Init resets the polling state, fires one immediate alerts poll and one
// immediate lists poll, then schedules both periodic loops. Calls after the
// first are no-ops until Shutdown.
func (p *Poller) Init(ctx context.Context) {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.initialized {
		return
	}
	p.initialized = true

	p.mu.Lock()
	p.state = State{}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("polling initialized",
		slog.Duration("interval", p.interval),
		slog.Duration("lists_interval", p.listsInterval),
		slog.Bool("bulk_mode", p.bulk != nil))

	if p.metrics != nil {
		p.metrics.PollingActive.Store(1)
	}

	p.wg.Add(2)
	go p.alertsLoop(ctx)
	go p.listsLoop(ctx)
}

// Initialized reports whether the loops are running.
func (p *Poller) Initialized() bool {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.initialized
}

// Shutdown cancels both loops and waits for them to exit. A later Init
// re-bootstraps from a fresh state.
func (p *Poller) Shutdown() {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if !p.initialized {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.initialized = false
	if p.metrics != nil {
		p.metrics.PollingActive.Store(0)
	}
	p.logger.Info("polling stopped")
}

// Snapshot returns a copy of the current polling state.
func (p *Poller) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// alertsLoop runs alert cycles until ctx is cancelled. Each cycle
// reschedules only after it completes; failed cycles back off
// exponentially up to the configured interval, resetting on success.
func (p *Poller) alertsLoop(ctx context.Context) {
	defer p.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = p.interval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		wait := p.interval
		err := p.runAlertsCycle(ctx)
		if p.metrics != nil {
			p.metrics.PollCycles.Add(1)
			if err != nil {
				p.metrics.PollCycleErrors.Add(1)
			}
		}
		if err != nil {
			if next := b.NextBackOff(); next != backoff.Stop && next < wait {
				wait = next
			}
			p.logger.Warn("alerts poll cycle failed",
				slog.Any("error", err),
				slog.Duration("retry_in", wait))
		} else {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// listsLoop refreshes the lists catalog until ctx is cancelled.
func (p *Poller) listsLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.runListsCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.listsInterval):
		}
	}
}

// runAlertsCycle executes one alerts poll. It returns a non-nil error only
// for failures worth backing off over; rate-limit aborts are clean.
func (p *Poller) runAlertsCycle(ctx context.Context) error {
	if !p.alertsBusy.CompareAndSwap(false, true) {
		return nil
	}
	defer p.alertsBusy.Store(false)

	if p.bulk != nil {
		return p.runBulkCycle(ctx)
	}
	return p.runFeedCycle(ctx)
}

// runFeedCycle walks the cursor-paginated feed. The cursor is persisted
// after every page so an aborted cycle resumes where it stopped.
func (p *Poller) runFeedCycle(ctx context.Context) error {
	p.mu.Lock()
	cursor := p.state.LastCursor
	p.mu.Unlock()

	fetched := 0
	for page := 0; page < p.maxPages; page++ {
		resp, err := p.client.FetchAlerts(ctx, dataminr.AlertsQuery{
			PageSize: p.pageSize,
			From:     cursor,
			Lists:    p.lists,
		})
		if err != nil {
			if dataminr.IsStatus(err, http.StatusTooManyRequests) {
				// Rate limited: abort the cycle, keep the cursor, and let
				// the next scheduled run retry.
				p.logger.Info("alerts poll rate limited, deferring to next cycle",
					slog.String("cursor", cursor))
				p.finishCycle(fetched)
				return nil
			}
			p.finishCycle(fetched)
			return err
		}

		res := p.store.Add(resp.Alerts)
		fetched += len(resp.Alerts)

		p.logger.Debug("alerts page ingested",
			slog.Int("page", page),
			slog.Int("fetched", len(resp.Alerts)),
			slog.Int("admitted", res.Added),
			slog.Int("cache_total", res.Total))

		if resp.NextCursor != "" {
			cursor = resp.NextCursor
			p.mu.Lock()
			p.state.LastCursor = cursor
			p.mu.Unlock()
		}

		// A short page means the feed has no more new alerts.
		if len(resp.Alerts) < p.pageSize {
			break
		}

		if err := sleepCtx(ctx, p.pagePause()); err != nil {
			break
		}
	}

	p.finishCycle(fetched)
	return nil
}

// runBulkCycle performs one HMAC/ZIP ingestion pass.
func (p *Poller) runBulkCycle(ctx context.Context) error {
	p.mu.Lock()
	since := p.state.LastSince
	p.mu.Unlock()

	data, err := p.bulk.FetchSince(ctx, since)
	if err != nil {
		p.finishCycle(0)
		return err
	}

	entries, watermark, err := p.bulk.ExtractArchive(data)
	if err != nil {
		p.finishCycle(0)
		return err
	}

	fetched := 0
	for _, e := range entries {
		res := p.store.Add(e.Alerts)
		fetched += len(e.Alerts)
		p.logger.Debug("bulk entry ingested",
			slog.String("entry", e.Name),
			slog.Int("fetched", len(e.Alerts)),
			slog.Int("admitted", res.Added))
	}

	p.mu.Lock()
	if watermark > p.state.LastSince {
		p.state.LastSince = watermark
	}
	p.mu.Unlock()

	p.finishCycle(fetched)
	return nil
}

// finishCycle records cycle completion in the polling state.
func (p *Poller) finishCycle(fetched int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.LastPollTime = time.Now()
	p.state.AlertCount = fetched
	p.state.TotalAlertsProcessed += fetched
}

// runListsCycle refreshes the watch-list catalog. Failures leave the last
// known good catalog in place.
func (p *Poller) runListsCycle(ctx context.Context) {
	if p.client == nil {
		// Bulk mode runs without the token gateway; there is no lists
		// endpoint to refresh from.
		return
	}
	if !p.listsBusy.CompareAndSwap(false, true) {
		return
	}
	defer p.listsBusy.Store(false)

	lists, err := p.client.FetchLists(ctx)
	if err != nil {
		p.logger.Warn("lists refresh failed, keeping previous catalog",
			slog.Any("error", err))
		return
	}

	p.store.SetLists(lists)
	p.logger.Debug("lists catalog refreshed", slog.Int("lists", len(lists)))
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
