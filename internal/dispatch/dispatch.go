// Package dispatch routes inbound action payloads to the alert store and
// the vendor gateway. The action set is closed: lookup, getAlerts,
// getAlertById, renderAlertDetail and renderAlertNotification. Reads are
// served from the store where possible; the gateway is consulted only on a
// cache miss or an explicit count top-up.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/alertops/dataminr-relay/internal/dataminr"
	"github.com/alertops/dataminr-relay/internal/store"
)

// Action names accepted by Dispatch.
const (
	ActionLookup             = "lookup"
	ActionGetAlerts          = "getAlerts"
	ActionGetAlertByID       = "getAlertById"
	ActionRenderDetail       = "renderAlertDetail"
	ActionRenderNotification = "renderAlertNotification"
)

// Payload is the inbound action record. Action selects the variant; the
// remaining fields are read per action and ignored otherwise.
type Payload struct {
	Action string `json:"action"`

	// lookup
	Entities []Entity `json:"entities,omitempty"`

	// getAlerts
	SinceTimestamp int64 `json:"sinceTimestamp,omitempty"`
	Count          int   `json:"count,omitempty"`

	// getAlertById / renderAlertDetail
	AlertID  string `json:"alertId,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// renderAlertNotification
	Name string `json:"name,omitempty"`
}

// Error is the failure shape returned to callers: a short human detail,
// optionally the underlying error text and the upstream HTTP status.
type Error struct {
	Detail string `json:"detail"`
	Err    string `json:"err,omitempty"`
	Status int    `json:"status,omitempty"`
}

func (e *Error) Error() string { return e.Detail }

// actionError wraps an upstream failure, surfacing its HTTP status when the
// gateway reported one.
func actionError(detail string, err error) *Error {
	out := &Error{Detail: detail}
	if err != nil {
		out.Err = err.Error()
		var se *dataminr.StatusError
		if errors.As(err, &se) {
			out.Status = se.Status
		}
	}
	return out
}

// Renderer produces the HTML fragments for the two render actions. The
// dispatcher only assembles data records; presentation lives behind this
// interface.
type Renderer interface {
	AlertDetail(a store.Alert, timezone string) (string, error)
	AlertNotification(name string) (string, error)
}

// Bootstrapper starts polling on demand. InitPolling must be safe to call
// concurrently and idempotent.
type Bootstrapper interface {
	PollingInitialized() bool
	InitPolling()
}

// Config wires a Dispatcher.
type Config struct {
	// Client is the vendor gateway, used for cache-miss fallback and
	// lookup fan-outs. Required.
	Client *dataminr.Client

	// Store is the alert cache. Required.
	Store *store.Store

	// Renderer handles the two render actions. Required.
	Renderer Renderer

	// Bootstrap, when set, is poked on each dispatched request so the
	// first one can start polling lazily.
	Bootstrap Bootstrapper

	// Lists are the configured watch-list ids applied to store reads and
	// forwarded on single-alert fetches.
	Lists []string

	// AlertTypes names the admitted alert types for read filtering; the
	// shared memoized predicate is built from it.
	AlertTypes []string

	// TrialMode strips alert bodies from lookup responses, keeping counts.
	TrialMode bool

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// Dispatcher routes action payloads. Create one with New.
type Dispatcher struct {
	client    *dataminr.Client
	store     *store.Store
	renderer  Renderer
	bootstrap Bootstrapper
	lists     []string
	listIDs   map[string]struct{}
	types     *store.TypeFilter
	trialMode bool
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	listIDs := make(map[string]struct{}, len(cfg.Lists))
	for _, id := range cfg.Lists {
		listIDs[id] = struct{}{}
	}
	return &Dispatcher{
		client:    cfg.Client,
		store:     cfg.Store,
		renderer:  cfg.Renderer,
		bootstrap: cfg.Bootstrap,
		lists:     cfg.Lists,
		listIDs:   listIDs,
		types:     store.NewTypeFilter(cfg.AlertTypes),
		trialMode: cfg.TrialMode,
		logger:    cfg.Logger,
	}
}

// Dispatch routes one payload to its action handler. The returned value is
// JSON-marshalable; failures are *Error values.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) (any, error) {
	if d.bootstrap != nil && !d.bootstrap.PollingInitialized() {
		go d.bootstrap.InitPolling()
	}

	switch p.Action {
	case "":
		return nil, &Error{Detail: "Missing action in payload"}
	case ActionLookup:
		return d.lookup(ctx, p.Entities)
	case ActionGetAlerts:
		return d.getAlerts(ctx, p)
	case ActionGetAlertByID:
		return d.getAlertByID(ctx, p.AlertID)
	case ActionRenderDetail:
		return d.renderDetail(ctx, p.AlertID, p.Timezone)
	case ActionRenderNotification:
		return d.renderNotification(p.Name)
	default:
		return nil, &Error{Detail: "Unknown action: " + p.Action}
	}
}

// DispatchRaw decodes a JSON payload and dispatches it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte) (any, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, actionError("Malformed action payload", err)
	}
	return d.Dispatch(ctx, p)
}

// AlertsResponse answers getAlerts.
type AlertsResponse struct {
	Alerts             []store.Alert `json:"alerts"`
	Count              int           `json:"count"`
	LastAlertTimestamp int64         `json:"lastAlertTimestamp"`
}

// getAlerts reads from the store through the configured list and type
// filters. A count request ignores sinceTimestamp and tops the store up
// with one vendor page when it holds fewer than count matching alerts.
func (d *Dispatcher) getAlerts(ctx context.Context, p Payload) (*AlertsResponse, error) {
	since := p.SinceTimestamp
	if p.Count > 0 {
		since = 0
	}

	alerts := store.FilterRead(d.store.All(since), d.listIDs, d.types)

	if p.Count > 0 && len(alerts) < p.Count {
		page, err := d.client.FetchAlerts(ctx, dataminr.AlertsQuery{
			PageSize: p.Count,
			Lists:    d.lists,
		})
		if err != nil {
			return nil, actionError("Cannot fetch alerts", err)
		}
		d.store.Add(page.Alerts)
		alerts = store.FilterRead(d.store.All(0), d.listIDs, d.types)
	}
	if p.Count > 0 && len(alerts) > p.Count {
		alerts = alerts[:p.Count]
	}

	resp := &AlertsResponse{Alerts: alerts, Count: len(alerts)}
	if len(alerts) > 0 {
		// Newest first: the head carries the latest timestamp.
		resp.LastAlertTimestamp = alerts[0].AlertTimestamp
	}
	return resp, nil
}

// AlertResponse answers getAlertById. Alert is null when the id is unknown
// to both the store and the vendor.
type AlertResponse struct {
	Alert   *store.Alert `json:"alert"`
	Message string       `json:"message,omitempty"`
}

func (d *Dispatcher) getAlertByID(ctx context.Context, id string) (*AlertResponse, error) {
	if id == "" {
		return nil, &Error{Detail: "Missing alertId in payload"}
	}

	a, err := d.resolveAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &AlertResponse{Alert: nil, Message: "Alert not found"}, nil
	}
	return &AlertResponse{Alert: a}, nil
}

// resolveAlert looks the alert up in the store first, then falls back to a
// single vendor fetch carrying the configured list ids. (nil, nil) means
// not found anywhere.
func (d *Dispatcher) resolveAlert(ctx context.Context, id string) (*store.Alert, error) {
	if a, ok := d.store.ByID(id); ok {
		return &a, nil
	}

	a, err := d.client.FetchAlertByID(ctx, id, d.lists)
	if err != nil {
		return nil, actionError("Cannot fetch alert "+id, err)
	}
	return a, nil
}

// RenderResponse answers both render actions.
type RenderResponse struct {
	HTML string `json:"html"`
}

// renderDetail resolves the alert like getAlertById and delegates to the
// renderer. A missing alert renders empty.
func (d *Dispatcher) renderDetail(ctx context.Context, id, timezone string) (*RenderResponse, error) {
	if id == "" {
		return nil, &Error{Detail: "Missing alertId in payload"}
	}

	a, err := d.resolveAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &RenderResponse{HTML: ""}, nil
	}

	html, err := d.renderer.AlertDetail(*a, timezone)
	if err != nil {
		return nil, actionError("Cannot render alert "+id, err)
	}
	return &RenderResponse{HTML: html}, nil
}

func (d *Dispatcher) renderNotification(name string) (*RenderResponse, error) {
	html, err := d.renderer.AlertNotification(name)
	if err != nil {
		return nil, actionError("Cannot render notification", err)
	}
	return &RenderResponse{HTML: html}, nil
}
