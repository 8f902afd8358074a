package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alertops/dataminr-relay/internal/dispatch"
)

// maxPayloadBytes bounds the inbound action payload size.
const maxPayloadBytes = 1 << 20

// Dispatcher is the subset of the action dispatcher used by the REST
// handlers. An interface keeps handler tests free of a live vendor gateway.
type Dispatcher interface {
	// DispatchRaw decodes a JSON action payload and routes it.
	DispatchRaw(ctx context.Context, raw []byte) (any, error)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	dispatcher Dispatcher
	healthz    http.HandlerFunc
	metrics    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server. healthz and metrics are optional; absent
// handlers answer with a minimal default and 404 respectively.
func NewServer(d Dispatcher, healthz http.HandlerFunc, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatcher: d, healthz: healthz, metrics: metrics, logger: logger}
}

// handleAction responds to POST /api/v1/action.
//
// The body is a JSON action payload with a required "action" discriminator;
// the response is the dispatcher's result encoded as JSON. Failures answer
// with the {detail, err?, status?} error shape: 400 for payload problems,
// 502 when the upstream vendor reported a status, 500 otherwise.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	result, err := s.dispatcher.DispatchRaw(r.Context(), body)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Warn("action: failed to encode response", slog.Any("error", err))
	}
}

// writeDispatchError maps a dispatch failure onto an HTTP status and writes
// the error record itself as the response body.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var ae *dispatch.Error
	if !errors.As(err, &ae) {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	code := http.StatusBadRequest
	if ae.Status != 0 {
		code = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if encErr := json.NewEncoder(w).Encode(ae); encErr != nil {
		s.logger.Warn("action: failed to encode error response", slog.Any("error", encErr))
	}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 so
// load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthz != nil {
		s.healthz(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleMetrics responds to GET /metrics with the Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.ServeHTTP(w, r)
}
