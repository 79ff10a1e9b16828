package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/events"
	"browser-test-orchestrator/internal/monitor"
	"browser-test-orchestrator/internal/orchestrator"
	"browser-test-orchestrator/internal/stats"
	"browser-test-orchestrator/internal/storage"
	"browser-test-orchestrator/internal/worker"
)

// WorkerProbe reports whether the automation worker answers.
type WorkerProbe interface {
	Healthy(ctx context.Context) bool
}

// Deps are the services the handlers call into. Worker, Metrics and Clock
// may be nil.
type Deps struct {
	Store    storage.Store
	Manager  *orchestrator.Manager
	Ingestor *orchestrator.Ingestor
	Catalog  *orchestrator.Catalog
	Stats    *stats.Aggregator
	Bus      events.Broadcaster
	Slots    stats.SlotReporter
	Worker   WorkerProbe
	Metrics  *monitor.Metrics
	Clock    clock.Clock
}

type Handlers struct {
	Deps
	heartbeat      time.Duration
	allowedOrigins []string
	startTime      time.Time
}

func NewHandlers(d Deps, heartbeat time.Duration, allowedOrigins []string) *Handlers {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handlers{
		Deps:           d,
		heartbeat:      heartbeat,
		allowedOrigins: allowedOrigins,
		startTime:      time.Now(),
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := h.Store.Healthy(r.Context())
	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.Slots != nil {
		resp.SlotsInUse = h.Slots.InUse()
		resp.MaxSlots = h.Slots.Limit()
	}
	if h.Worker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		ok := h.Worker.Healthy(ctx)
		cancel()
		resp.Worker = &ok
		if !ok {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleNotFound answers unknown paths with a JSON 404.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint: "+r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Message:   msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// fail maps a service error onto its HTTP status.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	msg := err.Error()
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		msg = oe.Message()
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		msg = "internal server error"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, r, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation), errors.Is(err, stats.ErrInvalidQuery):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, orchestrator.ErrConcurrencyLimit):
		return http.StatusTooManyRequests, "CONCURRENCY_LIMIT"
	case errors.Is(err, orchestrator.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, orchestrator.ErrDispatch):
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrStopped) {
			return http.StatusServiceUnavailable, "DISPATCH_UNAVAILABLE"
		}
		return http.StatusBadGateway, "DISPATCH_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// decode reads a JSON body into v, writing the error response itself.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body is required")
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON: "+err.Error())
	}
	return false
}

// intQuery parses an optional integer parameter within [lo, hi].
func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be an integer between %d and %d", stats.ErrInvalidQuery, name, lo, hi)
	}
	return v, nil
}

// timeQuery parses an optional RFC 3339 timestamp or YYYY-MM-DD date. With
// endOfDay a bare date means the end of that day.
func timeQuery(r *http.Request, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a date (YYYY-MM-DD) or RFC 3339 time", stats.ErrInvalidQuery, name)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id must be a positive integer", orchestrator.ErrValidation)
	}
	return id, nil
}
