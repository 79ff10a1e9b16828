package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"browser-test-orchestrator/internal/events"
)

// SSEWriter writes Server-Sent Events and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Event sends one event. Each line of data gets its own "data:" prefix so a
// newline in the payload cannot end the event early.
func (s *SSEWriter) Event(id, event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment sends a keep-alive line that clients ignore.
func (s *SSEWriter) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleExecutionEvents streams one execution's events as SSE. The first
// event is a snapshot of the stored execution, so a late subscriber sees the
// current state; the stream ends after execution_completed.
func (h *Handlers) HandleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	// subscribe before reading the snapshot so nothing falls in between
	sub, err := h.Bus.Subscribe(ctx, events.Filter{ExecutionID: id})
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "event stream unavailable")
		return
	}
	defer sub.Close()

	exec, err := h.Store.GetExecution(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	snapshot, err := json.Marshal(exec)
	if err != nil {
		h.logStreamError(r, "sse", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to encode execution")
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, r, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)

	h.trackClient("sse", 1)
	defer h.trackClient("sse", -1)

	if err := sse.Event("", "snapshot", snapshot); err != nil || exec.Status.IsTerminal() {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.Comment("ping"); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logStreamError(r, "sse", err)
				continue
			}
			if err := sse.Event(e.ID, string(e.Kind), data); err != nil {
				return
			}
			if e.Kind == events.KindExecutionCompleted {
				return
			}
		}
	}
}

// wsMessage is a control frame sent by WebSocket clients.
type wsMessage struct {
	Type string `json:"type"`
}

// wsNotice is a non-event frame sent to WebSocket clients.
type wsNotice struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// HandleEventsWebSocket streams events over a WebSocket, optionally limited
// to one execution_id.
func (h *Handlers) HandleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")
	if executionID != "" {
		if _, err := h.Store.GetExecution(r.Context(), executionID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.allowedOrigins})
	if err != nil {
		// Accept has already written the response
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.Bus.Subscribe(ctx, events.Filter{ExecutionID: executionID})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Close()

	h.trackClient("websocket", 1)
	defer h.trackClient("websocket", -1)

	hello := wsNotice{Type: "connected", Timestamp: h.Clock.Now(), Data: map[string]any{}}
	if executionID != "" {
		hello.Data["execution_id"] = executionID
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		return
	}

	// reads run separately so a closed client cancels the stream
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		defer wcancel()
		return wsjson.Write(wctx, conn, v)
	}
	go func() {
		defer cancel()
		for {
			var msg wsMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type == "ping" {
				if err := write(wsNotice{Type: "pong", Timestamp: h.Clock.Now()}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(wsNotice{Type: "heartbeat", Timestamp: h.Clock.Now()}); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := write(e); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logStreamError(r, "websocket", err)
				}
				return
			}
		}
	}
}

func (h *Handlers) trackClient(transport string, delta float64) {
	if h.Metrics != nil {
		h.Metrics.StreamClients.WithLabelValues(transport).Add(delta)
	}
}

func (h *Handlers) logStreamError(r *http.Request, transport string, err error) {
	log.Warn().
		Err(err).
		Str("transport", transport).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("stream write failed")
}
