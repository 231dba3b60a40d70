// ABOUTME: Gateway lifecycle, RPC, health and event stream handlers
// ABOUTME: Events are streamed as SSE; slow clients lose events instead of stalling dispatch

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-bridge/internal/bridge"
)

// eventBuffer is the per-client queue between the emitter and the stream.
const eventBuffer = 64

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, s.opts.Gateway.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := s.opts.Gateway.CheckHealth(r.Context())
	status := http.StatusOK
	if !res.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// lifecycle adapts a Start, Stop or Restart call. Success reports the new
// supervisor snapshot.
func (s *Server) lifecycle(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, s.opts.Gateway.Info())
	}
}

// RPCRequest is the body of POST /api/gateway/rpc.
type RPCRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// handleRPC always answers 200 with the normalized result unless the body
// itself is malformed.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Method == "" {
		writeBadRequest(w, "method is required")
		return
	}
	if req.TimeoutMs < 0 {
		writeBadRequest(w, "timeoutMs must not be negative")
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	res := s.opts.Gateway.RPC(r.Context(), req.Method, params, time.Duration(req.TimeoutMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, res)
}

// parseKinds reads the comma separated kind filter. Empty means every kind.
func parseKinds(raw string) ([]bridge.EventKind, error) {
	if raw == "" {
		return bridge.EventKinds, nil
	}
	var kinds []bridge.EventKind
	for _, part := range strings.Split(raw, ",") {
		k := bridge.EventKind(strings.TrimSpace(part))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kind"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	events := make(chan bridge.Event, eventBuffer)
	var subs []*bridge.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, k := range kinds {
		sub, err := s.opts.Gateway.Subscribe(k, func(ev bridge.Event) error {
			select {
			case events <- ev:
			default:
				sseDropped.Inc()
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		subs = append(subs, sub)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sseClients.Inc()
	defer sseClients.Dec()

	s.writeSSEEvent(w, "ready", s.opts.Gateway.Info())
	flusher.Flush()

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			s.writeSSEEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
