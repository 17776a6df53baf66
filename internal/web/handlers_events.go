package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var terminalEventsHeartbeatInterval = 15 * time.Second

// handleTerminalEvents streams the binding list as SSE "terminals" events:
// once on connect, then after every reconciliation change that alters it.
func (s *Server) handleTerminalEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	changes, unsubscribe := s.cfg.Terminals.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	current := TerminalsResponse{Terminals: s.bindings()}
	lastFingerprint := fingerprint(current)
	if err := writeSSEEvent(w, flusher, "terminals", current); err != nil {
		return
	}

	heartbeat := time.NewTicker(terminalEventsHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case _, ok := <-changes:
			if !ok {
				return
			}
			next := TerminalsResponse{Terminals: s.bindings()}
			nextFingerprint := fingerprint(next)
			if nextFingerprint == lastFingerprint {
				continue
			}
			if err := writeSSEEvent(w, flusher, "terminals", next); err != nil {
				return
			}
			lastFingerprint = nextFingerprint
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func fingerprint(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
