package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type       string    `json:"type"` // status, error
	Event      string    `json:"event,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	TerminalID string    `json:"terminalId,omitempty"`
	ReadOnly   bool      `json:"readOnly,omitempty"`
	Time       time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// handleTerminalWS bridges a websocket to the tmux window behind a task
// terminal. Output is sent as binary frames; input, resize and ping
// arrive as JSON text frames.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	identity, ok := identityFromPath(r.URL.Path, "/ws/terminal/")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "terminal identity is required")
		return
	}
	binding, found := s.bindingFor(identity)
	if !found {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "terminal not found")
		return
	}
	if binding.TerminalID == "" {
		writeAPIError(w, http.StatusConflict, "TERMINAL_NOT_STARTED", "terminal has no tmux window yet")
		return
	}
	if s.cfg.Windows == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "NO_TERMINAL_BRIDGE", "terminal bridge is not configured")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSWriter(conn)
	status := func(event string) {
		_ = writer.WriteJSON(wsServerMessage{
			Type:       "status",
			Event:      event,
			Identity:   identity,
			TerminalID: binding.TerminalID,
			ReadOnly:   s.cfg.ReadOnly,
			Time:       time.Now().UTC(),
		})
	}
	fail := func(code, message string) {
		_ = writer.WriteJSON(wsServerMessage{
			Type:     "error",
			Code:     code,
			Message:  message,
			Identity: identity,
			Time:     time.Now().UTC(),
		})
	}

	status("connected")

	bridge, err := startWindowBridge(s.cfg.Windows.AttachCommand(s.baseCtx, binding.TerminalID), binding, writer)
	if err != nil {
		webLog.Error("terminal_attach_failed",
			slog.String("identity", identity),
			slog.String("terminal_id", binding.TerminalID),
			slog.String("error", err.Error()))
		fail("TERMINAL_ATTACH_FAILED", "failed to attach terminal bridge")
	} else {
		defer bridge.Close()
		status("terminal_attached")
		go func() {
			select {
			case <-bridge.Exited():
				_ = writer.CloseWith(websocket.CloseNormalClosure, "terminal closed")
			case <-r.Context().Done():
			}
		}()
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("identity", identity),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			fail("INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			status("pong")
		case "input":
			if s.cfg.ReadOnly {
				fail("READ_ONLY", "input is disabled in read-only mode")
				continue
			}
			if bridge == nil {
				fail("NO_TERMINAL_BRIDGE", "terminal bridge is not attached")
				continue
			}
			if err := bridge.WriteInput(msg.Data); err != nil {
				fail("INPUT_WRITE_FAILED", "failed to send input to terminal")
			}
		case "resize":
			if bridge == nil {
				fail("NO_TERMINAL_BRIDGE", "terminal bridge is not attached")
				continue
			}
			if err := bridge.Resize(msg.Cols, msg.Rows); err != nil {
				fail("RESIZE_FAILED", "failed to resize terminal")
			}
		default:
			fail("UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize")
		}
	}
}
