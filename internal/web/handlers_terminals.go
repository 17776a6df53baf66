package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/taskterm/taskterm/internal/reconcile"
	"github.com/taskterm/taskterm/internal/terminal"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// TerminalsResponse is the body of GET /api/terminals.
type TerminalsResponse struct {
	Terminals []terminal.Binding `json:"terminals"`
}

func (s *Server) bindings() []terminal.Binding {
	out := s.cfg.Terminals.Bindings()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	if out == nil {
		out = []terminal.Binding{}
	}
	return out
}

func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, TerminalsResponse{Terminals: s.bindings()})
}

// identityFromPath extracts the single path segment after prefix.
func identityFromPath(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	identity := strings.TrimPrefix(path, prefix)
	if identity == "" || strings.Contains(identity, "/") {
		return "", false
	}
	return identity, true
}

func (s *Server) bindingFor(identity string) (terminal.Binding, bool) {
	for _, b := range s.cfg.Terminals.Bindings() {
		if b.Identity == identity {
			return b, true
		}
	}
	return terminal.Binding{}, false
}

func (s *Server) handleTerminalByIdentity(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	identity, ok := identityFromPath(r.URL.Path, "/api/terminals/")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "terminal identity is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, found := s.bindingFor(identity)
		if !found {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "terminal not found")
			return
		}
		writeJSON(w, http.StatusOK, b)

	case http.MethodDelete:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "closing terminals is disabled in read-only mode")
			return
		}
		if err := s.cfg.Terminals.CloseTerminal(identity); err != nil {
			if errors.Is(err, reconcile.ErrTerminalNotFound) {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "terminal not found")
				return
			}
			webLog.Error("terminal_close_failed",
				slog.String("identity", identity),
				slog.String("error", err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "CLOSE_FAILED", "failed to close terminal")
			return
		}
		webLog.Info("terminal_closed_via_api", slog.String("identity", identity))
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
