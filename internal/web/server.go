// Package web serves the local HTTP API: terminal bindings, user close,
// a change stream and a websocket view of each task terminal.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/taskterm/taskterm/internal/logging"
	"github.com/taskterm/taskterm/internal/terminal"
)

var webLog = logging.ForComponent(logging.CompWeb)

// DefaultListenAddr is used when Config.ListenAddr is empty.
const DefaultListenAddr = "127.0.0.1:8421"

// TerminalAPI is the reconciler surface the server exposes.
type TerminalAPI interface {
	Bindings() []terminal.Binding
	CloseTerminal(identity string) error
	Subscribe() (<-chan struct{}, func())
}

// WindowAttacher builds the tmux client command that shows a window.
type WindowAttacher interface {
	AttachCommand(ctx context.Context, windowID string) *exec.Cmd
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
	Version    string

	Terminals TerminalAPI
	Windows   WindowAttacher
}

// Server wraps the taskterm HTTP API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with its routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	s := &Server{cfg: cfg}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/terminals", s.handleTerminals)
	mux.HandleFunc("/api/terminals/", s.handleTerminalByIdentity)
	mux.HandleFunc("/events/terminals", s.handleTerminalEvents)
	mux.HandleFunc("/ws/terminal/", s.handleTerminalWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.StdLogger(logging.CompWeb),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves until Shutdown. Returns nil on graceful
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	webLog.Info("web_listening", slog.String("addr", ln.Addr().String()), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Stops SSE and websocket handlers.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"readOnly":  s.cfg.ReadOnly,
		"version":   s.cfg.Version,
		"terminals": len(s.cfg.Terminals.Bindings()),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}
