package logging

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// debugServer serves pprof and the ring buffer. Guarded by globalMu.
var debugServer *http.Server

// startDebugServer binds addr and serves in the background. Callers hold
// globalMu, so failures are logged from a goroutine.
func startDebugServer(addr string, ring *RingBuffer) {
	stopDebugServer()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		go func() {
			Logger().Error("debug_server_error", slog.String("addr", addr), slog.String("error", err.Error()))
		}()
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// Recent records, the same bytes a crash dump would hold.
	mux.HandleFunc("/debug/logs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write(ring.Bytes())
	})

	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	debugServer = srv
	go func() {
		Logger().Info("debug_server_start", slog.String("addr", srv.Addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger().Error("debug_server_error", slog.String("error", err.Error()))
		}
	}()
}

func stopDebugServer() {
	if debugServer != nil {
		_ = debugServer.Close()
		debugServer = nil
	}
}

// DebugAddr returns the bound pprof address, or "" when none is running.
func DebugAddr() string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if debugServer == nil {
		return ""
	}
	return debugServer.Addr
}
