package logging

import (
	"bytes"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer for libraries that only accept a
// *log.Logger (http.Server.ErrorLog). A leading "[category] " prefix is
// lifted into the component field.
type BridgeWriter struct {
	component string
}

func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

// StdLogger returns a *log.Logger that writes through a BridgeWriter.
func StdLogger(component string) *log.Logger {
	return log.New(NewBridgeWriter(component), "", 0)
}

func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}

	Logger().Warn(msg, slog.String("component", canonicalComponent(component)))
	return n, nil
}

// stripLogTimestamp removes "HH:MM:SS " or "HH:MM:SS.ffffff " prefixes
// added by log.Ltime flags.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "http", "http-server", "ws", "websocket", "sse":
		return CompWeb
	case "tmux", "tmux-control", "pipe":
		return CompTmux
	case "supervisor", "observe":
		return CompSupervisor
	case "reconcile", "reconciler":
		return CompReconcile
	default:
		return cat
	}
}
