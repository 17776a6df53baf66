package tmux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/taskterm/taskterm/internal/logging"
)

var pipeLog = logging.ForComponent("pipe")

// EventKind is a control-mode notification taskterm reacts to.
type EventKind int

const (
	EventWindowClose EventKind = iota + 1
	EventWindowAdd
	EventExit
)

// Event is one parsed control-mode notification.
type Event struct {
	Kind     EventKind
	WindowID string
}

// parseControlLine maps a %-notification to an Event. Lines taskterm does
// not care about report ok=false.
func parseControlLine(line string) (Event, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Event{}, false
	}
	switch fields[0] {
	case "%window-close", "%unlinked-window-close":
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "@") {
			return Event{}, false
		}
		return Event{Kind: EventWindowClose, WindowID: fields[1]}, true
	case "%window-add", "%unlinked-window-add":
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "@") {
			return Event{}, false
		}
		return Event{Kind: EventWindowAdd, WindowID: fields[1]}, true
	case "%exit":
		return Event{Kind: EventExit}, true
	}
	return Event{}, false
}

// ControlPipe wraps a `tmux -C attach-session` process and turns its
// notifications into Events.
type ControlPipe struct {
	sessionName string
	cmd         *exec.Cmd
	stdin       io.WriteCloser

	events chan Event

	ready        chan struct{}
	readyOnce    sync.Once
	handshakeErr error

	mu    sync.RWMutex
	alive bool

	done      chan struct{}
	closeOnce sync.Once
}

func newPipe(sessionName string) *ControlPipe {
	return &ControlPipe{
		sessionName: sessionName,
		events:      make(chan Event, 64),
		ready:       make(chan struct{}),
		alive:       true,
		done:        make(chan struct{}),
	}
}

// NewControlPipe attaches a control-mode client to the taskterm session.
// It blocks until the initial handshake completes (or 2s pass).
func NewControlPipe(ctx context.Context, c *Client) (*ControlPipe, error) {
	cmd := c.Command(ctx, "-C", "attach-session", "-r", "-t", c.Session())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start tmux -C: %w", err)
	}

	cp := newPipe(c.Session())
	cp.cmd = cmd
	cp.stdin = stdin
	go cp.reader(stdout)

	select {
	case <-cp.ready:
	case <-cp.done:
		cp.Close()
		return nil, fmt.Errorf("pipe died during handshake for session %s", cp.sessionName)
	case <-time.After(2 * time.Second):
		pipeLog.Debug("pipe_handshake_timeout", slog.String("session", cp.sessionName))
	}

	if cp.handshakeErr != nil {
		cp.Close()
		return nil, fmt.Errorf("session %s: %w", cp.sessionName, cp.handshakeErr)
	}

	pipeLog.Debug("pipe_connected", slog.String("session", cp.sessionName))
	return cp, nil
}

// reader consumes the control-mode stream until it ends.
func (cp *ControlPipe) reader(r io.Reader) {
	defer func() {
		cp.mu.Lock()
		cp.alive = false
		cp.mu.Unlock()
		close(cp.done)
		pipeLog.Debug("pipe_reader_exited", slog.String("session", cp.sessionName))
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	isReady := false
	for scanner.Scan() {
		raw := scanner.Text()
		if !strings.HasPrefix(raw, "%") {
			continue
		}

		switch {
		case strings.HasPrefix(raw, "%end "):
			if !isReady {
				// The first %begin/%end pair acknowledges the attach.
				isReady = true
				cp.readyOnce.Do(func() { close(cp.ready) })
			}
			continue
		case strings.HasPrefix(raw, "%error "):
			if !isReady {
				parts := strings.Fields(raw)
				if len(parts) > 3 {
					cp.handshakeErr = fmt.Errorf("%s", strings.Join(parts[3:], " "))
				} else {
					cp.handshakeErr = fmt.Errorf("handshake error: %s", raw)
				}
				isReady = true
				cp.readyOnce.Do(func() { close(cp.ready) })
			}
			continue
		}

		ev, ok := parseControlLine(raw)
		if !ok {
			continue
		}
		select {
		case cp.events <- ev:
		default:
			pipeLog.Warn("pipe_event_dropped", slog.String("session", cp.sessionName), slog.String("window_id", ev.WindowID))
		}
	}

	if err := scanner.Err(); err != nil {
		pipeLog.Debug("pipe_scanner_error", slog.String("session", cp.sessionName), slog.String("error", err.Error()))
	}
}

// Events delivers parsed notifications.
func (cp *ControlPipe) Events() <-chan Event {
	return cp.events
}

func (cp *ControlPipe) IsAlive() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.alive
}

// Done is closed when the pipe exits.
func (cp *ControlPipe) Done() <-chan struct{} {
	return cp.done
}

// Close shuts down the pipe and kills the process group.
func (cp *ControlPipe) Close() {
	cp.closeOnce.Do(func() {
		cp.mu.Lock()
		cp.alive = false
		cp.mu.Unlock()

		if cp.stdin != nil {
			cp.stdin.Close()
		}
		if cp.cmd != nil && cp.cmd.Process != nil {
			pgid, err := syscall.Getpgid(cp.cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = cp.cmd.Process.Kill()
			}
			_ = cp.cmd.Wait()
		}
		pipeLog.Debug("pipe_closed", slog.String("session", cp.sessionName))
	})
}
