package web

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"github.com/taskterm/taskterm/internal/terminal"
)

const (
	wsWriteTimeout = 10 * time.Second
	// attachExitGrace bounds how long Close waits for the tmux client
	// after SIGTERM before killing it.
	attachExitGrace = 2 * time.Second
)

// Initial pty size, until the browser sends its first resize.
var defaultWinsize = pty.Winsize{Cols: 80, Rows: 24}

// wsWriter serializes writes to one websocket. Write sends p as a binary
// frame, so pty output can be copied straight into it.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWith sends a close frame; the peer's reply ends the read loop.
func (w *wsWriter) CloseWith(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteTimeout))
}

// frameSink receives pty output as binary frames and status messages as
// JSON. *wsWriter is the production sink.
type frameSink interface {
	io.Writer
	WriteJSON(v any) error
}

// windowBridge shows one task terminal's tmux window to a websocket
// client. The tmux client runs on a pty; its output goes out as binary
// frames, input frames go into the pty.
type windowBridge struct {
	binding terminal.Binding
	out     frameSink

	cmd *exec.Cmd
	tty *os.File

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
}

func startWindowBridge(cmd *exec.Cmd, binding terminal.Binding, out frameSink) (*windowBridge, error) {
	if cmd == nil {
		return nil, errors.New("no attach command")
	}
	if binding.TerminalID == "" {
		return nil, fmt.Errorf("terminal %s has no window", binding.Identity)
	}
	ws := defaultWinsize
	tty, err := pty.StartWithSize(cmd, &ws)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", binding.TerminalID, err)
	}

	b := &windowBridge{
		binding: binding,
		out:     out,
		cmd:     cmd,
		tty:     tty,
		exited:  make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

// pump copies output until the tmux client goes away, then reports why.
func (b *windowBridge) pump() {
	buf := make([]byte, 8192)
	_, copyErr := io.CopyBuffer(b.out, b.tty, buf)
	b.exitErr = b.cmd.Wait()
	defer close(b.exited)

	// Linux reports EIO on the pty once the client has exited. Anything
	// else means the sink failed or Close released the pty.
	if copyErr != nil && !errors.Is(copyErr, syscall.EIO) {
		return
	}
	msg := wsServerMessage{
		Type:       "status",
		Event:      "terminal_closed",
		Identity:   b.binding.Identity,
		TerminalID: b.binding.TerminalID,
		Time:       time.Now().UTC(),
	}
	if b.exitErr != nil {
		msg.Message = b.exitErr.Error()
	}
	_ = b.out.WriteJSON(msg)
}

func (b *windowBridge) WriteInput(data string) error {
	if data == "" {
		return nil
	}
	select {
	case <-b.exited:
		return fmt.Errorf("window %s detached", b.binding.TerminalID)
	default:
	}
	_, err := io.WriteString(b.tty, data)
	return err
}

// Resize changes the pty size. The tmux client runs with ignore-size, so
// the window keeps its own size for other clients.
func (b *windowBridge) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	return pty.Setsize(b.tty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Exited is closed once the tmux client has exited.
func (b *windowBridge) Exited() <-chan struct{} {
	return b.exited
}

// Close detaches: it stops the tmux client's process group and releases
// the pty. The tmux window itself is left alone.
func (b *windowBridge) Close() {
	b.closeOnce.Do(func() {
		if pgid, err := syscall.Getpgid(b.cmd.Process.Pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		}
		select {
		case <-b.exited:
		case <-time.After(attachExitGrace):
			_ = b.cmd.Process.Kill()
		}
		_ = b.tty.Close()
	})
}
