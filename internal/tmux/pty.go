//go:build !windows
// +build !windows

package tmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// DetachKey is Ctrl+Q: pressing it alone detaches Attach.
const DetachKey = 17

// AttachCommand returns the tmux client command that shows windowID.
// ignore-size keeps the extra client from resizing the shared window.
func (c *Client) AttachCommand(ctx context.Context, windowID string) *exec.Cmd {
	return c.Command(ctx, "attach-session", "-f", "ignore-size", "-t", c.session+":"+windowID)
}

// Attach shows windowID on the caller's terminal through a pty until the
// tmux client exits or the user presses Ctrl+Q.
func (c *Client) Attach(ctx context.Context, windowID string) error {
	if !c.HasSession(ctx) {
		return fmt.Errorf("%w: %s", ErrNoSession, c.session)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := c.AttachCommand(ctx, windowID)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	sigwinchDone := make(chan struct{})
	defer func() {
		signal.Stop(sigwinch)
		close(sigwinchDone)
	}()

	go func() {
		for {
			select {
			case <-sigwinchDone:
				return
			case _, ok := <-sigwinch:
				if !ok {
					return
				}
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH

	detachCh := make(chan struct{})
	ioErrors := make(chan error, 2)

	// Terminal capability replies arrive right after raw mode is set and
	// must not reach the pane.
	startTime := time.Now()
	const controlSeqTimeout = 50 * time.Millisecond

	go func() {
		if _, err := io.Copy(os.Stdout, ptmx); err != nil && !errors.Is(err, io.EOF) {
			select {
			case ioErrors <- fmt.Errorf("PTY read error: %w", err):
			default:
			}
		}
	}()

	go func() {
		buf := make([]byte, 32)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case ioErrors <- fmt.Errorf("stdin read error: %w", err):
					default:
					}
				}
				return
			}
			if time.Since(startTime) < controlSeqTimeout {
				continue
			}
			if n == 1 && buf[0] == DetachKey {
				close(detachCh)
				cancel()
				return
			}
			if _, err := ptmx.Write(buf[:n]); err != nil {
				select {
				case ioErrors <- fmt.Errorf("PTY write error: %w", err):
				default:
				}
				return
			}
		}
	}()

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- cmd.Wait() }()

	select {
	case <-detachCh:
		return nil
	case err := <-ioErrors:
		return err
	case err := <-cmdDone:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && (exitErr.ExitCode() == 0 || exitErr.ExitCode() == 1) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		return err
	case <-ctx.Done():
		return nil
	}
}
