// Package tmux hosts terminals as windows of one dedicated tmux session.
// Each window carries its terminal identity in a user option, so windows
// can be found again after the daemon restarts.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taskterm/taskterm/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// Window user options written on every window taskterm creates.
const (
	IdentityOption = "@taskterm-id"
	KindOption     = "@taskterm-kind"
	AreaOption     = "@taskterm-area"
)

// ErrNoSession is returned when the tmux session does not exist.
var ErrNoSession = errors.New("tmux session not found")

const commandTimeout = 5 * time.Second

// ExecFunc runs an external command and returns its combined output.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = environWithoutTMUX(os.Environ())
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Window is one window of the taskterm session.
type Window struct {
	ID       string // tmux window id, "@12"
	Identity string
	Kind     string
	Name     string
}

// Client runs tmux commands against one session.
type Client struct {
	session string
	socket  string
	exec    ExecFunc

	listGroup singleflight.Group
}

// NewClient returns a client for session. An empty socket uses the
// default tmux server.
func NewClient(session, socket string) *Client {
	return NewClientWithExec(session, socket, defaultExec)
}

// NewClientWithExec is NewClient with a custom command runner.
func NewClientWithExec(session, socket string, execFn ExecFunc) *Client {
	return &Client{session: session, socket: socket, exec: execFn}
}

// Session returns the tmux session name.
func (c *Client) Session() string {
	return c.session
}

// Args prefixes args with the socket flag when one is configured.
func (c *Client) Args(args ...string) []string {
	if c.socket == "" {
		return args
	}
	return append([]string{"-S", c.socket}, args...)
}

// Command builds a tmux command for long-running processes (control mode,
// pty attach) that cannot go through ExecFunc.
func (c *Client) Command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "tmux", c.Args(args...)...)
	cmd.Env = environWithoutTMUX(os.Environ())
	return cmd
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := c.exec(ctx, "tmux", c.Args(args...)...)
	if err != nil {
		if isNoSession(string(out)) || isNoSession(err.Error()) {
			return "", fmt.Errorf("%w: %s", ErrNoSession, c.session)
		}
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func isNoSession(msg string) bool {
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to")
}

// IsAvailable reports whether tmux can be executed.
func (c *Client) IsAvailable(ctx context.Context) error {
	out, err := c.run(ctx, "-V")
	if err != nil {
		return fmt.Errorf("tmux not available: %w", err)
	}
	tmuxLog.Debug("tmux_version", slog.String("version", out))
	return nil
}

// HasSession reports whether the taskterm session exists.
func (c *Client) HasSession(ctx context.Context) bool {
	_, err := c.run(ctx, "has-session", "-t", c.session)
	return err == nil
}

// fieldSep separates list-windows fields. tmux prints control characters
// in format output as '_', so it has to be printable. The window name goes
// last since it is the only field a user can set freely.
const fieldSep = "|~|"

var listFormat = strings.Join([]string{
	"#{window_id}",
	"#{" + IdentityOption + "}",
	"#{" + KindOption + "}",
	"#{window_name}",
}, fieldSep)

// ListWindows lists the session's windows. Concurrent callers share one
// tmux invocation. A missing session yields no windows.
func (c *Client) ListWindows(ctx context.Context) ([]Window, error) {
	v, err, _ := c.listGroup.Do("list-windows", func() (any, error) {
		out, err := c.run(ctx, "list-windows", "-t", c.session, "-F", listFormat)
		if errors.Is(err, ErrNoSession) {
			return []Window(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return parseWindows(out), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Window), nil
}

func parseWindows(out string) []Window {
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, fieldSep, 4)
		if len(parts) != 4 || !strings.HasPrefix(parts[0], "@") {
			continue
		}
		windows = append(windows, Window{
			ID:       parts[0],
			Identity: parts[1],
			Kind:     parts[2],
			Name:     parts[3],
		})
	}
	return windows
}

// WindowSpec describes a window to create.
type WindowSpec struct {
	Name       string
	Identity   string
	Kind       string
	WorkDir    string
	AutoRename bool
}

// NewWindow creates a detached window, creating the session first when it
// does not exist, and returns the new window id.
func (c *Client) NewWindow(ctx context.Context, spec WindowSpec) (string, error) {
	var args []string
	if c.HasSession(ctx) {
		args = []string{"new-window", "-d", "-t", c.session + ":", "-P", "-F", "#{window_id}"}
	} else {
		args = []string{"new-session", "-d", "-s", c.session, "-P", "-F", "#{window_id}"}
	}
	if spec.Name != "" {
		args = append(args, "-n", spec.Name)
	}
	if spec.WorkDir != "" {
		args = append(args, "-c", spec.WorkDir)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create window %q: %w", spec.Name, err)
	}
	id := strings.TrimSpace(out)
	if !strings.HasPrefix(id, "@") {
		return "", fmt.Errorf("create window %q: unexpected window id %q", spec.Name, id)
	}

	// One invocation for all window options.
	opts := []string{
		"set-option", "-w", "-t", id, IdentityOption, spec.Identity, ";",
		"set-option", "-w", "-t", id, KindOption, spec.Kind,
	}
	if !spec.AutoRename {
		opts = append(opts, ";", "set-option", "-w", "-t", id, "automatic-rename", "off")
	}
	if _, err := c.run(ctx, opts...); err != nil {
		_ = c.KillWindow(ctx, id)
		return "", fmt.Errorf("tag window %s: %w", id, err)
	}
	return id, nil
}

// KillWindow removes a window. A window that is already gone is not an
// error.
func (c *Client) KillWindow(ctx context.Context, windowID string) error {
	_, err := c.run(ctx, "kill-window", "-t", windowID)
	if err != nil && !isWindowGone(err) {
		return fmt.Errorf("kill window %s: %w", windowID, err)
	}
	return nil
}

func isWindowGone(err error) bool {
	if errors.Is(err, ErrNoSession) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "can't find window") || strings.Contains(msg, "window not found")
}

// SendLine types line into the window's active pane and presses Enter.
func (c *Client) SendLine(ctx context.Context, windowID, line string) error {
	if _, err := c.run(ctx, "send-keys", "-t", windowID, "-l", line); err != nil {
		return fmt.Errorf("send keys to %s: %w", windowID, err)
	}
	if _, err := c.run(ctx, "send-keys", "-t", windowID, "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", windowID, err)
	}
	return nil
}

// MoveWindow places windowID directly after (or before) refID.
func (c *Client) MoveWindow(ctx context.Context, windowID, refID string, before bool) error {
	flag := "-a"
	if before {
		flag = "-b"
	}
	if _, err := c.run(ctx, "move-window", flag, "-s", windowID, "-t", refID); err != nil {
		return fmt.Errorf("move window %s next to %s: %w", windowID, refID, err)
	}
	return nil
}

// SelectWindow makes windowID the session's current window.
func (c *Client) SelectWindow(ctx context.Context, windowID string) error {
	if _, err := c.run(ctx, "select-window", "-t", windowID); err != nil {
		return fmt.Errorf("select window %s: %w", windowID, err)
	}
	return nil
}

// SetWindowOption sets a user option on a window.
func (c *Client) SetWindowOption(ctx context.Context, windowID, key, value string) error {
	_, err := c.run(ctx, "set-option", "-w", "-t", windowID, key, value)
	return err
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// commandLine renders cwd and args as one shell line.
func commandLine(cwd string, args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	line := strings.Join(quoted, " ")
	if cwd == "" {
		return line
	}
	return "cd " + shellQuote(cwd) + " && " + line
}

// environWithoutTMUX drops $TMUX so attaching works from inside another
// tmux client.
func environWithoutTMUX(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMUX=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}
