// Package supervisor talks to the workspace supervisor: it reads and
// observes the task list and closes remote terminal sessions.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/taskterm/taskterm/internal/config"
	"github.com/taskterm/taskterm/internal/logging"
	"github.com/taskterm/taskterm/internal/task"
	"github.com/taskterm/taskterm/internal/terminal"
)

var supLog = logging.ForComponent(logging.CompSupervisor)

// Supervisor HTTP paths.
const (
	TasksPath       = "/_supervisor/v1/status/tasks"
	ObservePath     = TasksPath + "/observe"
	ClosePathPrefix = "/_supervisor/v1/terminal/close/"
)

const maxBodyBytes = 8 << 20

// Options configure a Client.
type Options struct {
	// Origin is the supervisor base URL, e.g. "http://localhost:22999".
	Origin string
	// Agent is the binary that provides "terminal attach".
	Agent string
	// WorkDir is where the attach command runs.
	WorkDir string

	RequestTimeout    time.Duration
	ReconnectInterval time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// OptionsFromConfig maps the config file onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Origin:            cfg.Supervisor.Origin,
		Agent:             cfg.Attach.Agent,
		WorkDir:           cfg.Attach.WorkDir,
		RequestTimeout:    cfg.Supervisor.RequestTimeout.Duration,
		ReconnectInterval: cfg.Supervisor.ReconnectInterval.Duration,
	}
}

// Client is both the task source and the remote attachment gateway.
type Client struct {
	origin  *url.URL
	agent   string
	workDir string
	timeout time.Duration

	http    *http.Client
	dialer  *websocket.Dialer
	limiter *rate.Limiter
}

// New validates opts.Origin and fills in default timeouts.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("supervisor origin %q: must be an http(s) URL", opts.Origin)
	}
	if opts.Agent == "" {
		opts.Agent = config.Default().Attach.Agent
	}
	if opts.WorkDir == "" {
		opts.WorkDir = config.Default().Attach.WorkDir
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout}
	}

	return &Client{
		origin:  u,
		agent:   opts.Agent,
		workDir: opts.WorkDir,
		timeout: opts.RequestTimeout,
		http:    opts.HTTPClient,
		dialer:  opts.Dialer,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval), 1),
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.origin.String() + path
}

// GetTasks fetches the current task list.
func (c *Client) GetTasks(ctx context.Context) ([]task.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(TasksPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get tasks: %s: %s", resp.Status, snippet(body))
	}
	return task.DecodeList(body)
}

// Watch streams task lists from the observe endpoint until ctx is done.
// Every message is a full list. After a reconnect the list is fetched
// once more so updates missed while disconnected are not lost.
func (c *Client) Watch(ctx context.Context, onDidChange func([]task.Task)) error {
	wsURL := c.observeURL()
	connected := false
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}

		conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			supLog.Warn("observe_dial_failed",
				slog.String("url", wsURL),
				slog.Int("status", status),
				slog.String("error", err.Error()))
			continue
		}

		supLog.Info("observe_connected", slog.String("url", wsURL), slog.Bool("reconnect", connected))
		if connected {
			if tasks, err := c.GetTasks(ctx); err == nil {
				onDidChange(tasks)
			} else {
				supLog.Warn("resync_fetch_failed", slog.String("error", err.Error()))
			}
		}
		connected = true

		err = c.readLoop(ctx, conn, onDidChange)
		if ctx.Err() != nil {
			return nil
		}
		supLog.Warn("observe_disconnected", slog.String("error", err.Error()))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, onDidChange func([]task.Task)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxBodyBytes)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tasks, err := task.DecodeList(payload)
		if err != nil {
			supLog.Warn("observe_message_invalid", slog.String("error", err.Error()), slog.String("payload", snippet(payload)))
			continue
		}
		onDidChange(tasks)
	}
}

func (c *Client) observeURL() string {
	u := *c.origin
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + ObservePath
	return u.String()
}

// AttachCommand is typed into a task terminal to attach it to the remote
// terminal session.
func (c *Client) AttachCommand(remoteSessionID string) terminal.Command {
	return terminal.Command{
		Cwd:  c.workDir,
		Args: []string{c.agent, "terminal", "attach", remoteSessionID, "-ir"},
	}
}

// ErrCloseRejected is returned when the supervisor refuses a close.
var ErrCloseRejected = errors.New("supervisor rejected terminal close")

// CloseRemote asks the supervisor to close a remote terminal session.
func (c *Client) CloseRemote(ctx context.Context, remoteSessionID string) error {
	if remoteSessionID == "" {
		return errors.New("close remote: empty session id")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.endpoint(ClosePathPrefix + url.PathEscape(remoteSessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("close remote %s: %w", remoteSessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s: %s: %s", ErrCloseRejected, remoteSessionID, resp.Status, snippet(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
