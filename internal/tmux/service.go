package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskterm/taskterm/internal/task"
	"github.com/taskterm/taskterm/internal/terminal"
)

const validateTimeout = 3 * time.Second

// Service implements terminal.Service with one tmux window per terminal.
type Service struct {
	client  *Client
	workDir string

	// createMu serializes window creation so two terminals never race to
	// create the session.
	createMu sync.Mutex

	mu      sync.Mutex
	windows map[string]*handle // by window id
}

var _ terminal.Service = (*Service)(nil)

// NewService returns a Service creating windows in workDir.
func NewService(client *Client, workDir string) *Service {
	return &Service{
		client:  client,
		workDir: workDir,
		windows: make(map[string]*handle),
	}
}

// Client exposes the underlying tmux client.
func (s *Service) Client() *Client {
	return s.client
}

// NewTerminal returns an unstarted handle. Windows left behind by an
// earlier daemon under the same identity are killed first: they carry no
// attach state the new handle could trust.
func (s *Service) NewTerminal(ctx context.Context, opts terminal.Options) (terminal.Handle, error) {
	id := opts.ID
	if id == "" {
		id = "terminal-" + uuid.NewString()[:8]
	} else if err := s.replaceStale(ctx, id); err != nil {
		return nil, err
	}

	return &handle{
		svc:            s,
		id:             id,
		kind:           opts.Kind,
		title:          opts.Title,
		useServerTitle: opts.UseServerTitle,
	}, nil
}

func (s *Service) replaceStale(ctx context.Context, identity string) error {
	windows, err := s.client.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	for _, w := range windows {
		if w.Identity != identity {
			continue
		}
		if h := s.tracked(w.ID); h != nil {
			if err := h.Dispose(); err != nil {
				return err
			}
			continue
		}
		tmuxLog.Info("stale_window_replaced",
			slog.String("identity", identity),
			slog.String("window_id", w.ID))
		if err := s.client.KillWindow(ctx, w.ID); err != nil {
			return err
		}
	}
	return nil
}

// Activate moves h next to opts.Ref and selects it. Split modes have no
// tmux window equivalent and are placed like tabs.
func (s *Service) Activate(ctx context.Context, th terminal.Handle, opts terminal.ActivateOptions) error {
	h, err := s.own(th)
	if err != nil {
		return err
	}
	windowID := h.TerminalID()
	if windowID == "" {
		return fmt.Errorf("activate %s: not started", h.id)
	}

	if opts.Ref != nil {
		if ref := opts.Ref.TerminalID(); ref != "" && ref != windowID {
			before := opts.Mode == task.ModeTabBefore
			if err := s.client.MoveWindow(ctx, windowID, ref, before); err != nil {
				return err
			}
		}
	}
	if opts.Area != "" {
		if err := s.client.SetWindowOption(ctx, windowID, AreaOption, opts.Area); err != nil {
			tmuxLog.Debug("area_option_failed", slog.String("window_id", windowID), slog.String("error", err.Error()))
		}
	}
	return s.client.SelectWindow(ctx, windowID)
}

// Open selects h without moving it.
func (s *Service) Open(ctx context.Context, th terminal.Handle) error {
	h, err := s.own(th)
	if err != nil {
		return err
	}
	windowID := h.TerminalID()
	if windowID == "" {
		return fmt.Errorf("open %s: not started", h.id)
	}
	return s.client.SelectWindow(ctx, windowID)
}

// All returns a handle for every window in the session. Windows taskterm
// did not create in this run are adopted as handles so they count as
// live terminals and can be closed like any other.
func (s *Service) All(ctx context.Context) ([]terminal.Handle, error) {
	windows, err := s.client.ListWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}

	out := make([]terminal.Handle, 0, len(windows))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range windows {
		h, ok := s.windows[w.ID]
		if !ok {
			h = s.adoptLocked(w)
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Service) adoptLocked(w Window) *handle {
	id := w.Identity
	if id == "" {
		id = "window-" + w.ID
	}
	kind := terminal.KindGeneric
	if w.Kind == terminal.KindTask.String() {
		kind = terminal.KindTask
	}
	h := &handle{svc: s, id: id, kind: kind, title: w.Name, windowID: w.ID, useServerTitle: true}
	s.windows[w.ID] = h
	tmuxLog.Debug("window_adopted", slog.String("window_id", w.ID), slog.String("identity", id))
	return h
}

// ValidateID reports whether the window still exists. Only a listing
// that succeeds without the window counts as gone: a failed listing keeps
// the window, since restarting kills whatever is attached to it.
func (s *Service) ValidateID(windowID string) bool {
	if windowID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()
	exists, err := s.windowExists(ctx, windowID)
	if err != nil {
		tmuxLog.Warn("validate_failed", slog.String("window_id", windowID), slog.String("error", err.Error()))
		return true
	}
	return exists
}

func (s *Service) windowExists(ctx context.Context, windowID string) (bool, error) {
	windows, err := s.client.ListWindows(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range windows {
		if w.ID == windowID {
			return true, nil
		}
	}
	return false, nil
}

// WindowClosed handles a window that disappeared outside taskterm's
// control: the user closed it or its shell exited.
func (s *Service) WindowClosed(windowID string) {
	h := s.tracked(windowID)
	if h == nil {
		return
	}
	tmuxLog.Info("window_closed", slog.String("window_id", windowID), slog.String("identity", h.id))
	h.closeFromUser(false)
}

// Sweep closes every tracked handle whose window no longer exists. It
// covers close events missed while the control pipe was down.
func (s *Service) Sweep(ctx context.Context) error {
	windows, err := s.client.ListWindows(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(windows))
	for _, w := range windows {
		live[w.ID] = true
	}

	s.mu.Lock()
	var gone []string
	for id := range s.windows {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.WindowClosed(id)
	}
	return nil
}

// Lookup returns the handle owning windowID.
func (s *Service) Lookup(windowID string) (terminal.Handle, bool) {
	h := s.tracked(windowID)
	return h, h != nil
}

func (s *Service) tracked(windowID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[windowID]
}

func (s *Service) track(windowID string, h *handle) {
	s.mu.Lock()
	s.windows[windowID] = h
	s.mu.Unlock()
}

func (s *Service) untrack(windowID string, h *handle) {
	s.mu.Lock()
	if cur, ok := s.windows[windowID]; ok && cur == h {
		delete(s.windows, windowID)
	}
	s.mu.Unlock()
}

func (s *Service) own(th terminal.Handle) (*handle, error) {
	h, ok := th.(*handle)
	if !ok || h.svc != s {
		return nil, fmt.Errorf("terminal %s does not belong to this tmux service", th.ID())
	}
	return h, nil
}

// handle is one window.
type handle struct {
	svc            *Service
	id             string
	kind           terminal.Kind
	title          string
	useServerTitle bool

	mu        sync.Mutex
	windowID  string
	disposed  bool
	onDispose []func()
	onClose   []func()
}

func (h *handle) ID() string          { return h.id }
func (h *handle) Kind() terminal.Kind { return h.kind }
func (h *handle) Title() string       { return h.title }

func (h *handle) TerminalID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.windowID
}

// Start creates the backing window. Starting again replaces a window that
// has gone away.
func (h *handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return terminal.ErrDisposed
	}
	old := h.windowID
	h.mu.Unlock()

	h.svc.createMu.Lock()
	defer h.svc.createMu.Unlock()

	if old != "" {
		h.svc.untrack(old, h)
		if err := h.svc.client.KillWindow(ctx, old); err != nil {
			return err
		}
	}

	windowID, err := h.svc.client.NewWindow(ctx, WindowSpec{
		Name:       h.title,
		Identity:   h.id,
		Kind:       h.kind.String(),
		WorkDir:    h.svc.workDir,
		AutoRename: h.useServerTitle,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		_ = h.svc.client.KillWindow(ctx, windowID)
		return terminal.ErrDisposed
	}
	h.windowID = windowID
	h.mu.Unlock()
	h.svc.track(windowID, h)

	tmuxLog.Debug("window_started", slog.String("identity", h.id), slog.String("window_id", windowID))
	return nil
}

func (h *handle) ExecuteCommand(ctx context.Context, cmd terminal.Command) error {
	h.mu.Lock()
	disposed, windowID := h.disposed, h.windowID
	h.mu.Unlock()
	if disposed {
		return terminal.ErrDisposed
	}
	if windowID == "" {
		return fmt.Errorf("execute in %s: not started", h.id)
	}
	return h.svc.client.SendLine(ctx, windowID, commandLine(cmd.Cwd, cmd.Args))
}

func (h *handle) OnDidDispose(cb func()) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		cb()
		return
	}
	h.onDispose = append(h.onDispose, cb)
	h.mu.Unlock()
}

func (h *handle) OnTerminalDidClose(cb func()) {
	h.mu.Lock()
	h.onClose = append(h.onClose, cb)
	h.mu.Unlock()
}

// Dispose kills the window on behalf of the owner.
func (h *handle) Dispose() error {
	windowID, cbs, ok := h.markDisposed()
	if !ok {
		return nil
	}
	var err error
	if windowID != "" {
		err = h.svc.client.KillWindow(context.Background(), windowID)
	}
	for _, cb := range cbs {
		cb()
	}
	return err
}

// Close kills the window on behalf of the user.
func (h *handle) Close() error {
	return h.closeFromUser(true)
}

// closeFromUser runs close callbacks, then disposes. kill is false when
// the window is already gone.
func (h *handle) closeFromUser(kill bool) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	closeCbs := append([]func(){}, h.onClose...)
	h.mu.Unlock()

	for _, cb := range closeCbs {
		cb()
	}

	windowID, cbs, ok := h.markDisposed()
	if !ok {
		return nil
	}
	var err error
	if kill && windowID != "" {
		err = h.svc.client.KillWindow(context.Background(), windowID)
	}
	for _, cb := range cbs {
		cb()
	}
	return err
}

func (h *handle) markDisposed() (string, []func(), bool) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return "", nil, false
	}
	h.disposed = true
	windowID := h.windowID
	cbs := h.onDispose
	h.onDispose = nil
	h.onClose = nil
	h.mu.Unlock()

	if windowID != "" {
		h.svc.untrack(windowID, h)
	}
	return windowID, cbs, true
}
