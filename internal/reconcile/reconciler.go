// Package reconcile keeps task-bound terminals in step with the task feed.
// Every bootstrap and update pass goes through a Scheduler, so passes never
// interleave.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskterm/taskterm/internal/logging"
	"github.com/taskterm/taskterm/internal/task"
	"github.com/taskterm/taskterm/internal/terminal"
)

var reconcileLog = logging.ForComponent(logging.CompReconcile)

// ErrTerminalNotFound is returned by CloseTerminal for unknown identities.
var ErrTerminalNotFound = errors.New("terminal not found")

// Source delivers the authoritative task list.
type Source interface {
	// GetTasks returns the current snapshot.
	GetTasks(ctx context.Context) ([]task.Task, error)
	// Watch calls onDidChange with every subsequent full list until ctx is
	// done.
	Watch(ctx context.Context, onDidChange func([]task.Task)) error
}

// Gateway reaches the remote side of a task terminal.
type Gateway interface {
	// AttachCommand is typed into a task terminal to attach it to the
	// remote session.
	AttachCommand(remoteSessionID string) terminal.Command
	// CloseRemote asks the remote session to close.
	CloseRemote(ctx context.Context, remoteSessionID string) error
}

// FallbackTitle is the title of the generic terminal opened when the
// bootstrap pass leaves no terminal at all.
const FallbackTitle = "Terminal"

const closeRemoteTimeout = 10 * time.Second

// Reconciler owns the registry of task terminals.
type Reconciler struct {
	source    Source
	terminals terminal.Service
	gateway   Gateway
	registry  *terminal.Registry
	sched     *Scheduler

	// attaches tracks in-flight attach commands.
	attaches sync.WaitGroup

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// New wires a reconciler to its collaborators. Nothing runs until Run.
func New(source Source, terminals terminal.Service, gateway Gateway) *Reconciler {
	return &Reconciler{
		source:    source,
		terminals: terminals,
		gateway:   gateway,
		registry:  terminal.NewRegistry(),
		sched:     NewScheduler(),
		subs:      make(map[chan struct{}]struct{}),
	}
}

// Registry exposes the task terminal registry.
func (r *Reconciler) Registry() *terminal.Registry {
	return r.registry
}

// Bindings is a snapshot of the registry.
func (r *Reconciler) Bindings() []terminal.Binding {
	return r.registry.Snapshot()
}

// Run enqueues the bootstrap pass, then serves pushed updates until ctx is
// done. The bootstrap pass is queued before the watch starts, so an early
// push always runs after it.
func (r *Reconciler) Run(ctx context.Context) error {
	r.sched.Enqueue("bootstrap", r.bootstrap)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.sched.Run(gctx)
	})
	g.Go(func() error {
		err := r.source.Watch(gctx, r.OnDidChange)
		if err != nil && gctx.Err() == nil {
			// Without a feed the registry still serves user closes.
			reconcileLog.Error("task_watch_stopped", slog.String("error", err.Error()))
		}
		return nil
	})
	err := g.Wait()
	r.attaches.Wait()
	return err
}

// OnDidChange enqueues an update pass for a pushed task list.
func (r *Reconciler) OnDidChange(tasks []task.Task) {
	snapshot := append([]task.Task(nil), tasks...)
	logging.Aggregate(logging.CompReconcile, "task_list_pushed", slog.Int("tasks", len(snapshot)))
	r.sched.Enqueue("update", func(ctx context.Context) error {
		r.apply(ctx, snapshot)
		return nil
	})
}

func (r *Reconciler) bootstrap(ctx context.Context) error {
	tasks, err := r.source.GetTasks(ctx)
	if err != nil {
		reconcileLog.Error("bootstrap_fetch_failed",
			slog.String("pass_id", PassID(ctx)),
			slog.String("error", err.Error()))
	} else {
		r.apply(ctx, tasks)
	}

	if err := r.ensureFallback(ctx); err != nil {
		return fmt.Errorf("fallback terminal: %w", err)
	}
	return nil
}

// apply runs the state machine for every task in payload order.
// Terminals created in this pass are placed after one another.
func (r *Reconciler) apply(ctx context.Context, tasks []task.Task) {
	defer r.notifyChanged()

	var ref terminal.Handle
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		log := reconcileLog.With(
			slog.String("pass_id", PassID(ctx)),
			slog.String("task_id", t.ID),
			slog.String("state", t.State.String()))

		if t.ID == "" {
			log.Warn("task_without_id_skipped")
			continue
		}
		if _, dup := seen[t.ID]; dup {
			log.Warn("duplicate_task_skipped")
			continue
		}
		seen[t.ID] = struct{}{}

		created, err := r.reconcileTask(ctx, t, ref)
		if err != nil {
			log.Error("task_reconcile_failed", slog.String("error", err.Error()))
			continue
		}
		if created != nil {
			ref = created
		}
	}
}

// reconcileTask applies one row of the state table. It returns the handle
// of a terminal created and placed by this call.
func (r *Reconciler) reconcileTask(ctx context.Context, t task.Task, ref terminal.Handle) (terminal.Handle, error) {
	identity := terminal.IdentityFor(t.ID)
	sess, exists := r.registry.Lookup(identity)

	if t.State == task.Closed {
		if !exists {
			return nil, nil
		}
		reconcileLog.Info("terminal_disposed",
			slog.String("identity", identity),
			slog.String("reason", "task_closed"))
		if err := sess.Handle.Dispose(); err != nil {
			return nil, fmt.Errorf("dispose %s: %w", identity, err)
		}
		return nil, nil
	}

	var placed terminal.Handle
	if !exists {
		created, err := r.create(ctx, t, ref)
		if err != nil {
			return nil, err
		}
		sess, placed = created, created.Handle
	} else if !r.terminals.ValidateID(sess.Handle.TerminalID()) {
		reconcileLog.Info("terminal_restarted",
			slog.String("identity", identity),
			slog.String("stale_terminal_id", sess.Handle.TerminalID()))
		if err := sess.Handle.Start(ctx); err != nil {
			return nil, fmt.Errorf("restart %s: %w", identity, err)
		}
	}

	if t.State == task.Running {
		r.attach(ctx, sess, t)
	}
	return placed, nil
}

func (r *Reconciler) create(ctx context.Context, t task.Task, ref terminal.Handle) (*terminal.Session, error) {
	identity := terminal.IdentityFor(t.ID)
	p := t.Presentation.WithDefaults()

	h, err := r.terminals.NewTerminal(ctx, terminal.Options{
		ID:             identity,
		Kind:           terminal.KindTask,
		Title:          p.Name,
		UseServerTitle: false,
	})
	if err != nil {
		return nil, fmt.Errorf("new terminal %s: %w", identity, err)
	}

	sess := terminal.NewSession(t.ID, h)
	if err := r.registry.Register(sess); err != nil {
		_ = h.Dispose()
		return nil, err
	}
	h.OnTerminalDidClose(func() { r.onUserClose(sess) })
	h.OnDidDispose(r.notifyChanged)

	if err := h.Start(ctx); err != nil {
		return nil, fmt.Errorf("start %s: %w", identity, err)
	}
	if err := r.terminals.Activate(ctx, h, terminal.ActivateOptions{
		Ref:  ref,
		Area: p.OpenIn,
		Mode: p.OpenMode,
	}); err != nil {
		return nil, fmt.Errorf("activate %s: %w", identity, err)
	}

	reconcileLog.Info("terminal_created",
		slog.String("pass_id", PassID(ctx)),
		slog.String("identity", identity),
		slog.String("title", p.Name),
		slog.String("area", p.OpenIn),
		slog.String("mode", p.OpenMode))
	return sess, nil
}

// attach latches the remote session id and then issues the attach command
// without waiting for it. A later pass sees the latch even while the
// command is still in flight.
func (r *Reconciler) attach(ctx context.Context, sess *terminal.Session, t task.Task) {
	if t.RemoteSessionID == "" {
		reconcileLog.Debug("attach_deferred", slog.String("task_id", t.ID))
		return
	}
	if !sess.Bind(t.RemoteSessionID) {
		return
	}

	cmd := r.gateway.AttachCommand(t.RemoteSessionID)
	reconcileLog.Info("attach_issued",
		slog.String("pass_id", PassID(ctx)),
		slog.String("identity", sess.Identity),
		slog.String("remote_session_id", t.RemoteSessionID))

	r.attaches.Add(1)
	go func() {
		defer r.attaches.Done()
		if err := sess.Handle.ExecuteCommand(context.WithoutCancel(ctx), cmd); err != nil {
			reconcileLog.Error("attach_failed",
				slog.String("identity", sess.Identity),
				slog.String("remote_session_id", t.RemoteSessionID),
				slog.String("error", err.Error()))
		}
	}()
}

// onUserClose runs before the dispose callbacks of a terminal the user
// closed, so the remote close is requested before unregistration.
func (r *Reconciler) onUserClose(sess *terminal.Session) {
	remote := sess.BoundRemoteSessionID()
	if remote == "" {
		reconcileLog.Warn("task_alias_missing",
			slog.String("identity", sess.Identity),
			slog.String("task_id", sess.TaskID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeRemoteTimeout)
	defer cancel()
	if err := r.gateway.CloseRemote(ctx, remote); err != nil {
		reconcileLog.Error("remote_close_failed",
			slog.String("identity", sess.Identity),
			slog.String("remote_session_id", remote),
			slog.String("error", err.Error()))
		return
	}
	reconcileLog.Info("remote_closed",
		slog.String("identity", sess.Identity),
		slog.String("remote_session_id", remote))
}

// ensureFallback opens one generic terminal when none exist at all.
func (r *Reconciler) ensureFallback(ctx context.Context) error {
	all, err := r.terminals.All(ctx)
	if err != nil {
		return fmt.Errorf("list terminals: %w", err)
	}
	if len(all) > 0 {
		return nil
	}

	h, err := r.terminals.NewTerminal(ctx, terminal.Options{
		Kind:           terminal.KindGeneric,
		Title:          FallbackTitle,
		UseServerTitle: true,
	})
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := r.terminals.Open(ctx, h); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	reconcileLog.Info("fallback_terminal_opened", slog.String("terminal_id", h.TerminalID()))
	return nil
}

// CloseTerminal closes a task terminal the way a user would: the remote
// session is asked to close and the terminal is disposed.
func (r *Reconciler) CloseTerminal(identity string) error {
	sess, ok := r.registry.Lookup(identity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, identity)
	}
	return sess.Handle.Close()
}

// Subscribe returns a channel signalled after every pass and every
// disposal. Call the returned func to unsubscribe.
func (r *Reconciler) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	return ch, func() {
		r.subsMu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.subsMu.Unlock()
	}
}

func (r *Reconciler) notifyChanged() {
	r.subsMu.Lock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.subsMu.Unlock()
}
