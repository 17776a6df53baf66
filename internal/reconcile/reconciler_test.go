package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskterm/taskterm/internal/logging"
	"github.com/taskterm/taskterm/internal/task"
	"github.com/taskterm/taskterm/internal/terminal"
	"github.com/taskterm/taskterm/internal/terminal/terminaltest"
)

type fakeSource struct {
	mu       sync.Mutex
	tasks    []task.Task
	err      error
	fetches  int
	onChange func([]task.Task)
	ready    chan struct{}
}

func newFakeSource(tasks ...task.Task) *fakeSource {
	return &fakeSource{tasks: tasks, ready: make(chan struct{})}
}

func (s *fakeSource) GetTasks(context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return append([]task.Task(nil), s.tasks...), nil
}

func (s *fakeSource) Watch(ctx context.Context, onDidChange func([]task.Task)) error {
	s.mu.Lock()
	s.onChange = onDidChange
	s.mu.Unlock()
	close(s.ready)
	<-ctx.Done()
	return nil
}

func (s *fakeSource) push(tasks ...task.Task) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	fn(tasks)
}

type fakeGateway struct {
	mu       sync.Mutex
	closed   []string
	closeErr error
}

func (g *fakeGateway) AttachCommand(remoteSessionID string) terminal.Command {
	return terminal.Command{
		Cwd:  "/workspace",
		Args: []string{"/.supervisor/supervisor", "terminal", "attach", remoteSessionID, "-ir"},
	}
}

func (g *fakeGateway) CloseRemote(_ context.Context, remoteSessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, remoteSessionID)
	return g.closeErr
}

func (g *fakeGateway) Closed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.closed...)
}

type harness struct {
	r   *Reconciler
	svc *terminaltest.Service
	src *fakeSource
	gw  *fakeGateway
}

func newHarness(tasks ...task.Task) *harness {
	svc := terminaltest.NewService()
	src := newFakeSource(tasks...)
	gw := &fakeGateway{}
	return &harness{r: New(src, svc, gw), svc: svc, src: src, gw: gw}
}

// start runs the reconciler and waits for the bootstrap pass.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("reconciler did not stop")
		}
	})
	select {
	case <-h.src.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("source watch never started")
	}
	h.sync(t)
}

// sync waits until every pass queued so far and the attaches it issued
// have settled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, waitDone(t, h.r.sched.Enqueue("sync", func(context.Context) error { return nil })))
	h.r.attaches.Wait()
}

func running(id, remote, name string) task.Task {
	return task.Task{ID: id, State: task.Running, RemoteSessionID: remote, Presentation: task.Presentation{Name: name}}
}

func withState(id string, state task.State) task.Task {
	return task.Task{ID: id, State: state, Presentation: task.Presentation{Name: id}}
}

func captureLogs(t *testing.T) func() []map[string]any {
	t.Helper()
	logging.Shutdown()
	dir := t.TempDir()
	logging.Init(logging.Config{LogDir: dir, Level: "debug"})
	t.Cleanup(logging.Shutdown)

	return func() []map[string]any {
		f, err := os.Open(filepath.Join(dir, logging.LogFileName))
		require.NoError(t, err)
		defer f.Close()
		var records []map[string]any
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var rec map[string]any
			if json.Unmarshal(sc.Bytes(), &rec) == nil {
				records = append(records, rec)
			}
		}
		return records
	}
}

func findMsg(records []map[string]any, msg string) map[string]any {
	for _, r := range records {
		if r["msg"] == msg {
			return r
		}
	}
	return nil
}

func TestBootstrapCreatesAndAttachesRunningTask(t *testing.T) {
	h := newHarness(running("t1", "r1", "build"))
	h.start(t)

	identity := terminal.IdentityFor("t1")
	assert.Equal(t, []string{identity}, h.svc.Created())

	sess, ok := h.r.Registry().Lookup(identity)
	require.True(t, ok)
	assert.Equal(t, "r1", sess.BoundRemoteSessionID())

	fh := h.svc.Handle(identity)
	require.NotNil(t, fh)
	assert.Equal(t, terminal.KindTask, fh.Kind())
	assert.Equal(t, "build", fh.Title())
	assert.Equal(t, 1, fh.Starts())
	require.Len(t, fh.Commands(), 1)
	assert.Equal(t, h.gw.AttachCommand("r1"), fh.Commands()[0])

	acts := h.svc.Activations()
	require.Len(t, acts, 1)
	assert.Equal(t, terminaltest.Activation{ID: identity, Area: task.AreaBottom, Mode: task.ModeTabAfter}, acts[0])

	assert.Empty(t, h.svc.Opened(), "no fallback when a task terminal exists")
}

func TestClosedTaskDisposesWithoutRemoteClose(t *testing.T) {
	h := newHarness(running("t1", "r1", "build"))
	h.start(t)

	h.src.push(withState("t1", task.Closed))
	h.sync(t)

	identity := terminal.IdentityFor("t1")
	_, ok := h.r.Registry().Lookup(identity)
	assert.False(t, ok, "disposed terminal must leave the registry")
	assert.Empty(t, h.gw.Closed(), "owner disposal must not close the remote session")
	assert.Equal(t, 0, h.r.Registry().Len())
}

func TestUserCloseOfAttachedTerminalClosesRemote(t *testing.T) {
	h := newHarness(running("t2", "r2", "serve"))
	h.start(t)

	identity := terminal.IdentityFor("t2")
	var sawEntryDuringClose bool
	fh := h.svc.Handle(identity)
	require.NotNil(t, fh)
	fh.OnTerminalDidClose(func() {
		_, sawEntryDuringClose = h.r.Registry().Lookup(identity)
	})

	require.NoError(t, h.r.CloseTerminal(identity))

	assert.Equal(t, []string{"r2"}, h.gw.Closed())
	assert.True(t, sawEntryDuringClose, "close request precedes unregistration")
	_, ok := h.r.Registry().Lookup(identity)
	assert.False(t, ok)
}

func TestUserCloseOfUnattachedTerminalLogsDiagnostic(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(withState("t3", task.Opening))
	h.start(t)

	identity := terminal.IdentityFor("t3")
	require.NoError(t, h.r.CloseTerminal(identity))

	assert.Empty(t, h.gw.Closed())
	_, ok := h.r.Registry().Lookup(identity)
	assert.False(t, ok)

	rec := findMsg(logs(), "task_alias_missing")
	require.NotNil(t, rec, "expected task_alias_missing diagnostic")
	assert.Equal(t, identity, rec["identity"])
	assert.Equal(t, "t3", rec["task_id"])
}

func TestEmptyBootstrapOpensOneGenericTerminal(t *testing.T) {
	h := newHarness()
	h.start(t)

	created := h.svc.Created()
	require.Len(t, created, 1)
	fh := h.svc.Handle(created[0])
	require.NotNil(t, fh)
	assert.Equal(t, terminal.KindGeneric, fh.Kind())
	assert.Equal(t, 1, fh.Starts())
	assert.Equal(t, created, h.svc.Opened())
	assert.Equal(t, 0, h.r.Registry().Len(), "generic terminals are not registered")

	// Later empty pushes never add another fallback.
	h.src.push()
	h.sync(t)
	assert.Len(t, h.svc.Created(), 1)
}

func TestFallbackStillOpensWhenBootstrapFetchFails(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness()
	h.src.err = errors.New("supervisor unavailable")
	h.start(t)

	assert.Len(t, h.svc.Opened(), 1)
	require.NotNil(t, findMsg(logs(), "bootstrap_fetch_failed"))

	// The feed still drives the registry afterwards.
	h.src.push(running("t1", "r1", "build"))
	h.sync(t)
	_, ok := h.r.Registry().Lookup(terminal.IdentityFor("t1"))
	assert.True(t, ok)
}

func TestAttachIsIdempotent(t *testing.T) {
	h := newHarness(running("t1", "r1", "build"))
	h.start(t)

	for i := 0; i < 3; i++ {
		h.src.push(running("t1", "r1", "build"))
	}
	// A different remote id does not re-attach either: the latch is set once.
	h.src.push(running("t1", "r9", "build"))
	h.sync(t)

	fh := h.svc.Handle(terminal.IdentityFor("t1"))
	require.NotNil(t, fh)
	assert.Len(t, fh.Commands(), 1)
	assert.Len(t, h.svc.Created(), 1)
	assert.Equal(t, 1, fh.Starts())
}

func TestOpeningTaskCreatesThenAttachesWhenRunning(t *testing.T) {
	h := newHarness(withState("t1", task.Opening))
	h.start(t)

	identity := terminal.IdentityFor("t1")
	fh := h.svc.Handle(identity)
	require.NotNil(t, fh)
	assert.Empty(t, fh.Commands(), "opening tasks wait for the remote session")

	h.src.push(withState("t1", task.Opening))
	h.sync(t)
	assert.Empty(t, fh.Commands())

	// Running without a remote session id yet still waits.
	h.src.push(withState("t1", task.Running))
	h.sync(t)
	assert.Empty(t, fh.Commands())

	h.src.push(running("t1", "r1", "t1"))
	h.sync(t)
	require.Len(t, fh.Commands(), 1)
	assert.Len(t, h.svc.Created(), 1)
	assert.Len(t, h.svc.Activations(), 1, "revisited terminals are never placed again")
}

func TestUnknownStateIsTreatedAsNonRunning(t *testing.T) {
	h := newHarness(withState("t1", task.Unknown))
	h.start(t)

	fh := h.svc.Handle(terminal.IdentityFor("t1"))
	require.NotNil(t, fh)
	assert.Empty(t, fh.Commands())
}

func TestClosedTaskIsNeverCreated(t *testing.T) {
	h := newHarness(withState("t1", task.Closed), withState("t2", task.Closed))
	h.start(t)

	h.src.push(withState("t3", task.Closed))
	h.sync(t)

	for _, id := range h.svc.Created() {
		_, isTask := terminal.TaskIDFromIdentity(id)
		assert.False(t, isTask, "closed task %s materialized", id)
	}
	assert.Equal(t, 0, h.r.Registry().Len())
}

func TestDisposeByAnyTriggerUnregisters(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"), running("t2", "r2", "b"))
	h.start(t)

	// Disposal surfaced by the terminal subsystem, not the reconciler.
	fh := h.svc.Handle(terminal.IdentityFor("t1"))
	require.NotNil(t, fh)
	require.NoError(t, fh.Dispose())

	_, ok := h.r.Registry().Lookup(terminal.IdentityFor("t1"))
	assert.False(t, ok)
	_, ok = h.r.Registry().Lookup(terminal.IdentityFor("t2"))
	assert.True(t, ok)
	assert.Empty(t, h.gw.Closed())

	// The task is still running, so the next push recreates and reattaches.
	h.src.push(running("t1", "r1", "a"), running("t2", "r2", "b"))
	h.sync(t)
	fresh := h.svc.Handle(terminal.IdentityFor("t1"))
	require.NotNil(t, fresh)
	assert.NotSame(t, fh, fresh)
	assert.Len(t, fresh.Commands(), 1)
}

func TestFailureIsIsolatedToOneTask(t *testing.T) {
	h := newHarness(
		running("bad-new", "r1", "a"),
		running("bad-start", "r2", "b"),
		running("bad-activate", "r3", "c"),
		running("good", "r4", "d"),
	)
	h.svc.NewTerminalErr[terminal.IdentityFor("bad-new")] = errors.New("no room")
	h.svc.StartErr[terminal.IdentityFor("bad-start")] = errors.New("spawn failed")
	h.svc.ActivateErr[terminal.IdentityFor("bad-activate")] = errors.New("no area")
	h.start(t)

	good := h.svc.Handle(terminal.IdentityFor("good"))
	require.NotNil(t, good)
	assert.Len(t, good.Commands(), 1)

	_, ok := h.r.Registry().Lookup(terminal.IdentityFor("bad-new"))
	assert.False(t, ok)

	// Failed start and activation leave the session registered but unattached.
	sess, ok := h.r.Registry().Lookup(terminal.IdentityFor("bad-start"))
	require.True(t, ok)
	assert.Empty(t, sess.BoundRemoteSessionID())
	sess, ok = h.r.Registry().Lookup(terminal.IdentityFor("bad-activate"))
	require.True(t, ok)
	assert.Empty(t, sess.BoundRemoteSessionID())
}

func TestFailedStartIsRetriedInPlaceByNextPush(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"))
	identity := terminal.IdentityFor("t1")
	h.svc.StartErr[identity] = errors.New("spawn failed")
	h.start(t)

	delete(h.svc.StartErr, identity)
	h.src.push(running("t1", "r1", "a"))
	h.sync(t)

	fh := h.svc.Handle(identity)
	require.NotNil(t, fh)
	assert.Equal(t, 1, fh.Starts())
	assert.Len(t, fh.Commands(), 1)
	assert.Len(t, h.svc.Created(), 1, "restarted, not recreated")
}

func TestAttachFailureIsLogged(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(running("t1", "r1", "a"))
	h.svc.ExecuteErr[terminal.IdentityFor("t1")] = errors.New("pty gone")
	h.start(t)

	sess, ok := h.r.Registry().Lookup(terminal.IdentityFor("t1"))
	require.True(t, ok)
	assert.Equal(t, "r1", sess.BoundRemoteSessionID(), "latch stays set after a failed attach")
	require.NotNil(t, findMsg(logs(), "attach_failed"))
}

func TestStaleTerminalIsRestartedInPlace(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"))
	h.start(t)

	identity := terminal.IdentityFor("t1")
	fh := h.svc.Handle(identity)
	require.NotNil(t, fh)
	h.svc.Invalidate(fh.TerminalID())

	h.src.push(running("t1", "r1", "a"))
	h.sync(t)

	assert.Equal(t, 2, fh.Starts())
	assert.Len(t, h.svc.Created(), 1)
	assert.Len(t, h.svc.Activations(), 1)
	assert.Len(t, fh.Commands(), 1, "latch survives a restart")
}

func TestNewTerminalsAreAnchoredInPayloadOrder(t *testing.T) {
	h := newHarness(running("a", "ra", "a"))
	h.start(t)

	// "a" already exists, so it is not an anchor for this pass.
	h.src.push(
		running("a", "ra", "a"),
		running("b", "rb", "b"),
		withState("gone", task.Closed),
		running("c", "rc", "c"),
		withState("d", task.Opening),
	)
	h.sync(t)

	acts := h.svc.Activations()
	require.Len(t, acts, 4)
	assert.Equal(t, terminal.IdentityFor("a"), acts[0].ID)
	assert.Empty(t, acts[0].RefID)

	assert.Equal(t, terminal.IdentityFor("b"), acts[1].ID)
	assert.Empty(t, acts[1].RefID, "first new terminal of a pass has no anchor")
	assert.Equal(t, terminal.IdentityFor("c"), acts[2].ID)
	assert.Equal(t, terminal.IdentityFor("b"), acts[2].RefID)
	assert.Equal(t, terminal.IdentityFor("d"), acts[3].ID)
	assert.Equal(t, terminal.IdentityFor("c"), acts[3].RefID)
}

func TestPresentationHintsAreUsedOnCreation(t *testing.T) {
	tk := running("t1", "r1", "watch")
	tk.Presentation.OpenIn = task.AreaMain
	tk.Presentation.OpenMode = task.ModeSplitTop
	h := newHarness(tk)
	h.start(t)

	acts := h.svc.Activations()
	require.Len(t, acts, 1)
	assert.Equal(t, task.AreaMain, acts[0].Area)
	assert.Equal(t, task.ModeSplitTop, acts[0].Mode)
}

func TestDuplicateTaskIDsInOnePayload(t *testing.T) {
	h := newHarness(running("t1", "r1", "first"), running("t1", "r2", "second"), task.Task{State: task.Running})
	h.start(t)

	assert.Equal(t, []string{terminal.IdentityFor("t1")}, h.svc.Created())
	sess, ok := h.r.Registry().Lookup(terminal.IdentityFor("t1"))
	require.True(t, ok)
	assert.Equal(t, "r1", sess.BoundRemoteSessionID())
	assert.Equal(t, "first", sess.Handle.Title())
}

func TestEarlyPushRunsAfterBootstrap(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"))
	r := h.r

	// Queue a push before Run starts the worker; bootstrap is queued by
	// Run and must still be evaluated against the pre-bootstrap registry.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.sched.Enqueue("bootstrap", r.bootstrap)
	r.OnDidChange([]task.Task{running("t1", "r1", "a")})

	go func() { _ = r.sched.Run(ctx) }()
	require.NoError(t, waitDone(t, r.sched.Enqueue("sync", func(context.Context) error { return nil })))
	r.attaches.Wait()

	fh := h.svc.Handle(terminal.IdentityFor("t1"))
	require.NotNil(t, fh)
	assert.Len(t, h.svc.Created(), 1, "bootstrap and push must not double-create")
	assert.Len(t, fh.Commands(), 1)
	assert.Equal(t, 1, h.src.fetches)
}

func TestCloseTerminalUnknownIdentity(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"))
	h.start(t)
	err := h.r.CloseTerminal(terminal.IdentityFor("nope"))
	assert.ErrorIs(t, err, ErrTerminalNotFound)
}

func TestRemoteCloseFailureStillUnregisters(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"))
	h.gw.closeErr = errors.New("connection refused")
	h.start(t)

	identity := terminal.IdentityFor("t1")
	require.NoError(t, h.r.CloseTerminal(identity))
	assert.Equal(t, []string{"r1"}, h.gw.Closed())
	_, ok := h.r.Registry().Lookup(identity)
	assert.False(t, ok)
}

func TestSubscribersAreNotifiedAfterPassesAndDisposal(t *testing.T) {
	h := newHarness(running("t1", "r1", "a"))
	h.start(t)

	ch, unsubscribe := h.r.Subscribe()
	defer unsubscribe()

	h.src.push(running("t1", "r1", "a"))
	h.sync(t)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after pass")
	}

	require.NoError(t, h.r.CloseTerminal(terminal.IdentityFor("t1")))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after disposal")
	}

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestBindingsSnapshot(t *testing.T) {
	h := newHarness(running("b", "rb", "b"), withState("a", task.Opening))
	h.start(t)

	bindings := h.r.Bindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, terminal.IdentityFor("a"), bindings[0].Identity)
	assert.Equal(t, terminal.IdentityFor("b"), bindings[1].Identity)
	assert.Equal(t, "rb", bindings[1].BoundRemoteSessionID)
	assert.Empty(t, bindings[0].BoundRemoteSessionID)
}
