package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskterm/taskterm/internal/logging"
)

var schedLog = logging.ForComponent(logging.CompSched)

// ErrSchedulerClosed is delivered for passes enqueued after Run returned.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Pass is one reconciliation pass.
type Pass func(ctx context.Context) error

type passIDKey struct{}

// PassID returns the id of the pass executing with ctx, or "".
func PassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey{}).(string)
	return id
}

type job struct {
	id   string
	name string
	pass Pass
	done chan error
}

// Scheduler runs passes one at a time in submission order. A failing or
// panicking pass is logged and never blocks the passes queued behind it.
type Scheduler struct {
	mu      sync.Mutex
	pending []*job
	closed  bool
	wake    chan struct{}
}

// NewScheduler returns an idle scheduler; passes queue until Run starts
// the worker.
func NewScheduler() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Enqueue appends pass to the queue. The returned channel receives the
// pass result and is then closed. Enqueue never blocks.
func (s *Scheduler) Enqueue(name string, pass Pass) <-chan error {
	j := &job{
		id:   uuid.NewString(),
		name: name,
		pass: pass,
		done: make(chan error, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		j.done <- ErrSchedulerClosed
		close(j.done)
		return j.done
	}
	s.pending = append(s.pending, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return j.done
}

// Pending reports how many passes wait behind the running one.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run drains the queue on the calling goroutine until ctx is done. Passes
// still queued at that point receive ctx.Err(). Run must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		j := s.pop()
		if j == nil {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				s.shutdown(ctx.Err(), nil)
				return nil
			}
		}

		if ctx.Err() != nil {
			s.shutdown(ctx.Err(), j)
			return nil
		}
		s.finish(j, s.execute(ctx, j))
	}
}

func (s *Scheduler) pop() *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	j := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return j
}

func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	log := schedLog.With(slog.String("pass_id", j.id), slog.String("pass", j.name))
	started := time.Now()
	log.Debug("pass_started", slog.Int("queued", s.Pending()))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pass %s panicked: %v", j.name, rec)
			log.Error("pass_panicked",
				slog.String("recover", fmt.Sprintf("%v", rec)),
				slog.String("stack", string(debug.Stack())))
			return
		}
		if err != nil {
			log.Error("pass_failed", slog.String("error", err.Error()), slog.Duration("took", time.Since(started)))
			return
		}
		log.Debug("pass_completed", slog.Duration("took", time.Since(started)))
	}()

	return j.pass(context.WithValue(ctx, passIDKey{}, j.id))
}

func (s *Scheduler) finish(j *job, err error) {
	j.done <- err
	close(j.done)
}

// shutdown closes the queue before failing current and everything still
// pending, so nothing can slip in behind the last failed pass.
func (s *Scheduler) shutdown(cause error, current *job) {
	s.mu.Lock()
	s.closed = true
	rest := s.pending
	s.pending = nil
	s.mu.Unlock()

	if current != nil {
		s.finish(current, cause)
	}
	for _, j := range rest {
		s.finish(j, cause)
	}
	if len(rest) > 0 {
		schedLog.Info("passes_dropped_on_shutdown", slog.Int("count", len(rest)))
	}
}
