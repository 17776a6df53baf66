package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startScheduler(t *testing.T) (*Scheduler, context.CancelFunc) {
	t.Helper()
	s := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not settle")
		return nil
	}
}

func TestSchedulerRunsPassesInSubmissionOrder(t *testing.T) {
	s, _ := startScheduler(t)

	var mu sync.Mutex
	var order []int
	var dones []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		dones = append(dones, s.Enqueue("update", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, d := range dones {
		require.NoError(t, waitDone(t, d))
	}

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestSchedulerPassesNeverOverlap(t *testing.T) {
	s, _ := startScheduler(t)

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	spans := make([]span, 0, 2)

	slowPass := func(d time.Duration) Pass {
		return func(context.Context) error {
			sp := span{start: time.Now()}
			time.Sleep(d)
			sp.end = time.Now()
			mu.Lock()
			spans = append(spans, sp)
			mu.Unlock()
			return nil
		}
	}

	// Submitted concurrently, like bootstrap racing an early push.
	var wg sync.WaitGroup
	var first, second <-chan error
	wg.Add(2)
	go func() { defer wg.Done(); first = s.Enqueue("bootstrap", slowPass(30*time.Millisecond)) }()
	go func() { defer wg.Done(); second = s.Enqueue("update", slowPass(5*time.Millisecond)) }()
	wg.Wait()
	require.NoError(t, waitDone(t, first))
	require.NoError(t, waitDone(t, second))

	require.Len(t, spans, 2)
	assert.False(t, spans[1].start.Before(spans[0].end), "second pass started before first ended")
}

func TestSchedulerSurvivesFailureAndPanic(t *testing.T) {
	s, _ := startScheduler(t)

	boom := errors.New("boom")
	failed := s.Enqueue("update", func(context.Context) error { return boom })
	panicked := s.Enqueue("update", func(context.Context) error { panic("bad pass") })
	ran := false
	ok := s.Enqueue("update", func(context.Context) error { ran = true; return nil })

	assert.ErrorIs(t, waitDone(t, failed), boom)
	assert.ErrorContains(t, waitDone(t, panicked), "panicked")
	require.NoError(t, waitDone(t, ok))
	assert.True(t, ran, "pass after a failure must still run")
}

func TestSchedulerPassSeesPassID(t *testing.T) {
	s, _ := startScheduler(t)

	var id string
	require.NoError(t, waitDone(t, s.Enqueue("update", func(ctx context.Context) error {
		id = PassID(ctx)
		return nil
	})))
	assert.NotEmpty(t, id)
	assert.Empty(t, PassID(context.Background()))
}

func TestSchedulerShutdownFailsQueuedPasses(t *testing.T) {
	s, cancel := startScheduler(t)

	release := make(chan struct{})
	running := make(chan struct{})
	blocker := s.Enqueue("bootstrap", func(context.Context) error {
		close(running)
		<-release
		return nil
	})
	<-running
	queued := s.Enqueue("update", func(context.Context) error {
		t.Error("queued pass must not run after shutdown")
		return nil
	})

	cancel()
	close(release)

	require.NoError(t, waitDone(t, blocker))
	assert.ErrorIs(t, waitDone(t, queued), context.Canceled)

	late := s.Enqueue("update", func(context.Context) error { return nil })
	assert.Eventually(t, func() bool {
		select {
		case err := <-late:
			return errors.Is(err, ErrSchedulerClosed)
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
