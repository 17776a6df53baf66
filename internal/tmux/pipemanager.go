package tmux

import (
	"context"
	"log/slog"
	"time"
)

// PipeManager keeps a control pipe attached to the taskterm session and
// forwards window-close notifications to the Service. When the pipe dies
// it reconnects with exponential backoff (2s, 4s, ... 30s) and sweeps for
// windows that vanished in the meantime.
type PipeManager struct {
	svc *Service

	// connect is swapped in tests.
	connect func(ctx context.Context) (*ControlPipe, error)

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPipeManager returns a manager feeding close events into svc.
func NewPipeManager(svc *Service) *PipeManager {
	return &PipeManager{
		svc: svc,
		connect: func(ctx context.Context) (*ControlPipe, error) {
			return NewControlPipe(ctx, svc.client)
		},
		initialBackoff: 2 * time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Run blocks until ctx is done.
func (pm *PipeManager) Run(ctx context.Context) error {
	backoff := pm.initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		var pipe *ControlPipe
		var err error
		if pm.svc.client.HasSession(ctx) {
			pipe, err = pm.connect(ctx)
		}
		if pipe == nil {
			if err != nil {
				pipeLog.Debug("pipe_connect_failed",
					slog.String("session", pm.svc.client.Session()),
					slog.String("error", err.Error()),
					slog.Duration("next_retry", backoff))
			}
			// Windows may have been closed while no pipe was attached.
			pm.sweep(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pm.maxBackoff {
				backoff = pm.maxBackoff
			}
			continue
		}

		backoff = pm.initialBackoff
		pm.sweep(ctx)
		pm.forward(ctx, pipe)
		pipe.Close()
	}
}

// forward dispatches events until the pipe dies or ctx is done.
func (pm *PipeManager) forward(ctx context.Context, pipe *ControlPipe) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-pipe.Events():
			pm.dispatch(ev)
		case <-pipe.Done():
			// Drain what the reader queued before exiting.
			for {
				select {
				case ev := <-pipe.Events():
					pm.dispatch(ev)
				default:
					pipeLog.Info("pipe_lost", slog.String("session", pm.svc.client.Session()))
					return
				}
			}
		}
	}
}

func (pm *PipeManager) dispatch(ev Event) {
	switch ev.Kind {
	case EventWindowClose:
		pm.svc.WindowClosed(ev.WindowID)
	case EventWindowAdd:
		pipeLog.Debug("window_added", slog.String("window_id", ev.WindowID))
	case EventExit:
		pipeLog.Debug("pipe_exit_notified", slog.String("session", pm.svc.client.Session()))
	}
}

func (pm *PipeManager) sweep(ctx context.Context) {
	if err := pm.svc.Sweep(ctx); err != nil {
		pipeLog.Debug("window_sweep_failed", slog.String("error", err.Error()))
	}
}

// Watch follows window close events for s until ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	return NewPipeManager(s).Run(ctx)
}
