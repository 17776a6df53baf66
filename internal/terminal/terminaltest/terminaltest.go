// Package terminaltest provides an in-memory terminal.Service for tests.
package terminaltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskterm/taskterm/internal/terminal"
)

// Activation records one Service.Activate call.
type Activation struct {
	ID    string
	RefID string
	Area  string
	Mode  string
}

// Service is a thread-safe fake terminal subsystem. Error maps are keyed by
// terminal id and may be set before the service is used.
type Service struct {
	NewTerminalErr map[string]error
	StartErr       map[string]error
	ActivateErr    map[string]error
	ExecuteErr     map[string]error

	mu          sync.Mutex
	seq         int
	live        []*Handle
	created     []string
	activations []Activation
	opened      []string
	invalid     map[string]bool
}

func NewService() *Service {
	return &Service{
		NewTerminalErr: make(map[string]error),
		StartErr:       make(map[string]error),
		ActivateErr:    make(map[string]error),
		ExecuteErr:     make(map[string]error),
		invalid:        make(map[string]bool),
	}
}

func (s *Service) NewTerminal(_ context.Context, opts terminal.Options) (terminal.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NewTerminalErr[opts.ID]; err != nil {
		return nil, err
	}
	s.seq++
	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("terminal-%d", s.seq)
	}
	h := &Handle{svc: s, id: id, kind: opts.Kind, title: opts.Title}
	s.live = append(s.live, h)
	s.created = append(s.created, id)
	return h, nil
}

func (s *Service) Activate(_ context.Context, h terminal.Handle, opts terminal.ActivateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ActivateErr[h.ID()]; err != nil {
		return err
	}
	a := Activation{ID: h.ID(), Area: opts.Area, Mode: opts.Mode}
	if opts.Ref != nil {
		a.RefID = opts.Ref.ID()
	}
	s.activations = append(s.activations, a)
	return nil
}

func (s *Service) Open(_ context.Context, h terminal.Handle) error {
	s.mu.Lock()
	s.opened = append(s.opened, h.ID())
	s.mu.Unlock()
	return nil
}

func (s *Service) All(context.Context) ([]terminal.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]terminal.Handle, 0, len(s.live))
	for _, h := range s.live {
		out = append(out, h)
	}
	return out, nil
}

func (s *Service) ValidateID(terminalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return terminalID != "" && !s.invalid[terminalID]
}

// Invalidate makes ValidateID reject terminalID, simulating a backing
// session that died underneath its handle.
func (s *Service) Invalidate(terminalID string) {
	s.mu.Lock()
	s.invalid[terminalID] = true
	s.mu.Unlock()
}

// Created lists the ids passed to NewTerminal in call order.
func (s *Service) Created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

func (s *Service) Activations() []Activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Activation(nil), s.activations...)
}

func (s *Service) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// Handle returns the most recently created live handle with id.
func (s *Service) Handle(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.live) - 1; i >= 0; i-- {
		if s.live[i].id == id {
			return s.live[i]
		}
	}
	return nil
}

func (s *Service) drop(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.live {
		if cur == h {
			s.live = append(s.live[:i], s.live[i+1:]...)
			return
		}
	}
}

// Handle is the fake terminal.Handle.
type Handle struct {
	svc   *Service
	id    string
	kind  terminal.Kind
	title string

	mu         sync.Mutex
	terminalID string
	starts     int
	commands   []terminal.Command
	disposed   bool
	onDispose  []func()
	onClose    []func()
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) Kind() terminal.Kind { return h.kind }
func (h *Handle) Title() string       { return h.title }

func (h *Handle) TerminalID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminalID
}

func (h *Handle) Start(context.Context) error {
	h.svc.mu.Lock()
	err := h.svc.StartErr[h.id]
	h.svc.mu.Unlock()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return terminal.ErrDisposed
	}
	h.starts++
	h.terminalID = fmt.Sprintf("%s#%d", h.id, h.starts)
	return nil
}

func (h *Handle) ExecuteCommand(_ context.Context, cmd terminal.Command) error {
	h.svc.mu.Lock()
	err := h.svc.ExecuteErr[h.id]
	h.svc.mu.Unlock()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return terminal.ErrDisposed
	}
	h.commands = append(h.commands, cmd)
	return nil
}

func (h *Handle) OnDidDispose(cb func()) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		cb()
		return
	}
	h.onDispose = append(h.onDispose, cb)
	h.mu.Unlock()
}

func (h *Handle) OnTerminalDidClose(cb func()) {
	h.mu.Lock()
	h.onClose = append(h.onClose, cb)
	h.mu.Unlock()
}

func (h *Handle) Dispose() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	cbs := h.onDispose
	h.onDispose = nil
	h.mu.Unlock()

	h.svc.drop(h)
	for _, cb := range cbs {
		cb()
	}
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	cbs := h.onClose
	h.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return h.Dispose()
}

// Starts counts successful Start calls.
func (h *Handle) Starts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts
}

// Commands lists executed commands in order.
func (h *Handle) Commands() []terminal.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]terminal.Command(nil), h.commands...)
}

func (h *Handle) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}
