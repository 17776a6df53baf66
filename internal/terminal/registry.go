package terminal

import (
	"fmt"
	"sort"
	"sync"
)

// Session is a registry entry: a task-bound handle plus its attach latch.
type Session struct {
	Identity string
	TaskID   string
	Handle   Handle

	mu    sync.Mutex
	bound string
}

// NewSession builds the registry entry for a task terminal.
func NewSession(taskID string, h Handle) *Session {
	return &Session{
		Identity: IdentityFor(taskID),
		TaskID:   taskID,
		Handle:   h,
	}
}

// Bind sets the attach latch. It returns false when the session was
// already bound, in which case the latch is left untouched.
func (s *Session) Bind(remoteSessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound != "" || remoteSessionID == "" {
		return false
	}
	s.bound = remoteSessionID
	return true
}

// BoundRemoteSessionID returns the latched remote session id, or "".
func (s *Session) BoundRemoteSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Binding is a point-in-time view of one registry entry.
type Binding struct {
	Identity             string `json:"identity"`
	TaskID               string `json:"taskId"`
	Title                string `json:"title"`
	TerminalID           string `json:"terminalId,omitempty"`
	BoundRemoteSessionID string `json:"boundRemoteSessionId,omitempty"`
}

// Registry maps terminal identities to live sessions. Entries are removed
// automatically when the handle reports disposal.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds s under s.Identity and arranges for it to be removed
// when its handle is disposed.
func (r *Registry) Register(s *Session) error {
	if s == nil || s.Handle == nil {
		return fmt.Errorf("register: session without handle")
	}

	r.mu.Lock()
	if existing, ok := r.sessions[s.Identity]; ok && existing != s {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIdentityBound, s.Identity)
	}
	r.sessions[s.Identity] = s
	r.mu.Unlock()

	// Subscribed outside the lock: an already disposed handle runs the
	// callback synchronously.
	s.Handle.OnDidDispose(func() {
		r.remove(s)
	})
	return nil
}

// Lookup returns the session bound to identity.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Unregister drops identity regardless of which session holds it.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	delete(r.sessions, identity)
	r.mu.Unlock()
}

// remove drops s only if it is still the session bound to its identity, so
// a late dispose of a replaced session cannot evict its successor.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.Identity]; ok && current == s {
		delete(r.sessions, s.Identity)
	}
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists all bindings ordered by identity.
func (r *Registry) Snapshot() []Binding {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Binding, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Binding{
			Identity:             s.Identity,
			TaskID:               s.TaskID,
			Title:                s.Handle.Title(),
			TerminalID:           s.Handle.TerminalID(),
			BoundRemoteSessionID: s.BoundRemoteSessionID(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
