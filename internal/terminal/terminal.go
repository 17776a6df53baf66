// Package terminal defines the terminal subsystem consumed by the
// reconciler and the registry binding task identities to live terminals.
package terminal

import (
	"context"
	"errors"
	"strings"
)

// IdentityPrefix namespaces terminals that belong to a task.
const IdentityPrefix = "gitpod-task-terminal:"

// IdentityFor derives the terminal identity for a task id. The mapping is
// deterministic so it never needs to be stored.
func IdentityFor(taskID string) string {
	return IdentityPrefix + taskID
}

// TaskIDFromIdentity reverses IdentityFor. ok is false for identities that
// are not task-bound.
func TaskIDFromIdentity(identity string) (string, bool) {
	if !strings.HasPrefix(identity, IdentityPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(identity, IdentityPrefix)
	return id, id != ""
}

var (
	// ErrDisposed is returned by handle operations after disposal.
	ErrDisposed = errors.New("terminal disposed")
	// ErrIdentityBound is returned when an identity already has a live session.
	ErrIdentityBound = errors.New("terminal identity already bound")
)

// Kind tags a terminal as task-bound or as an ad-hoc user terminal that
// shares the same subsystem.
type Kind int

const (
	KindGeneric Kind = iota
	KindTask
)

func (k Kind) String() string {
	if k == KindTask {
		return "gitpod-task"
	}
	return "generic"
}

// Options describe a terminal to create.
type Options struct {
	ID             string
	Kind           Kind
	Title          string
	UseServerTitle bool
}

// ActivateOptions place a terminal in the UI. Ref anchors the placement;
// nil means "no anchor".
type ActivateOptions struct {
	Ref  Handle
	Area string
	Mode string
}

// Command is executed inside a terminal.
type Command struct {
	Cwd  string
	Args []string
}

// Handle is one terminal owned by the terminal subsystem.
type Handle interface {
	// ID is the identity requested at creation (IdentityFor for task terminals).
	ID() string
	Kind() Kind
	Title() string
	// TerminalID identifies the backing session. Empty until Start succeeds.
	TerminalID() string

	Start(ctx context.Context) error
	ExecuteCommand(ctx context.Context, cmd Command) error

	// OnDidDispose registers cb to run once when the handle is disposed for
	// any reason. If the handle is already disposed cb runs immediately.
	OnDidDispose(cb func())
	// OnTerminalDidClose registers cb to run when the user closes the
	// terminal. It does not fire for Dispose.
	OnTerminalDidClose(cb func())

	// Dispose tears the terminal down on behalf of its owner. Idempotent.
	Dispose() error
	// Close tears the terminal down on behalf of the user: close callbacks
	// fire before dispose callbacks. Idempotent.
	Close() error
}

// Service creates and places terminals.
type Service interface {
	NewTerminal(ctx context.Context, opts Options) (Handle, error)
	Activate(ctx context.Context, h Handle, opts ActivateOptions) error
	Open(ctx context.Context, h Handle) error
	All(ctx context.Context) ([]Handle, error)
	// ValidateID reports whether a backing session id still refers to a
	// live session.
	ValidateID(terminalID string) bool
}
