package tmux

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeTmux is a small in-memory tmux server answering the commands Client
// issues.
type fakeTmux struct {
	mu         sync.Mutex
	session    string
	hasSession bool
	nextID     int
	windows    []*fakeWindow
	current    string
	calls      [][]string
	sent       map[string][]string
	fail       map[string]error
	failOnce   map[string]error
}

type fakeWindow struct {
	id   string
	name string
	opts map[string]string
}

func newFakeTmux(session string) *fakeTmux {
	return &fakeTmux{
		session: session,
		sent:     make(map[string][]string),
		fail:     make(map[string]error),
		failOnce: make(map[string]error),
	}
}

func (f *fakeTmux) client() *Client {
	return NewClientWithExec(f.session, "", f.exec)
}

// addWindow seeds a window as if an earlier daemon had created it.
func (f *fakeTmux) addWindow(name string, opts map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addWindowLocked(name, opts)
}

func (f *fakeTmux) addWindowLocked(name string, opts map[string]string) string {
	f.hasSession = true
	id := fmt.Sprintf("@%d", f.nextID)
	f.nextID++
	if opts == nil {
		opts = make(map[string]string)
	}
	f.windows = append(f.windows, &fakeWindow{id: id, name: name, opts: opts})
	return id
}

// removeWindow simulates a window disappearing behind taskterm's back.
func (f *fakeTmux) removeWindow(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *fakeTmux) removeLocked(id string) bool {
	for i, w := range f.windows {
		if w.id == id {
			f.windows = append(f.windows[:i], f.windows[i+1:]...)
			if len(f.windows) == 0 {
				f.hasSession = false
			}
			return true
		}
	}
	return false
}

func (f *fakeTmux) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.windows))
	for i, w := range f.windows {
		ids[i] = w.id
	}
	return ids
}

func (f *fakeTmux) window(id string) *fakeWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findLocked(id)
}

func (f *fakeTmux) findLocked(id string) *fakeWindow {
	for _, w := range f.windows {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (f *fakeTmux) commands(sub string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if len(c) > 0 && c[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTmux) exec(_ context.Context, name string, args ...string) ([]byte, error) {
	if name != "tmux" {
		return nil, fmt.Errorf("unexpected binary %q", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out strings.Builder
	cmd := []string{}
	flush := func() error {
		if len(cmd) == 0 {
			return nil
		}
		f.calls = append(f.calls, cmd)
		res, err := f.runLocked(cmd)
		out.WriteString(res)
		cmd = []string{}
		return err
	}
	for _, a := range args {
		if a == ";" {
			if err := flush(); err != nil {
				return []byte(out.String()), err
			}
			continue
		}
		cmd = append(cmd, a)
	}
	if err := flush(); err != nil {
		return []byte(out.String()), err
	}
	return []byte(out.String()), nil
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func (f *fakeTmux) runLocked(cmd []string) (string, error) {
	if err := f.fail[cmd[0]]; err != nil {
		return "", err
	}
	if err, ok := f.failOnce[cmd[0]]; ok {
		delete(f.failOnce, cmd[0])
		return "", err
	}
	noSession := fmt.Errorf("exit status 1 (can't find session: %s)", f.session)

	switch cmd[0] {
	case "-V":
		return "tmux 3.4\n", nil
	case "has-session":
		if !f.hasSession {
			return "", noSession
		}
		return "", nil
	case "new-session":
		if f.hasSession {
			return "", fmt.Errorf("duplicate session: %s", f.session)
		}
		return f.printLocked(cmd, f.addWindowLocked(flagValue(cmd, "-n"), nil)), nil
	case "new-window":
		if !f.hasSession {
			return "", noSession
		}
		return f.printLocked(cmd, f.addWindowLocked(flagValue(cmd, "-n"), nil)), nil
	case "set-option":
		target := flagValue(cmd, "-t")
		w := f.findLocked(target)
		if w == nil {
			return "", fmt.Errorf("can't find window: %s", target)
		}
		w.opts[cmd[len(cmd)-2]] = cmd[len(cmd)-1]
		return "", nil
	case "list-windows":
		if !f.hasSession {
			return "", noSession
		}
		format := flagValue(cmd, "-F")
		var b strings.Builder
		for _, w := range f.windows {
			b.WriteString(expandFormat(format, w))
			b.WriteString("\n")
		}
		return b.String(), nil
	case "kill-window":
		target := flagValue(cmd, "-t")
		if !f.removeLocked(target) {
			return "", fmt.Errorf("can't find window: %s", target)
		}
		return "", nil
	case "send-keys":
		target := flagValue(cmd, "-t")
		if f.findLocked(target) == nil {
			return "", fmt.Errorf("can't find window: %s", target)
		}
		if hasFlag(cmd, "-l") {
			f.sent[target] = append(f.sent[target], cmd[len(cmd)-1])
		} else {
			f.sent[target] = append(f.sent[target], "<"+cmd[len(cmd)-1]+">")
		}
		return "", nil
	case "move-window":
		src, dst := flagValue(cmd, "-s"), flagValue(cmd, "-t")
		w := f.findLocked(src)
		if w == nil || f.findLocked(dst) == nil {
			return "", fmt.Errorf("can't find window")
		}
		f.removeLocked(src)
		f.hasSession = true
		for i, cur := range f.windows {
			if cur.id == dst {
				at := i + 1
				if hasFlag(cmd, "-b") {
					at = i
				}
				f.windows = append(f.windows[:at], append([]*fakeWindow{w}, f.windows[at:]...)...)
				break
			}
		}
		return "", nil
	case "select-window":
		target := flagValue(cmd, "-t")
		if f.findLocked(target) == nil {
			return "", fmt.Errorf("can't find window: %s", target)
		}
		f.current = target
		return "", nil
	}
	return "", fmt.Errorf("unknown command %q", cmd[0])
}

// printLocked answers -P the way tmux does: the -F format expanded for the
// new window, or nothing without -P.
func (f *fakeTmux) printLocked(cmd []string, windowID string) string {
	if !hasFlag(cmd, "-P") {
		return ""
	}
	format := flagValue(cmd, "-F")
	if format == "" {
		format = "#{session_name}:#{window_index}"
	}
	return expandFormat(format, f.findLocked(windowID)) + "\n"
}

// expandFormat substitutes #{...} variables for w. Like tmux 3.3, control
// characters in the result are printed as '_'.
func expandFormat(format string, w *fakeWindow) string {
	var b strings.Builder
	for {
		start := strings.Index(format, "#{")
		if start < 0 {
			b.WriteString(format)
			break
		}
		end := strings.Index(format[start:], "}")
		if end < 0 {
			b.WriteString(format)
			break
		}
		b.WriteString(format[:start])
		b.WriteString(formatVar(format[start+2:start+end], w))
		format = format[start+end+1:]
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, b.String())
}

func formatVar(name string, w *fakeWindow) string {
	switch {
	case name == "window_id":
		return w.id
	case name == "window_name":
		return w.name
	case strings.HasPrefix(name, "@"):
		return w.opts[name]
	}
	return ""
}
