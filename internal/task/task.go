package task

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the lifecycle state of a task. Once a task is Closed it never
// returns to another state.
type State int

const (
	Unknown State = iota
	Opening
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseState accepts "running", "RUNNING" and "TASK_STATE_RUNNING" style
// values. Anything unrecognised is Unknown.
func ParseState(raw string) State {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "task_state_")
	switch s {
	case "opening":
		return Opening
	case "running":
		return Running
	case "closed":
		return Closed
	default:
		return Unknown
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("task state: %w", err)
	}
	*s = ParseState(raw)
	return nil
}

// Placement regions and tab modes understood by the terminal subsystem.
const (
	AreaBottom = "bottom"
	AreaMain   = "main"
	AreaLeft   = "left"
	AreaRight  = "right"

	ModeTabAfter  = "tab-after"
	ModeTabBefore = "tab-before"
	ModeSplitTop  = "split-top"
	ModeSplitDown = "split-bottom"
)

// Presentation carries display hints. They are only read when a terminal
// is first created.
type Presentation struct {
	Name     string `json:"name"`
	OpenIn   string `json:"openIn,omitempty"`
	OpenMode string `json:"openMode,omitempty"`
}

// WithDefaults fills OpenIn and OpenMode when the feed left them empty.
func (p Presentation) WithDefaults() Presentation {
	if strings.TrimSpace(p.OpenIn) == "" {
		p.OpenIn = AreaBottom
	}
	if strings.TrimSpace(p.OpenMode) == "" {
		p.OpenMode = ModeTabAfter
	}
	return p
}

// Task is a read-only view of one task as published by the feed.
type Task struct {
	ID              string       `json:"id"`
	State           State        `json:"state"`
	RemoteSessionID string       `json:"terminal,omitempty"`
	Presentation    Presentation `json:"presentation"`
}

// List is the wire envelope used by every task feed.
type List struct {
	Tasks []Task `json:"tasks"`
}

// DecodeList parses a {"tasks":[...]} document. A bare JSON array is
// accepted as well.
func DecodeList(data []byte) ([]Task, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var tasks []Task
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, fmt.Errorf("decode task array: %w", err)
		}
		return tasks, nil
	}
	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return list.Tasks, nil
}
