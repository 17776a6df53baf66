package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside Dir().
const FileName = "config.toml"

// Source kinds.
const (
	SourceSupervisor = "supervisor"
	SourceFile       = "file"
)

// Config is the daemon configuration.
type Config struct {
	Supervisor SupervisorSettings `toml:"supervisor"`
	Attach     AttachSettings     `toml:"attach"`
	Tmux       TmuxSettings       `toml:"tmux"`
	Source     SourceSettings     `toml:"source"`
	Web        WebSettings        `toml:"web"`
	Logs       LogSettings        `toml:"logs"`
}

// SupervisorSettings point at the supervisor that publishes tasks.
type SupervisorSettings struct {
	// Origin is the base URL used for the task feed and close requests
	// (e.g. "http://localhost:22999").
	Origin string `toml:"origin"`

	// ReconnectInterval is the minimum spacing between watch reconnects.
	ReconnectInterval Duration `toml:"reconnect_interval"`

	// RequestTimeout bounds one-shot HTTP calls.
	RequestTimeout Duration `toml:"request_timeout"`
}

// AttachSettings describe the command typed into a task terminal.
type AttachSettings struct {
	// Agent is the binary providing "terminal attach".
	Agent string `toml:"agent"`

	// WorkDir is the working directory of the attach command.
	WorkDir string `toml:"workdir"`
}

// TmuxSettings select the tmux session hosting terminal windows.
type TmuxSettings struct {
	Session string `toml:"session"`

	// Socket is an optional tmux socket path (-S).
	Socket string `toml:"socket"`
}

// SourceSettings choose where tasks come from.
type SourceSettings struct {
	// Kind is "supervisor" (default) or "file".
	Kind string `toml:"kind"`

	// File is the JSON task file when Kind is "file".
	File string `toml:"file"`
}

// WebSettings configure the local HTTP API.
type WebSettings struct {
	Listen   string `toml:"listen"`
	Token    string `toml:"token"`
	ReadOnly bool   `toml:"read_only"`
}

// LogSettings map onto logging.Config.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Pprof      string `toml:"pprof"`
}

// Duration decodes TOML strings like "1s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Supervisor: SupervisorSettings{
			Origin:            "http://localhost:22999",
			ReconnectInterval: Duration{time.Second},
			RequestTimeout:    Duration{10 * time.Second},
		},
		Attach: AttachSettings{
			Agent:   "/.supervisor/supervisor",
			WorkDir: "/workspace",
		},
		Tmux: TmuxSettings{
			Session: "taskterm",
		},
		Source: SourceSettings{
			Kind: SourceSupervisor,
		},
		Web: WebSettings{
			Listen: "127.0.0.1:8421",
		},
		Logs: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Dir returns ~/.taskterm, or $TASKTERM_HOME when set.
func Dir() (string, error) {
	if dir := os.Getenv("TASKTERM_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".taskterm"), nil
}

// DefaultPath returns Dir()/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Default(), fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Default(), fmt.Errorf("%s: unknown keys: %s", filepath.Base(path), strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// applyDefaults restores defaults for keys present but left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Supervisor.Origin == "" {
		c.Supervisor.Origin = def.Supervisor.Origin
	}
	if c.Supervisor.ReconnectInterval.Duration <= 0 {
		c.Supervisor.ReconnectInterval = def.Supervisor.ReconnectInterval
	}
	if c.Supervisor.RequestTimeout.Duration <= 0 {
		c.Supervisor.RequestTimeout = def.Supervisor.RequestTimeout
	}
	if c.Attach.Agent == "" {
		c.Attach.Agent = def.Attach.Agent
	}
	if c.Attach.WorkDir == "" {
		c.Attach.WorkDir = def.Attach.WorkDir
	}
	if c.Tmux.Session == "" {
		c.Tmux.Session = def.Tmux.Session
	}
	if c.Source.Kind == "" {
		c.Source.Kind = def.Source.Kind
	}
	if c.Web.Listen == "" {
		c.Web.Listen = def.Web.Listen
	}
	if c.Logs.Level == "" {
		c.Logs.Level = def.Logs.Level
	}
	if c.Logs.Format == "" {
		c.Logs.Format = def.Logs.Format
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.Supervisor.Origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("supervisor.origin %q: must be an http(s) URL", c.Supervisor.Origin)
	}
	if !filepath.IsAbs(c.Attach.WorkDir) {
		return fmt.Errorf("attach.workdir %q: must be absolute", c.Attach.WorkDir)
	}
	if strings.ContainsAny(c.Tmux.Session, ":. ") {
		return fmt.Errorf("tmux.session %q: must not contain ':', '.' or spaces", c.Tmux.Session)
	}
	switch c.Source.Kind {
	case SourceSupervisor:
	case SourceFile:
		if c.Source.File == "" {
			return fmt.Errorf("source.file is required when source.kind is %q", SourceFile)
		}
	default:
		return fmt.Errorf("source.kind %q: want %q or %q", c.Source.Kind, SourceSupervisor, SourceFile)
	}
	switch c.Logs.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logs.format %q: want json or text", c.Logs.Format)
	}
	return nil
}
