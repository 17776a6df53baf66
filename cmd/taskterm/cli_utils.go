package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/taskterm/taskterm/internal/config"
	"github.com/taskterm/taskterm/internal/terminal"
	"github.com/taskterm/taskterm/internal/web"
)

// normalizeArgs reorders args so flags come before positional arguments.
// flag stops at the first positional, so "close t1 -json" would otherwise
// ignore -json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
			continue
		}
		positional = append(positional, arg)
	}
	return append(flags, positional...)
}

// loadConfig reads the -config path, or the default location.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}
	return config.Load(path)
}

// identityArg accepts either a task id or a full terminal identity.
func identityArg(arg string) string {
	if _, ok := terminal.TaskIDFromIdentity(arg); ok {
		return arg
	}
	return terminal.IdentityFor(arg)
}

// clientFlags are shared by the commands that talk to a running daemon.
type clientFlags struct {
	configPath string
	addr       string
	token      string
	jsonOutput bool
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Config file (default ~/.taskterm/config.toml)")
	fs.StringVar(&c.addr, "addr", "", "Daemon API address (default [web] listen)")
	fs.StringVar(&c.token, "token", "", "API token (default [web] token)")
	fs.BoolVar(&c.jsonOutput, "json", false, "Output as JSON")
}

// client resolves flags against the config file.
func (c *clientFlags) client() (*apiClient, config.Config, error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return nil, cfg, err
	}
	addr := firstNonEmpty(c.addr, cfg.Web.Listen)
	token := firstNonEmpty(c.token, cfg.Web.Token)
	return newAPIClient(addr, token), cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// apiClient talks to the daemon's local HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(addr, token string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// apiError is a non-2xx daemon response.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &envelope)
		return &apiError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) Terminals(ctx context.Context) ([]terminal.Binding, error) {
	var resp web.TerminalsResponse
	if err := c.do(ctx, http.MethodGet, "/api/terminals", &resp); err != nil {
		return nil, err
	}
	return resp.Terminals, nil
}

func (c *apiClient) Terminal(ctx context.Context, identity string) (terminal.Binding, error) {
	var b terminal.Binding
	err := c.do(ctx, http.MethodGet, "/api/terminals/"+url.PathEscape(identity), &b)
	return b, err
}

func (c *apiClient) Close(ctx context.Context, identity string) error {
	return c.do(ctx, http.MethodDelete, "/api/terminals/"+url.PathEscape(identity), nil)
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// printJSON writes v indented to stdout.
func printJSON(v any) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		return
	}
	fmt.Println(string(output))
}

// parseFlags parses normalized args. It returns the exit code to use when
// parsing stops the command.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}
