package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskterm/taskterm/internal/config"
	"github.com/taskterm/taskterm/internal/logging"
	"github.com/taskterm/taskterm/internal/reconcile"
	"github.com/taskterm/taskterm/internal/supervisor"
	"github.com/taskterm/taskterm/internal/taskfile"
	"github.com/taskterm/taskterm/internal/tmux"
	"github.com/taskterm/taskterm/internal/web"
)

var cliLog = logging.ForComponent(logging.CompCLI)

const shutdownTimeout = 5 * time.Second

func handleRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file (default ~/.taskterm/config.toml)")
	listen := fs.String("listen", "", "API listen address (overrides [web] listen)")
	debug := fs.Bool("debug", false, "Debug logging, mirrored to stderr")
	taskFile := fs.String("tasks", "", "Read tasks from this JSON file instead of the supervisor")

	fs.Usage = func() {
		fmt.Println("Usage: taskterm run [options]")
		fmt.Println()
		fmt.Println("Reconcile task terminals until interrupted.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  taskterm run")
		fmt.Println("  taskterm run -listen 127.0.0.1:9000 -debug")
		fmt.Println("  taskterm run -tasks ./tasks.json")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Web.Listen = *listen
	}
	if *taskFile != "" {
		abs, err := filepath.Abs(*taskFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg.Source.Kind = config.SourceFile
		cfg.Source.File = abs
	}

	logDir, err := resolveLogDir(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logging.Init(logConfig(cfg, logDir, *debug))
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dumpOnSIGUSR1(ctx, logDir)

	cliLog.Info("daemon_started",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()),
		slog.String("source", cfg.Source.Kind),
		slog.String("tmux_session", cfg.Tmux.Session))

	if err := runDaemon(ctx, cfg); err != nil {
		cliLog.Error("daemon_failed", slog.String("error", err.Error()))
		dumpPath := filepath.Join(logDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
		if dumpErr := logging.DumpRingBuffer(dumpPath); dumpErr == nil {
			fmt.Fprintf(os.Stderr, "Recent log written to %s\n", dumpPath)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cliLog.Info("daemon_stopped")
	return 0
}

func resolveLogDir(cfg config.Config) (string, error) {
	if cfg.Logs.Dir != "" {
		return cfg.Logs.Dir, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

func logConfig(cfg config.Config, logDir string, debug bool) logging.Config {
	lc := logging.Config{
		LogDir:                logDir,
		Level:                 cfg.Logs.Level,
		Format:                cfg.Logs.Format,
		MaxSizeMB:             cfg.Logs.MaxSizeMB,
		MaxBackups:            cfg.Logs.MaxBackups,
		MaxAgeDays:            cfg.Logs.MaxAgeDays,
		Compress:              cfg.Logs.Compress,
		RingBufferSize:        4 * 1024 * 1024,
		AggregateIntervalSecs: 30,
		PprofAddr:             cfg.Logs.Pprof,
	}
	if debug {
		lc.Level = "debug"
		lc.Stderr = true
	}
	return lc
}

// dumpOnSIGUSR1 writes the ring buffer on demand for post-mortem debugging.
func dumpOnSIGUSR1(ctx context.Context, logDir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			dumpPath := filepath.Join(logDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				cliLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}
}

// buildSource picks the task source. Remote closes always go to the
// supervisor, whichever source feeds the tasks.
func buildSource(cfg config.Config) (reconcile.Source, reconcile.Gateway, error) {
	sup, err := supervisor.New(supervisor.OptionsFromConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Source.Kind {
	case config.SourceFile:
		return taskfile.New(cfg.Source.File), sup, nil
	case config.SourceSupervisor, "":
		return sup, sup, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	client := tmux.NewClient(cfg.Tmux.Session, cfg.Tmux.Socket)
	if err := client.IsAvailable(ctx); err != nil {
		return err
	}
	svc := tmux.NewService(client, cfg.Attach.WorkDir)

	source, gateway, err := buildSource(cfg)
	if err != nil {
		return err
	}
	rec := reconcile.New(source, svc, gateway)

	server := web.NewServer(web.Config{
		ListenAddr: cfg.Web.Listen,
		Token:      cfg.Web.Token,
		ReadOnly:   cfg.Web.ReadOnly,
		Version:    Version,
		Terminals:  rec,
		Windows:    client,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rec.Run(gctx)
	})
	g.Go(func() error {
		return svc.Watch(gctx)
	})
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
