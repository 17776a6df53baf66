package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/taskterm/taskterm/internal/tmux"
)

func handleAttach(args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	fs.Usage = func() {
		fmt.Println("Usage: taskterm attach [options] <task-id>")
		fmt.Println()
		fmt.Println("Show a task terminal in this terminal. Ctrl+Q detaches.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	api, cfg, err := cf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	b, err := api.Terminal(ctx, identityArg(fs.Arg(0)))
	if err != nil {
		if isNotFound(err) {
			fmt.Fprintf(os.Stderr, "Error: no terminal for task %q\n", fs.Arg(0))
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if b.TerminalID == "" {
		fmt.Fprintf(os.Stderr, "Error: terminal for task %q has no tmux window yet\n", fs.Arg(0))
		return 1
	}

	client := tmux.NewClient(cfg.Tmux.Session, cfg.Tmux.Socket)
	if err := client.Attach(ctx, b.TerminalID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
