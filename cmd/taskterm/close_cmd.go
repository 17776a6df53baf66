package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func handleClose(args []string) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	fs.Usage = func() {
		fmt.Println("Usage: taskterm close [options] <task-id>")
		fmt.Println()
		fmt.Println("Close a task terminal as a user would: the remote session is")
		fmt.Println("closed and the tmux window removed.")
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

	api, _, err := cf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	identity := identityArg(fs.Arg(0))
	if err := api.Close(context.Background(), identity); err != nil {
		if isNotFound(err) {
			fmt.Fprintf(os.Stderr, "Error: no terminal for task %q\n", fs.Arg(0))
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cf.jsonOutput {
		printJSON(map[string]any{"success": true, "identity": identity})
		return 0
	}
	fmt.Printf("✓ Closed %s\n", identity)
	return 0
}
