// Command taskterm keeps one tmux window per workspace task and attaches
// it to the task's remote terminal session.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.3.0"

func init() {
	initColorProfile()
}

// initColorProfile picks the lipgloss color profile. TASKTERM_COLOR
// (truecolor, 256, 16, none) overrides detection; NO_COLOR disables color.
func initColorProfile() {
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	switch strings.ToLower(os.Getenv("TASKTERM_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
	}
}

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

// dispatch runs a subcommand and returns the process exit code.
func dispatch(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 2
	}
	switch args[0] {
	case "run":
		return handleRun(args[1:])
	case "status", "ls":
		return handleStatus(args[1:])
	case "close":
		return handleClose(args[1:])
	case "attach":
		return handleAttach(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("taskterm v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Println("taskterm - one terminal per workspace task")
	fmt.Println()
	fmt.Println("Usage: taskterm <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run              Run the reconciler daemon and local API")
	fmt.Println("  status, ls       List task terminals")
	fmt.Println("  close <task-id>  Close a task terminal and its remote session")
	fmt.Println("  attach <task-id> Show a task terminal here (Ctrl+Q detaches)")
	fmt.Println("  version          Print the version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Run 'taskterm <command> -h' for command options.")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TASKTERM_HOME    Config and log directory (default ~/.taskterm)")
	fmt.Println("  TASKTERM_COLOR   truecolor, 256, 16 or none")
}
