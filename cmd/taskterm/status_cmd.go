package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/taskterm/taskterm/internal/terminal"
)

// Status table column widths. The title column takes what is left.
const (
	colTask     = 16
	colWindow   = 8
	colRemote   = 14
	colTitleMin = 12
	defaultCols = 100
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boundStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func handleStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	fs.Usage = func() {
		fmt.Println("Usage: taskterm status [options]")
		fmt.Println()
		fmt.Println("List task terminals known to the running daemon.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	api, _, err := cf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	bindings, err := api.Terminals(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if cf.jsonOutput {
		if bindings == nil {
			bindings = []terminal.Binding{}
		}
		printJSON(bindings)
		return 0
	}
	fmt.Print(renderStatus(bindings, terminalWidth()))
	return 0
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultCols
}

// renderStatus formats bindings as a table no wider than width.
func renderStatus(bindings []terminal.Binding, width int) string {
	if len(bindings) == 0 {
		return "No task terminals.\n"
	}
	sorted := append([]terminal.Binding(nil), bindings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	colTitle := width - colTask - colWindow - colRemote - 3
	if colTitle < colTitleMin {
		colTitle = colTitleMin
	}

	var b strings.Builder
	row := func(task, title, window, remote string, remoteStyle lipgloss.Style) {
		b.WriteString(cell(task, colTask))
		b.WriteString(" ")
		b.WriteString(cell(title, colTitle))
		b.WriteString(" ")
		b.WriteString(cell(window, colWindow))
		b.WriteString(" ")
		b.WriteString(remoteStyle.Render(runewidth.Truncate(remote, colRemote, "…")))
		b.WriteString("\n")
	}

	b.WriteString(headerStyle.Render(strings.TrimRight(
		cell("TASK", colTask)+" "+cell("TITLE", colTitle)+" "+cell("WINDOW", colWindow)+" "+"REMOTE", " ")))
	b.WriteString("\n")

	attached := 0
	for _, s := range sorted {
		remote, style := s.BoundRemoteSessionID, boundStyle
		if remote == "" {
			remote, style = "pending", pendingStyle
		} else {
			attached++
		}
		window := s.TerminalID
		if window == "" {
			window = "-"
		}
		row(s.TaskID, s.Title, window, remote, style)
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d terminals • %d attached", len(sorted), attached)))
	b.WriteString("\n")
	return b.String()
}

// cell truncates s to w display columns and pads it to exactly w.
func cell(s string, w int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) > w {
		s = runewidth.Truncate(s, w, "…")
	}
	return runewidth.FillRight(s, w)
}
