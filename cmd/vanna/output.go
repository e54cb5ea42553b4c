package main

import (
	"fmt"
	"io"
	"os"

	"github.com/nichiyoo/open-webui-vanna/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// stderr is where human-facing messages go. Tests swap it out.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

// printStage renders one pipeline status line.
func printStage(st pipeline.Status) {
	var color, mark string
	switch st.State {
	case pipeline.StateComplete:
		color, mark = colorGreen, "✓"
	case pipeline.StateFailed:
		color, mark = colorRed, "✗"
	case pipeline.StateSkipped:
		color, mark = colorDim, "-"
	default:
		color, mark = colorDim, "…"
	}
	line := mark + " " + st.Stage
	if st.Description != "" {
		line += ": " + st.Description
	}
	fmt.Fprintln(stderr, colorize(color, line))
}
