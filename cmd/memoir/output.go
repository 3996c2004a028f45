package main

import (
	"fmt"
	"os"
)

// Status output goes to stderr; stdout is reserved for command results and,
// when the daemon runs, the MCP stdio transport.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// glyphLine prints a one-line message prefixed by a colored glyph.
func glyphLine(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { glyphLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { glyphLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { glyphLine(colorYellow, "⚠", format, args...) }

// printStatus renders one "Label: value" line of a status report.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
