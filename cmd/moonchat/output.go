package main

import (
	"fmt"
	"os"
)

// All status output goes to stderr so command results on stdout stay
// pipeable.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + ansiReset
}

func stderrLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { stderrLine(ansiGreen, "✓ ", format, args...) }

func printError(format string, args ...any) { stderrLine(ansiRed, "✗ ", format, args...) }

func printWarning(format string, args ...any) { stderrLine(ansiYellow, "⚠ ", format, args...) }

func printStep(format string, args ...any) { stderrLine(ansiCyan, "→ ", format, args...) }

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), val)
}
