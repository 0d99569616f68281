package main

import (
	"fmt"
	"os"
	"time"

	"keypad/pkg/policy"
)

// palette holds the ANSI escapes used for terminal output. All fields
// are empty when stdout is not a terminal or NO_COLOR is set.
type palette struct {
	Reset  string
	Bold   string
	Dim    string
	Red    string
	Green  string
	Yellow string
	Cyan   string
}

var c = newPalette()

func newPalette() palette {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return palette{}
	}
	info, err := os.Stdout.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Red:    "\033[31m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Cyan:   "\033[36m",
	}
}

func printSection(title string) {
	fmt.Printf("\n%s=== %s ===%s\n", c.Bold, title, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%sError%s: %s\n", c.Red, c.Reset, msg)
}

func colorStatus(status string) string {
	switch status {
	case "healthy", "ok":
		return c.Green + status + c.Reset
	case "degraded":
		return c.Yellow + status + c.Reset
	default:
		return c.Red + status + c.Reset
	}
}

func describeSpec(spec policy.Spec) string {
	var desc string
	switch spec.Type {
	case "always":
		desc = "accepts everything"
	case "max-value":
		desc = fmt.Sprintf("value <= %d", spec.Limit)
	case "max-len":
		desc = fmt.Sprintf("at most %d digits", spec.MaxDigits)
	default:
		desc = spec.Type
	}
	if spec.Disabled {
		desc += " (disabled)"
	}
	return desc
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm%ds", minutes, int(d.Seconds())%60)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
