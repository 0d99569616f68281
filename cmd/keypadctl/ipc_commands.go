package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"keypad/internal/health"
	"keypad/internal/ipc"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status(true, false)
	if err != nil {
		fatalRequest("Status", err)
	}

	if *jsonOut {
		printJSON(status)
		return
	}

	printSection("Daemon")
	fmt.Printf("  Version:  %s\n", status.Version)
	fmt.Printf("  PID:      %d\n", status.PID)
	fmt.Printf("  Uptime:   %s\n", formatDuration(status.Uptime))
	fmt.Printf("  Socket:   %s\n", status.SocketPath)

	printSection("Journal")
	if status.Journal.Enabled {
		fmt.Printf("  Path:     %s\n", status.Journal.Path)
		fmt.Printf("  Schema:   v%d\n", status.Journal.SchemaVersion)
		fmt.Printf("  Commits:  %d\n", status.Journal.Commits)
		fmt.Printf("  Size:     %s\n", formatBytes(status.Journal.SizeBytes))
	} else {
		fmt.Printf("  %sdisabled%s\n", c.Dim, c.Reset)
	}

	if len(status.Sessions) > 0 {
		printSection("Sessions")
		for _, s := range status.Sessions {
			policyName := s.Policy
			if policyName == "" {
				policyName = "-"
			}
			fmt.Printf("  %-12s policy=%-12s digits=%-3d commits=%d\n", s.Name, policyName, s.Digits, s.Commits)
		}
	}
}

func cmdPing() {
	client := connect()
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fatalRequest("Ping", err)
	}
	fmt.Printf("%sPong%s from %s (%.2fms)\n", c.Green, c.Reset, client.ServerVersion(), float64(time.Since(start).Microseconds())/1000)
}

func cmdHealth() {
	client := connect()
	defer client.Close()

	report, err := client.Health(true)
	if err != nil {
		fatalRequest("Health", err)
	}

	if *jsonOut {
		printJSON(report)
		return
	}

	printSection("Health")
	fmt.Printf("  Status: %s\n", colorStatus(string(report.Status)))
	fmt.Printf("  Ready:  %t\n", report.Ready)
	fmt.Printf("  Uptime: %s\n", report.Uptime)
	if len(report.Components) > 0 {
		fmt.Println()
		names := make([]string, 0, len(report.Components))
		for name := range report.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			result := report.Components[name]
			line := fmt.Sprintf("  %-12s %s", name, colorStatus(string(result.Status)))
			if result.Message != "" {
				line += fmt.Sprintf("  %s%s%s", c.Dim, result.Message, c.Reset)
			}
			if result.Error != "" {
				line += fmt.Sprintf("  %s%s%s", c.Red, result.Error, c.Reset)
			}
			fmt.Println(line)
		}
	}
	if report.Status != health.StatusHealthy {
		os.Exit(1)
	}
}

func cmdMetrics() {
	client := connect()
	defer client.Close()

	metrics, err := client.Metrics()
	if err != nil {
		fatalRequest("Metrics", err)
	}

	if *jsonOut {
		printJSON(metrics)
		return
	}

	printSection("Metrics")
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %v\n", k, metrics[k])
	}
}

func cmdSessions() {
	client := connect()
	defer client.Close()

	resp, err := client.ListSessions()
	if err != nil {
		fatalRequest("ListSessions", err)
	}

	if *jsonOut {
		printJSON(resp)
		return
	}

	if len(resp.Open) == 0 && len(resp.Defined) == 0 {
		fmt.Println("No sessions.")
		return
	}
	if len(resp.Open) > 0 {
		printSection("Open")
		for _, s := range resp.Open {
			policyName := s.Policy
			if policyName == "" {
				policyName = "-"
			}
			fmt.Printf("  %-12s policy=%-12s digits=%-3d commits=%-4d rejected=%d\n",
				s.Name, policyName, s.Digits, s.Commits, s.Rejected)
		}
	}
	if len(resp.Defined) > 0 {
		printSection("Defined")
		for _, name := range resp.Defined {
			fmt.Printf("  %s\n", name)
		}
	}
}

func cmdOpen(name string) {
	client := connect()
	defer client.Close()

	resp, err := client.OpenSession(name)
	if err != nil {
		fatalRequest("Open", err)
	}
	fmt.Printf("%sOpened%s %s", c.Green, c.Reset, resp.Session.Name)
	if resp.Session.Policy != "" {
		fmt.Printf(" (policy %s)", resp.Session.Policy)
	}
	fmt.Println()
}

func cmdClose(name string) {
	client := connect()
	defer client.Close()

	if err := client.CloseSession(name); err != nil {
		fatalRequest("Close", err)
	}
	fmt.Printf("Closed %s\n", name)
}

// cmdPress sends each digit in order and reports the resulting text.
// Rejected digits are reported but do not stop the remaining presses.
func cmdPress(session, digits string) {
	if digits == "" {
		fmt.Fprintln(os.Stderr, "Usage: keypadctl press <session> <digits>")
		os.Exit(1)
	}

	client := connect()
	defer client.Close()

	var last *ipc.EditResponse
	rejected := 0
	for i := 0; i < len(digits); i++ {
		resp, err := client.Press(session, digits[i])
		if err != nil {
			fatalRequest("Press", err)
		}
		last = resp
		if !resp.Applied {
			rejected++
			fmt.Printf("  %srejected%s %q\n", c.Yellow, c.Reset, string(digits[i]))
		}
	}

	fmt.Printf("Text: %s%s%s\n", c.Bold, last.Text, c.Reset)
	if rejected > 0 {
		fmt.Printf("%d of %d presses rejected\n", rejected, len(digits))
		os.Exit(1)
	}
}

func cmdDelete(args []string) {
	count := 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			fmt.Fprintln(os.Stderr, "Usage: keypadctl delete <session> [count]")
			os.Exit(1)
		}
		count = n
	}

	client := connect()
	defer client.Close()

	var last *ipc.EditResponse
	for i := 0; i < count; i++ {
		resp, err := client.Delete(args[0])
		if err != nil {
			fatalRequest("Delete", err)
		}
		last = resp
		if !resp.Applied {
			break
		}
	}
	fmt.Printf("Text: %s%s%s\n", c.Bold, last.Text, c.Reset)
}

func cmdText(session string) {
	client := connect()
	defer client.Close()

	resp, err := client.Text(session)
	if err != nil {
		fatalRequest("Text", err)
	}

	if *jsonOut {
		printJSON(resp)
		return
	}
	fmt.Println(resp.Text)
}

func cmdCommit(session string) {
	client := connect()
	defer client.Close()

	resp, err := client.Commit(session)
	if err != nil {
		var reqErr *ipc.RequestError
		if errors.As(err, &reqErr) && reqErr.Code == ipc.ErrCommitRefused {
			fmt.Printf("%sRefused%s: %s\n", c.Red, c.Reset, reqErr.Message)
			os.Exit(1)
		}
		fatalRequest("Commit", err)
	}

	if *jsonOut {
		printJSON(resp)
		return
	}

	fmt.Printf("%sCommitted%s %s (%d digits", c.Green, c.Reset, resp.Value, resp.Digits)
	if resp.Policy != "" {
		fmt.Printf(", policy %s", resp.Policy)
	}
	fmt.Println(")")
	if resp.JournalID > 0 {
		fmt.Printf("  journal entry #%d\n", resp.JournalID)
	}
}

func cmdReset(args []string) {
	text := ""
	if len(args) > 1 {
		text = args[1]
	}

	client := connect()
	defer client.Close()

	resp, err := client.Reset(args[0], text)
	if err != nil {
		fatalRequest("Reset", err)
	}
	fmt.Printf("Text: %s%s%s\n", c.Bold, resp.Text, c.Reset)
}

func cmdPolicy(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: keypadctl policy <list|set|clear> [args]")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		client := connect()
		defer client.Close()

		specs, err := client.ListPolicies()
		if err != nil {
			fatalRequest("ListPolicies", err)
		}
		if *jsonOut {
			printJSON(specs)
			return
		}
		if len(specs) == 0 {
			fmt.Println("No policies registered.")
			return
		}
		printSection("Policies")
		for _, spec := range specs {
			fmt.Printf("  %-16s %s\n", spec.Name, describeSpec(spec))
		}

	case "set":
		requireArgs(args[1:], 2, "Usage: keypadctl policy set <session> <policy>")
		client := connect()
		defer client.Close()

		if err := client.SetPolicy(args[1], args[2]); err != nil {
			fatalRequest("SetPolicy", err)
		}
		fmt.Printf("Session %s now uses policy %s\n", args[1], args[2])

	case "clear":
		requireArgs(args[1:], 1, "Usage: keypadctl policy clear <session>")
		client := connect()
		defer client.Close()

		if err := client.ClearPolicy(args[1]); err != nil {
			fatalRequest("ClearPolicy", err)
		}
		fmt.Printf("Session %s policy cleared\n", args[1])

	default:
		fmt.Fprintf(os.Stderr, "Unknown policy command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "maximum entries to show")
	rejections := fs.Bool("rejections", false, "show rejected edits instead of commits")

	session := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		session = args[0]
		args = args[1:]
	}
	fs.Parse(args)

	client := connect()
	defer client.Close()

	resp, err := client.History(session, *limit, *rejections)
	if err != nil {
		fatalRequest("History", err)
	}

	if *jsonOut {
		printJSON(resp)
		return
	}

	if *rejections {
		if len(resp.Rejections) == 0 {
			fmt.Println("No rejections recorded.")
			return
		}
		printSection("Rejections")
		for _, r := range resp.Rejections {
			policyName := r.Policy
			if policyName == "" {
				policyName = "-"
			}
			fmt.Printf("  #%-5d %s  %-12s op=%-7s digits=%-3d policy=%s\n",
				r.ID, r.RejectedAt.Format("2006-01-02 15:04:05"), r.Session, r.Op, r.Digits, policyName)
		}
		return
	}

	if len(resp.Commits) == 0 {
		fmt.Println("No commits recorded.")
		return
	}
	printSection("Commits")
	for _, e := range resp.Commits {
		policyName := e.Policy
		if policyName == "" {
			policyName = "-"
		}
		value := e.Value
		if e.Secret {
			value = "(secret)"
		}
		fmt.Printf("  #%-5d %s  %-12s policy=%-12s %s\n",
			e.ID, e.CommittedAt.Format("2006-01-02 15:04:05"), e.Session, policyName, value)
	}
}

func cmdWatch() {
	client := connect()
	defer client.Close()

	if err := client.Subscribe(); err != nil {
		fatalRequest("Subscribe", err)
	}

	fmt.Printf("%sWatching daemon events (Ctrl-C to stop)%s\n", c.Dim, c.Reset)
	for ev := range client.Events() {
		stamp := ev.Time.Format("15:04:05")
		switch ev.Type {
		case ipc.EventEditApplied:
			fmt.Printf("%s  %s%-10s%s session=%s op=%s text=%s\n",
				stamp, c.Green, "edit", c.Reset, ev.Session, ev.Op, ev.Text)
		case ipc.EventEditRejected:
			fmt.Printf("%s  %s%-10s%s session=%s op=%s text=%s\n",
				stamp, c.Yellow, "rejected", c.Reset, ev.Session, ev.Op, ev.Text)
		case ipc.EventCommitted:
			fmt.Printf("%s  %s%-10s%s session=%s value=%s digits=%d\n",
				stamp, c.Cyan, "committed", c.Reset, ev.Session, ev.Text, ev.Digits)
		case ipc.EventReset:
			fmt.Printf("%s  %-10s session=%s text=%s\n", stamp, "reset", ev.Session, ev.Text)
		case ipc.EventConfigReloaded:
			fmt.Printf("%s  %-10s\n", stamp, "config-reloaded")
		case ipc.EventDaemonShutdown:
			fmt.Printf("%s  %s%-10s%s daemon is stopping\n", stamp, c.Red, "shutdown", c.Reset)
			return
		default:
			fmt.Printf("%s  event type=%d session=%s\n", stamp, ev.Type, ev.Session)
		}
	}
}

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: keypadctl config <show|reload>")
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		client := connect()
		defer client.Close()

		resp, err := client.GetConfig()
		if err != nil {
			fatalRequest("GetConfig", err)
		}
		if resp.Source != "" && !*jsonOut {
			fmt.Printf("%s# source: %s%s\n", c.Dim, resp.Source, c.Reset)
		}
		printJSON(resp.Config)

	case "reload":
		client := connect()
		defer client.Close()

		if err := client.ReloadConfig(); err != nil {
			fatalRequest("ReloadConfig", err)
		}
		fmt.Printf("%sConfiguration reloaded%s\n", c.Green, c.Reset)

	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n", args[0])
		os.Exit(1)
	}
}

// fatalRequest prints a daemon error and exits. Daemon-side failures
// carry a protocol error code; transport failures do not.
func fatalRequest(op string, err error) {
	var reqErr *ipc.RequestError
	if errors.As(err, &reqErr) {
		printError(fmt.Sprintf("%s: %s", op, reqErr.Message))
	} else {
		printError(fmt.Sprintf("%s: %v", op, err))
	}
	os.Exit(1)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		printError(fmt.Sprintf("encode response: %v", err))
		os.Exit(1)
	}
	fmt.Println(string(data))
}
