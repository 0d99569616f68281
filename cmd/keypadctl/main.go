// keypadctl is the control CLI for keypadd.
package main

import (
	"flag"
	"fmt"
	"os"

	"keypad/internal/config"
	"keypad/internal/ipc"
)

// Version is stamped at build time.
var Version = "1.0.0"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket path override")
	jsonOut    = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "ping":
		cmdPing()
	case "health":
		cmdHealth()
	case "metrics":
		cmdMetrics()
	case "sessions":
		cmdSessions()
	case "open":
		requireArgs(args, 1, "Usage: keypadctl open <session>")
		cmdOpen(args[0])
	case "close":
		requireArgs(args, 1, "Usage: keypadctl close <session>")
		cmdClose(args[0])
	case "press":
		requireArgs(args, 2, "Usage: keypadctl press <session> <digits>")
		cmdPress(args[0], args[1])
	case "delete":
		requireArgs(args, 1, "Usage: keypadctl delete <session> [count]")
		cmdDelete(args)
	case "text":
		requireArgs(args, 1, "Usage: keypadctl text <session>")
		cmdText(args[0])
	case "commit":
		requireArgs(args, 1, "Usage: keypadctl commit <session>")
		cmdCommit(args[0])
	case "reset":
		requireArgs(args, 1, "Usage: keypadctl reset <session> [text]")
		cmdReset(args)
	case "policy":
		cmdPolicy(args)
	case "history":
		cmdHistory(args)
	case "watch":
		cmdWatch()
	case "config":
		cmdConfig(args)
	case "pin":
		cmdPIN(args)
	case "version":
		fmt.Println("keypadctl", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keypadctl - Control utility for keypadd

Usage: keypadctl [options] <command> [args]

Daemon:
  status                     Show daemon status
  ping                       Check daemon responsiveness
  health                     Show component health
  metrics                    Show operational counters
  config show                Print the daemon's active configuration
  config reload              Ask the daemon to reread its config file

Sessions:
  sessions                   List open and defined sessions
  open <session>             Open a defined session
  close <session>            Close an open session

Entry:
  press <session> <digits>   Press one or more digit keys
  delete <session> [count]   Delete trailing digits (default 1)
  text <session>             Show the current display text
  commit <session>           Commit the entered value
  reset <session> [text]     Reset the display (default "0")

Policies:
  policy list                List registered policies
  policy set <session> <p>   Bind a policy to a session
  policy clear <session>     Unbind a session's policy

History and events:
  history [session]          Show committed values (-n, -rejections)
  watch                      Stream daemon events

PIN:
  pin enroll                 Enroll the commit confirmation PIN
  pin clear                  Remove the enrolled PIN verifier

Options:
  -config <path>   Path to config file
  -socket <path>   Daemon socket path override
  -json            Print raw JSON responses`)
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

// socket resolves the daemon socket path: flag first, then config.
func socket() string {
	if *socketPath != "" {
		return *socketPath
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		printError(fmt.Sprintf("Load config: %v", err))
		os.Exit(1)
	}
	return cfg.SocketPath()
}

// connect dials the daemon and exits with guidance when it is down.
func connect() *ipc.IPCClient {
	cfg := ipc.ClientConfig{
		SocketPath:     socket(),
		ClientName:     "keypadctl",
		ClientVersion:  Version,
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
	}

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: keypadd\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return client
}
