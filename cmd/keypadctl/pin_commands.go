package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"keypad/internal/config"
	"keypad/internal/pin"
)

// cmdPIN manages the local commit confirmation verifier. These commands
// touch the verifier file directly and do not need a running daemon;
// keypadd picks the verifier up on its next start or config reload.
func cmdPIN(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: keypadctl pin <enroll|clear>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError(fmt.Sprintf("Load config: %v", err))
		os.Exit(1)
	}

	switch args[0] {
	case "enroll":
		cmdPINEnroll(cfg)
	case "clear":
		cmdPINClear(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown pin command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdPINEnroll(cfg *config.Config) {
	path := cfg.VerifierPath()
	if _, err := pin.LoadVerifier(path); err == nil {
		fmt.Printf("%sA PIN is already enrolled at %s%s\n", c.Yellow, path, c.Reset)
		fmt.Print("Replace it? [y/N] ")
		if !confirm() {
			fmt.Println("Aborted.")
			return
		}
	}

	first := promptPIN("New PIN: ")
	second := promptPIN("Confirm PIN: ")
	if first != second {
		printError("PINs do not match")
		os.Exit(1)
	}

	params := pin.Params{
		Time:        cfg.PIN.TimeCost,
		MemoryKiB:   cfg.PIN.MemoryKiB,
		Parallelism: cfg.PIN.Parallelism,
	}
	encoded, err := pin.Hash(first, params)
	if err != nil {
		printError(fmt.Sprintf("Hash PIN: %v", err))
		os.Exit(1)
	}
	if err := pin.SaveVerifier(path, encoded); err != nil {
		printError(fmt.Sprintf("Save verifier: %v", err))
		os.Exit(1)
	}

	fmt.Printf("%sPIN enrolled%s at %s\n", c.Green, c.Reset, path)
	if !cfg.PIN.Enabled {
		fmt.Printf("%sNote%s: pin.enabled is false in the config, commits will not ask for it\n", c.Dim, c.Reset)
	}
}

func cmdPINClear(cfg *config.Config) {
	path := cfg.VerifierPath()
	if _, err := pin.LoadVerifier(path); err != nil {
		fmt.Println("No PIN enrolled.")
		return
	}

	fmt.Printf("Remove the PIN verifier at %s? [y/N] ", path)
	if !confirm() {
		fmt.Println("Aborted.")
		return
	}
	if err := os.Remove(path); err != nil {
		printError(fmt.Sprintf("Remove verifier: %v", err))
		os.Exit(1)
	}
	fmt.Println("PIN verifier removed.")
}

// promptPIN reads a digits-only line from stdin.
func promptPIN(prompt string) string {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		printError(fmt.Sprintf("Read PIN: %v", err))
		os.Exit(1)
	}
	text := strings.TrimSpace(line)
	if text == "" {
		printError("PIN must not be empty")
		os.Exit(1)
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			printError("PIN must contain only digits")
			os.Exit(1)
		}
	}
	return text
}

func confirm() bool {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
