// Command policyctl operates on a broker Policy Registry document
// without starting the broker itself, grounded on the teacher's
// cmd/helm/main.go subcommand-dispatch idiom (Run(args, stdout, stderr)
// int, banner, command switch).
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/intentkeep/broker/internal/policy"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, separated from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "lint":
		return runLint(args[2:], stdout, stderr)
	case "lookup":
		return runLookup(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "policyctl — operate on a broker Policy Registry document")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  policyctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintf(w, "  %-10s %s\n", "lint", "Load a policy.yaml and report whether it parses (--file)")
	fmt.Fprintf(w, "  %-10s %s\n", "lookup", "Print the effective entry for an (intent_type, trust_level) pair (--file, --type, --trust)")
	fmt.Fprintf(w, "  %-10s %s\n", "help", "Show this help")
	fmt.Fprintln(w, "")
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func runLint(args []string, stdout, stderr io.Writer) int {
	path := flagValue(args, "--file")
	if path == "" {
		path = "policy.yaml"
	}

	reg := policy.NewRegistry()
	if err := reg.Load(path); err != nil {
		fmt.Fprintf(stderr, "FAIL: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %s parses (version %s)\n", path, reg.Version())
	return 0
}

func runLookup(args []string, stdout, stderr io.Writer) int {
	path := flagValue(args, "--file")
	if path == "" {
		path = "policy.yaml"
	}
	intentType := flagValue(args, "--type")
	trustStr := flagValue(args, "--trust")
	if intentType == "" || trustStr == "" {
		fmt.Fprintln(stderr, "Usage: policyctl lookup --file policy.yaml --type <intent_type> --trust <0-5>")
		return 2
	}
	trust, err := strconv.Atoi(trustStr)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --trust value %q: %v\n", trustStr, err)
		return 2
	}

	reg := policy.NewRegistry()
	if err := reg.Load(path); err != nil {
		fmt.Fprintf(stderr, "FAIL: %v\n", err)
		return 1
	}

	entry := reg.Lookup(intentType, trust)
	fmt.Fprintf(stdout, "intent_type:      %s\n", intentType)
	fmt.Fprintf(stdout, "trust_level:      %d\n", trust)
	fmt.Fprintf(stdout, "trust_floor:      %d\n", entry.TrustFloor)
	fmt.Fprintf(stdout, "appointment_mode: %s\n", entry.Appointment)
	fmt.Fprintf(stdout, "require_consent:  %t\n", entry.RequireConsent)
	fmt.Fprintf(stdout, "risk_threshold:   %.2f\n", entry.RiskThreshold)
	fmt.Fprintf(stdout, "oversight_copy:   %t\n", entry.OversightCopy)
	fmt.Fprintf(stdout, "legal_hold:       %t\n", entry.LegalHold)
	return 0
}
