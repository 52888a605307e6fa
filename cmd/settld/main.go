package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; no subcommand runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "settld - agent economy control plane")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  settld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the settlement server (default)")
	fmt.Fprintln(w, "  verify    Re-verify a receipt bundle offline (--bundle, --keys)")
	fmt.Fprintln(w, "  keygen    Generate an Ed25519 agent keypair")
	fmt.Fprintln(w, "  health    Check a running server (HTTP)")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	base := os.Getenv("SETTLD_HEALTH_URL")
	if base == "" {
		base = "http://localhost:8080/healthz"
	}
	resp, err := http.Get(base)
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
