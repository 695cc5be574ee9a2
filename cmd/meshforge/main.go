// Command meshforge runs the multi-tenant agent runtime: an HTTP ingest
// gateway in front of event-sourced engines, plus operator tooling for
// offline replay and event log archival.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand. Kept separate from main so tests can
// drive the CLI with captured output.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "archive":
		return runArchive(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "meshforge %s (%s)\n", version, runtime.Version())
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors for usage output.
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sMeshforge Runtime %s%s\n", colorBold+colorBlue, version, colorReset)
	fmt.Fprintf(w, "%sEvery fact is an envelope. Every envelope is accounted for.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  meshforge <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "RUNTIME")
	printCommand(w, "serve", "Run the ingest gateway and engines (default)")
	printCommand(w, "health", "Check a running node (--url)")

	printSection(w, "EVENT LOG")
	printCommand(w, "replay", "Rebuild agent state offline and print its hash")
	printCommand(w, "archive", "Export event segments to blob storage")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
