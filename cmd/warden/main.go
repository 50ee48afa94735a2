package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exit codes: 0 success, 1 check failed,
// 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "warden: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "warden - governed action and audit service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    Run the API server (default)")
	fmt.Fprintln(w, "  verify   Verify the audit ledger or an exported bundle (--dir, --bundle, --json)")
	fmt.Fprintln(w, "  doctor   Check configuration and startup preconditions")
	fmt.Fprintln(w, "  token    Issue an API token from the local keystore")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from WARDEN_* environment variables.")
}
