package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wardenhq/warden/pkg/pack"
)

// packcert runs the certification suite against instruction pack files.
//
// Exit codes:
//
//	0 = every pack certified at validated level
//	1 = at least one pack stayed at draft
//	2 = usage or read error
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("packcert", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output certification reports as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	files := cmd.Args()
	if len(files) == 0 {
		fmt.Fprintln(stderr, "Usage: packcert [--json] <pack.json> [...]")
		return 2
	}

	exit := 0
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			return 2
		}
		p, err := pack.Parse(raw)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			return 2
		}

		cert := pack.Certify(p)
		if *jsonOutput {
			data, _ := json.MarshalIndent(cert, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			printCert(stdout, path, cert)
		}
		if cert.Level < pack.CertValidated {
			exit = 1
		}
	}
	return exit
}

func printCert(w io.Writer, path string, cert *pack.Certification) {
	fmt.Fprintf(w, "%s (%s@%s)\n", path, cert.PackID, cert.Version)
	for _, c := range cert.Checks {
		mark := "pass"
		if !c.Passed {
			mark = "FAIL"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "  %s  %-28s %s\n", mark, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "  %s  %s\n", mark, c.Name)
		}
	}
	fmt.Fprintf(w, "  level: %s\n\n", cert.Level)
}
