package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/kms"
	"github.com/wardenhq/warden/pkg/verifier"
)

// runVerifyCmd replays the audit ledger and reports the first broken
// link, if any.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		bundle     string
		keystore   string
		level      string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", cfg.AuditDir, "Audit ledger directory")
	cmd.StringVar(&bundle, "bundle", "", "Verify an exported bundle zip instead of the live ledger")
	cmd.StringVar(&keystore, "keystore", cfg.KeystorePath, "Keystore path for signature verification")
	cmd.StringVar(&level, "level", cfg.ComplianceLevel, "Compliance level the ledger was written under")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if bundle != "" {
		return verifyBundle(bundle, jsonOutput, stdout, stderr)
	}

	provider, err := kms.NewLocalProvider(keystore)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open keystore: %v\n", err)
		return 2
	}

	mode := compliance.NewMode(compliance.ParseLevel(level),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	store, err := audit.NewStore(audit.Options{Dir: dir}, mode, kms.NewManager(provider), nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open ledger: %v\n", err)
		return 2
	}
	defer store.Close()

	result, err := store.VerifyChain()
	if err != nil {
		fmt.Fprintf(stderr, "Error: verification: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if result.Valid {
		fmt.Fprintf(stdout, "OK: %d entries verified, chain intact\n", result.EntriesChecked)
	} else {
		fmt.Fprintf(stdout, "BROKEN at entry %d: %s\n", result.BrokenAt, result.Reason)
	}

	if !result.Valid {
		return 1
	}
	return 0
}

// verifyBundle checks an exported zip offline; no keystore or service
// state required.
func verifyBundle(path string, jsonOutput bool, stdout, stderr io.Writer) int {
	report, err := verifier.VerifyBundle(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		verifier.WriteReport(stdout, report)
	}

	if !report.Verified {
		return 1
	}
	return 0
}
