package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/kms"
	"github.com/wardenhq/warden/pkg/pack"
)

// runDoctorCmd checks startup preconditions without starting the server.
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	failed := 0

	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "  FAIL  %-22s %v\n", name, err)
			return
		}
		fmt.Fprintf(stdout, "  ok    %s\n", name)
	}

	fmt.Fprintf(stdout, "warden doctor (compliance level: %s)\n\n", cfg.ComplianceLevel)

	mode := compliance.NewMode(compliance.ParseLevel(cfg.ComplianceLevel),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	check("compliance startup", mode.ValidateStartup())

	check("keystore", func() error {
		_, err := kms.NewLocalProvider(cfg.KeystorePath)
		return err
	}())

	check("audit directory", func() error {
		if err := os.MkdirAll(cfg.AuditDir, 0o700); err != nil {
			return err
		}
		f, err := os.CreateTemp(cfg.AuditDir, ".doctor-*")
		if err != nil {
			return fmt.Errorf("not writable: %w", err)
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}())

	check("pack registry", func() error {
		ids, err := pack.NewFSRegistry(cfg.PackDir).List()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "        %d pack(s) in %s\n", len(ids), cfg.PackDir)
		return nil
	}())

	check("store", func() error {
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		_ = db
		return nil
	}())

	if cfg.ExecutorURL == "" {
		fmt.Fprintf(stdout, "  warn  executor               WARDEN_EXECUTOR_URL not set; execution disabled\n")
	}

	fmt.Fprintln(stdout, "")
	if failed > 0 {
		fmt.Fprintf(stdout, "%d check(s) failed\n", failed)
		return 1
	}
	fmt.Fprintln(stdout, "all checks passed")
	return 0
}
