package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/auth"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/kms"
)

// runTokenCmd mints an API token against the local keystore. Meant for
// development and operator tooling; production issuance belongs to the
// identity provider.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		tenant  string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Token subject (REQUIRED)")
	cmd.StringVar(&tenant, "tenant", "", "Tenant the token is scoped to (REQUIRED)")
	cmd.StringVar(&roles, "roles", "", "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", cfg.TokenTTL, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" || tenant == "" {
		fmt.Fprintln(stderr, "Error: --subject and --tenant are required")
		return 2
	}

	provider, err := kms.NewLocalProvider(cfg.KeystorePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open keystore: %v\n", err)
		return 2
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := auth.NewIssuer(provider, cfg.TokenIssuer, ttl).Issue(subject, tenant, roleList)
	if err != nil {
		fmt.Fprintf(stderr, "Error: issue token: %v\n", err)
		return 2
	}
	fmt.Fprintln(stdout, token)
	return 0
}
