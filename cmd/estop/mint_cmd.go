package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/config"
)

// runMintCmd implements `estop mint`.
//
// Mints a Bearer token bound to an account, signed with the server's
// JWT_SECRET. This is how planner and executor accounts get their first
// credentials; anything fancier belongs in an identity provider.
//
// Exit codes:
//
//	0 = token printed
//	2 = runtime error
func runMintCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		account string
		ttl     time.Duration
	)

	cmd.StringVar(&account, "account", "", "Account UUID the token authenticates (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	id, err := uuid.Parse(account)
	if err != nil || id == uuid.Nil {
		_, _ = fmt.Fprintln(stderr, "Error: --account must be a non-nil UUID")
		return 2
	}

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: JWT_SECRET is not set")
		return 2
	}

	token, err := auth.Mint([]byte(cfg.JWTSecret), id, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: minting failed: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
