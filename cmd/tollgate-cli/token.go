package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token tools",
	}
	cmd.AddCommand(newTokenIssueCmd(opts))
	return cmd
}

func newTokenIssueCmd(opts *options) *cobra.Command {
	var (
		subject    string
		roles      []string
		ttl        time.Duration
		issuer     string
		secretFile string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint an HS256 token for an agent or approver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			secret, err := jwtSecret(secretFile)
			if err != nil {
				return err
			}
			tok, err := auth.NewJWTAuthenticator(secret, issuer).Issue(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (actor or approver id)")
	cmd.Flags().StringArrayVar(&roles, "role", nil, "approver role, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&issuer, "issuer", envOrDefault("TOLLGATE_JWT_ISSUER", "tollgate"), "token issuer")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", "file holding the JWT secret (default $TOLLGATE_JWT_SECRET)")
	return cmd
}

func jwtSecret(path string) ([]byte, error) {
	if path == "" {
		secret := os.Getenv("TOLLGATE_JWT_SECRET")
		if secret == "" {
			return nil, fmt.Errorf("no JWT secret: pass --secret-file or set TOLLGATE_JWT_SECRET")
		}
		return []byte(secret), nil
	}
	// #nosec G304 -- operator-supplied secret path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	return []byte(secret), nil
}
