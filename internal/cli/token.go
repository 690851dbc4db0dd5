package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/services"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type TokenOptions struct {
	*RootOptions
	Owner  string
	Device string
	Secret string
	Expiry time.Duration
}

// NewTokenCommand issues a signed identity token for development use.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development identity token",
		Long: `Issue a signed identity token for an owner.

The token is accepted by PUT /identity on a server that shares the secret.

Examples:
  ledgersync token --owner 5f1c
  JWT_SECRET=dev ledgersync token --owner 5f1c --expiry 1h --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.Secret
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("a secret is required: pass --secret or set JWT_SECRET")
			}

			identity := services.NewTokenIdentity(secret, opts.Expiry, zerolog.Nop())
			token, expiresAt, err := identity.IssueToken(opts.Owner, opts.Device)
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"token":      token,
					"owner_id":   opts.Owner,
					"expires_at": expiresAt.UTC(),
				})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.Flags().StringVar(&opts.Device, "device", "", "device id (generated when empty)")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (defaults to JWT_SECRET)")
	cmd.Flags().DurationVar(&opts.Expiry, "expiry", 24*time.Hour, "token lifetime")

	return cmd
}
