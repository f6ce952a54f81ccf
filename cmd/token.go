package cmd

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"example.com/activitylog/internal/auth"
	"example.com/activitylog/internal/domain"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		spec      auth.TokenSpec
		actorType string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token for the activity API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Auth
			if cfg.Secret == "" {
				return errors.New("auth.secret is required")
			}
			if spec.TenantID == "" || spec.Subject == "" {
				return errors.New("--tenant and --subject are required")
			}
			spec.ActorType = domain.ActorType(actorType)
			if !spec.ActorType.Valid() {
				return errors.Errorf("unknown actor type %q", actorType)
			}

			token, err := auth.Issue(auth.Config{Secret: cfg.Secret, Issuer: cfg.Issuer}, spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&spec.TenantID, "tenant", "", "organization id")
	fs.StringVar(&spec.Subject, "subject", "", "actor id")
	fs.StringVar(&spec.Name, "name", "", "actor display name")
	fs.StringVar(&actorType, "actor-type", string(domain.ActorTeamMember), "team_member, system or homeowner")
	fs.StringSliceVar(&spec.Scopes, "scope", []string{auth.ScopeActivityRead, auth.ScopeActivityWrite}, "granted scopes")
	fs.DurationVar(&spec.TTL, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}
