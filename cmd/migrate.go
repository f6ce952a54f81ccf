package cmd

import (
	"github.com/spf13/cobra"

	"example.com/activitylog/internal/persistence/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect the event store schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{postgres.MigrateUp, postgres.MigrateDown, postgres.MigrateStatus},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			command := postgres.MigrateUp
			if len(args) == 1 {
				command = args[0]
			}

			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Migrate(ctx, pool, command)
		},
	}
}
