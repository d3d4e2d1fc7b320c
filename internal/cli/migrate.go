package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

func newMigrateCmd(rt *runtime) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Applies pending migrations to DATABASE_URL, or with --down rolls back the most recent one.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			ctx := cmd.Context()

			pool, err := store.Connect(ctx, rt.cfg.DatabaseURL, app.PoolOptions(rt.cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			if down {
				if err := store.MigrateDown(ctx, pool); err != nil {
					return err
				}
			} else if err := store.Migrate(ctx, pool, rt.logger); err != nil {
				return err
			}

			v, err := store.SchemaVersion(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration")
	return cmd
}
