package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inopsio/modeld/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		Long: `Apply pending schema migrations to the SQLite store and print the
resulting schema version. Other drivers need no migrations.

serve migrates on start as well; this command lets operators migrate
ahead of a rollout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if cfg.Store.Driver != stores.DriverSQLite {
				fmt.Fprintf(out, "store driver %q needs no migrations\n", cfg.Store.Driver)
				return nil
			}

			store, err := stores.NewSQLiteStore(cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			after, dirty, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			log.Info().Str("path", cfg.Store.Path).Uint("version", after).Msg("Store migrated")
			fmt.Fprintf(out, "schema version %d (dirty: %v)\n", after, dirty)
			return nil
		},
	}
}
