package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gwlsn/stepdown/internal/config"
	"github.com/gwlsn/stepdown/internal/store"
)

var migrateFrom string

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Queue and profile store maintenance",
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy jobs and profiles from another backend into the configured one",
	Long: "Copy every job and profile from the --from backend into the backend " +
		"selected by store.backend. Stop the daemon first; PROCESSING jobs are " +
		"written as PENDING.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !config.IsValidStoreBackend(migrateFrom) {
			return fmt.Errorf("--from must be one of %v", config.ValidStoreBackends)
		}
		if migrateFrom == cfg.Store.Backend {
			return fmt.Errorf("source and destination are both %s", migrateFrom)
		}

		srcCfg := *cfg
		srcCfg.Store.Backend = migrateFrom

		src, err := store.Open(cmd.Context(), &srcCfg)
		if err != nil {
			return fmt.Errorf("open %s: %w", migrateFrom, err)
		}
		defer src.Close()

		dst, err := store.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.Store.Backend, err)
		}
		defer dst.Close()

		res, err := store.Migrate(cmd.Context(), src, dst)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d jobs (%d already present, %d reset to PENDING) and %d profiles\n",
			res.JobsImported, res.JobsSkipped, res.ProcessingReset, res.ProfilesImported)
		return nil
	},
}

func init() {
	storeMigrateCmd.Flags().StringVar(&migrateFrom, "from", config.BackendSQLite, "backend to copy from")
	storeCmd.AddCommand(storeMigrateCmd)
}
