package cmd

import (
	"errors"
	"fmt"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the solved case database and run migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseType == "" || cfg.Database == "" {
			return errors.New(
				"database and database_type must be set " +
					"(SB_DATABASE, SB_DATABASE_TYPE)",
			)
		}
		db, err := spamubot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer func() {
			_ = sqlDB.Close()
		}()
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Database ready (%s: %s)\n",
			cfg.DatabaseType,
			cfg.Database,
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
}
