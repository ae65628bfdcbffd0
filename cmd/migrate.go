package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Store.Migrate(cmd.Context()); err != nil {
			return err
		}
		zap.L().Info("schema migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
