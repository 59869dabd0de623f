package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatbridgehq/chatbridge/internal/config"
	"github.com/chatbridgehq/chatbridge/internal/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := db.Migrate(cfg.Postgres); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}
