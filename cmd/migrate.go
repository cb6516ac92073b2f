package main

import (
	"fmt"

	"chatassistant/pkg/config"
	"chatassistant/pkg/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		database, err := db.NewPostgresDB(cfg)
		if err != nil {
			return fmt.Errorf("ошибка при подключении к базе данных: %w", err)
		}
		defer database.Close()

		return db.Migrate(cmd.Context(), database)
	},
}
