package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unosend/unosend/internal/web/config"
	"github.com/unosend/unosend/internal/web/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
	return nil
}

// openDatabase loads the configuration and opens the migrated database
func openDatabase() (*db.DB, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
