package main

import (
	"fmt"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "AutoMigrate every table owned by the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := models.Migrate(store.DB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Printf("migrated %d tables\n", len(models.AllTables()))
		return nil
	},
}
