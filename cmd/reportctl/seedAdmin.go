package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	adminUsername string
	adminPassword string
	adminName     string
)

// seed-admin creates the admin user, or resets its password, name and role.
var seedAdminCmd = &cobra.Command{
	Use:   "seed-admin",
	Short: "Create or update the admin user",
	RunE:  runSeedAdmin,
}

func init() {
	seedAdminCmd.Flags().StringVar(&adminUsername, "username", "admin", "Admin username")
	seedAdminCmd.Flags().StringVar(&adminPassword, "password", "", "Admin password (required)")
	seedAdminCmd.Flags().StringVar(&adminName, "name", "Administrator", "Display name")
	_ = seedAdminCmd.MarkFlagRequired("password")
}

func runSeedAdmin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore()
	if err != nil {
		return err
	}

	var existing models.Account
	err = store.DB.WithContext(ctx).Where("username = ?", adminUsername).First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to lookup user: %w", err)
		}
		created, err := store.CreateAccount(ctx, &models.NewAccount{
			Username: adminUsername,
			Name:     adminName,
			Password: adminPassword,
			Role:     models.UserRoleAdmin,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
		fmt.Printf("Created admin user: username=%q id=%d\n", created.Username, created.ID)
		return nil
	}

	hashed, err := utils.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.DB.WithContext(ctx).Model(&models.Account{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"password":  hashed,
		"name":      adminName,
		"is_active": utils.NewTrue(),
		"role":      models.UserRoleAdmin,
	}).Error; err != nil {
		return fmt.Errorf("failed to update admin user: %w", err)
	}
	// the actor middleware caches role and is_active per account id
	if err := existing.RemoveInstanceRedis(); err != nil {
		return fmt.Errorf("failed to invalidate cached account: %w", err)
	}
	revoked, err := models.RevokeSessions(existing.Username)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	fmt.Printf("Updated admin user: username=%q id=%d sessions_revoked=%d\n", existing.Username, existing.ID, revoked)
	return nil
}
