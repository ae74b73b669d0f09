// reportctl is the operator tool for the service report backend: schema
// migrations, the admin seed, legacy status rewrites, privilege grants and
// the Pub/Sub topic.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/reportctl migrate
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/spf13/cobra"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "reportctl",
	Short: "Operate the service report backend",
	Long: `reportctl runs maintenance jobs against the report database.

Examples:
  reportctl migrate                         # AutoMigrate all tables
  reportctl seed-admin --password secret    # Create or reset the admin user
  reportctl migrate-statuses --dry-run      # Show how legacy statuses would be rewritten
  reportctl grant --user 7 --capability approve_sales --by 1
  reportctl pubsub-topic                    # Create PUBSUB_TOPIC if missing`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedAdminCmd)
	rootCmd.AddCommand(migrateStatusesCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(pubsubTopicCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// connectTimeout bounds how long a command waits for MySQL and Redis.
const connectTimeout = 2 * time.Minute

// openStore connects to MySQL using the same DB_* env as the server. Redis is
// connected too when REDIS_ADDRESS is set, so cache and session cleanup reach it.
func openStore() (*models.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	logger := config.GetLogger()
	db, err := config.ConnectDatabase(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("%w (check DB_* env vars)", err)
	}
	if os.Getenv("REDIS_ADDRESS") != "" {
		if _, err := config.ConnectRedis(ctx, logger); err != nil {
			return nil, err
		}
	}
	return models.NewStore(db), nil
}
