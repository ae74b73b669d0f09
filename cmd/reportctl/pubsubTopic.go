package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rsmtech/servicereport_backend/config"
	"github.com/spf13/cobra"
)

var pubsubTopicCmd = &cobra.Command{
	Use:   "pubsub-topic",
	Short: "Create the PUBSUB_TOPIC topic if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := strings.TrimSpace(os.Getenv("PUBSUB_TOPIC"))
		if topic == "" {
			return errors.New("PUBSUB_TOPIC is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		defer config.ClosePubSub()
		t, err := config.CreateTopicIfNotExists(ctx, client, topic)
		if err != nil {
			return err
		}
		fmt.Printf("topic ready: %s\n", t.String())
		return nil
	},
}
