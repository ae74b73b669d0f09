package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/option"
)

// ReportEventMessage is what external subscribers receive once an event has been fanned out.
type ReportEventMessage struct {
	EventId       int       `json:"event_id"`
	Kind          string    `json:"kind"`
	ReportId      int       `json:"report_id"`
	OldStatus     string    `json:"old_status,omitempty"`
	NewStatus     string    `json:"new_status,omitempty"`
	Tag           string    `json:"tag,omitempty"`
	ActorId       int       `json:"actor_id"`
	Message       string    `json:"message"`
	Recipients    int       `json:"recipients"`
	CreatedAt     time.Time `json:"created_at"`
	CorrelationId string    `json:"correlation_id,omitempty"`
}

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	eventTopic   *pubsub.Topic
)

func pubsubTopicName() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_TOPIC"))
}

// PubSubEnabled is true when PUBSUB_TOPIC is configured.
func PubSubEnabled() bool {
	return pubsubTopicName() != ""
}

func pubsubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// GetClient returns the shared Pub/Sub client, creating it on first use with up
// to three attempts. PUBSUB_CREDENTIALS_JSON overrides Application Default Credentials.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubsubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if creds := os.Getenv("PUBSUB_CREDENTIALS_JSON"); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	client, err := backoff.RetryWithData(func() (*pubsub.Client, error) {
		return pubsub.NewClient(ctx, projectID, opts...)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	if err != nil {
		return nil, fmt.Errorf("pubsub client for project %q: %w", projectID, err)
	}
	pubsubClient = client
	return client, nil
}

// CreateTopicIfNotExists is used by the ops CLI to bootstrap the event topic.
func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// reportEventTopic keeps one publisher per process; messages for the same
// report share an ordering key.
func reportEventTopic(ctx context.Context) (*pubsub.Topic, error) {
	name := pubsubTopicName()
	if name == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}
	client, err := GetClient(ctx)
	if err != nil {
		return nil, err
	}
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if eventTopic == nil {
		eventTopic = client.Topic(name)
		eventTopic.EnableMessageOrdering = true
	}
	return eventTopic, nil
}

// PublishReportEventWithResult publishes and returns the Pub/Sub server-assigned message ID.
func PublishReportEventWithResult(ctx context.Context, msg ReportEventMessage) (string, error) {
	topic, err := reportEventTopic(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	reportKey := strconv.Itoa(msg.ReportId)
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: "report-" + reportKey,
		Attributes: map[string]string{
			"kind":      msg.Kind,
			"report_id": reportKey,
			"event_id":  strconv.Itoa(msg.EventId),
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// an ordering key stays paused after a failure until resumed
		topic.ResumePublish("report-" + reportKey)
		return "", err
	}
	return id, nil
}

// ClosePubSub flushes the event publisher and closes the client.
func ClosePubSub() error {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if eventTopic != nil {
		eventTopic.Stop()
		eventTopic = nil
	}
	if pubsubClient == nil {
		return nil
	}
	err := pubsubClient.Close()
	pubsubClient = nil
	return err
}
