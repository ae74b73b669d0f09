package workflow

import (
	"context"
	"time"

	"github.com/rsmtech/servicereport_backend/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultFanoutChunkSize = 500

// Broadcaster writes one notification per active account for an event.
type Broadcaster struct {
	Accounts      models.AccountRepository
	Notifications models.NotificationRepository
	ChunkSize     int
}

func NewBroadcaster(accounts models.AccountRepository, notifications models.NotificationRepository, chunkSize int) *Broadcaster {
	if chunkSize <= 0 {
		chunkSize = DefaultFanoutChunkSize
	}
	return &Broadcaster{
		Accounts:      accounts,
		Notifications: notifications,
		ChunkSize:     chunkSize,
	}
}

// Broadcast pages the active accounts and inserts one chunk of notifications at a time.
// Rows already delivered for the event are skipped, so retries are safe.
// The count returned covers newly created rows only.
func (b *Broadcaster) Broadcast(ctx context.Context, event *models.NotificationEvent) (created int, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Broadcast", trace.WithAttributes(
		reportAttr(event.ReportId),
		attribute.Int("event.id", event.ID),
		attribute.String("event.kind", string(event.Kind)),
	))
	defer func() {
		span.SetAttributes(attribute.Int("notifications.created", created))
		endSpan(span, err)
	}()

	chunk := b.ChunkSize
	if chunk <= 0 {
		chunk = DefaultFanoutChunkSize
	}
	afterId := 0
	for {
		ids, err := b.Accounts.ListActiveAccountIds(ctx, afterId, chunk)
		if err != nil {
			return created, err
		}
		if len(ids) == 0 {
			return created, nil
		}
		n, err := b.Notifications.InsertNotifications(ctx, models.NotificationsFor(event, ids, time.Now().UTC()))
		created += n
		if err != nil {
			return created, err
		}
		if len(ids) < chunk {
			return created, nil
		}
		afterId = ids[len(ids)-1]
	}
}
