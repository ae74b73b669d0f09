package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const dispatcherTickLockKey = "lock:notification-dispatcher:tick"

// EventPublisher forwards a delivered event to external subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, msg config.ReportEventMessage) (string, error)
}

// PubSubPublisher publishes to the PUBSUB_TOPIC topic.
type PubSubPublisher struct{}

func (PubSubPublisher) Publish(ctx context.Context, msg config.ReportEventMessage) (string, error) {
	return config.PublishReportEventWithResult(ctx, msg)
}

// NotificationDispatcher fans out outbox events. DeliverNow is called inline
// right after a commit; Run retries whatever is left PENDING or FAILED.
type NotificationDispatcher struct {
	Events       models.EventRepository
	Broadcaster  *Broadcaster
	Publisher    EventPublisher
	Locker       *redislock.Client
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	Concurrency    int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	now func() time.Time
}

func NewNotificationDispatcher(events models.EventRepository, broadcaster *Broadcaster, logger *logrus.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		Events:         events,
		Broadcaster:    broadcaster,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		Concurrency:    4,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ApplySettings copies the dispatcher knobs from s, keeping defaults for unset values.
func (d *NotificationDispatcher) ApplySettings(s config.Settings) {
	if s.DispatcherBatchSize > 0 {
		d.BatchSize = s.DispatcherBatchSize
	}
	if s.DispatcherConcurrency > 0 {
		d.Concurrency = s.DispatcherConcurrency
	}
	if s.DispatcherPollInterval > 0 {
		d.PollInterval = s.DispatcherPollInterval
	}
	if s.DispatcherMaxAttempts > 0 {
		d.MaxAttempts = s.DispatcherMaxAttempts
	}
}

func (d *NotificationDispatcher) claim(limit int) models.EventClaim {
	now := d.now()
	return models.EventClaim{
		DispatcherId: d.DispatcherID,
		Now:          now,
		StaleBefore:  now.Add(-d.LockTimeout),
		Limit:        limit,
		MaxAttempts:  d.MaxAttempts,
	}
}

// Run polls until ctx is cancelled.
func (d *NotificationDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch of due events and delivers them. It returns
// the number of events it attempted.
func (d *NotificationDispatcher) DispatchOnce(ctx context.Context) int {
	if d.Locker != nil {
		lock, err := d.Locker.Obtain(ctx, dispatcherTickLockKey, d.LockTimeout, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return 0
		}
		if err != nil {
			// Redis trouble must not stop delivery; SKIP LOCKED still keeps workers apart.
			d.logError("DispatchOnce", "obtain tick lock", nil, err)
		} else {
			defer func() { _ = lock.Release(context.Background()) }()
		}
	}

	claimed, err := d.Events.ClaimPendingEvents(ctx, d.claim(d.BatchSize))
	if err != nil {
		d.logError("DispatchOnce", "claim events", nil, err)
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.Concurrency > 0 {
		g.SetLimit(d.Concurrency)
	}
	for i := range claimed {
		ev := claimed[i]
		g.Go(func() error {
			_, _ = d.deliver(gctx, &ev)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed)
}

// DeliverNow claims and delivers a single event. When another worker already
// holds the event it returns 0 and no error.
func (d *NotificationDispatcher) DeliverNow(ctx context.Context, eventId int) (int, bool, error) {
	ev, claimed, err := d.Events.ClaimEvent(ctx, eventId, d.claim(1))
	if err != nil {
		return 0, false, err
	}
	if !claimed {
		return 0, false, nil
	}
	created, err := d.deliver(ctx, ev)
	return created, err == nil, err
}

func (d *NotificationDispatcher) deliver(ctx context.Context, ev *models.NotificationEvent) (int, error) {
	created, err := d.Broadcaster.Broadcast(ctx, ev)
	if err != nil {
		d.markFailed(ev, err)
		return created, err
	}

	var pubId *string
	if d.Publisher != nil {
		id, err := d.Publisher.Publish(ctx, eventMessage(ev, created))
		if err != nil {
			d.markFailed(ev, fmt.Errorf("publish: %w", err))
			return created, err
		}
		pubId = &id
	}

	// detached so a cancelled request cannot leave the event PROCESSING
	if err := d.Events.MarkEventSent(context.WithoutCancel(ctx), ev.ID, created, pubId, d.now()); err != nil {
		d.logError("deliver", "mark sent", ev, err)
		return created, err
	}
	return created, nil
}

func (d *NotificationDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return backoff
}

func (d *NotificationDispatcher) markFailed(ev *models.NotificationEvent, cause error) {
	ctx := context.Background()
	msg := cause.Error()

	// Terminal after MaxAttempts.
	if d.MaxAttempts > 0 && ev.Attempts >= d.MaxAttempts {
		if err := d.Events.MarkEventFailed(ctx, ev.ID, msg, nil, true); err != nil {
			d.logError("markFailed", "mark dead", ev, err)
		}
		d.logError("markFailed", fmt.Sprintf("event moved to DEAD after %d attempts", ev.Attempts), ev, cause)
		return
	}

	next := d.now().Add(d.backoff(ev.Attempts))
	if err := d.Events.MarkEventFailed(ctx, ev.ID, msg, &next, false); err != nil {
		d.logError("markFailed", "mark failed", ev, err)
	}
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "NotificationDispatcher",
			"event_id":        ev.ID,
			"report_id":       ev.ReportId,
			"attempt":         ev.Attempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("notification delivery failed: " + msg)
	}
}

func (d *NotificationDispatcher) logError(funcName string, what string, ev *models.NotificationEvent, err error) {
	if d.Logger == nil {
		return
	}
	var data any
	if ev != nil {
		data = map[string]int{"event_id": ev.ID, "report_id": ev.ReportId, "attempt": ev.Attempts}
	}
	config.LogError(d.Logger, "NotificationDispatcher", funcName, what, data, err)
}

func eventMessage(ev *models.NotificationEvent, recipients int) config.ReportEventMessage {
	msg := config.ReportEventMessage{
		EventId:   ev.ID,
		Kind:      string(ev.Kind),
		ReportId:  ev.ReportId,
		ActorId:   ev.ActorId,
		Message:   ev.Message,
		CreatedAt: ev.CreatedAt,
	}
	msg.Recipients = recipients
	if ev.OldStatus != nil {
		msg.OldStatus = string(*ev.OldStatus)
	}
	if ev.NewStatus != nil {
		msg.NewStatus = string(*ev.NewStatus)
	}
	if ev.Tag != nil {
		msg.Tag = *ev.Tag
	}
	if ev.CorrelationId != nil {
		msg.CorrelationId = *ev.CorrelationId
	}
	return msg
}
