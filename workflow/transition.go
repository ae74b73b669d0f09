package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Notifier takes a committed outbox event and fans it out. delivered is false
// when the event was left for the background dispatcher.
type Notifier interface {
	DeliverNow(ctx context.Context, eventId int) (created int, delivered bool, err error)
}

// Delivery describes the inline fan-out of a committed event. When Pending is
// true the dispatcher delivers it later and Created counts nothing yet.
type Delivery struct {
	EventId int  `json:"event_id"`
	Created int  `json:"notifications_sent"`
	Pending bool `json:"delivery_pending"`
}

type TransitionRequest struct {
	ReportId       int                 `json:"report_id" binding:"required,gt=0"`
	ExpectedStatus models.ReportStatus `json:"expected_status" binding:"required,reportstatus"`
	TargetStatus   models.ReportStatus `json:"target_status" binding:"required,reportstatus"`
	Reason         *string             `json:"reason"`
}

// DefaultNotifyTimeout bounds the inline fan-out a request waits for.
const DefaultNotifyTimeout = 5 * time.Second

// Executor performs guarded report mutations and hands their events to the Notifier.
type Executor struct {
	Reports   models.ReportRepository
	Authority *Authority
	// Notifier is nil when delivery is left to the background dispatcher.
	Notifier   Notifier
	Logger     *logrus.Logger
	RetryDelay time.Duration
	// NotifyTimeout bounds inline delivery after commit; leftovers go to the dispatcher.
	NotifyTimeout time.Duration
	// QueuePageSize is the ListReports page used by ApprovalQueue.
	QueuePageSize int

	now func() time.Time
}

func NewExecutor(reports models.ReportRepository, authority *Authority, notifier Notifier, logger *logrus.Logger) *Executor {
	return &Executor{
		Reports:       reports,
		Authority:     authority,
		Notifier:      notifier,
		Logger:        logger,
		RetryDelay:    50 * time.Millisecond,
		NotifyTimeout: DefaultNotifyTimeout,
		QueuePageSize: models.DefaultReportListLimit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// withRetry runs op and repeats it once when it fails with InternalError.
func (e *Executor) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.RetryDelay), 1), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil || utils.IsKind(err, utils.KindInternal) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return utils.AsAppError(err)
	}
	return nil
}

// Transition moves a report along one edge of the lifecycle.
func (e *Executor) Transition(ctx context.Context, req TransitionRequest, actor models.Account) (report *models.Report, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Transition", trace.WithAttributes(
		reportAttr(req.ReportId),
		attribute.String("report.expected_status", string(req.ExpectedStatus)),
		attribute.String("report.target_status", string(req.TargetStatus)),
		attribute.Int("actor.id", actor.ID),
	))
	defer func() { endSpan(span, err) }()

	var eventId int
	err = e.withRetry(ctx, func() error {
		var opErr error
		report, eventId, opErr = e.transitionOnce(ctx, req, actor)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if eventId != 0 {
		e.notify(ctx, eventId, report.ID)
	}
	return report, nil
}

func (e *Executor) transitionOnce(ctx context.Context, req TransitionRequest, actor models.Account) (*models.Report, int, error) {
	report, err := e.Reports.GetReport(ctx, req.ReportId)
	if err != nil {
		return nil, 0, utils.AsAppError(err)
	}
	if report.Status != req.ExpectedStatus {
		return nil, 0, utils.Conflict(string(report.Status), "report %d is %s, expected %s", report.ID, report.Status, req.ExpectedStatus)
	}
	if req.TargetStatus == report.Status {
		return report, 0, nil
	}

	t, ok := models.LookupTransition(report.Status, req.TargetStatus)
	if !ok {
		return nil, 0, utils.InvalidTransition("cannot move report from %s to %s", report.Status, req.TargetStatus)
	}

	var reason *string
	if t.ReasonRequired {
		reason = utils.TrimmedOrNil(req.Reason)
		if reason == nil {
			return nil, 0, utils.ValidationError("a reason is required to move a report to %s", t.To)
		}
	}

	if err := e.Authority.Authorize(ctx, actor, report, t); err != nil {
		return nil, 0, err
	}

	update := models.ReportStatusUpdate{
		ReportId:        report.ID,
		From:            t.From,
		To:              t.To,
		ApproverId:      actor.ID,
		RejectionReason: reason,
		At:              e.now(),
	}
	event := models.NewTransitionEvent(report, update, actor, TransitionMessage(report, t.To, actor, reason))
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		event.CorrelationId = &cid
	}

	applied, err := e.Reports.UpdateReportStatus(ctx, update, event)
	if err != nil {
		return nil, 0, utils.Internal(err, "persist transition of report %d", report.ID)
	}
	if !applied {
		current, err := e.Reports.GetReport(ctx, report.ID)
		if err != nil {
			return nil, 0, utils.AsAppError(err)
		}
		return nil, 0, utils.Conflict(string(current.Status), "report %d changed concurrently and is now %s", report.ID, current.Status)
	}

	report.ApplyStatus(update)
	return report, event.ID, nil
}

// notify delivers a committed event. Failures stay in the outbox for the dispatcher.
func (e *Executor) notify(ctx context.Context, eventId int, reportId int) Delivery {
	if e.Notifier == nil {
		return Delivery{EventId: eventId, Pending: true}
	}
	// the commit already happened, so a cancelled request must not abort delivery
	deliverCtx := context.WithoutCancel(ctx)
	if e.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(deliverCtx, e.NotifyTimeout)
		defer cancel()
	}
	created, delivered, err := e.Notifier.DeliverNow(deliverCtx, eventId)
	if err != nil && e.Logger != nil {
		config.LogError(e.Logger, "Executor", "notify", "inline fan-out", map[string]int{"event_id": eventId, "report_id": reportId}, err)
	}
	return Delivery{EventId: eventId, Created: created, Pending: err != nil || !delivered}
}

// ApprovalQueue lists open reports on which actor may perform a forward (non-rejecting)
// step, oldest first. It pages through every candidate; limit > 0 caps the result.
func (e *Executor) ApprovalQueue(ctx context.Context, actor models.Account, limit int) ([]models.Report, error) {
	var forward []models.ReportStatus
	for _, st := range models.AllReportStatuses() {
		for _, t := range models.OutgoingTransitions(st) {
			if t.To != models.ReportStatusRejected {
				forward = append(forward, st)
				break
			}
		}
	}
	pageSize := e.QueuePageSize
	if pageSize <= 0 {
		pageSize = models.DefaultReportListLimit
	}

	queue := []models.Report{}
	afterId := 0
	for {
		after := afterId
		page, err := e.Reports.ListReports(ctx, models.ReportFilter{Statuses: forward, AfterId: &after, Limit: pageSize})
		if err != nil {
			return nil, utils.AsAppError(err)
		}
		for i := range page {
			r := &page[i]
			ok, err := e.canMoveForward(ctx, actor, r)
			if err != nil {
				return nil, err
			}
			if ok {
				queue = append(queue, *r)
				if limit > 0 && len(queue) >= limit {
					return queue, nil
				}
			}
		}
		if len(page) < pageSize {
			return queue, nil
		}
		afterId = page[len(page)-1].ID
	}
}

func (e *Executor) canMoveForward(ctx context.Context, actor models.Account, r *models.Report) (bool, error) {
	for _, t := range models.OutgoingTransitions(r.Status) {
		if t.To == models.ReportStatusRejected {
			continue
		}
		ok, err := e.Authority.Can(ctx, actor, r, t.Capability)
		if err != nil {
			return false, utils.Internal(err, "privilege lookup failed")
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
