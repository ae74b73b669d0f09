package workflow

import (
	"context"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type TagRequest struct {
	ReportId    int     `json:"report_id" binding:"required,gt=0"`
	Tag         string  `json:"tag" binding:"required"`
	Description *string `json:"description"`
}

// ApplyTag annotates a report. Every call emits a fresh tag_update event,
// even when the tag is unchanged. The Delivery counts notifications created
// inline and is Pending when fan-out was left to the dispatcher.
func (e *Executor) ApplyTag(ctx context.Context, req TagRequest, actor models.Account) (report *models.Report, delivery Delivery, err error) {
	ctx, span := tracer.Start(ctx, "workflow.ApplyTag", trace.WithAttributes(
		reportAttr(req.ReportId),
		attribute.Int("actor.id", actor.ID),
	))
	defer func() { endSpan(span, err) }()

	var eventId int
	err = e.withRetry(ctx, func() error {
		var opErr error
		report, eventId, opErr = e.applyTagOnce(ctx, req, actor)
		return opErr
	})
	if err != nil {
		return nil, Delivery{}, err
	}
	return report, e.notify(ctx, eventId, report.ID), nil
}

func (e *Executor) applyTagOnce(ctx context.Context, req TagRequest, actor models.Account) (*models.Report, int, error) {
	report, err := e.Reports.GetReport(ctx, req.ReportId)
	if err != nil {
		return nil, 0, utils.AsAppError(err)
	}
	tag, err := models.NormalizeTag(req.Tag)
	if err != nil {
		return nil, 0, err
	}

	update := models.ReportTagUpdate{
		ReportId:    report.ID,
		Tag:         tag,
		Description: utils.TrimmedOrNil(req.Description),
		UpdatedBy:   actor.ID,
		At:          e.now(),
	}
	event := models.NewTagEvent(report, update, actor, TagMessage(report, tag, update.Description, actor))
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		event.CorrelationId = &cid
	}
	if err := e.Reports.UpdateReportTag(ctx, update, event); err != nil {
		if utils.IsKind(err, utils.KindNotFound) {
			return nil, 0, utils.AsAppError(err)
		}
		return nil, 0, utils.Internal(err, "persist tag of report %d", report.ID)
	}

	report.ApplyTag(update)
	return report, event.ID, nil
}
