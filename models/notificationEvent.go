package models

import (
	"context"
	"fmt"
	"time"

	"github.com/rsmtech/servicereport_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationEvent is the outbox row written in the same transaction as the
// report mutation it describes. The dispatcher fans it out after commit.
type NotificationEvent struct {
	ID              int              `gorm:"primary_key" json:"id"`
	Kind            NotificationKind `gorm:"size:40;not null" json:"kind"`
	ReportId        int              `gorm:"not null;index" json:"report_id"`
	OldStatus       *ReportStatus    `gorm:"size:32" json:"old_status"`
	NewStatus       *ReportStatus    `gorm:"size:32" json:"new_status"`
	Tag             *string          `gorm:"size:50" json:"tag"`
	TagDescription  *string          `gorm:"type:text" json:"tag_description"`
	ActorId         int              `gorm:"not null" json:"actor_id"`
	ActorName       string           `gorm:"size:100" json:"actor_name"`
	Message         string           `gorm:"type:text;not null" json:"message"`
	CorrelationId   *string          `gorm:"size:64" json:"correlation_id"`
	PublishStatus   string           `gorm:"size:16;not null;default:PENDING;index:idx_event_due" json:"publish_status"`
	Attempts        int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt   *time.Time       `gorm:"index:idx_event_due" json:"next_attempt_at"`
	LockedAt        *time.Time       `json:"locked_at"`
	LockedBy        *string          `gorm:"size:64" json:"locked_by"`
	LastError       *string          `gorm:"type:text" json:"last_error"`
	DeliveredCount  int              `gorm:"not null;default:0" json:"delivered_count"`
	PubSubMessageId *string          `gorm:"size:128" json:"pub_sub_message_id"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt     *time.Time       `json:"processed_at"`
}

func (e NotificationEvent) IsTerminal() bool {
	return e.PublishStatus == EventStatusSent || e.PublishStatus == EventStatusDead
}

// Claimable reports whether a dispatcher may take the event at claim.Now.
func (e NotificationEvent) Claimable(claim EventClaim) bool {
	switch e.PublishStatus {
	case EventStatusPending, EventStatusFailed:
		return e.NextAttemptAt == nil || !e.NextAttemptAt.After(claim.Now)
	case EventStatusProcessing:
		return e.LockedAt != nil && !e.LockedAt.After(claim.StaleBefore)
	}
	return false
}

func NewTransitionEvent(r *Report, u ReportStatusUpdate, actor Account, message string) *NotificationEvent {
	from, to := u.From, u.To
	ev := &NotificationEvent{
		Kind:          NotificationKindFor(u.To),
		ReportId:      r.ID,
		OldStatus:     &from,
		NewStatus:     &to,
		ActorId:       actor.ID,
		ActorName:     actor.Name,
		Message:       message,
		PublishStatus: EventStatusPending,
		CreatedAt:     u.At,
	}
	return ev
}

func NewTagEvent(r *Report, u ReportTagUpdate, actor Account, message string) *NotificationEvent {
	tag := u.Tag
	status := r.Status
	return &NotificationEvent{
		Kind:           NotificationKindTagUpdate,
		ReportId:       r.ID,
		NewStatus:      &status,
		Tag:            &tag,
		TagDescription: u.Description,
		ActorId:        actor.ID,
		ActorName:      actor.Name,
		Message:        message,
		PublishStatus:  EventStatusPending,
		CreatedAt:      u.At,
	}
}

// Eligible:
// - PENDING / FAILED and ready to retry
// - PROCESSING but lock is stale (dispatcher crashed mid-batch)
const claimableCondition = `(
	(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
	OR
	(publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
)`

func claimableArgs(claim EventClaim) []interface{} {
	return []interface{}{
		[]string{EventStatusPending, EventStatusFailed}, claim.Now,
		EventStatusProcessing, claim.StaleBefore,
	}
}

func claimUpdates(claim EventClaim) map[string]interface{} {
	return map[string]interface{}{
		"publish_status":  EventStatusProcessing,
		"locked_at":       claim.Now,
		"locked_by":       claim.DispatcherId,
		"attempts":        gorm.Expr("attempts + 1"),
		"last_error":      nil,
		"next_attempt_at": nil,
	}
}

func (s *Store) GetEvent(ctx context.Context, id int) (*NotificationEvent, error) {
	var result NotificationEvent
	if err := s.db(ctx).First(&result, id).Error; err != nil {
		return nil, notFoundOr(err, "event %d not found", id)
	}
	return &result, nil
}

func (s *Store) ClaimEvent(ctx context.Context, id int, claim EventClaim) (*NotificationEvent, bool, error) {
	res := s.db(ctx).Model(&NotificationEvent{}).
		Where("id = ?", id).
		Where(claimableCondition, claimableArgs(claim)...).
		Updates(claimUpdates(claim))
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return event, true, nil
}

func (s *Store) ClaimPendingEvents(ctx context.Context, claim EventClaim) ([]NotificationEvent, error) {
	var claimed []NotificationEvent
	var ready []NotificationEvent
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(claimableCondition, claimableArgs(claim)...).
			Order("id ASC").
			Limit(claim.Limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// poison events go terminal
			if claim.MaxAttempts > 0 && claimed[i].Attempts >= claim.MaxAttempts {
				msg := fmt.Sprintf("max delivery attempts exceeded (%d)", claim.MaxAttempts)
				if err := tx.Model(&NotificationEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":  EventStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&NotificationEvent{}).Where("id = ?", claimed[i].ID).Updates(claimUpdates(claim)).Error; err != nil {
				return err
			}
			ev := claimed[i]
			ev.PublishStatus = EventStatusProcessing
			ev.LockedAt = &claim.Now
			ev.LockedBy = &claim.DispatcherId
			ev.Attempts++
			ev.LastError = nil
			ev.NextAttemptAt = nil
			ready = append(ready, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

func (s *Store) MarkEventSent(ctx context.Context, id int, delivered int, pubSubMessageId *string, at time.Time) error {
	return s.db(ctx).Model(&NotificationEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     EventStatusSent,
			"delivered_count":    delivered,
			"pub_sub_message_id": pubSubMessageId,
			"processed_at":       at,
			"last_error":         nil,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (s *Store) MarkEventFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error {
	status := EventStatusFailed
	if dead {
		status = EventStatusDead
		nextAttemptAt = nil
	}
	return s.db(ctx).Model(&NotificationEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":  status,
			"last_error":      &errMsg,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func (s *Store) ReplayEvent(ctx context.Context, id int) error {
	res := s.db(ctx).Model(&NotificationEvent{}).
		Where("id = ? AND publish_status IN ?", id, []string{EventStatusFailed, EventStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":  EventStatusPending,
			"attempts":        0,
			"last_error":      nil,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		event, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		return utils.ValidationError("event %d is %s and cannot be replayed", id, event.PublishStatus)
	}
	return nil
}
