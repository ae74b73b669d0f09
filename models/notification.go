package models

import (
	"context"
	"fmt"
	"time"

	"github.com/rsmtech/servicereport_backend/utils"
	"gorm.io/gorm/clause"
)

const DefaultInboxLimit = 50

type Notification struct {
	ID          int              `gorm:"primary_key" json:"id"`
	RecipientId int              `gorm:"not null;index:idx_notification_inbox" json:"recipient_id"`
	Kind        NotificationKind `gorm:"size:40;not null" json:"kind"`
	Message     string           `gorm:"type:text;not null" json:"message"`
	ReportId    int              `gorm:"not null;index" json:"report_id"`
	EventId     int              `gorm:"not null;index" json:"event_id"`
	DedupKey    string           `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Read        bool             `gorm:"not null;default:false;index:idx_notification_inbox" json:"read"`
	CreatedAt   time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
}

// NotificationDedupKey identifies one delivery of one event to one recipient.
func NotificationDedupKey(eventId int, recipientId int) string {
	return fmt.Sprintf("%d:%d", eventId, recipientId)
}

// NotificationsFor renders one row per recipient for event.
func NotificationsFor(event *NotificationEvent, recipientIds []int, at time.Time) []Notification {
	rows := make([]Notification, 0, len(recipientIds))
	for _, rid := range recipientIds {
		rows = append(rows, Notification{
			RecipientId: rid,
			Kind:        event.Kind,
			Message:     event.Message,
			ReportId:    event.ReportId,
			EventId:     event.ID,
			DedupKey:    NotificationDedupKey(event.ID, rid),
			CreatedAt:   at,
		})
	}
	return rows
}

func (s *Store) InsertNotifications(ctx context.Context, rows []Notification) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	// one multi-row INSERT ... ON DUPLICATE KEY UPDATE id=id per call
	res := s.db(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientId int, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > DefaultInboxLimit {
		limit = DefaultInboxLimit
	}
	var results []Notification
	q := s.db(ctx).Where("recipient_id = ?", recipientId)
	if unreadOnly {
		q = q.Where("`read` = ?", false)
	}
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&results).Error
	return results, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, recipientId int, id int) error {
	res := s.db(ctx).Model(&Notification{}).
		Where("id = ? AND recipient_id = ?", id, recipientId).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db(ctx).Model(&Notification{}).Where("id = ? AND recipient_id = ?", id, recipientId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return utils.NotFound("notification %d not found", id)
		}
	}
	return nil
}
