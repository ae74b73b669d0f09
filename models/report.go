package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rsmtech/servicereport_backend/utils"
	"gorm.io/gorm"
)

const (
	MaxTagLength          = 50
	DefaultRecentTagLimit = 10
	MaxRecentTagLimit     = 50
)

type Report struct {
	ID              int          `gorm:"primary_key" json:"id"`
	OwnerId         int          `gorm:"not null;index" json:"owner_id"`
	Client          string       `gorm:"size:255" json:"client"`
	Equipment       string       `gorm:"size:255" json:"equipment"`
	Status          ReportStatus `gorm:"size:32;not null;default:CREATED;index" json:"status"`
	ApproverId      *int         `json:"approver_id"`
	RejectionReason *string      `gorm:"type:text" json:"rejection_reason"`
	Tag             *string      `gorm:"size:50;index" json:"tag"`
	TagDescription  *string      `gorm:"type:text" json:"tag_description"`
	TagUpdatedBy    *int         `json:"tag_updated_by"`
	TagUpdatedAt    *time.Time   `gorm:"index" json:"tag_updated_at"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReport struct {
	OwnerId   int    `json:"owner_id" binding:"required"`
	Client    string `json:"client"`
	Equipment string `json:"equipment"`
}

// ReportStatusUpdate is the guarded write of one transition: it only applies
// while the row still holds From.
type ReportStatusUpdate struct {
	ReportId        int
	From            ReportStatus
	To              ReportStatus
	ApproverId      int
	RejectionReason *string
	At              time.Time
}

type ReportTagUpdate struct {
	ReportId    int
	Tag         string
	Description *string
	UpdatedBy   int
	At          time.Time
}

// ReportFilter selects reports. Without AfterId the newest updates come first;
// with AfterId the list pages by ascending id, starting after *AfterId.
// A non-positive Limit means DefaultReportListLimit.
type ReportFilter struct {
	Statuses []ReportStatus
	OwnerId  *int
	AfterId  *int
	Limit    int
}

// NormalizeTag trims the tag and enforces 1..MaxTagLength characters.
func NormalizeTag(raw string) (string, error) {
	tag := strings.TrimSpace(raw)
	if tag == "" {
		return "", utils.ValidationError("tag must not be empty")
	}
	if len([]rune(tag)) > MaxTagLength {
		return "", utils.ValidationError("tag must be at most %d characters", MaxTagLength)
	}
	return tag, nil
}

// ClampRecentTagLimit applies the default and the upper bound of the recent tags panel.
func ClampRecentTagLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentTagLimit
	}
	if limit > MaxRecentTagLimit {
		return MaxRecentTagLimit
	}
	return limit
}

// ApplyStatus copies a successful status write onto the in-memory report.
func (r *Report) ApplyStatus(u ReportStatusUpdate) {
	r.Status = u.To
	approver := u.ApproverId
	r.ApproverId = &approver
	if u.To == ReportStatusRejected {
		r.RejectionReason = u.RejectionReason
	} else {
		r.RejectionReason = nil
	}
	r.UpdatedAt = u.At
}

func (r *Report) ApplyTag(u ReportTagUpdate) {
	tag := u.Tag
	by := u.UpdatedBy
	at := u.At
	r.Tag = &tag
	r.TagDescription = u.Description
	r.TagUpdatedBy = &by
	r.TagUpdatedAt = &at
	r.UpdatedAt = u.At
}

const DefaultReportListLimit = 200

var errStatusGuard = errors.New("report status changed")

func (s *Store) GetReport(ctx context.Context, id int) (*Report, error) {
	var result Report
	if err := s.db(ctx).First(&result, id).Error; err != nil {
		return nil, notFoundOr(err, "report %d not found", id)
	}
	return &result, nil
}

func (s *Store) CreateReport(ctx context.Context, input *NewReport) (*Report, error) {
	report := Report{
		OwnerId:   input.OwnerId,
		Client:    strings.TrimSpace(input.Client),
		Equipment: strings.TrimSpace(input.Equipment),
		Status:    ReportStatusCreated,
	}
	if err := s.db(ctx).Create(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Store) ListReports(ctx context.Context, filter ReportFilter) ([]Report, error) {
	var results []Report
	q := s.db(ctx).Model(&Report{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.OwnerId != nil {
		q = q.Where("owner_id = ?", *filter.OwnerId)
	}
	if filter.AfterId != nil {
		q = q.Where("id > ?", *filter.AfterId).Order("id ASC")
	} else {
		q = q.Order("updated_at DESC, id DESC")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultReportListLimit
	}
	if err := q.Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) RecentTags(ctx context.Context, limit int) ([]Report, error) {
	var results []Report
	err := s.db(ctx).
		Where("tag IS NOT NULL AND tag_updated_at IS NOT NULL").
		Order("tag_updated_at DESC, id DESC").
		Limit(ClampRecentTagLimit(limit)).
		Find(&results).Error
	return results, err
}

func (s *Store) UpdateReportStatus(ctx context.Context, u ReportStatusUpdate, event *NotificationEvent) (bool, error) {
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Report{}).
			Where("id = ? AND status = ?", u.ReportId, u.From).
			Updates(map[string]interface{}{
				"status":           u.To,
				"approver_id":      u.ApproverId,
				"rejection_reason": u.RejectionReason,
				"updated_at":       u.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStatusGuard
		}
		if event != nil {
			return tx.Create(event).Error
		}
		return nil
	})
	if errors.Is(err, errStatusGuard) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UpdateReportTag(ctx context.Context, u ReportTagUpdate, event *NotificationEvent) error {
	return s.db(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Report{}).
			Where("id = ?", u.ReportId).
			Updates(map[string]interface{}{
				"tag":             u.Tag,
				"tag_description": u.Description,
				"tag_updated_by":  u.UpdatedBy,
				"tag_updated_at":  u.At,
				"updated_at":      u.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// MySQL reports 0 when every value is unchanged
			var count int64
			if err := tx.Model(&Report{}).Where("id = ?", u.ReportId).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return utils.NotFound("report %d not found", u.ReportId)
			}
		}
		if event != nil {
			return tx.Create(event).Error
		}
		return nil
	})
}

// ReportStatusCounts groups reports by their raw stored status.
func (s *Store) ReportStatusCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	if err := s.db(ctx).Model(&Report{}).Select("status, COUNT(*) AS total").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// LegacyRejectionReason fills rewritten REJECTED rows that never stored a reason.
const LegacyRejectionReason = "legacy rejection"

// RewriteReportStatus replaces a stored (legacy) status token with its canonical value.
// Rows landing on REJECTED keep a non-blank reason or get LegacyRejectionReason; every
// other target clears the reason.
func (s *Store) RewriteReportStatus(ctx context.Context, from string, to ReportStatus) (int64, error) {
	updates := map[string]interface{}{"status": to, "rejection_reason": nil}
	if to == ReportStatusRejected {
		updates["rejection_reason"] = gorm.Expr("COALESCE(NULLIF(TRIM(rejection_reason), ''), ?)", LegacyRejectionReason)
	}
	res := s.db(ctx).Model(&Report{}).Where("status = ?", from).Updates(updates)
	return res.RowsAffected, res.Error
}
