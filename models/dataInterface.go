package models

import (
	"context"
	"time"
)

type Identifier interface {
	GetId() int
}

func (a Account) GetId() int { return a.ID }

func (r Report) GetId() int { return r.ID }

func (g PrivilegeGrant) GetId() int { return g.ID }

type AccountRepository interface {
	GetAccount(ctx context.Context, id int) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	GetAccountsByIds(ctx context.Context, ids []int) ([]Account, error)
	CreateAccount(ctx context.Context, input *NewAccount) (*Account, error)
	UpdateAccountPassword(ctx context.Context, id int, hashed string) error
	// ListActiveAccountIds pages active account ids in ascending order, starting after afterId.
	ListActiveAccountIds(ctx context.Context, afterId int, limit int) ([]int, error)
	CountActiveAccounts(ctx context.Context) (int64, error)
}

type ReportRepository interface {
	GetReport(ctx context.Context, id int) (*Report, error)
	CreateReport(ctx context.Context, input *NewReport) (*Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)
	RecentTags(ctx context.Context, limit int) ([]Report, error)
	// UpdateReportStatus applies u only if the report still has status u.From and
	// records event in the same transaction. applied is false when the guard failed.
	UpdateReportStatus(ctx context.Context, u ReportStatusUpdate, event *NotificationEvent) (applied bool, err error)
	// UpdateReportTag writes the tag fields and records event in the same transaction.
	UpdateReportTag(ctx context.Context, u ReportTagUpdate, event *NotificationEvent) error
}

type PrivilegeRepository interface {
	GrantPrivilege(ctx context.Context, userId int, capability Capability, grantedBy int) (*PrivilegeGrant, error)
	RevokePrivilege(ctx context.Context, userId int, capability Capability, revokedBy int) (*PrivilegeGrant, error)
	HasActivePrivilege(ctx context.Context, userId int, capability Capability) (bool, error)
	ListActivePrivileges(ctx context.Context) ([]PrivilegeGrant, error)
	ListUserPrivileges(ctx context.Context, userId int) ([]PrivilegeGrant, error)
	// ListAllPrivileges includes revoked grants (audit trail).
	ListAllPrivileges(ctx context.Context) ([]PrivilegeGrant, error)
}

type NotificationRepository interface {
	// InsertNotifications skips rows whose dedup key already exists and returns how many were created.
	InsertNotifications(ctx context.Context, rows []Notification) (int, error)
	ListNotifications(ctx context.Context, recipientId int, unreadOnly bool, limit int) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, recipientId int, id int) error
}

type EventRepository interface {
	GetEvent(ctx context.Context, id int) (*NotificationEvent, error)
	// ClaimEvent moves one PENDING/FAILED (or stale PROCESSING) event to PROCESSING.
	// claimed is false when another worker holds it or it is already terminal.
	ClaimEvent(ctx context.Context, id int, claim EventClaim) (event *NotificationEvent, claimed bool, err error)
	// ClaimPendingEvents claims up to claim.Limit due events; events past claim.MaxAttempts go DEAD instead.
	ClaimPendingEvents(ctx context.Context, claim EventClaim) ([]NotificationEvent, error)
	MarkEventSent(ctx context.Context, id int, delivered int, pubSubMessageId *string, at time.Time) error
	MarkEventFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error
	// ReplayEvent puts a FAILED or DEAD event back to PENDING with a fresh attempt budget.
	ReplayEvent(ctx context.Context, id int) error
}

// EventClaim describes one claim attempt by a dispatcher.
type EventClaim struct {
	DispatcherId string
	Now          time.Time
	StaleBefore  time.Time
	Limit        int
	MaxAttempts  int
}

// Repository is everything the workflow engine needs from persistence.
type Repository interface {
	AccountRepository
	ReportRepository
	PrivilegeRepository
	NotificationRepository
	EventRepository
}
