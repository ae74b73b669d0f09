// Package memstore is an in-process models.Repository used by tests and
// by STORE_DRIVER=memory. It honours the same guards as the MySQL store.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
)

type Store struct {
	mu sync.Mutex

	nextId        map[string]int
	accounts      map[int]models.Account
	reports       map[int]models.Report
	grants        []models.PrivilegeGrant
	notifications []models.Notification
	dedup         map[string]bool
	events        map[int]models.NotificationEvent

	// FailNotificationInserts makes InsertNotifications fail while > 0 (decremented per call).
	FailNotificationInserts int
	// FailStatusWrites makes UpdateReportStatus fail while > 0 (decremented per call).
	FailStatusWrites int
}

var _ models.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		nextId:   map[string]int{},
		accounts: map[int]models.Account{},
		reports:  map[int]models.Report{},
		dedup:    map[string]bool{},
		events:   map[int]models.NotificationEvent{},
	}
}

// ErrInjected is returned by the Fail* switches.
var ErrInjected = errors.New("memstore: injected storage failure")

func (s *Store) id(table string) int {
	s.nextId[table]++
	return s.nextId[table]
}

// ---- accounts

// PutAccount stores a ready account (password already hashed or empty) and returns it with its id.
func (s *Store) PutAccount(a models.Account) models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAccountLocked(a)
}

func (s *Store) putAccountLocked(a models.Account) models.Account {
	if a.ID == 0 {
		a.ID = s.id("accounts")
	} else if a.ID > s.nextId["accounts"] {
		s.nextId["accounts"] = a.ID
	}
	if a.IsActive == nil {
		a.IsActive = utils.NewTrue()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[a.ID] = a
	return a
}

// SetAccountActive toggles an account's membership in fan-out.
func (s *Store) SetAccountActive(id int, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.IsActive = &active
		s.accounts[id] = a
	}
}

func (s *Store) GetAccount(ctx context.Context, id int) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, utils.NotFound("account %d not found", id)
	}
	return &a, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Username == username {
			a := a
			return &a, nil
		}
	}
	return nil, utils.NotFound("account %q not found", username)
}

func (s *Store) GetAccountsByIds(ctx context.Context, ids []int) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Account
	for _, id := range utils.UniqueSlice(ids) {
		if a, ok := s.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) CreateAccount(ctx context.Context, input *models.NewAccount) (*models.Account, error) {
	account, err := models.PrepareAccount(input)
	if err != nil {
		return nil, err
	}
	// the uniqueness check and the insert share one critical section, like the unique index
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Username == account.Username {
			return nil, utils.ValidationError("duplicate username %q", account.Username)
		}
	}
	stored := s.putAccountLocked(*account)
	return &stored, nil
}

func (s *Store) UpdateAccountPassword(ctx context.Context, id int, hashed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return utils.NotFound("account %d not found", id)
	}
	a.Password = hashed
	s.accounts[id] = a
	return nil
}

func (s *Store) activeIds() []int {
	var ids []int
	for id, a := range s.accounts {
		if a.Active() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) ListActiveAccountIds(ctx context.Context, afterId int, limit int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, id := range s.activeIds() {
		if id <= afterId {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountActiveAccounts(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.activeIds())), nil
}

// ---- reports

// PutReport stores r as-is (any status) and returns it with its id.
func (s *Store) PutReport(r models.Report) models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id("reports")
	} else if r.ID > s.nextId["reports"] {
		s.nextId["reports"] = r.ID
	}
	if r.Status == "" {
		r.Status = models.ReportStatusCreated
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	s.reports[r.ID] = r
	return r
}

func (s *Store) GetReport(ctx context.Context, id int) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, utils.NotFound("report %d not found", id)
	}
	return &r, nil
}

func (s *Store) CreateReport(ctx context.Context, input *models.NewReport) (*models.Report, error) {
	r := s.PutReport(models.Report{
		OwnerId:   input.OwnerId,
		Client:    strings.TrimSpace(input.Client),
		Equipment: strings.TrimSpace(input.Equipment),
		Status:    models.ReportStatusCreated,
	})
	return &r, nil
}

func (s *Store) ListReports(ctx context.Context, filter models.ReportFilter) ([]models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[models.ReportStatus]bool{}
	for _, st := range filter.Statuses {
		wanted[st] = true
	}
	var out []models.Report
	for _, r := range s.reports {
		if len(wanted) > 0 && !wanted[r.Status] {
			continue
		}
		if filter.OwnerId != nil && r.OwnerId != *filter.OwnerId {
			continue
		}
		if filter.AfterId != nil && r.ID <= *filter.AfterId {
			continue
		}
		out = append(out, r)
	}
	if filter.AfterId != nil {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	} else {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].UpdatedAt.After(out[j].UpdatedAt)
			}
			return out[i].ID > out[j].ID
		})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultReportListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecentTags(ctx context.Context, limit int) ([]models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Report
	for _, r := range s.reports {
		if r.Tag != nil && r.TagUpdatedAt != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TagUpdatedAt.Equal(*out[j].TagUpdatedAt) {
			return out[i].TagUpdatedAt.After(*out[j].TagUpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	limit = models.ClampRecentTagLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) insertEvent(event *models.NotificationEvent) {
	if event == nil {
		return
	}
	event.ID = s.id("events")
	if event.PublishStatus == "" {
		event.PublishStatus = models.EventStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events[event.ID] = *event
}

func (s *Store) UpdateReportStatus(ctx context.Context, u models.ReportStatusUpdate, event *models.NotificationEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailStatusWrites > 0 {
		s.FailStatusWrites--
		return false, ErrInjected
	}
	r, ok := s.reports[u.ReportId]
	if !ok || r.Status != u.From {
		return false, nil
	}
	r.ApplyStatus(u)
	s.reports[r.ID] = r
	s.insertEvent(event)
	return true, nil
}

func (s *Store) UpdateReportTag(ctx context.Context, u models.ReportTagUpdate, event *models.NotificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[u.ReportId]
	if !ok {
		return utils.NotFound("report %d not found", u.ReportId)
	}
	r.ApplyTag(u)
	s.reports[r.ID] = r
	s.insertEvent(event)
	return nil
}

// ---- privileges

func (s *Store) GrantPrivilege(ctx context.Context, userId int, capability models.Capability, grantedBy int) (*models.PrivilegeGrant, error) {
	if !capability.IsValid() {
		return nil, utils.ValidationError("malformed capability %q", capability)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[userId]; !ok {
		return nil, utils.NotFound("account %d not found", userId)
	}
	key := models.PrivilegeActiveKey(userId, capability)
	for _, g := range s.grants {
		if g.ActiveKey != nil && *g.ActiveKey == key {
			return nil, utils.NewError(utils.KindAlreadyGranted, "user %d already holds %q", userId, capability)
		}
	}
	g := models.NewPrivilegeGrant(userId, capability, grantedBy, time.Now().UTC())
	g.ID = s.id("grants")
	s.grants = append(s.grants, g)
	return &g, nil
}

func (s *Store) RevokePrivilege(ctx context.Context, userId int, capability models.Capability, revokedBy int) (*models.PrivilegeGrant, error) {
	if !capability.IsValid() {
		return nil, utils.ValidationError("malformed capability %q", capability)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.PrivilegeActiveKey(userId, capability)
	for i, g := range s.grants {
		if g.ActiveKey == nil || *g.ActiveKey != key {
			continue
		}
		now := time.Now().UTC()
		g.Active = false
		g.ActiveKey = nil
		g.RevokedBy = &revokedBy
		g.RevokedAt = &now
		s.grants[i] = g
		return &g, nil
	}
	return nil, utils.NewError(utils.KindGrantNotFound, "user %d holds no active %q grant", userId, capability)
}

func (s *Store) HasActivePrivilege(ctx context.Context, userId int, capability models.Capability) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.PrivilegeActiveKey(userId, capability)
	for _, g := range s.grants {
		if g.ActiveKey != nil && *g.ActiveKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) filterGrants(keep func(models.PrivilegeGrant) bool) []models.PrivilegeGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PrivilegeGrant
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

func (s *Store) ListActivePrivileges(ctx context.Context) ([]models.PrivilegeGrant, error) {
	out := s.filterGrants(func(g models.PrivilegeGrant) bool { return g.Active })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserId != out[j].UserId {
			return out[i].UserId < out[j].UserId
		}
		return out[i].Capability < out[j].Capability
	})
	return out, nil
}

func (s *Store) ListUserPrivileges(ctx context.Context, userId int) ([]models.PrivilegeGrant, error) {
	out := s.filterGrants(func(g models.PrivilegeGrant) bool { return g.Active && g.UserId == userId })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out, nil
}

func (s *Store) ListAllPrivileges(ctx context.Context) ([]models.PrivilegeGrant, error) {
	return s.filterGrants(func(models.PrivilegeGrant) bool { return true }), nil
}

// ---- notifications

func (s *Store) InsertNotifications(ctx context.Context, rows []models.Notification) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNotificationInserts > 0 {
		s.FailNotificationInserts--
		return 0, ErrInjected
	}
	created := 0
	for _, n := range rows {
		if s.dedup[n.DedupKey] {
			continue
		}
		s.dedup[n.DedupKey] = true
		n.ID = s.id("notifications")
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		s.notifications = append(s.notifications, n)
		created++
	}
	return created, nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientId int, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > models.DefaultInboxLimit {
		limit = models.DefaultInboxLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if n.RecipientId != recipientId || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, recipientId int, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id && n.RecipientId == recipientId {
			s.notifications[i].Read = true
			return nil
		}
	}
	return utils.NotFound("notification %d not found", id)
}

// Notifications returns a copy of every stored notification.
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// NotificationCountForEvent counts notifications created for one event.
func (s *Store) NotificationCountForEvent(eventId int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if n.EventId == eventId {
			count++
		}
	}
	return count
}

// ---- events

func (s *Store) GetEvent(ctx context.Context, id int) (*models.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, utils.NotFound("event %d not found", id)
	}
	return &e, nil
}

// Events returns the outbox ordered by id.
func (s *Store) Events() []models.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.NotificationEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) claim(e *models.NotificationEvent, claim models.EventClaim) {
	now := claim.Now
	by := claim.DispatcherId
	e.PublishStatus = models.EventStatusProcessing
	e.LockedAt = &now
	e.LockedBy = &by
	e.Attempts++
	e.LastError = nil
	e.NextAttemptAt = nil
}

func (s *Store) ClaimEvent(ctx context.Context, id int, claim models.EventClaim) (*models.NotificationEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || !e.Claimable(claim) {
		return nil, false, nil
	}
	s.claim(&e, claim)
	s.events[id] = e
	return &e, true, nil
}

func (s *Store) ClaimPendingEvents(ctx context.Context, claim models.EventClaim) ([]models.NotificationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.events))
	for id, e := range s.events {
		if e.Claimable(claim) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if claim.Limit > 0 && len(ids) > claim.Limit {
		ids = ids[:claim.Limit]
	}
	var ready []models.NotificationEvent
	for _, id := range ids {
		e := s.events[id]
		if claim.MaxAttempts > 0 && e.Attempts >= claim.MaxAttempts {
			msg := "max delivery attempts exceeded"
			e.PublishStatus = models.EventStatusDead
			e.LastError = &msg
			e.NextAttemptAt = nil
			e.LockedAt = nil
			e.LockedBy = nil
			s.events[id] = e
			continue
		}
		s.claim(&e, claim)
		s.events[id] = e
		ready = append(ready, e)
	}
	return ready, nil
}

func (s *Store) MarkEventSent(ctx context.Context, id int, delivered int, pubSubMessageId *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return utils.NotFound("event %d not found", id)
	}
	e.PublishStatus = models.EventStatusSent
	e.DeliveredCount = delivered
	e.PubSubMessageId = pubSubMessageId
	e.ProcessedAt = &at
	e.LastError = nil
	e.LockedAt = nil
	e.LockedBy = nil
	e.NextAttemptAt = nil
	s.events[id] = e
	return nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return utils.NotFound("event %d not found", id)
	}
	e.PublishStatus = models.EventStatusFailed
	e.NextAttemptAt = nextAttemptAt
	if dead {
		e.PublishStatus = models.EventStatusDead
		e.NextAttemptAt = nil
	}
	e.LastError = &errMsg
	e.LockedAt = nil
	e.LockedBy = nil
	s.events[id] = e
	return nil
}

func (s *Store) ReplayEvent(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return utils.NotFound("event %d not found", id)
	}
	if e.PublishStatus != models.EventStatusFailed && e.PublishStatus != models.EventStatusDead {
		return utils.ValidationError("event %d is %s and cannot be replayed", id, e.PublishStatus)
	}
	e.PublishStatus = models.EventStatusPending
	e.Attempts = 0
	e.LastError = nil
	e.NextAttemptAt = nil
	e.LockedAt = nil
	e.LockedBy = nil
	s.events[id] = e
	return nil
}
