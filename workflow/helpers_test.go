package workflow

import (
	"testing"
	"time"

	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/memstore"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *memstore.Store
	authority  *Authority
	dispatcher *NotificationDispatcher
	exec       *Executor
	logs       *logtest.Hook
}

// newFixture wires the engine over an in-memory store with inline fan-out.
func newFixture(t *testing.T, policy *config.AuthorityPolicy) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := memstore.New()
	authority, err := NewAuthority(store, policy)
	require.NoError(t, err)
	dispatcher := NewNotificationDispatcher(store, NewBroadcaster(store, store, 2), logger)
	exec := NewExecutor(store, authority, dispatcher, logger)
	exec.RetryDelay = time.Millisecond

	return &fixture{
		store:      store,
		authority:  authority,
		dispatcher: dispatcher,
		exec:       exec,
		logs:       hook,
	}
}

func (f *fixture) account(name string, role models.UserRole) models.Account {
	return f.store.PutAccount(models.Account{Username: name, Name: name, Role: role})
}

func (f *fixture) report(owner models.Account, status models.ReportStatus) models.Report {
	return f.store.PutReport(models.Report{
		OwnerId:   owner.ID,
		Client:    "ACME",
		Equipment: "Compressor",
		Status:    status,
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func transitionReq(r models.Report, target models.ReportStatus) TransitionRequest {
	return TransitionRequest{ReportId: r.ID, ExpectedStatus: r.Status, TargetStatus: target}
}

func strPtr(s string) *string { return &s }
