package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_IllegalPairsAreInvalidTransition(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)

	for _, from := range models.AllReportStatuses() {
		for _, to := range models.AllReportStatuses() {
			if from == to {
				continue
			}
			if _, ok := models.LookupTransition(from, to); ok {
				continue
			}
			r := f.report(admin, from)
			req := transitionReq(r, to)
			req.Reason = strPtr("because")
			_, err := f.exec.Transition(context.Background(), req, admin)
			assert.Truef(t, utils.IsKind(err, utils.KindInvalidTransition), "%s -> %s: %v", from, to, err)
		}
	}
	assert.Empty(t, f.store.Events())
}

func TestTransition_InvalidEdgeIsReportedBeforeAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	sales := f.account("sales", models.UserRoleSales)
	r := f.report(sales, models.ReportStatusCreated)

	_, err := f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusFinalized), sales)
	assert.True(t, utils.IsKind(err, utils.KindInvalidTransition), err)
}

func TestTransition_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)
	_, err := f.exec.Transition(context.Background(), TransitionRequest{
		ReportId:       404,
		ExpectedStatus: models.ReportStatusCreated,
		TargetStatus:   models.ReportStatusInProgress,
	}, admin)
	assert.True(t, utils.IsKind(err, utils.KindNotFound), err)
}

func TestTransition_StaleExpectedStatusIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)
	r := f.report(admin, models.ReportStatusMaintenanceApproved)

	_, err := f.exec.Transition(context.Background(), TransitionRequest{
		ReportId:       r.ID,
		ExpectedStatus: models.ReportStatusInProgress,
		TargetStatus:   models.ReportStatusMaintenanceApproved,
	}, admin)
	require.True(t, utils.IsKind(err, utils.KindConflict), err)
	appErr := utils.AsAppError(err)
	assert.Equal(t, string(models.ReportStatusMaintenanceApproved), appErr.CurrentStatus)
}

func TestTransition_ConcurrentCallsExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, nil)
		sup := f.account("sup", models.UserRoleSupervisor)
		tech := f.account("tech", models.UserRoleTechnician)
		r := f.report(tech, models.ReportStatusInProgress)

		targets := []models.ReportStatus{models.ReportStatusMaintenanceApproved, models.ReportStatusFinalized}
		errs := make([]error, len(targets))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, target := range targets {
			wg.Add(1)
			go func(i int, target models.ReportStatus) {
				defer wg.Done()
				<-start
				_, errs[i] = f.exec.Transition(context.Background(), transitionReq(r, target), sup)
			}(i, target)
		}
		close(start)
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case utils.IsKind(err, utils.KindConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflicts)
		assert.Len(t, f.store.Events(), 1)
	}
}

func TestTransition_SameStatusIsIdempotentNoOp(t *testing.T) {
	f := newFixture(t, nil)
	sales := f.account("sales", models.UserRoleSales)
	f.account("other", models.UserRoleTechnician)
	r := f.report(sales, models.ReportStatusSalesApproved)

	// authority is not consulted for a no-op
	got, err := f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusSalesApproved), sales)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusSalesApproved, got.Status)
	assert.Equal(t, r.UpdatedAt, got.UpdatedAt)

	stored, err := f.store.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.UpdatedAt, stored.UpdatedAt)
	assert.Empty(t, f.store.Events())
	assert.Empty(t, f.store.Notifications())
}

func TestTransition_FansOutToEveryActiveAccount(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			f := newFixture(t, nil)
			admin := f.account("admin", models.UserRoleAdmin)
			f.store.SetAccountActive(admin.ID, false)
			for i := 0; i < n; i++ {
				f.account(fmt.Sprintf("user%d", i), models.UserRoleTechnician)
			}
			inactive := f.account("gone", models.UserRoleSales)
			f.store.SetAccountActive(inactive.ID, false)

			r := f.report(admin, models.ReportStatusCreated)
			_, err := f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusInProgress), admin)
			require.NoError(t, err)

			events := f.store.Events()
			require.Len(t, events, 1)
			assert.Equal(t, n, f.store.NotificationCountForEvent(events[0].ID))
			assert.Equal(t, models.EventStatusSent, events[0].PublishStatus)
			assert.Equal(t, n, events[0].DeliveredCount)
		})
	}
}

func TestTransition_RejectRequiresReason(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)
	r := f.report(admin, models.ReportStatusInProgress)

	req := transitionReq(r, models.ReportStatusRejected)
	req.Reason = strPtr("   ")
	_, err := f.exec.Transition(context.Background(), req, admin)
	assert.True(t, utils.IsKind(err, utils.KindValidation), err)

	req.Reason = nil
	_, err = f.exec.Transition(context.Background(), req, admin)
	assert.True(t, utils.IsKind(err, utils.KindValidation), err)

	req.Reason = strPtr(" missing parts ")
	got, err := f.exec.Transition(context.Background(), req, admin)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusRejected, got.Status)
	require.NotNil(t, got.RejectionReason)
	assert.Equal(t, "missing parts", *got.RejectionReason)

	stored, err := f.store.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RejectionReason)
	assert.Equal(t, "missing parts", *stored.RejectionReason)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.NotificationKindRejected, events[0].Kind)
	assert.Contains(t, events[0].Message, "was REJECTED by admin: missing parts")
}

func TestTransition_SupervisorRejectFollowsPolicy(t *testing.T) {
	f := newFixture(t, nil)
	sup := f.account("sup", models.UserRoleSupervisor)
	r := f.report(sup, models.ReportStatusInProgress)
	req := transitionReq(r, models.ReportStatusRejected)
	req.Reason = strPtr("duplicate")

	_, err := f.exec.Transition(context.Background(), req, sup)
	assert.True(t, utils.IsKind(err, utils.KindForbidden), err)

	_, err = f.store.GrantPrivilege(context.Background(), sup.ID, models.CapabilityReject, sup.ID)
	require.NoError(t, err)
	_, err = f.exec.Transition(context.Background(), req, sup)
	assert.NoError(t, err)
}

func TestTransition_SalesThenSupervisorApprovesMaintenance(t *testing.T) {
	f := newFixture(t, nil)
	sales := f.account("sales", models.UserRoleSales)
	sup := f.account("sup", models.UserRoleSupervisor)
	tech := f.account("tech", models.UserRoleTechnician)
	r := f.report(tech, models.ReportStatusInProgress)
	req := transitionReq(r, models.ReportStatusMaintenanceApproved)

	_, err := f.exec.Transition(context.Background(), req, sales)
	require.True(t, utils.IsKind(err, utils.KindForbidden), err)

	got, err := f.exec.Transition(context.Background(), req, sup)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusMaintenanceApproved, got.Status)
	require.NotNil(t, got.ApproverId)
	assert.Equal(t, sup.ID, *got.ApproverId)
}

func TestTransition_FinalizeGrantDoesNotOpenIllegalEdge(t *testing.T) {
	f := newFixture(t, nil)
	sup := f.account("sup", models.UserRoleSupervisor)
	tech := f.account("tech", models.UserRoleTechnician)
	_, err := f.store.GrantPrivilege(context.Background(), tech.ID, models.CapabilityFinalize, sup.ID)
	require.NoError(t, err)

	r := f.report(sup, models.ReportStatusMaintenanceApproved)
	_, err = f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusFinalized), tech)
	assert.True(t, utils.IsKind(err, utils.KindInvalidTransition), err)
}

func TestTransition_GrantAndRevokeToggleAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sup := f.account("sup", models.UserRoleSupervisor)
	sales := f.account("sales", models.UserRoleSales)
	req := func() TransitionRequest {
		return transitionReq(f.report(sup, models.ReportStatusInProgress), models.ReportStatusFinalized)
	}

	_, err := f.exec.Transition(ctx, req(), sales)
	require.True(t, utils.IsKind(err, utils.KindForbidden), err)

	_, err = f.store.GrantPrivilege(ctx, sales.ID, models.CapabilityFinalize, sup.ID)
	require.NoError(t, err)
	_, err = f.exec.Transition(ctx, req(), sales)
	require.NoError(t, err)

	_, err = f.store.RevokePrivilege(ctx, sales.ID, models.CapabilityFinalize, sup.ID)
	require.NoError(t, err)
	_, err = f.exec.Transition(ctx, req(), sales)
	assert.True(t, utils.IsKind(err, utils.KindForbidden), err)
}

func TestTransition_InternalErrorIsRetriedOnce(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)
	r := f.report(admin, models.ReportStatusCreated)

	f.store.FailStatusWrites = 1
	got, err := f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusInProgress), admin)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusInProgress, got.Status)

	r2 := f.report(admin, models.ReportStatusCreated)
	f.store.FailStatusWrites = 2
	_, err = f.exec.Transition(context.Background(), transitionReq(r2, models.ReportStatusInProgress), admin)
	assert.True(t, utils.IsKind(err, utils.KindInternal), err)
	stored, err := f.store.GetReport(context.Background(), r2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusCreated, stored.Status)
}

func TestTransition_FanOutFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)
	f.account("tech", models.UserRoleTechnician)
	r := f.report(admin, models.ReportStatusCreated)

	f.store.FailNotificationInserts = 1
	got, err := f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusInProgress), admin)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusInProgress, got.Status)

	stored, err := f.store.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusInProgress, stored.Status)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusFailed, events[0].PublishStatus)
	assert.NotNil(t, events[0].NextAttemptAt)
	assert.Zero(t, f.store.NotificationCountForEvent(events[0].ID))
	assert.NotEmpty(t, f.logs.AllEntries())
}

func TestTransition_BackgroundModeLeavesEventPending(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.Notifier = nil
	admin := f.account("admin", models.UserRoleAdmin)
	r := f.report(admin, models.ReportStatusCreated)

	_, err := f.exec.Transition(context.Background(), transitionReq(r, models.ReportStatusInProgress), admin)
	require.NoError(t, err)
	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusPending, events[0].PublishStatus)

	assert.Equal(t, 1, f.dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, 1, f.store.NotificationCountForEvent(events[0].ID))
}

func TestApprovalQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sup := f.account("sup", models.UserRoleSupervisor)
	sales := f.account("sales", models.UserRoleSales)
	tech := f.account("tech", models.UserRoleTechnician)

	inProgress := f.report(tech, models.ReportStatusInProgress)
	maintApproved := f.report(tech, models.ReportStatusMaintenanceApproved)
	f.report(tech, models.ReportStatusFinalized)

	queue, err := f.exec.ApprovalQueue(ctx, sales, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, maintApproved.ID, queue[0].ID)

	queue, err = f.exec.ApprovalQueue(ctx, sup, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, inProgress.ID, queue[0].ID)
}

func TestApprovalQueue_PagesPastListLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sales := f.account("sales", models.UserRoleSales)
	tech := f.account("tech", models.UserRoleTechnician)
	f.exec.QueuePageSize = 40

	total := models.DefaultReportListLimit + 5
	for i := 0; i < total; i++ {
		f.report(tech, models.ReportStatusMaintenanceApproved)
		if i%50 == 0 {
			f.report(tech, models.ReportStatusInProgress)
		}
	}

	queue, err := f.exec.ApprovalQueue(ctx, sales, 0)
	require.NoError(t, err)
	require.Len(t, queue, total)
	for i := 1; i < len(queue); i++ {
		assert.Less(t, queue[i-1].ID, queue[i].ID)
		assert.Equal(t, models.ReportStatusMaintenanceApproved, queue[i].Status)
	}

	capped, err := f.exec.ApprovalQueue(ctx, sales, 10)
	require.NoError(t, err)
	require.Len(t, capped, 10)
	assert.Equal(t, queue[:10], capped)
}

type blockingNotifier struct {
	mu          sync.Mutex
	hadDeadline bool
	err         error
}

func (n *blockingNotifier) DeliverNow(ctx context.Context, eventId int) (int, bool, error) {
	_, ok := ctx.Deadline()
	<-ctx.Done()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hadDeadline = ok
	n.err = ctx.Err()
	return 0, false, ctx.Err()
}

func TestTransition_InlineDeliveryIsBounded(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.account("admin", models.UserRoleAdmin)
	r := f.report(admin, models.ReportStatusCreated)
	stub := &blockingNotifier{}
	f.exec.Notifier = stub
	f.exec.NotifyTimeout = 20 * time.Millisecond

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := f.exec.Transition(ctx, transitionReq(r, models.ReportStatusInProgress), admin)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transition waited on a stalled notifier")
	}

	stub.mu.Lock()
	assert.True(t, stub.hadDeadline)
	assert.ErrorIs(t, stub.err, context.DeadlineExceeded)
	stub.mu.Unlock()

	got, err := f.store.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusInProgress, got.Status)
	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusPending, events[0].PublishStatus, "left for the dispatcher")

	delivery := f.exec.notify(ctx, events[0].ID, r.ID)
	assert.True(t, delivery.Pending)
	assert.Zero(t, delivery.Created)
}
