package workflow

import (
	"context"
	"testing"

	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleAllows_DefaultMatrix(t *testing.T) {
	a, err := NewAuthority(nil, nil)
	require.NoError(t, err)

	owner := models.Account{ID: 1, Role: models.UserRoleTechnician}
	otherTech := models.Account{ID: 2, Role: models.UserRoleTechnician}
	sup := models.Account{ID: 3, Role: models.UserRoleSupervisor}
	sales := models.Account{ID: 4, Role: models.UserRoleSales}
	admin := models.Account{ID: 5, Role: models.UserRoleAdmin}
	report := &models.Report{ID: 10, OwnerId: owner.ID}

	cases := []struct {
		actor models.Account
		cap   models.Capability
		want  bool
	}{
		{owner, models.CapabilityStart, true},
		{otherTech, models.CapabilityStart, false},
		{sup, models.CapabilityStart, true},
		{sales, models.CapabilityStart, false},

		{sup, models.CapabilityApproveMaintenance, true},
		{sales, models.CapabilityApproveMaintenance, false},
		{owner, models.CapabilityApproveMaintenance, false},

		{sales, models.CapabilityApproveSales, true},
		{sup, models.CapabilityApproveSales, false},

		{owner, models.CapabilityFinalize, true},
		{otherTech, models.CapabilityFinalize, false},
		{sup, models.CapabilityFinalize, true},
		{sales, models.CapabilityFinalize, false},

		{sup, models.CapabilityReject, false},
		{owner, models.CapabilityReject, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, a.RoleAllows(tc.actor, report, tc.cap), "%s/%d %s", tc.actor.Role, tc.actor.ID, tc.cap)
	}
	for _, c := range models.AllCapabilities() {
		assert.True(t, a.RoleAllows(admin, report, c), c)
	}
}

func TestRoleAllows_OwnerWhoIsNotTechnicianCannotFinalize(t *testing.T) {
	a, err := NewAuthority(nil, nil)
	require.NoError(t, err)
	salesOwner := models.Account{ID: 1, Role: models.UserRoleSales}
	assert.False(t, a.RoleAllows(salesOwner, &models.Report{OwnerId: 1}, models.CapabilityFinalize))
	assert.True(t, a.RoleAllows(salesOwner, &models.Report{OwnerId: 1}, models.CapabilityStart))
}

func TestNewAuthority_Policy(t *testing.T) {
	a, err := NewAuthority(nil, &config.AuthorityPolicy{
		SupervisorCanReject: true,
		Allow:               map[string][]string{"sales": {"FINALIZE"}},
	})
	require.NoError(t, err)

	sup := models.Account{ID: 3, Role: models.UserRoleSupervisor}
	sales := models.Account{ID: 4, Role: models.UserRoleSales}
	assert.True(t, a.RoleAllows(sup, &models.Report{}, models.CapabilityReject))
	assert.True(t, a.RoleAllows(sales, &models.Report{}, models.CapabilityFinalize))

	_, err = NewAuthority(nil, &config.AuthorityPolicy{Allow: map[string][]string{"janitor": {"start"}}})
	assert.Error(t, err)
	_, err = NewAuthority(nil, &config.AuthorityPolicy{Allow: map[string][]string{"SALES": {"teleport"}}})
	assert.Error(t, err)
}

func TestAuthorize_ConsultsGrants(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sup := f.account("sup", models.UserRoleSupervisor)
	sales := f.account("sales", models.UserRoleSales)
	r := f.report(sup, models.ReportStatusInProgress)
	edge, ok := models.LookupTransition(models.ReportStatusInProgress, models.ReportStatusMaintenanceApproved)
	require.True(t, ok)

	err := f.authority.Authorize(ctx, sales, &r, edge)
	assert.True(t, utils.IsKind(err, utils.KindForbidden))

	_, err = f.store.GrantPrivilege(ctx, sales.ID, models.CapabilityApproveMaintenance, sup.ID)
	require.NoError(t, err)
	assert.NoError(t, f.authority.Authorize(ctx, sales, &r, edge))
}
