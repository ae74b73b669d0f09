package workflow

import (
	"context"
	"fmt"

	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
)

// GrantChecker is the part of the privilege registry the authority consults.
type GrantChecker interface {
	HasActivePrivilege(ctx context.Context, userId int, capability models.Capability) (bool, error)
}

// Authority decides whether an actor may traverse an edge of the report lifecycle.
type Authority struct {
	grants              GrantChecker
	supervisorCanReject bool
	extra               map[models.UserRole]map[models.Capability]bool
}

// NewAuthority builds an authority from the default matrix widened by policy.
// A nil policy means the default matrix only.
func NewAuthority(grants GrantChecker, policy *config.AuthorityPolicy) (*Authority, error) {
	a := &Authority{
		grants: grants,
		extra:  map[models.UserRole]map[models.Capability]bool{},
	}
	if policy == nil {
		return a, nil
	}
	a.supervisorCanReject = policy.SupervisorCanReject
	for rawRole, caps := range policy.Allow {
		role, err := models.ParseUserRole(rawRole)
		if err != nil {
			return nil, fmt.Errorf("authority policy: role %q: %w", rawRole, err)
		}
		for _, rawCap := range caps {
			capability, err := models.ParseCapability(rawCap)
			if err != nil {
				return nil, fmt.Errorf("authority policy: capability %q: %w", rawCap, err)
			}
			if a.extra[role] == nil {
				a.extra[role] = map[models.Capability]bool{}
			}
			a.extra[role][capability] = true
		}
	}
	return a, nil
}

// RoleAllows evaluates the default matrix plus policy allowances, without grants.
func (a *Authority) RoleAllows(actor models.Account, report *models.Report, capability models.Capability) bool {
	if actor.Role == models.UserRoleAdmin {
		return true
	}
	isOwner := report != nil && report.OwnerId == actor.ID
	switch capability {
	case models.CapabilityStart:
		if isOwner || actor.Role == models.UserRoleSupervisor {
			return true
		}
	case models.CapabilityApproveMaintenance:
		if actor.Role == models.UserRoleSupervisor {
			return true
		}
	case models.CapabilityApproveSales:
		if actor.Role == models.UserRoleSales {
			return true
		}
	case models.CapabilityFinalize:
		if actor.Role == models.UserRoleSupervisor || (isOwner && actor.Role == models.UserRoleTechnician) {
			return true
		}
	case models.CapabilityReject:
		if actor.Role == models.UserRoleSupervisor && a.supervisorCanReject {
			return true
		}
	}
	return a.extra[actor.Role][capability]
}

// Can reports whether actor holds capability on report, by role or by active grant.
func (a *Authority) Can(ctx context.Context, actor models.Account, report *models.Report, capability models.Capability) (bool, error) {
	if a.RoleAllows(actor, report, capability) {
		return true, nil
	}
	if a.grants == nil {
		return false, nil
	}
	return a.grants.HasActivePrivilege(ctx, actor.ID, capability)
}

// Authorize returns Forbidden when actor may not perform t on report.
func (a *Authority) Authorize(ctx context.Context, actor models.Account, report *models.Report, t models.Transition) error {
	ok, err := a.Can(ctx, actor, report, t.Capability)
	if err != nil {
		return utils.Internal(err, "privilege lookup failed")
	}
	if !ok {
		return utils.Forbidden("role %s may not move report %d from %s to %s", actor.Role, report.ID, t.From, t.To)
	}
	return nil
}
