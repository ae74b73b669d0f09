package models

import (
	"errors"
	"strings"
)

type UserRole string

const (
	UserRoleTechnician UserRole = "TECHNICIAN"
	UserRoleSupervisor UserRole = "SUPERVISOR"
	UserRoleSales      UserRole = "SALES"
	UserRoleAdmin      UserRole = "ADMIN"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleTechnician, UserRoleSupervisor, UserRoleSales, UserRoleAdmin:
		return true
	}
	return false
}

func ParseUserRole(s string) (UserRole, error) {
	r := UserRole(strings.ToUpper(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", errors.New("invalid user role")
	}
	return r, nil
}

// CanManagePrivileges reports grant authority (Admin, Supervisor).
func CanManagePrivileges(r UserRole) bool {
	return r == UserRoleAdmin || r == UserRoleSupervisor
}

// Capability names the right to traverse a group of edges.
type Capability string

const (
	CapabilityStart              Capability = "start"
	CapabilityApproveMaintenance Capability = "approve_maintenance"
	CapabilityApproveSales       Capability = "approve_sales"
	CapabilityFinalize           Capability = "finalize"
	CapabilityReject             Capability = "reject"
)

var allCapabilities = []Capability{
	CapabilityStart,
	CapabilityApproveMaintenance,
	CapabilityApproveSales,
	CapabilityFinalize,
	CapabilityReject,
}

func AllCapabilities() []Capability {
	out := make([]Capability, len(allCapabilities))
	copy(out, allCapabilities)
	return out
}

func (c Capability) IsValid() bool {
	for _, known := range allCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", errors.New("malformed capability")
	}
	return c, nil
}

type NotificationKind string

const (
	NotificationKindStarted             NotificationKind = "report_started"
	NotificationKindMaintenanceApproved NotificationKind = "report_maintenance_approved"
	NotificationKindSalesApproved       NotificationKind = "report_sales_approved"
	NotificationKindFinalized           NotificationKind = "report_finalized"
	NotificationKindRejected            NotificationKind = "report_rejected"
	NotificationKindTagUpdate           NotificationKind = "tag_update"
)

// Publish statuses for NotificationEvent.PublishStatus.
// Keep these as strings (DB values).
const (
	EventStatusPending    = "PENDING"
	EventStatusProcessing = "PROCESSING"
	EventStatusSent       = "SENT"
	EventStatusFailed     = "FAILED"
	EventStatusDead       = "DEAD"
)
