package models

import (
	"errors"
	"fmt"
	"strings"
)

type ReportStatus string

const (
	ReportStatusCreated             ReportStatus = "CREATED"
	ReportStatusInProgress          ReportStatus = "IN_PROGRESS"
	ReportStatusMaintenanceApproved ReportStatus = "MAINTENANCE_APPROVED"
	ReportStatusSalesApproved       ReportStatus = "SALES_APPROVED"
	ReportStatusFinalized           ReportStatus = "FINALIZED"
	ReportStatusRejected            ReportStatus = "REJECTED"
)

var ErrUnknownStatus = errors.New("unknown report status")

var allStatuses = []ReportStatus{
	ReportStatusCreated,
	ReportStatusInProgress,
	ReportStatusMaintenanceApproved,
	ReportStatusSalesApproved,
	ReportStatusFinalized,
	ReportStatusRejected,
}

func AllReportStatuses() []ReportStatus {
	out := make([]ReportStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s ReportStatus) IsValid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusFinalized || s == ReportStatusRejected
}

// ParseReportStatus accepts only the canonical wire tokens.
func ParseReportStatus(s string) (ReportStatus, error) {
	st := ReportStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Transition is one legal edge of the report lifecycle.
type Transition struct {
	From           ReportStatus
	To             ReportStatus
	ReasonRequired bool
	Capability     Capability
}

var transitions = []Transition{
	{From: ReportStatusCreated, To: ReportStatusInProgress, Capability: CapabilityStart},
	{From: ReportStatusInProgress, To: ReportStatusMaintenanceApproved, Capability: CapabilityApproveMaintenance},
	{From: ReportStatusMaintenanceApproved, To: ReportStatusSalesApproved, Capability: CapabilityApproveSales},
	{From: ReportStatusInProgress, To: ReportStatusFinalized, Capability: CapabilityFinalize},
	{From: ReportStatusSalesApproved, To: ReportStatusFinalized, Capability: CapabilityFinalize},
	{From: ReportStatusCreated, To: ReportStatusRejected, ReasonRequired: true, Capability: CapabilityReject},
	{From: ReportStatusInProgress, To: ReportStatusRejected, ReasonRequired: true, Capability: CapabilityReject},
	{From: ReportStatusMaintenanceApproved, To: ReportStatusRejected, ReasonRequired: true, Capability: CapabilityReject},
	{From: ReportStatusSalesApproved, To: ReportStatusRejected, ReasonRequired: true, Capability: CapabilityReject},
}

// LookupTransition returns the edge from -> to, if legal.
func LookupTransition(from, to ReportStatus) (Transition, bool) {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// NextStatuses lists the targets reachable from s in one step.
func NextStatuses(s ReportStatus) []ReportStatus {
	var out []ReportStatus
	for _, t := range transitions {
		if t.From == s {
			out = append(out, t.To)
		}
	}
	return out
}

// OutgoingTransitions lists the legal edges leaving s.
func OutgoingTransitions(s ReportStatus) []Transition {
	var out []Transition
	for _, t := range transitions {
		if t.From == s {
			out = append(out, t)
		}
	}
	return out
}

// NotificationKindFor names the notification produced when a report enters s.
func NotificationKindFor(s ReportStatus) NotificationKind {
	switch s {
	case ReportStatusInProgress:
		return NotificationKindStarted
	case ReportStatusMaintenanceApproved:
		return NotificationKindMaintenanceApproved
	case ReportStatusSalesApproved:
		return NotificationKindSalesApproved
	case ReportStatusFinalized:
		return NotificationKindFinalized
	case ReportStatusRejected:
		return NotificationKindRejected
	}
	return NotificationKind("report_" + strings.ToLower(string(s)))
}

// legacyStatuses maps historical tokens to the canonical enum.
// aguardando_orcamento is treated as an alias of IN_PROGRESS.
var legacyStatuses = map[string]ReportStatus{
	"":                     ReportStatusCreated,
	"pendente":             ReportStatusCreated,
	"em_andamento":         ReportStatusInProgress,
	"aguardando_aprovacao": ReportStatusInProgress,
	"aguardando_orcamento": ReportStatusInProgress,
	"aprovado_manutencao":  ReportStatusMaintenanceApproved,
	"ap_manutencao":        ReportStatusMaintenanceApproved,
	"aprovado_vendas":      ReportStatusSalesApproved,
	"ap_vendas":            ReportStatusSalesApproved,
	"orcamento_aprovado":   ReportStatusSalesApproved,
	"finalizado":           ReportStatusFinalized,
	"concluido":            ReportStatusFinalized,
	"compra_finalizada":    ReportStatusFinalized,
	"reprovado":            ReportStatusRejected,
}

// MapLegacyStatus converts a stored status (canonical or historical) to the canonical enum.
func MapLegacyStatus(raw string) (ReportStatus, bool) {
	if st := ReportStatus(strings.TrimSpace(raw)); st.IsValid() {
		return st, true
	}
	st, ok := legacyStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return st, ok
}

// LegacyStatusTokens lists the historical tokens MapLegacyStatus understands.
func LegacyStatusTokens() []string {
	out := make([]string, 0, len(legacyStatuses))
	for k := range legacyStatuses {
		out = append(out, k)
	}
	return out
}
