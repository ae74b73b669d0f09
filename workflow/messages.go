package workflow

import (
	"fmt"
	"strings"

	"github.com/rsmtech/servicereport_backend/models"
)

func reportLabel(r *models.Report) string {
	label := fmt.Sprintf("Report #%d", r.ID)
	client := strings.TrimSpace(r.Client)
	equipment := strings.TrimSpace(r.Equipment)
	switch {
	case client != "" && equipment != "":
		label += fmt.Sprintf(" - %s (%s)", client, equipment)
	case client != "":
		label += " - " + client
	case equipment != "":
		label += fmt.Sprintf(" (%s)", equipment)
	}
	return label
}

func actorLabel(actor models.Account) string {
	if actor.Name != "" {
		return actor.Name
	}
	if actor.Username != "" {
		return actor.Username
	}
	return fmt.Sprintf("user #%d", actor.ID)
}

// TransitionMessage renders the notification text for a status change.
func TransitionMessage(r *models.Report, to models.ReportStatus, actor models.Account, reason *string) string {
	label := reportLabel(r)
	by := actorLabel(actor)
	switch to {
	case models.ReportStatusInProgress:
		return fmt.Sprintf("%s was STARTED by %s", label, by)
	case models.ReportStatusMaintenanceApproved:
		return fmt.Sprintf("%s had its maintenance APPROVED by %s", label, by)
	case models.ReportStatusSalesApproved:
		return fmt.Sprintf("%s had its sales quote APPROVED by %s", label, by)
	case models.ReportStatusFinalized:
		return fmt.Sprintf("%s was FINALIZED by %s", label, by)
	case models.ReportStatusRejected:
		msg := fmt.Sprintf("%s was REJECTED by %s", label, by)
		if reason != nil && strings.TrimSpace(*reason) != "" {
			msg += ": " + strings.TrimSpace(*reason)
		}
		return msg
	}
	return fmt.Sprintf("%s moved to %s by %s", label, to, by)
}

// TagMessage renders the notification text for a tag update.
func TagMessage(r *models.Report, tag string, description *string, actor models.Account) string {
	msg := fmt.Sprintf("New tag '%s' added to %s by %s", tag, reportLabel(r), actorLabel(actor))
	if description != nil && strings.TrimSpace(*description) != "" {
		msg += " - " + strings.TrimSpace(*description)
	}
	return msg
}
