package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/xuri/excelize/v2"
)

const privilegeSheet = "Privileges"

var privilegeHeadings = []string{
	"Grant ID", "User ID", "Username", "Capability", "Active",
	"Granted By", "Granted At", "Revoked By", "Revoked At",
}

// WritePrivilegeAudit renders the full grant history (active and revoked) as an xlsx workbook.
func WritePrivilegeAudit(w io.Writer, rows []models.PrivilegeView) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", privilegeSheet); err != nil {
		return err
	}

	// Add headers
	for i, h := range privilegeHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(privilegeSheet, cell, h); err != nil {
			return err
		}
	}

	// Add data
	for i, r := range rows {
		row := i + 2
		values := []interface{}{
			r.ID,
			r.UserId,
			r.Username,
			string(r.Capability),
			r.Active,
			r.GrantedByName,
			r.GrantedAt.UTC().Format(time.RFC3339),
			r.RevokedByName,
			formatTime(r.RevokedAt),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(privilegeSheet, cell, v); err != nil {
				return err
			}
		}
	}

	if err := f.SetPanes(privilegeSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write privilege audit: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return utils.DereferencePtr(t).UTC().Format(time.RFC3339)
}
