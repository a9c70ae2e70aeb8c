package export

import (
	"fmt"
	"time"

	"medisync/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Reconciliation"

// WriteReconciliation writes failed and conflicted tasks to an xlsx
// worksheet so both the local payload and the server's state are available
// side by side for manual review.
func WriteReconciliation(path string, tasks []models.SyncTask) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	headers := []string{
		"Task ID", "Operation", "Resource Type", "Resource ID", "Status",
		"Retries", "Error", "Local Payload", "Server State", "Created At",
	}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return fmt.Errorf("set header: %w", err)
		}
	}

	row := 2
	for _, t := range tasks {
		if t.Status != models.StatusFailed && t.Status != models.StatusConflicted {
			continue
		}
		lastError := ""
		if t.LastError != nil {
			lastError = *t.LastError
		}
		values := []any{
			t.ID,
			string(t.Operation),
			t.ResourceType,
			t.ResourceID,
			string(t.Status),
			t.RetryCount,
			lastError,
			string(t.Payload),
			string(t.ServerState),
			t.CreatedAt.Format(time.RFC3339),
		}
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return fmt.Errorf("data cell: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("set cell: %w", err)
			}
		}
		row++
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
