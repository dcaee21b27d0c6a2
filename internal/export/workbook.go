package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"docket/api/internal/store"
)

const (
	historySheet  = "History"
	requestsSheet = "Change Requests"
)

// ItemTimelineWorkbook writes the item's history and change requests to an
// xlsx workbook with one sheet each.
func ItemTimelineWorkbook(item store.Item, history []store.ItemHistory, requests []store.ChangeRequest) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(requestsSheet); err != nil {
		return nil, fmt.Errorf("add sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	historyRows := [][]any{{"Version", "Change", "Code", "Title", "Deleted", "Submitter", "Reviewer", "Request", "Document", "Recorded"}}
	for _, entry := range history {
		var snapshot store.ItemSnapshot
		if err := json.Unmarshal(entry.Snapshot, &snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", entry.ID, err)
		}
		historyRows = append(historyRows, []any{
			entry.Version,
			entry.ChangeKind,
			snapshot.Code,
			snapshot.Title,
			snapshot.IsDeleted,
			entry.SubmitterName,
			entry.ReviewerName,
			entry.ChangeRequestID,
			entry.DocumentPath,
			formatTime(&entry.CreatedAt),
		})
	}
	if err := writeRows(f, historySheet, historyRows, header); err != nil {
		return nil, err
	}

	requestRows := [][]any{{"Request", "Kind", "Status", "Submitter", "Reason", "Reviewer", "Note", "Previous", "Submitted", "Reviewed"}}
	for _, request := range requests {
		previous := ""
		if request.PreviousRequestID != nil {
			previous = *request.PreviousRequestID
		}
		requestRows = append(requestRows, []any{
			request.ID,
			request.Kind,
			request.Status,
			request.SubmitterName,
			request.SubmitReason,
			request.ReviewerName,
			request.ReviewNote,
			previous,
			formatTime(&request.CreatedAt),
			formatTime(request.ReviewedAt),
		})
	}
	if err := writeRows(f, requestsSheet, requestRows, header); err != nil {
		return nil, err
	}

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   item.Code + " timeline",
		Subject: item.Title,
	}); err != nil {
		return nil, fmt.Errorf("set properties: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	last, err := excelize.ColumnNumberToName(len(rows[0]))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last+"1", headerStyle); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	return f.SetColWidth(sheet, "A", last, 18)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
