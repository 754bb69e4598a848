package reports

import (
	"io"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	XlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exceptionsSheet = "Exceptions"
)

// ExcelExporter is one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

var exceptionHeadings = []string{
	"ID", "Type", "Reference Type", "Reference ID", "Severity", "Status",
	"Impact Amount", "Currency", "Title", "Detected At", "Last Seen At",
	"Assigned To", "Snoozed Until", "Resolved At", "Resolved By",
}

type exceptionRow struct {
	e *models.Exception
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (r exceptionRow) GetCellValues() []interface{} {
	e := r.e
	impact, _ := e.ImpactAmount.Float64()
	return []interface{}{
		e.ID,
		string(e.ExceptionType),
		string(e.RefType),
		e.RefId,
		string(e.Severity),
		string(e.Status),
		impact,
		e.Currency,
		e.Title,
		e.DetectedAt.UTC().Format(time.RFC3339),
		e.LastSeenAt.UTC().Format(time.RFC3339),
		utils.DereferencePtr(e.AssignedTo),
		formatTime(e.SnoozedUntil),
		formatTime(e.ResolvedAt),
		utils.DereferencePtr(e.ResolvedBy),
	}
}

func ExceptionRows(rows []*models.Exception) []ExcelExporter {
	out := make([]ExcelExporter, 0, len(rows))
	for _, e := range rows {
		out = append(out, exceptionRow{e: e})
	}
	return out
}

// NewExcelFile lays out a single sheet with a heading row followed by data.
func NewExcelFile(sheetName string, data []ExcelExporter, headings ...string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}

	rowNo := 2
	for _, d := range data {
		for i, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return nil, err
			}
		}
		rowNo++
	}
	return f, nil
}

// WriteExceptions renders exceptions as an xlsx workbook.
func WriteExceptions(w io.Writer, rows []*models.Exception) error {
	f, err := NewExcelFile(exceptionsSheet, ExceptionRows(rows), exceptionHeadings...)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
