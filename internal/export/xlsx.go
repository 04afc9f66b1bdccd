package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"fleetwatch/internal/domain"
)

const (
	SheetName   = "Archive"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	timeLayout  = "02.01.2006 15:04"
)

var archiveHeadings = []string{
	"Archive ID", "Equipment", "Type", "Model", "Section", "Status", "Malfunction", "Mechanic",
	"Actual start", "Planned end", "Planned hours", "Completed", "Completed by", "Reason",
}

// ArchiveWorkbook renders archive rows into a single-sheet workbook.
// Timestamps are shown in loc.
func ArchiveWorkbook(rows []domain.ArchiveRecord, loc *time.Location) (*excelize.File, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		f.Close()
		return nil, err
	}
	for i, h := range archiveHeadings {
		if err := setCell(f, i+1, 1, h); err != nil {
			f.Close()
			return nil, err
		}
	}
	for r, a := range rows {
		completedBy := ""
		switch {
		case a.CompletionUserName != nil:
			completedBy = *a.CompletionUserName
		case a.CompletionUser != nil:
			completedBy = *a.CompletionUser
		}
		values := []any{
			a.ID, a.EquipmentID, a.EquipmentType, a.Model, a.Section, string(a.Status), a.Malfunction, a.MechanicName,
			localTime(a.ActualStart, loc), localTime(a.PlannedEnd, loc), hours(a.PlannedHours),
			a.CompletedDate.In(loc).Format(timeLayout), completedBy, string(a.ArchiveReason),
		}
		for c, v := range values {
			if err := setCell(f, c+1, r+2, v); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return f, nil
}

// WriteArchive streams the workbook to w.
func WriteArchive(w io.Writer, rows []domain.ArchiveRecord, loc *time.Location) error {
	f, err := ArchiveWorkbook(rows, loc)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveArchive writes the workbook to path.
func SaveArchive(path string, rows []domain.ArchiveRecord, loc *time.Location) error {
	f, err := ArchiveWorkbook(rows, loc)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func setCell(f *excelize.File, col, row int, v any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(SheetName, cell, v)
}

func localTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(timeLayout)
}

func hours(h *float64) any {
	if h == nil {
		return ""
	}
	return *h
}
