package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fleetwatch/internal/domain"
)

func TestArchiveWorkbookLayout(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Yekaterinburg")
	require.NoError(t, err)
	start := time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)
	hours := 4.5
	name := "Петров"
	rows := []domain.ArchiveRecord{{
		ID:                 "a-1",
		EquipmentID:        "EQ-42",
		EquipmentType:      "Экскаватор",
		Status:             domain.StatusReady,
		ActualStart:        &start,
		PlannedHours:       &hours,
		CompletedDate:      start.Add(6 * time.Hour),
		CompletionUserName: &name,
		ArchiveReason:      domain.ArchiveLaunched,
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, rows, loc))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	v, err := f.GetCellValue(SheetName, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Archive ID", v)
	v, _ = f.GetCellValue(SheetName, "B2")
	assert.Equal(t, "EQ-42", v)
	v, _ = f.GetCellValue(SheetName, "I2")
	assert.Equal(t, "17.10.2026 01:00", v)
	v, _ = f.GetCellValue(SheetName, "M2")
	assert.Equal(t, "Петров", v)
	v, _ = f.GetCellValue(SheetName, "N2")
	assert.Equal(t, "launched", v)
}

func TestSaveArchiveEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.xlsx")
	require.NoError(t, SaveArchive(path, nil, nil))
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
