package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"presencewatch/internal/engine"
	"presencewatch/internal/model"
)

const SheetName = "Observations"

var headers = []string{"ID", "UUID", "Time (UTC)", "State", "SD", "Activity"}

// Observations renders the observation history as an xlsx workbook with a
// frozen header row.
func Observations(list []model.Observation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	timeStyle, err := f.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return nil, fmt.Errorf("time style: %w", err)
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(SheetName, cell, header); err != nil {
			return nil, fmt.Errorf("header cell %s: %w", cell, err)
		}
	}
	if err := f.SetCellStyle(SheetName, "A1", "F1", headerStyle); err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	if err := f.SetColWidth(SheetName, "B", "B", 38); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetName, "C", "C", 22); err != nil {
		return nil, err
	}

	for i, obs := range list {
		row := i + 2
		activity := ""
		if obs.State == model.StateDwell {
			activity = engine.ClassifyActivity(obs.SD).Label
		}
		values := []interface{}{obs.ID, obs.UUID, obs.Time.UTC(), string(obs.State), obs.SD, activity}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		timeCell, _ := excelize.CoordinatesToCellName(3, row)
		if err := f.SetCellStyle(SheetName, timeCell, timeCell, timeStyle); err != nil {
			return nil, err
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
