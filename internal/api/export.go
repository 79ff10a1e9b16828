package api

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"browser-test-orchestrator/internal/storage"
)

const maxWorkbookRows = 1000

var (
	executionHeader = []any{
		"Execution ID", "Test Case ID", "Test Case", "Status", "Mode", "Browser",
		"Created", "Started", "Ended", "Duration (ms)",
		"Steps Total", "Steps Passed", "Steps Failed", "Error", "Executed By",
	}
	stepHeader = []any{
		"Execution ID", "Step", "Action", "Description", "Status", "Duration (ms)", "Error", "Screenshot",
	}
)

// buildWorkbook lays executions out on one sheet and their steps on another.
func buildWorkbook(execs []storage.Execution, stepsByExec map[string][]storage.StepExecution) (*excelize.File, error) {
	f := excelize.NewFile()
	const execSheet, stepSheet = "Executions", "Steps"

	if err := f.SetSheetName("Sheet1", execSheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(stepSheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("creating steps sheet: %w", err)
	}

	rows := [][]any{executionHeader}
	stepRows := [][]any{stepHeader}
	for i := range execs {
		e := &execs[i]
		rows = append(rows, []any{
			e.ExecutionID, e.TestCaseID, e.TestCaseName, string(e.Status), e.Mode, e.Browser,
			cellTime(&e.CreatedAt), cellTime(e.StartTime), cellTime(e.EndTime), e.DurationMS,
			e.StepsTotal, e.StepsPassed, e.StepsFailed, e.ErrorMessage, e.ExecutedBy,
		})
		for _, s := range stepsByExec[e.ExecutionID] {
			stepRows = append(stepRows, []any{
				s.ExecutionID, s.StepIndex, s.Action, s.Description, s.Status, s.DurationMS,
				s.ErrorMessage, s.ScreenshotPath,
			})
		}
	}

	for sheet, data := range map[string][][]any{execSheet: rows, stepSheet: stepRows} {
		for i, row := range data {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				_ = f.Close()
				return nil, err
			}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
			}
		}
		if err := f.SetPanes(sheet, &excelize.Panes{
			Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
		}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("freezing %s header: %w", sheet, err)
		}
	}
	return f, nil
}

func cellTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
