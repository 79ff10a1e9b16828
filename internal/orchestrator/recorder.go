package orchestrator

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"browser-test-orchestrator/internal/steps"
	"browser-test-orchestrator/internal/storage"
)

var stepStatuses = map[string]bool{
	storage.StepSuccess: true,
	storage.StepFailed:  true,
	storage.StepSkipped: true,
	storage.StepError:   true,
}

// StepRecorder turns reported step results into rows. It never touches the
// store: the rows ride along in the execution mutation so they commit or
// roll back with it.
type StepRecorder struct{}

// Prepare validates results against the execution and builds step rows.
// Indices must run 0..n-1 in array order; a missing index means its position.
func (StepRecorder) Prepare(executionID string, results []StepResult, stepsTotal int, at time.Time) ([]storage.StepExecution, error) {
	const op = "record steps"
	if len(results) > stepsTotal {
		return nil, validationf(op, executionID,
			"%d step results exceed steps_total %d", len(results), stepsTotal)
	}

	rows := make([]storage.StepExecution, 0, len(results))
	for pos, r := range results {
		idx := pos
		if r.StepIndex != nil {
			idx = *r.StepIndex
		}
		if idx != pos {
			return nil, validationf(op, executionID,
				"step_index %d at position %d: indices must be contiguous from 0", idx, pos)
		}

		status := strings.ToLower(strings.TrimSpace(r.Status))
		if !stepStatuses[status] {
			return nil, validationf(op, executionID,
				"step %d: status %q must be one of success, failed, skipped, error", idx, r.Status)
		}

		var dur int64
		if r.Duration != nil {
			if *r.Duration < 0 || math.IsNaN(*r.Duration) {
				return nil, validationf(op, executionID, "step %d: duration must be non-negative", idx)
			}
			dur = int64(math.Round(*r.Duration))
		}

		action := steps.Normalize(r.Action)
		if action == "" {
			action = "unknown"
		}
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			desc = action + " step"
		}

		var data json.RawMessage
		if len(r.ResultData) > 0 && string(r.ResultData) != "null" {
			data = r.ResultData
		}

		rows = append(rows, storage.StepExecution{
			ExecutionID:    executionID,
			StepIndex:      idx,
			Action:         action,
			Description:    desc,
			Status:         status,
			DurationMS:     dur,
			ResultData:     data,
			ErrorMessage:   r.ErrorMessage,
			ScreenshotPath: r.ScreenshotPath,
			CreatedAt:      at,
		})
	}
	return rows, nil
}
