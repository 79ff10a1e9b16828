package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/events"
	"browser-test-orchestrator/internal/monitor"
	"browser-test-orchestrator/internal/storage"
)

// Ingestor applies worker callbacks to executions.
type Ingestor struct {
	m        *Manager
	recorder StepRecorder
}

func NewIngestor(m *Manager) *Ingestor {
	return &Ingestor{m: m}
}

// HandleStart marks a pending execution running. Repeated or late start
// notifications are acknowledged without changing anything.
func (in *Ingestor) HandleStart(ctx context.Context, executionID string, p StartPayload) (StartOutcome, error) {
	const op = "start callback"
	out := StartOutcome{ExecutionID: executionID}

	if p.Status != string(storage.StatusRunning) {
		return out, in.reject("start", validationf(op, executionID, "status must be %q, got %q", storage.StatusRunning, p.Status))
	}
	if strings.TrimSpace(p.Mode) == "" {
		return out, in.reject("start", validationf(op, executionID, "mode is required"))
	}
	if p.StepsTotal != nil && *p.StepsTotal < 0 {
		return out, in.reject("start", validationf(op, executionID, "steps_total must be non-negative"))
	}

	m := in.m
	unlock := m.locks.lock(executionID)
	defer unlock()

	var before storage.Execution
	res, err := m.store.MutateExecution(ctx, executionID, func(cur *storage.Execution) (*storage.Mutation, error) {
		before = *cur
		if cur.Status != storage.StatusPending {
			return nil, nil
		}
		start := m.clock.Now()
		if p.StartTime != nil {
			start = p.StartTime.UTC()
		}
		cur.Status = storage.StatusRunning
		cur.StartTime = &start
		cur.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
		if p.Browser != "" {
			cur.Browser = p.Browser
		}
		if p.StepsTotal != nil {
			cur.StepsTotal = *p.StepsTotal
		}
		if p.ExecutedBy != "" {
			cur.ExecutedBy = p.ExecutedBy
		}
		return &storage.Mutation{Execution: cur}, nil
	})
	if err != nil {
		return out, in.reject("start", m.storeError(op, executionID, err))
	}

	out.StatusUpdated = res.Applied
	if res.Applied {
		m.onTransition(ctx, &before, res.Execution, nil, false)
		in.count("start", "applied")
	} else {
		log.Debug().Str("execution_id", executionID).Str("status", string(before.Status)).Msg("start callback ignored")
		in.count("start", "noop")
	}
	return out, nil
}

// HandleResult records the terminal outcome and step results of an
// execution in one transaction. A result for a pending execution implies the
// missed start. A result for an already finished execution is accepted only
// if it repeats the stored outcome.
func (in *Ingestor) HandleResult(ctx context.Context, executionID string, p ResultPayload) (ResultOutcome, error) {
	const op = "result callback"
	m := in.m
	out := ResultOutcome{ExecutionID: executionID}

	ctx, span := m.tracer.StartSpan(ctx, "result",
		monitor.AttrExecID.String(executionID),
		monitor.AttrStatus.String(p.Status),
	)
	defer span.End()

	if err := validateResult(executionID, &p); err != nil {
		return out, in.reject("result", err)
	}
	now := m.clock.Now()
	rows, err := in.recorder.Prepare(executionID, p.stepResults(), *p.StepsTotal, now)
	if err != nil {
		return out, in.reject("result", err)
	}
	span.SetAttributes(monitor.AttrSteps.Int(len(rows)))

	unlock := m.locks.lock(executionID)
	defer unlock()

	var before storage.Execution
	var duplicate, implicitStart bool
	res, err := m.store.MutateExecution(ctx, executionID, func(cur *storage.Execution) (*storage.Mutation, error) {
		before = *cur
		switch {
		case cur.Status.IsTerminal():
			if sameOutcome(cur, &p) {
				duplicate = true
				return nil, nil
			}
			return nil, newError(ErrConflict, op, executionID,
				fmt.Errorf("execution already finished with status %s", cur.Status))
		case cur.Status == storage.StatusPending:
			implicitStart = true
			start := now
			if p.StartTime != nil {
				start = p.StartTime.UTC()
			}
			cur.StartTime = &start
		}

		end := now
		if p.EndTime != nil {
			end = p.EndTime.UTC()
		}
		cur.Status = storage.Status(p.Status)
		cur.EndTime = &end
		cur.StepsTotal = *p.StepsTotal
		cur.StepsPassed = *p.StepsPassed
		cur.StepsFailed = *p.StepsFailed
		switch {
		case p.Duration != nil:
			cur.DurationMS = int64(math.Round(*p.Duration))
		case cur.StartTime != nil && end.After(*cur.StartTime):
			cur.DurationMS = end.Sub(*cur.StartTime).Milliseconds()
		}
		cur.ErrorMessage = p.ErrorMessage
		cur.ErrorStack = p.ErrorStack
		if len(p.ResultSummary) > 0 {
			cur.ResultSummary = p.ResultSummary
		}
		if p.ScreenshotsPath != "" {
			cur.ScreenshotsPath = p.ScreenshotsPath
		}
		if p.LogsPath != "" {
			cur.LogsPath = p.LogsPath
		}
		return &storage.Mutation{Execution: cur, Steps: rows}, nil
	})
	if err != nil {
		err = m.storeError(op, executionID, err)
		monitor.Fail(span, err)
		return out, in.reject("result", err)
	}

	out.DatabaseID = res.Execution.ID
	span.SetAttributes(
		monitor.AttrDuplicate.Bool(duplicate),
		monitor.AttrDurationMS.Int64(res.Execution.DurationMS),
	)
	out.StepsCount = len(rows)
	if duplicate {
		out.Duplicate = true
		log.Info().Str("execution_id", executionID).Msg("duplicate result callback acknowledged")
		in.count("result", "duplicate")
		return out, nil
	}

	m.onTransition(ctx, &before, res.Execution, rows, implicitStart)
	in.count("result", "applied")
	return out, nil
}

// HandleProgress broadcasts that the worker began a step. Nothing is stored.
func (in *Ingestor) HandleProgress(ctx context.Context, executionID string, p ProgressPayload) error {
	const op = "progress callback"
	m := in.m

	if p.StepIndex == nil || *p.StepIndex < 0 {
		return in.reject("progress", validationf(op, executionID, "step_index is required and must be non-negative"))
	}

	unlock := m.locks.lock(executionID)
	defer unlock()

	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return in.reject("progress", m.storeError(op, executionID, err))
	}
	if exec.Status.IsTerminal() {
		return in.reject("progress", newError(ErrConflict, op, executionID,
			fmt.Errorf("execution already finished with status %s", exec.Status)))
	}
	if exec.StepsTotal > 0 && *p.StepIndex >= exec.StepsTotal {
		return in.reject("progress", validationf(op, executionID,
			"step_index %d out of range for %d steps", *p.StepIndex, exec.StepsTotal))
	}

	idx := *p.StepIndex
	e := events.New(events.KindStepStarted, executionID)
	e.TestCaseID = exec.TestCaseID
	e.StepIndex = &idx
	e.Action = p.Action
	e.Status = "running"
	e.Data = map[string]any{}
	if p.Description != "" {
		e.Data["description"] = p.Description
	}
	if p.Message != "" {
		e.Data["message"] = p.Message
	}
	m.publish(ctx, e)
	in.count("progress", "applied")
	return nil
}

func validateResult(executionID string, p *ResultPayload) error {
	const op = "result callback"
	if !resultStatuses[storage.Status(p.Status)] {
		return validationf(op, executionID, "status must be one of success, failed, error; got %q", p.Status)
	}
	counts := []struct {
		name string
		v    *int
	}{
		{"steps_total", p.StepsTotal},
		{"steps_passed", p.StepsPassed},
		{"steps_failed", p.StepsFailed},
	}
	for _, c := range counts {
		if c.v == nil {
			return validationf(op, executionID, "%s is required", c.name)
		}
		if *c.v < 0 {
			return validationf(op, executionID, "%s must be non-negative", c.name)
		}
	}
	if *p.StepsPassed+*p.StepsFailed > *p.StepsTotal {
		return validationf(op, executionID, "steps_passed + steps_failed (%d) exceeds steps_total (%d)",
			*p.StepsPassed+*p.StepsFailed, *p.StepsTotal)
	}
	if p.Duration != nil && (*p.Duration < 0 || math.IsNaN(*p.Duration) || math.IsInf(*p.Duration, 0)) {
		return validationf(op, executionID, "duration must be a non-negative number of milliseconds")
	}
	if p.StartTime != nil && p.EndTime != nil && p.EndTime.Before(*p.StartTime) {
		return validationf(op, executionID, "end_time precedes start_time")
	}
	if s := bytes.TrimSpace(p.ResultSummary); len(s) > 0 && !bytes.Equal(s, []byte("null")) && s[0] != '{' {
		return validationf(op, executionID, "result_summary must be an object")
	}
	if bytes.Equal(bytes.TrimSpace(p.ResultSummary), []byte("null")) {
		p.ResultSummary = nil
	}
	return nil
}

// sameOutcome reports whether p repeats the outcome already stored in cur.
func sameOutcome(cur *storage.Execution, p *ResultPayload) bool {
	if string(cur.Status) != p.Status ||
		cur.StepsTotal != *p.StepsTotal ||
		cur.StepsPassed != *p.StepsPassed ||
		cur.StepsFailed != *p.StepsFailed ||
		cur.ErrorMessage != p.ErrorMessage {
		return false
	}
	return p.Duration == nil || int64(math.Round(*p.Duration)) == cur.DurationMS
}

func (in *Ingestor) reject(kind string, err error) error {
	outcome := "error"
	var oe *Error
	if errors.As(err, &oe) {
		switch oe.Kind {
		case ErrValidation:
			outcome = "invalid"
		case ErrNotFound:
			outcome = "not_found"
		case ErrConflict:
			outcome = "conflict"
		}
	}
	in.count(kind, outcome)
	return err
}

func (in *Ingestor) count(kind, outcome string) {
	if in.m.metrics != nil {
		in.m.metrics.RecordCallback(kind, outcome)
	}
}
