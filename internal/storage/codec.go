package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"browser-test-orchestrator/internal/steps"
)

func encodeTestCase(tc *TestCase) (stepsJSON, tagsJSON []byte, err error) {
	list := tc.Steps
	if list == nil {
		list = []steps.Step{}
	}
	tags := tc.Tags
	if tags == nil {
		tags = []string{}
	}
	if stepsJSON, err = json.Marshal(list); err != nil {
		return nil, nil, fmt.Errorf("encoding steps: %w", err)
	}
	if tagsJSON, err = json.Marshal(tags); err != nil {
		return nil, nil, fmt.Errorf("encoding tags: %w", err)
	}
	return stepsJSON, tagsJSON, nil
}

func decodeTestCase(tc *TestCase, stepsJSON, tagsJSON []byte) error {
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &tc.Steps); err != nil {
			return fmt.Errorf("decoding steps of test case %d: %w", tc.ID, err)
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &tc.Tags); err != nil {
			return fmt.Errorf("decoding tags of test case %d: %w", tc.ID, err)
		}
	}
	if tc.Tags == nil {
		tc.Tags = []string{}
	}
	return nil
}

func stampTestCase(tc *TestCase) {
	now := time.Now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = tc.CreatedAt
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	if e.StartTime != nil {
		t := *e.StartTime
		c.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	if e.ResultSummary != nil {
		c.ResultSummary = append(json.RawMessage(nil), e.ResultSummary...)
	}
	return &c
}

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
