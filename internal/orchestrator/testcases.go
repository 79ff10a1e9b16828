package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"browser-test-orchestrator/internal/steps"
	"browser-test-orchestrator/internal/storage"
)

// TestCaseInput is the writable part of a test case.
type TestCaseInput struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description"`
	Steps       []steps.Step `json:"steps" yaml:"steps"`
	Tags        []string     `json:"tags,omitempty" yaml:"tags"`
	Category    string       `json:"category,omitempty" yaml:"category"`
	Priority    int          `json:"priority,omitempty" yaml:"priority"`
	CreatedBy   string       `json:"created_by,omitempty" yaml:"created_by"`
	IsActive    *bool        `json:"is_active,omitempty" yaml:"is_active"`
}

// Catalog validates and stores test cases.
type Catalog struct {
	store    storage.Store
	registry *steps.Registry
}

func NewCatalog(store storage.Store, registry *steps.Registry) *Catalog {
	if registry == nil {
		registry = steps.NewRegistry()
	}
	return &Catalog{store: store, registry: registry}
}

func (c *Catalog) validate(op string, in *TestCaseInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return validationf(op, "", "name is required")
	}
	if len(in.Name) > 200 {
		return validationf(op, "", "name must be at most 200 characters")
	}
	if in.Priority == 0 {
		in.Priority = 3
	}
	if in.Priority < 1 || in.Priority > 5 {
		return validationf(op, "", "priority must be between 1 and 5")
	}
	if err := c.registry.Validate(in.Steps); err != nil {
		return newError(ErrValidation, op, "", err)
	}
	return nil
}

// Create validates in and stores it as a new, active test case.
func (c *Catalog) Create(ctx context.Context, in TestCaseInput) (*storage.TestCase, error) {
	const op = "create test case"
	if err := c.validate(op, &in); err != nil {
		return nil, err
	}
	tc := &storage.TestCase{
		Name:        in.Name,
		Description: in.Description,
		Steps:       in.Steps,
		Tags:        in.Tags,
		Category:    strings.TrimSpace(in.Category),
		Priority:    in.Priority,
		CreatedBy:   in.CreatedBy,
		IsActive:    in.IsActive == nil || *in.IsActive,
	}
	if err := c.store.CreateTestCase(ctx, tc); err != nil {
		return nil, newError(ErrPersistence, op, "", err)
	}
	return tc, nil
}

// Get returns one test case.
func (c *Catalog) Get(ctx context.Context, id int64) (*storage.TestCase, error) {
	tc, err := c.store.GetTestCase(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(ErrNotFound, "get test case", "", fmt.Errorf("test case %d not found", id))
	}
	if err != nil {
		return nil, newError(ErrPersistence, "get test case", "", err)
	}
	return tc, nil
}

// Update replaces the writable fields of test case id.
func (c *Catalog) Update(ctx context.Context, id int64, in TestCaseInput) (*storage.TestCase, error) {
	const op = "update test case"
	if err := c.validate(op, &in); err != nil {
		return nil, err
	}
	tc, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tc.Name = in.Name
	tc.Description = in.Description
	tc.Steps = in.Steps
	tc.Tags = in.Tags
	tc.Category = strings.TrimSpace(in.Category)
	tc.Priority = in.Priority
	if in.IsActive != nil {
		tc.IsActive = *in.IsActive
	}
	if err := c.store.UpdateTestCase(ctx, tc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(ErrNotFound, op, "", fmt.Errorf("test case %d not found", id))
		}
		return nil, newError(ErrPersistence, op, "", err)
	}
	return tc, nil
}

// Deactivate hides a test case from new runs. Its history is kept.
func (c *Catalog) Deactivate(ctx context.Context, id int64) error {
	err := c.store.DeactivateTestCase(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(ErrNotFound, "deactivate test case", "", fmt.Errorf("test case %d not found", id))
	}
	if err != nil {
		return newError(ErrPersistence, "deactivate test case", "", err)
	}
	return nil
}

// List returns a page of test cases and the total matching count.
func (c *Catalog) List(ctx context.Context, f storage.TestCaseFilter) ([]storage.TestCase, int, error) {
	list, total, err := c.store.ListTestCases(ctx, f)
	if err != nil {
		return nil, 0, newError(ErrPersistence, "list test cases", "", err)
	}
	return list, total, nil
}
