package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browser-test-orchestrator/internal/steps"
	"browser-test-orchestrator/internal/storage"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewCatalog(store, nil)
}

func loginInput() TestCaseInput {
	return TestCaseInput{
		Name:     "  login  ",
		Category: "auth",
		Tags:     []string{"smoke"},
		Steps: []steps.Step{
			{Action: steps.KindNavigate, Params: map[string]any{"url": "https://example.com/login"}},
			{Action: steps.KindClick, Params: map[string]any{"selector": "#submit"}},
		},
	}
}

func TestCatalog_CreateDefaults(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	tc, err := c.Create(ctx, loginInput())
	require.NoError(t, err)
	assert.NotZero(t, tc.ID)
	assert.Equal(t, "login", tc.Name)
	assert.Equal(t, 3, tc.Priority)
	assert.True(t, tc.IsActive)

	got, err := c.Get(ctx, tc.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
	assert.Equal(t, []string{"smoke"}, got.Tags)
}

func TestCatalog_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *TestCaseInput)
		want   string
	}{
		{"blank name", func(in *TestCaseInput) { in.Name = "   " }, "name is required"},
		{"long name", func(in *TestCaseInput) { in.Name = strings.Repeat("x", 201) }, "at most 200"},
		{"priority", func(in *TestCaseInput) { in.Priority = 9 }, "priority"},
		{"no steps", func(in *TestCaseInput) { in.Steps = nil }, ""},
		{"unknown action", func(in *TestCaseInput) { in.Steps[1].Action = "hover" }, "hover"},
		{"relative url", func(in *TestCaseInput) { in.Steps[0].Params["url"] = "/login" }, "absolute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCatalog(t)
			in := loginInput()
			tt.mutate(&in)
			_, err := c.Create(context.Background(), in)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCatalog_UpdateAndDeactivate(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()
	tc, err := c.Create(ctx, loginInput())
	require.NoError(t, err)

	in := loginInput()
	in.Name = "login v2"
	in.Priority = 1
	updated, err := c.Update(ctx, tc.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "login v2", updated.Name)
	assert.Equal(t, 1, updated.Priority)
	assert.True(t, updated.IsActive, "is_active is kept when omitted")

	require.NoError(t, c.Deactivate(ctx, tc.ID))
	got, err := c.Get(ctx, tc.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	list, total, err := c.List(ctx, storage.TestCaseFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, total)

	_, err = c.Update(ctx, 404, in)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(c.Deactivate(ctx, 404)))
}
