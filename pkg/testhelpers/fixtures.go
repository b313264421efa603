// Package testhelpers provides utilities for testing ekaya-builder components.
package testhelpers

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-builder/pkg/database"
)

// CreateTestProject inserts a project row and removes it (with its fragments
// and edits) when the test finishes.
func CreateTestProject(t *testing.T, db *database.DB, name string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	projectID := uuid.New()
	if _, err := db.Pool.Exec(ctx,
		`INSERT INTO engine_projects (id, name) VALUES ($1, $2)`, projectID, name); err != nil {
		t.Fatalf("failed to create test project: %v", err)
	}

	t.Cleanup(func() {
		_, _ = db.Pool.Exec(context.Background(), `DELETE FROM engine_projects WHERE id = $1`, projectID)
	})
	return projectID
}

// TenantContext returns a context carrying a tenant scope for projectID.
// The scope is closed when the test finishes.
func TenantContext(t *testing.T, db *database.DB, projectID uuid.UUID) context.Context {
	t.Helper()

	scope, err := db.WithTenant(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to acquire tenant scope: %v", err)
	}
	t.Cleanup(scope.Close)
	return database.SetTenantScope(context.Background(), scope)
}
