package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-builder/pkg/database"
)

// TenantContextFunc scopes a context to one project's rows for code paths
// outside the HTTP tenant middleware, such as the sandbox CLI commands.
// The cleanup function MUST be called.
type TenantContextFunc func(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc over db.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return func(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithTenant(ctx, projectID)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire tenant connection for project %s: %w", projectID, err)
		}
		return database.SetTenantScope(ctx, scope), scope.Close, nil
	}
}

// Run calls fn with a context scoped to projectID and releases the scope
// when fn returns.
func (f TenantContextFunc) Run(ctx context.Context, projectID uuid.UUID, fn func(context.Context) error) error {
	tenantCtx, cleanup, err := f(ctx, projectID)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(tenantCtx)
}
