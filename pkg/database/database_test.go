package database

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetQuerier_NoScope(t *testing.T) {
	_, err := GetQuerier(context.Background())
	assert.ErrorIs(t, err, ErrNoTenantScope)
}

func TestGetQuerier_EmptyScope(t *testing.T) {
	ctx := SetTenantScope(context.Background(), &TenantScope{})
	_, err := GetQuerier(ctx)
	assert.ErrorIs(t, err, ErrNoTenantScope)
}

func TestWithTx_NoScope(t *testing.T) {
	called := false
	err := WithTx(context.Background(), pgx.TxOptions{}, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNoTenantScope)
	assert.False(t, called)
}

func TestWithSerializableTx_DoesNotRetryMissingScope(t *testing.T) {
	calls := 0
	err := WithSerializableTx(context.Background(), 0, func(ctx context.Context) error {
		calls++
		return errors.New("unreachable")
	})
	assert.ErrorIs(t, err, ErrNoTenantScope)
	assert.Equal(t, 0, calls)
}

func TestTenantScope_CloseNilConn(t *testing.T) {
	s := &TenantScope{}
	assert.NotPanics(t, s.Close)
}

func TestWithTenantContext_InvalidProjectID(t *testing.T) {
	mux := http.NewServeMux()
	called := false
	mux.HandleFunc("GET /api/projects/{pid}/fragments", WithTenantContext(nil, zap.NewNop())(
		func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/projects/not-a-uuid/fragments", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_project_id", body["error"])
}
