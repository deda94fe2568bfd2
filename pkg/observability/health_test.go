package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerLiveness(t *testing.T) {
	h := NewHealthChecker(nil, nil)

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthCheckerReadiness(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	h := NewHealthChecker(db, nil)

	t.Run("healthy before any run", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Contains(t, status.Dependencies, "cache_db")
	})

	t.Run("degraded after failed run", func(t *testing.T) {
		h.RecordRun(time.Now(), errors.New("ldap bind failed"))

		status := h.Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, "ldap bind failed", status.LastRunError)
		require.NotNil(t, status.LastRun)
	})

	t.Run("recovers after clean run", func(t *testing.T) {
		h.RecordRun(time.Now(), nil)
		status := h.Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
	})

	t.Run("unhealthy when database is gone", func(t *testing.T) {
		require.NoError(t, db.Close())
		rec := httptest.NewRecorder()
		h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
