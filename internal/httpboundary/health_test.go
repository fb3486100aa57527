package httpboundary

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/qirat-network/custodian-core/internal/gatewayclient"
	"github.com/qirat-network/custodian-core/internal/outbox"
)

type fakeSnapshotter struct {
	snapshot map[string]gatewayclient.BreakerStats
}

func (f *fakeSnapshotter) Snapshot() map[string]gatewayclient.BreakerStats {
	return f.snapshot
}

func TestHealthHandlerReportsOkWhenAllBreakersClosed(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, outbox.AutoMigrate(db))

	registry := &fakeSnapshotter{snapshot: map[string]gatewayclient.BreakerStats{
		"custodian-core": {State: gatewayclient.BreakerClosed},
	}}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler(db, registry).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "ok", report.Status)
	require.Equal(t, int64(0), report.OutboxDepth["PENDING"])
}

func TestHealthHandlerReportsDegradedWhenBreakerOpen(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, outbox.AutoMigrate(db))
	_, err := outbox.Enqueue(db, "default", "custodian-core", "TRANSFER_TOKENS", uuid.NewString(), []byte(`{}`))
	require.NoError(t, err)

	registry := &fakeSnapshotter{snapshot: map[string]gatewayclient.BreakerStats{
		"custodian-core": {State: gatewayclient.BreakerOpen},
	}}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler(db, registry).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "degraded", report.Status)
	require.Equal(t, int64(1), report.OutboxDepth["PENDING"])
}
