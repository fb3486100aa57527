package httpboundary

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestIdempotencyReplaysCachedResponseForSameKey(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, "tenant-a", time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, fmt.Sprintf("call-%d", calls))
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"a":1}`))
	req1.Header.Set("X-Idempotency-Key", "key-1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)
	require.Equal(t, "call-1", rec1.Body.String())

	req2 := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"a":1}`))
	req2.Header.Set("X-Idempotency-Key", "key-1")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusCreated, rec2.Code)
	require.Equal(t, "call-1", rec2.Body.String())
	require.Equal(t, "yes", rec2.Header().Get("X-Custom"))
	require.Equal(t, 1, calls, "handler must not be invoked twice for the same idempotency key")
}

func TestIdempotencyIgnoresRequestsWithoutKey(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, "tenant-a", time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	require.Equal(t, 2, calls)
}

func TestIdempotencyTreatsExpiredCacheEntryAsMiss(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	calls := 0
	handler := WithIdempotency(db, "tenant-a", time.Minute, clock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{}`))
	req1.Header.Set("X-Idempotency-Key", "key-2")
	handler.ServeHTTP(httptest.NewRecorder(), req1)
	require.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	req2 := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{}`))
	req2.Header.Set("X-Idempotency-Key", "key-2")
	handler.ServeHTTP(httptest.NewRecorder(), req2)
	require.Equal(t, 2, calls, "expired cache row must not be replayed")
}

func TestIdempotencyDistinguishesDifferentBodies(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, "tenant-a", time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"a":1}`))
	req1.Header.Set("X-Idempotency-Key", "key-3")
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"a":2}`))
	req2.Header.Set("X-Idempotency-Key", "key-3")
	handler.ServeHTTP(httptest.NewRecorder(), req2)

	require.Equal(t, 2, calls, "different request bodies under the same key must not collide")
}
