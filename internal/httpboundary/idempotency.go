// Package httpboundary holds the boundary-layer utilities every HTTP
// surface in this module shares: idempotency caching, readiness/liveness
// reporting, and request-scoped logging.
package httpboundary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IdempotencyRecord is the cached response for a (tenant, method, path,
// bodyHash) tuple. It is replayed only until ttlExpiresAt; expired rows are
// skipped by the lookup and are not deleted.
type IdempotencyRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID        string    `gorm:"size:64;index:idx_idempotency_lookup;not null;default:default"`
	Method          string    `gorm:"size:8;index:idx_idempotency_lookup;not null"`
	Path            string    `gorm:"size:256;index:idx_idempotency_lookup;not null"`
	BodyHash        string    `gorm:"size:64;index:idx_idempotency_lookup;not null"`
	StatusCode      int       `gorm:"not null"`
	ResponseHeaders string    `gorm:"type:text"`
	ResponseBody    string    `gorm:"type:text"`
	TTLExpiresAt    time.Time `gorm:"index"`
	CreatedAt       time.Time
}

// TableName pins the gorm table name.
func (IdempotencyRecord) TableName() string { return "http_idempotency" }

// AutoMigrate migrates the idempotency cache table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&IdempotencyRecord{})
}

type idempotencyContextKey string

const requestIDKey idempotencyContextKey = "request-id"

// RequestIDFromContext returns the request ID stamped by WithIdempotency,
// or "" if none is present (e.g. the request carried no X-Idempotency-Key).
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithIdempotency returns middleware that replays a cached response for any
// request carrying an X-Idempotency-Key header whose (tenant, method, path,
// bodyHash) matches an unexpired cache row, and otherwise records the
// handler's response under that key with the given ttl.
func WithIdempotency(db *gorm.DB, tenantID string, ttl time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(newByteReader(body))

			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			var cached IdempotencyRecord
			lookupErr := db.Where("tenant_id = ? AND method = ? AND path = ? AND body_hash = ? AND ttl_expires_at > ?",
				tenantID, r.Method, r.URL.Path, bodyHash, now()).
				First(&cached).Error
			if lookupErr == nil {
				for header, values := range decodeHeaders(cached.ResponseHeaders) {
					for _, v := range values {
						w.Header().Add(header, v)
					}
				}
				w.WriteHeader(cached.StatusCode)
				_, _ = io.WriteString(w, cached.ResponseBody)
				return
			}

			requestID := uuid.NewString()
			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			record := IdempotencyRecord{
				ID:              uuid.New(),
				TenantID:        tenantID,
				Method:          r.Method,
				Path:            r.URL.Path,
				BodyHash:        bodyHash,
				StatusCode:      recorder.status,
				ResponseHeaders: encodeHeaders(recorder.Header()),
				ResponseBody:    recorder.buf,
				TTLExpiresAt:    now().Add(ttl),
			}
			_ = db.Create(&record).Error
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
