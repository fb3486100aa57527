package httpboundary

import (
	"encoding/json"
	"net/http"

	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/gatewayclient"
	"github.com/qirat-network/custodian-core/internal/outbox"
)

// BreakerSnapshotter is the subset of *gatewayclient.Registry the health
// handler depends on, narrowed so tests can supply a fake registry.
type BreakerSnapshotter interface {
	Snapshot() map[string]gatewayclient.BreakerStats
}

// HealthReport is the JSON document served at GET /health.
type HealthReport struct {
	Status      string                                 `json:"status"`
	Breakers    map[string]gatewayclient.BreakerStats `json:"breakers"`
	OutboxDepth map[string]int64                      `json:"outboxDepth"`
}

// HealthHandler reports per-identity breaker state and the current outbox
// queue depth broken down by status, so an operator can see at a glance
// whether a worker is backed up or a downstream identity is tripped.
func HealthHandler(db *gorm.DB, registry BreakerSnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		breakers := registry.Snapshot()

		depth := make(map[string]int64, 4)
		for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusLocked, outbox.StatusCommitted, outbox.StatusFailed} {
			var count int64
			if err := db.WithContext(r.Context()).Model(&outbox.Command{}).Where("status = ?", status).Count(&count).Error; err != nil {
				http.Error(w, "failed to read outbox depth", http.StatusInternalServerError)
				return
			}
			depth[string(status)] = count
		}

		overallStatus := "ok"
		for _, stats := range breakers {
			if stats.State == gatewayclient.BreakerOpen {
				overallStatus = "degraded"
				break
			}
		}

		report := HealthReport{
			Status:      overallStatus,
			Breakers:    breakers,
			OutboxDepth: depth,
		}

		w.Header().Set("Content-Type", "application/json")
		if overallStatus != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}
