package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/transport"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// PoolReporter exposes session pool occupancy. *transport.Manager satisfies it.
type PoolReporter interface {
	Stats() transport.PoolStats
}

// BreakerReporter exposes a circuit breaker state. *archive.Mirror satisfies it.
type BreakerReporter interface {
	State() string
}

// Health returns a handler for GET /api/v1/health.
//
// Reports pool utilisation and degrades status when > 80% of sessions are
// busy or the archive breaker is open. archive may be nil.
func Health(pool PoolReporter, archive BreakerReporter, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := pool.Stats()

		status := "healthy"
		if stats.MaxSessions > 0 && stats.Busy > int(float64(stats.MaxSessions)*0.8) {
			status = "degraded"
		}
		var archiveState string
		if archive != nil {
			archiveState = archive.State()
			if archiveState == "open" {
				status = "degraded"
			}
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status: status,
			Uptime: time.Since(startTime).Round(time.Second).String(),
			PoolStats: models.PoolStats{
				MaxSessions:  stats.MaxSessions,
				Sessions:     stats.Sessions,
				BusySessions: stats.Busy,
				InFlight:     stats.InFlight,
			},
			Version:      Version,
			ArchiveState: archiveState,
		})
	}
}
