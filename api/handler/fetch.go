package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pagefetch/cache"
	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/models"
)

// Fetcher runs one fetch to completion. *fetcher.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req *models.FetchRequest) *models.FetchResult
}

// Fetch returns a handler for POST /api/v1/fetch.
//
// Every well-formed request is answered with 200 and a FetchResult whose
// success flag carries the outcome. Only malformed input gets a 400.
func Fetch(f Fetcher, cc *cache.Cache, defaultTimeoutMs int) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var req models.FetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := extract.ValidateSelectors(req.TargetSelector, req.RemoveSelectors); err != nil {
			badRequest(c, err.Error())
			return
		}
		req.Defaults(defaultTimeoutMs)

		// ── 2. Cache lookup ─────────────────────────────────────────
		var key string
		if cc != nil && req.MaxAge > 0 {
			key = cache.Key(&req)
			if cached, hit := cc.Get(key, req.MaxAge); hit {
				cached.CacheStatus = "hit"
				cached.LatencyMs = 0
				c.JSON(http.StatusOK, cached)
				return
			}
		}

		// ── 3. Fetch ────────────────────────────────────────────────
		result := f.Fetch(c.Request.Context(), &req)

		// ── 4. Cache store ──────────────────────────────────────────
		if key != "" {
			cc.Set(key, result)
			result.CacheStatus = "miss"
		}

		c.JSON(http.StatusOK, result)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{
		Error: &models.ErrorDetail{
			Code:    models.ErrCodeInvalidInput,
			Message: msg,
		},
	})
}
