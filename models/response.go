package models

// FetchResult is the public wire contract for one fetch attempt. It is always
// either a complete success or a complete, classified failure. Optional fields
// are omitted, never null.
type FetchResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`

	Title            string   `json:"title,omitempty"`
	Byline           string   `json:"byline,omitempty"`
	Content          string   `json:"content,omitempty"`
	TextContent      string   `json:"textContent,omitempty"`
	Excerpt          string   `json:"excerpt,omitempty"`
	SiteName         string   `json:"siteName,omitempty"`
	PublishedTime    string   `json:"publishedTime,omitempty"`
	Lang             string   `json:"lang,omitempty"`
	Markdown         string   `json:"markdown,omitempty"`
	ExtractionMethod string   `json:"extractionMethod,omitempty"`
	LatencyMs        int64    `json:"latencyMs"`
	ArchiveURL       string   `json:"archiveUrl,omitempty"`
	RawHTML          string   `json:"rawHtml,omitempty"`
	Selectors        []string `json:"selectors,omitempty"`

	Error           ErrorKind       `json:"error,omitempty"`
	ErrorDetails    string          `json:"errorDetails,omitempty"`
	SuggestedAction SuggestedAction `json:"suggestedAction,omitempty"`
	Hint            string          `json:"hint,omitempty"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cacheStatus,omitempty"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"` // "healthy" or "degraded"
	Uptime    string    `json:"uptime"`
	PoolStats PoolStats `json:"pool_stats"`
	Version   string    `json:"version"`

	// ArchiveState is the archive mirror circuit breaker state
	// ("closed", "half-open", "open"); omitted when the archive is disabled.
	ArchiveState string `json:"archive_state,omitempty"`
}

// PoolStats reports the state of the transport session pool.
type PoolStats struct {
	MaxSessions  int `json:"max_sessions"`
	Sessions     int `json:"sessions"`
	BusySessions int `json:"busy_sessions"`
	InFlight     int `json:"in_flight"`
}
