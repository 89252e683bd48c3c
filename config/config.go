package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Extract   ExtractConfig
	Fallback  FallbackConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Log       LogConfig
	Batch     BatchConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// TransportConfig controls the session manager and outbound requests.
type TransportConfig struct {
	// MaxSessions is the session pool capacity.
	MaxSessions int // default: 32

	// SessionMaxAge is the age after which an idle session is recycled.
	SessionMaxAge time.Duration // default: 10m

	// DefaultPreset is the TLS fingerprint used when a request names none.
	DefaultPreset string // default: "chrome"

	// DefaultProxy is the proxy URL used when a request names none.
	DefaultProxy string

	// TrustedProxies are further operator proxies requests may name even
	// when they sit on a private network.
	TrustedProxies []string

	// DefaultTimeout is the per-call timeout.
	DefaultTimeout time.Duration // default: 20s

	// MaxTimeout is the maximum timeout a client may request.
	MaxTimeout time.Duration // default: 120s

	// DNSTimeout bounds the SSRF resolver independently of the call timeout.
	DNSTimeout time.Duration // default: 5s

	// MaxResponseBytes is the response size ceiling.
	MaxResponseBytes int64 // default: 10 MiB

	// MaxRetries is the number of extra attempts for network-class errors.
	MaxRetries int // default: 2

	// HostRPS and HostBurst pace outbound requests per target host. 0 disables.
	HostRPS   float64 // default: 0
	HostBurst int     // default: 4
}

// ExtractConfig controls candidate selection thresholds.
type ExtractConfig struct {
	MinContentLength     int     // default: 200
	GoodContentLength    int     // default: 500
	ExcerptLength        int     // default: 200
	DensityOverrideRatio float64 // default: 2.0
}

// FallbackConfig controls the enrichment cascade.
type FallbackConfig struct {
	// EnableRESTAPI toggles the CMS REST API step.
	EnableRESTAPI bool // default: true

	// EnableFrameworkData toggles the framework data-route step.
	EnableFrameworkData bool // default: true

	// EnableArchive toggles the archive mirror step.
	EnableArchive bool // default: true

	// ArchiveEndpoint is the base URL of the archive mirror.
	ArchiveEndpoint string // default: "https://archive.org"

	// MaxListItems caps the batched list-item fetch.
	MaxListItems int // default: 50

	// TruncationMarkers flag a REST payload as a teaser preview.
	TruncationMarkers []string // default: utm_medium=rss, utm_campaign=teaser, #more-

	// DomainMemoryTTL is how long a discovered REST base is remembered per domain.
	DomainMemoryTTL time.Duration // default: 24h

	// SitesFile is an optional YAML file of site configurations.
	SitesFile string

	// PDFMaxPages caps the pages read from a PDF document.
	PDFMaxPages int // default: 200
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// CacheConfig controls the fetch result cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached results.
	MaxEntries int // default: 1000
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// BatchConfig controls the batch endpoint worker pool.
type BatchConfig struct {
	// Concurrency is the number of URLs fetched in parallel per batch.
	Concurrency int // default: 5

	// JobTTL is how long finished batch jobs stay queryable.
	JobTTL time.Duration // default: 1h
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("PAGEFETCH_HOST", "0.0.0.0"),
			Port: envIntOr("PAGEFETCH_PORT", 8080),
			Mode: envOr("PAGEFETCH_MODE", "release"),
		},
		Transport: TransportConfig{
			MaxSessions:      envIntOr("PAGEFETCH_MAX_SESSIONS", 32),
			SessionMaxAge:    envDurationOr("PAGEFETCH_SESSION_MAX_AGE", 10*time.Minute),
			DefaultPreset:    envOr("PAGEFETCH_PRESET", "chrome"),
			DefaultProxy:     os.Getenv("PAGEFETCH_PROXY"),
			TrustedProxies:   envSliceOr("PAGEFETCH_TRUSTED_PROXIES", nil),
			DefaultTimeout:   envDurationOr("PAGEFETCH_DEFAULT_TIMEOUT", 20*time.Second),
			MaxTimeout:       envDurationOr("PAGEFETCH_MAX_TIMEOUT", 120*time.Second),
			DNSTimeout:       envDurationOr("PAGEFETCH_DNS_TIMEOUT", 5*time.Second),
			MaxResponseBytes: int64(envIntOr("PAGEFETCH_MAX_RESPONSE_BYTES", 10<<20)),
			MaxRetries:       envIntOr("PAGEFETCH_MAX_RETRIES", 2),
			HostRPS:          envFloatOr("PAGEFETCH_HOST_RPS", 0),
			HostBurst:        envIntOr("PAGEFETCH_HOST_BURST", 4),
		},
		Extract: ExtractConfig{
			MinContentLength:     envIntOr("PAGEFETCH_MIN_CONTENT_LENGTH", 200),
			GoodContentLength:    envIntOr("PAGEFETCH_GOOD_CONTENT_LENGTH", 500),
			ExcerptLength:        envIntOr("PAGEFETCH_EXCERPT_LENGTH", 200),
			DensityOverrideRatio: envFloatOr("PAGEFETCH_DENSITY_OVERRIDE_RATIO", 2.0),
		},
		Fallback: FallbackConfig{
			EnableRESTAPI:       envBoolOr("PAGEFETCH_FALLBACK_REST_API", true),
			EnableFrameworkData: envBoolOr("PAGEFETCH_FALLBACK_FRAMEWORK_DATA", true),
			EnableArchive:       envBoolOr("PAGEFETCH_FALLBACK_ARCHIVE", true),
			ArchiveEndpoint:     envOr("PAGEFETCH_ARCHIVE_ENDPOINT", "https://archive.org"),
			MaxListItems:        envIntOr("PAGEFETCH_MAX_LIST_ITEMS", 50),
			TruncationMarkers: envSliceOr("PAGEFETCH_TRUNCATION_MARKERS", []string{
				"utm_medium=rss", "utm_campaign=teaser", "#more-",
			}),
			DomainMemoryTTL: envDurationOr("PAGEFETCH_DOMAIN_MEMORY_TTL", 24*time.Hour),
			SitesFile:       os.Getenv("PAGEFETCH_SITES_FILE"),
			PDFMaxPages:     envIntOr("PAGEFETCH_PDF_MAX_PAGES", 200),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("PAGEFETCH_AUTH_ENABLED", true),
			APIKeys: envSliceOr("PAGEFETCH_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("PAGEFETCH_RATE_RPS", 5.0),
			Burst:             envIntOr("PAGEFETCH_RATE_BURST", 10),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("PAGEFETCH_CACHE_MAX_ENTRIES", 1000),
		},
		Log: LogConfig{
			Level:  envOr("PAGEFETCH_LOG_LEVEL", "info"),
			Format: envOr("PAGEFETCH_LOG_FORMAT", "json"),
		},
		Batch: BatchConfig{
			Concurrency: envIntOr("PAGEFETCH_BATCH_CONCURRENCY", 5),
			JobTTL:      envDurationOr("PAGEFETCH_BATCH_JOB_TTL", time.Hour),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
