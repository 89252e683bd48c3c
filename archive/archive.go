// Package archive retrieves archived copies of pages from a Wayback
// Machine compatible mirror. Both the availability lookup and the snapshot
// download go through the session transport, so SSRF rules apply to them.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/use-agent/pagefetch/transport"
)

// DefaultEndpoint is the public Wayback Machine.
const DefaultEndpoint = "https://archive.org"

// ErrNoSnapshot means the mirror has no copy of the page. It does not count
// against the circuit breaker.
var ErrNoSnapshot = errors.New("archive: no snapshot available")

// Fetcher is the subset of transport.Manager the mirror needs.
type Fetcher interface {
	Do(ctx context.Context, req *transport.Request) *transport.Response
}

// Snapshot is one archived copy of a page.
type Snapshot struct {
	URL       string // raw snapshot URL that was downloaded
	Timestamp string // YYYYMMDDhhmmss
	HTML      []byte
	Header    http.Header
}

// Options configure a Mirror.
type Options struct {
	Endpoint string

	// MaxFailures consecutive failures open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Mirror looks up and downloads snapshots.
type Mirror struct {
	endpoint *url.URL
	fetcher  Fetcher
	breaker  *gobreaker.CircuitBreaker
}

type availability struct {
	ArchivedSnapshots struct {
		Closest *struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// New returns a Mirror that fetches through f.
func New(f Fetcher, opts Options) (*Mirror, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("archive: invalid endpoint %q", opts.Endpoint)
	}

	maxFailures := opts.MaxFailures
	settings := gobreaker.Settings{
		Name:    "archive",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoSnapshot) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("archive: circuit breaker state changed",
				"circuit", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Mirror{
		endpoint: endpoint,
		fetcher:  f,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// FetchSnapshot returns the raw HTML of the snapshot closest to now. When the
// breaker is open it fails fast with gobreaker.ErrOpenState.
func (m *Mirror) FetchSnapshot(ctx context.Context, pageURL string) (*Snapshot, error) {
	v, err := m.breaker.Execute(func() (interface{}, error) {
		return m.fetch(ctx, pageURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("archive: %w", err)
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (m *Mirror) fetch(ctx context.Context, pageURL string) (*Snapshot, error) {
	// ── 1. availability lookup ──────────────────────────────────────
	lookup := m.endpoint.JoinPath("wayback", "available")
	lookup.RawQuery = url.Values{"url": {pageURL}}.Encode()

	resp := m.fetcher.Do(ctx, &transport.Request{
		URL:    lookup.String(),
		Header: http.Header{"Accept": {"application/json"}},
	})
	if !resp.Success {
		return nil, fmt.Errorf("archive: availability: %s: %s", resp.Error, resp.Detail)
	}

	var av availability
	if err := json.Unmarshal(resp.Body, &av); err != nil {
		return nil, fmt.Errorf("archive: decode: %w", err)
	}
	closest := av.ArchivedSnapshots.Closest
	if closest == nil || !closest.Available || closest.URL == "" {
		return nil, ErrNoSnapshot
	}

	// ── 2. raw snapshot ─────────────────────────────────────────────
	raw := m.rawURL(closest.URL, closest.Timestamp)
	resp = m.fetcher.Do(ctx, &transport.Request{URL: raw})
	if !resp.Success {
		return nil, fmt.Errorf("archive: snapshot: %s: %s", resp.Error, resp.Detail)
	}

	slog.Debug("archive: snapshot fetched", "url", pageURL, "snapshot", raw, "bytes", len(resp.Body))
	return &Snapshot{
		URL:       raw,
		Timestamp: closest.Timestamp,
		HTML:      resp.Body,
		Header:    resp.Header,
	}, nil
}

// rawURL rewrites a snapshot URL to its "id_" form, which serves the
// original markup without the mirror's toolbar and link rewriting. Snapshot
// URLs on the mirror's own host take the endpoint's scheme.
func (m *Mirror) rawURL(snapshot, timestamp string) string {
	u, err := url.Parse(snapshot)
	if err != nil {
		return snapshot
	}
	if strings.EqualFold(u.Host, m.endpoint.Host) || strings.HasSuffix(u.Host, ".archive.org") {
		u.Scheme = m.endpoint.Scheme
	}
	if timestamp != "" {
		marker := "/web/" + timestamp + "/"
		u.Path = strings.Replace(u.Path, marker, "/web/"+timestamp+"id_/", 1)
		if u.RawPath != "" {
			u.RawPath = strings.Replace(u.RawPath, marker, "/web/"+timestamp+"id_/", 1)
		}
	}
	return u.String()
}

// State reports the breaker state for health output.
func (m *Mirror) State() string {
	return m.breaker.State().String()
}
