// Package transport owns the pooled, TLS-fingerprinted HTTP sessions used for
// every outbound request, and the SSRF and size checks applied to them.
package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/use-agent/pagefetch/metrics"
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	MaxSessions      int           // default: 32
	MaxAge           time.Duration // default: 10m
	DefaultPreset    Preset        // default: chrome
	DefaultProxy     string
	DefaultTimeout   time.Duration // default: 20s
	DNSTimeout       time.Duration // default: 5s
	MaxResponseBytes int64         // default: 10 MiB

	// TrustedProxies are operator proxies that, like DefaultProxy, may sit on
	// private networks. Any other proxy named by a request must pass the
	// address checks applied to targets.
	TrustedProxies []string

	// RootCAs verifies TLS peers. default: system roots
	RootCAs *x509.CertPool

	// AllowPrivateNetworks disables the address range check. Tests only.
	AllowPrivateNetworks bool

	// Resolver is used for the SSRF lookup. default: net.DefaultResolver
	Resolver Resolver

	// DialContext opens raw TCP connections. default: net.Dialer
	DialContext DialFunc

	// HostRPS paces requests per target host. 0 disables pacing.
	HostRPS   float64
	HostBurst int

	// Now is the clock used for session age and LRU. default: time.Now
	Now func() time.Time
}

// Manager is an injectable pool of sessions. It is safe for concurrent use.
type Manager struct {
	opts           Options
	trustedProxies map[string]struct{}

	mu       sync.Mutex
	sessions map[string]*Session

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 32
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 10 * time.Minute
	}
	if opts.DefaultPreset == "" {
		opts.DefaultPreset = DefaultPreset
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 20 * time.Second
	}
	if opts.DNSTimeout <= 0 {
		opts.DNSTimeout = 5 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 10 << 20
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.HostBurst <= 0 {
		opts.HostBurst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:           opts,
		trustedProxies: trustedProxySet(opts.DefaultProxy, opts.TrustedProxies),
		sessions:       make(map[string]*Session),
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Request describes one GET issued through the pool.
type Request struct {
	URL     string
	Header  http.Header
	Preset  Preset
	Timeout time.Duration
	Proxy   string
	Cookies []*http.Cookie
}

// Response is the outcome of Do. Failures are data: Success is false and
// Error holds one of the Code* constants.
type Response struct {
	Success    bool
	StatusCode int
	Body       []byte
	Header     http.Header
	Cookies    []*http.Cookie
	FinalURL   string

	// ConnectedAddr is the peer of the connection that served the response.
	ConnectedAddr string

	Error  string
	Detail string
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

func failure(err error) *Response {
	te := classify(err)
	return &Response{Error: te.Code, Detail: te.Error()}
}

// Do issues a GET through the session pool. It never returns an error;
// every failure is reported through Response.Error.
func (m *Manager) Do(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := m.do(ctx, req)

	code := resp.Error
	if code == "" {
		code = "ok"
	}
	metrics.ObserveTransportAttempt(code)
	slog.Debug("transport: request done",
		"url", req.URL,
		"status", resp.StatusCode,
		"code", code,
		"bytes", len(resp.Body),
		"latency", time.Since(start),
	)
	return resp
}

func (m *Manager) do(ctx context.Context, req *Request) *Response {
	u, err := parseTarget(req.URL)
	if err != nil {
		return failure(err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// ── 1. SSRF check ──
	addrs, err := m.validateHost(ctx, u.Hostname())
	if err != nil {
		return failure(err)
	}
	guard := newAddrGuard()
	guard.allow(u.Hostname(), addrs)

	// ── 2. Proxy check ──
	proxy := req.Proxy
	if proxy == "" {
		proxy = m.opts.DefaultProxy
	}
	if err := m.checkProxy(ctx, proxy, guard); err != nil {
		return failure(err)
	}

	// ── 3. Per-host pacing ──
	if err := m.pace(ctx, u.Hostname()); err != nil {
		return failure(err)
	}

	// ── 4. Pooled session ──
	s, err := m.Acquire(req.Preset, proxy)
	if err != nil {
		return failure(err)
	}
	resp := m.roundTrip(ctx, s, req, u, guard)
	m.Release(s)

	// ── 5. 304 from a recognized fingerprint: retry once on a fresh session ──
	if resp.StatusCode == http.StatusNotModified {
		slog.Debug("transport: 304, retrying with a fresh session", "url", req.URL)
		fresh, err := m.newSession(s.preset, s.proxy)
		if err != nil {
			return resp
		}
		resp = m.roundTrip(ctx, fresh, req, u, guard)
		fresh.close()
	}
	return resp
}

// pace waits for the per-host token bucket when pacing is enabled.
func (m *Manager) pace(ctx context.Context, host string) error {
	if m.opts.HostRPS <= 0 {
		return nil
	}
	m.limMu.Lock()
	lim, ok := m.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.opts.HostRPS), m.opts.HostBurst)
		m.limiters[host] = lim
	}
	m.limMu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return &Error{Code: CodeTimeout, Msg: "waiting for host rate limit", Err: err}
	}
	return nil
}

func (m *Manager) roundTrip(ctx context.Context, s *Session, req *Request, u *url.URL, guard *addrGuard) *Response {
	ctx = withGuard(ctx, guard)

	var connected string
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn != nil && info.Conn.RemoteAddr() != nil {
				connected = info.Conn.RemoteAddr().String()
			}
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failure(&Error{Code: CodeInvalidURL, Msg: "build request", Err: err})
	}
	for _, h := range defaultHeaders(s.preset) {
		httpReq.Header.Set(h[0], h[1])
	}
	httpReq.Header.Set("Cache-Control", "no-cache")
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	hr, err := s.client.Do(httpReq)
	if err != nil {
		return failure(err)
	}
	defer hr.Body.Close()

	limit := m.opts.MaxResponseBytes
	if hr.ContentLength > limit {
		resp := failure(&Error{
			Code: CodeResponseTooLarge,
			Msg:  fmt.Sprintf("declared content length %d exceeds %d", hr.ContentLength, limit),
		})
		resp.StatusCode = hr.StatusCode
		return resp
	}
	body, err := io.ReadAll(io.LimitReader(hr.Body, limit+1))
	if err != nil {
		return failure(err)
	}
	if int64(len(body)) > limit {
		resp := failure(&Error{
			Code: CodeResponseTooLarge,
			Msg:  fmt.Sprintf("body exceeds %d bytes", limit),
		})
		resp.StatusCode = hr.StatusCode
		return resp
	}

	resp := &Response{
		StatusCode:    hr.StatusCode,
		Body:          body,
		Header:        hr.Header,
		Cookies:       hr.Cookies(),
		FinalURL:      hr.Request.URL.String(),
		ConnectedAddr: connected,
	}
	if hr.StatusCode < 200 || hr.StatusCode >= 300 {
		resp.Error = CodeHTTPStatus
		resp.Detail = fmt.Sprintf("HTTP %d", hr.StatusCode)
		return resp
	}
	resp.Success = true
	return resp
}
