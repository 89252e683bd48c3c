package transport

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// DialFunc opens a raw connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

const maxRedirects = 10

// parseProxy validates a proxy URL. An empty string means a direct connection.
func parseProxy(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{Code: CodeInvalidProxy, Msg: "parse proxy url", Err: err}
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, &Error{Code: CodeInvalidProxy, Msg: fmt.Sprintf("proxy scheme %q not supported", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &Error{Code: CodeInvalidProxy, Msg: "proxy url has no host"}
	}
	return u, nil
}

// proxyAddr returns host:port for a proxy URL, filling in the scheme's
// default port.
func proxyAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	switch u.Scheme {
	case "https":
		port = "443"
	case "socks5", "socks5h":
		port = "1080"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// checkProxy admits the proxy for one request. Operator-configured proxies
// are trusted and may live on private networks; any other proxy host passes
// the same address checks as a target and is pinned like one.
func (m *Manager) checkProxy(ctx context.Context, raw string, g *addrGuard) error {
	u, err := parseProxy(raw)
	if err != nil || u == nil {
		return err
	}
	if m.proxyTrusted(u) {
		g.trust(u.Hostname())
		return nil
	}
	addrs, err := m.validateHost(ctx, u.Hostname())
	if err != nil {
		var te *Error
		if errors.As(err, &te) && te.Code == CodeSSRFBlocked {
			te.Msg = "proxy " + te.Msg
		}
		return err
	}
	g.allow(u.Hostname(), addrs)
	return nil
}

func (m *Manager) proxyTrusted(u *url.URL) bool {
	_, ok := m.trustedProxies[strings.ToLower(proxyAddr(u))]
	return ok
}

// trustedProxySet indexes the operator's proxies by host:port.
func trustedProxySet(defaultProxy string, extra []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, raw := range append([]string{defaultProxy}, extra...) {
		u, err := parseProxy(strings.TrimSpace(raw))
		if err != nil || u == nil {
			continue
		}
		set[strings.ToLower(proxyAddr(u))] = struct{}{}
	}
	return set
}

// baseDialer returns the hook used to open TCP connections.
func (m *Manager) baseDialer() DialFunc {
	if m.opts.DialContext != nil {
		return m.opts.DialContext
	}
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return d.DialContext
}

// pinnedDial connects only to the addresses validated for the host in the
// request's guard, so a second DNS answer can never redirect the connection.
// A peer outside the validated set is accepted only when it is itself a
// public address. Trusted proxy hosts are dialed as given.
func pinnedDial(raw DialFunc) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		g := guardFrom(ctx)
		if g == nil {
			return raw(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, &Error{Code: CodeConnectionError, Msg: "dial address " + addr, Err: err}
		}
		if g.trusted(host) {
			return raw(ctx, network, addr)
		}
		addrs := g.addrs(host)
		if len(addrs) == 0 {
			return nil, &Error{Code: CodeDNSRebinding, Msg: "no validated addresses for " + host}
		}

		var lastErr error
		for _, a := range addrs {
			conn, err := raw(ctx, network, net.JoinHostPort(a.String(), port))
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					break
				}
				continue
			}
			if peer, ok := remoteAddr(conn); ok && !g.permits(host, peer) {
				conn.Close()
				return nil, &Error{
					Code: CodeDNSRebinding,
					Msg:  fmt.Sprintf("connected to %s which was not validated for %s", peer, host),
				}
			}
			return conn, nil
		}
		return nil, lastErr
	}
}

// socksDialer tunnels connections through a SOCKS5 proxy. The connection to
// the proxy itself goes through dial.
func socksDialer(dial DialFunc, proxyURL *url.URL) (DialFunc, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: pass}
	}
	socks, err := proxy.SOCKS5("tcp", proxyAddr(proxyURL), auth, contextDialer(dial))
	if err != nil {
		return nil, &Error{Code: CodeInvalidProxy, Msg: "socks5 dialer", Err: err}
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, &Error{Code: CodeInvalidProxy, Msg: "socks5 dialer does not support contexts"}
	}
	return cd.DialContext, nil
}

// contextDialer adapts a DialFunc to proxy.Dialer so SOCKS5 connections to
// the proxy itself go through the configured dial hook.
type contextDialer DialFunc

func (d contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d(context.Background(), network, addr)
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d(ctx, network, addr)
}

// connectDialer opens a tunnel through an HTTP or HTTPS proxy with CONNECT.
// The caller layers its own TLS handshake on the returned connection, so the
// preset's ClientHello reaches the target unchanged.
func connectDialer(dial DialFunc, proxyURL *url.URL, roots *x509.CertPool) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, "tcp", proxyAddr(proxyURL))
		if err != nil {
			return nil, err
		}
		if proxyURL.Scheme == "https" {
			tc := tls.Client(conn, &tls.Config{ServerName: proxyURL.Hostname(), RootCAs: roots})
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, fmt.Errorf("transport: proxy tls handshake: %w", err)
			}
			conn = tc
		}

		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
			defer conn.SetDeadline(time.Time{})
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if proxyURL.User != nil {
			pass, _ := proxyURL.User.Password()
			cred := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + pass))
			req.Header.Set("Proxy-Authorization", "Basic "+cred)
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: proxy connect: %w", err)
		}

		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: proxy connect: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			conn.Close()
			return nil, &Error{Code: CodeConnectionError, Msg: "proxy refused tunnel: " + resp.Status}
		}
		if br.Buffered() > 0 {
			return &bufferedConn{Conn: conn, r: br}, nil
		}
		return conn, nil
	}
}

// bufferedConn serves bytes read ahead while parsing the CONNECT reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// tlsDialer wraps a dialer with a utls handshake using the preset's
// ClientHello.
func tlsDialer(dial DialFunc, preset Preset, roots *x509.CertPool) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		spec, err := clientHelloSpec(preset)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.UClient(conn, &tls.Config{ServerName: host, RootCAs: roots}, tls.HelloCustom)
		if err := tlsConn.ApplyPreset(&spec); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: apply tls spec: %w", err)
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake: %w", err)
		}
		return tlsConn, nil
	}
}

// newHTTPClient builds the HTTP/1.1 client backing one session.
//
// Every TLS connection, proxied or not, is opened by tlsDialer. SOCKS5 and
// HTTPS proxies tunnel all traffic; HTTP proxies tunnel https targets with
// CONNECT and receive plain http requests in absolute form.
func (m *Manager) newHTTPClient(preset Preset, proxyURL *url.URL) (*http.Client, *http.Transport, error) {
	pinned := pinnedDial(m.baseDialer())
	plain, secure := pinned, pinned
	var proxyFunc func(*http.Request) (*url.URL, error)

	if proxyURL != nil {
		switch proxyURL.Scheme {
		case "socks5", "socks5h":
			socks, err := socksDialer(pinned, proxyURL)
			if err != nil {
				return nil, nil, err
			}
			plain, secure = socks, socks
		case "https":
			tunnel := connectDialer(pinned, proxyURL, m.opts.RootCAs)
			plain, secure = tunnel, tunnel
		default:
			secure = connectDialer(pinned, proxyURL, m.opts.RootCAs)
			proxyFunc = func(r *http.Request) (*url.URL, error) {
				if r.URL.Scheme == "http" {
					return proxyURL, nil
				}
				return nil, nil
			}
		}
	}

	tr := &http.Transport{
		Proxy:               proxyFunc,
		DialContext:         plain,
		DialTLSContext:      tlsDialer(secure, preset, m.opts.RootCAs),
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return &Error{Code: CodeConnectionError, Msg: "too many redirects"}
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return &Error{Code: CodeInvalidURL, Msg: fmt.Sprintf("redirect to scheme %q", req.URL.Scheme)}
			}
			addrs, err := m.validateHost(req.Context(), req.URL.Hostname())
			if err != nil {
				return err
			}
			if g := guardFrom(req.Context()); g != nil {
				g.allow(req.URL.Hostname(), addrs)
			}
			return nil
		},
	}
	return client, tr, nil
}
