package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Error codes carried in Response.Error.
const (
	CodeInvalidURL       = "invalid_url"
	CodeDNSError         = "dns_error"
	CodeSSRFBlocked      = "ssrf_blocked"
	CodeDNSRebinding     = "dns_rebinding"
	CodeTimeout          = "timeout"
	CodeConnectionError  = "connection_error"
	CodeResponseTooLarge = "response_too_large"
	CodeHTTPStatus       = "http_status"
	CodeInvalidProxy     = "invalid_proxy"
)

// Error is a classified transport failure. It never escapes Do; it is
// flattened into Response.Error and Response.Detail.
type Error struct {
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("transport: %s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps an error from the HTTP client onto a transport code.
// Errors produced by our own dialer and redirect policy keep their code.
func classify(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Code: CodeTimeout, Msg: "request timed out", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Code: CodeTimeout, Msg: "request timed out", Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Code: CodeDNSError, Msg: "dns lookup failed", Err: err}
	}
	return &Error{Code: CodeConnectionError, Msg: "request failed", Err: err}
}
