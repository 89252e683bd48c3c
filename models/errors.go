package models

import "fmt"

// ErrorKind classifies why a fetch did not produce content. Kinds are part of
// the public wire contract (FetchResult.Error).
type ErrorKind string

const (
	ErrNetwork             ErrorKind = "network_error"
	ErrHTTPStatus          ErrorKind = "http_status_error"
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrWrongContentType    ErrorKind = "wrong_content_type"
	ErrChallengeDetected   ErrorKind = "challenge_detected"
	ErrAccessRestricted    ErrorKind = "access_restricted"
	ErrInsufficientContent ErrorKind = "insufficient_content"
	ErrExtractionFailed    ErrorKind = "extraction_failed"
	ErrResponseTooLarge    ErrorKind = "response_too_large"
	ErrPDFFetchFailed      ErrorKind = "pdf_fetch_failed"
	ErrInvalidURL          ErrorKind = "invalid_url"
)

// SuggestedAction is advisory only; the service never acts on it.
type SuggestedAction string

const (
	ActionRetryWithExtract SuggestedAction = "retry_with_extract"
	ActionWaitAndRetry     SuggestedAction = "wait_and_retry"
	ActionSkip             SuggestedAction = "skip"
)

// Phase records where in the pipeline an error was produced. The same kind
// can carry different advice depending on the phase (insufficient_content
// at the raw-response level vs. after extraction).
type Phase string

const (
	PhaseFetch    Phase = "fetch"
	PhaseValidate Phase = "validate"
	PhaseExtract  Phase = "extract"
	PhasePDF      Phase = "pdf"
)

// Transport error codes that terminate retrying regardless of kind.
const (
	CodeSSRFBlocked  = "ssrf_blocked"
	CodeDNSRebinding = "dns_rebinding"
)

// FetchError is the internal error type carrying a classified kind.
// It implements the error interface and supports error wrapping via Unwrap.
type FetchError struct {
	Kind       ErrorKind
	Phase      Phase
	Message    string
	Code       string // transport error code, if any
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError.
func NewFetchError(kind ErrorKind, phase Phase, message string, err error) *FetchError {
	return &FetchError{Kind: kind, Phase: phase, Message: message, Err: err}
}

// Policy is the outcome of classifying a FetchError.
type Policy struct {
	Retryable       bool
	SuggestedAction SuggestedAction
	Hint            string
}

// Classify is the single place that decides whether an error is retried by
// the transport loop and what the caller is advised to do about it.
func Classify(e *FetchError) Policy {
	if e == nil {
		return Policy{}
	}
	switch e.Kind {
	case ErrNetwork:
		if e.Code == CodeSSRFBlocked || e.Code == CodeDNSRebinding {
			return Policy{
				SuggestedAction: ActionSkip,
				Hint:            "the target resolves to a disallowed network address",
			}
		}
		return Policy{
			Retryable:       true,
			SuggestedAction: ActionRetryWithExtract,
			Hint:            "the site could not be reached; a rendering fetcher may succeed",
		}
	case ErrRateLimited:
		return Policy{
			SuggestedAction: ActionWaitAndRetry,
			Hint:            "the site is rate limiting requests; back off before retrying",
		}
	case ErrHTTPStatus:
		if e.StatusCode == 403 {
			return Policy{
				SuggestedAction: ActionRetryWithExtract,
				Hint:            "access was denied; the site may require a browser session",
			}
		}
		return Policy{
			SuggestedAction: ActionSkip,
			Hint:            fmt.Sprintf("the site answered with HTTP %d", e.StatusCode),
		}
	case ErrChallengeDetected:
		return Policy{
			SuggestedAction: ActionRetryWithExtract,
			Hint:            "a bot-mitigation interstitial was served instead of the page",
		}
	case ErrAccessRestricted:
		return Policy{
			SuggestedAction: ActionRetryWithExtract,
			Hint:            "the article is behind a paywall or registration gate",
		}
	case ErrInsufficientContent:
		if e.Phase == PhaseValidate {
			return Policy{SuggestedAction: ActionSkip, Hint: "the page has almost no visible text"}
		}
		return Policy{
			SuggestedAction: ActionRetryWithExtract,
			Hint:            "only a short teaser could be extracted",
		}
	case ErrExtractionFailed:
		return Policy{
			SuggestedAction: ActionRetryWithExtract,
			Hint:            "no extraction strategy found article content",
		}
	case ErrWrongContentType:
		return Policy{SuggestedAction: ActionSkip, Hint: "the response is not an HTML document"}
	case ErrResponseTooLarge:
		return Policy{SuggestedAction: ActionSkip, Hint: "the response exceeded the size limit"}
	case ErrPDFFetchFailed:
		return Policy{SuggestedAction: ActionSkip, Hint: "the PDF could not be retrieved or parsed"}
	case ErrInvalidURL:
		return Policy{SuggestedAction: ActionSkip, Hint: "the URL is malformed or uses an unsupported scheme"}
	default:
		return Policy{SuggestedAction: ActionSkip}
	}
}

// API-level error codes used by the HTTP layer (not fetch outcomes).
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of a request rejected before any fetch ran.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}
