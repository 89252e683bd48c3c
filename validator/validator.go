// Package validator classifies raw transport responses before extraction.
// It performs no I/O.
package validator

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/transport"
)

// DefaultMinContentLength is the visible-text floor below which a page is
// flagged as insufficient_content.
const DefaultMinContentLength = 200

// Pages larger than this are assumed to carry real content; the wording-only
// challenge phrases are not checked against them.
const challengePhraseMaxBytes = 50000

// Result is the outcome of validating one response.
type Result struct {
	Valid   bool
	Error   models.ErrorKind
	Details string
}

// Validator flags responses that are unlikely to contain the requested article.
type Validator struct {
	MinContentLength int
}

// New returns a Validator with the given content floor.
func New(minContentLength int) *Validator {
	if minContentLength <= 0 {
		minContentLength = DefaultMinContentLength
	}
	return &Validator{MinContentLength: minContentLength}
}

// Validate checks a response with the default content floor.
func Validate(resp *transport.Response) Result {
	return New(DefaultMinContentLength).Validate(resp)
}

// Validate classifies resp. Checks run in a fixed order and the first flag
// wins: content type, challenge interstitial, access gate, visible text.
func (v *Validator) Validate(resp *transport.Response) Result {
	if resp == nil {
		return Result{Error: models.ErrInsufficientContent, Details: "no response"}
	}

	ct := NormalizeContentType(resp.ContentType())
	if ct == "" {
		ct = NormalizeContentType(http.DetectContentType(resp.Body))
	}
	if !IsHTML(ct) {
		return Result{
			Error:   models.ErrWrongContentType,
			Details: fmt.Sprintf("content type %q is not HTML", ct),
		}
	}

	body := string(resp.Body)
	lower := strings.ToLower(body)

	if sig, ok := challengeSignature(lower); ok {
		return Result{Error: models.ErrChallengeDetected, Details: "challenge signature: " + sig}
	}
	if sig, ok := accessGateSignature(lower); ok {
		return Result{Error: models.ErrAccessRestricted, Details: "access gate signature: " + sig}
	}

	text := VisibleText(resp.Body)
	if n := utf8.RuneCountInString(text); n < v.MinContentLength {
		return Result{
			Error:   models.ErrInsufficientContent,
			Details: fmt.Sprintf("visible text is %d chars, need %d", n, v.MinContentLength),
		}
	}
	return Result{Valid: true}
}

// NormalizeContentType strips parameters and lowercases a Content-Type value.
func NormalizeContentType(value string) string {
	if value == "" {
		return ""
	}
	parts := strings.Split(value, ";")
	return strings.ToLower(strings.TrimSpace(parts[0]))
}

// IsHTML reports whether a normalized content type is HTML or XHTML.
func IsHTML(ct string) bool {
	return ct == "text/html" || ct == "application/xhtml+xml"
}

// IsPDF reports whether a normalized content type is PDF.
func IsPDF(ct string) bool {
	return ct == "application/pdf" || ct == "application/x-pdf"
}

// Markup only the mitigation vendors emit; matched at any page size.
var challengeMarkers = []string{
	"_cf_chl_opt",
	"cf-chl-",
	"/cdn-cgi/challenge-platform/",
	"cf-browser-verification",
	"captcha-delivery.com",
	"px-captcha",
	"_incapsula_resource",
	"/_sec/cp_challenge/",
}

// Wording shown on interstitials; only trusted on small pages.
var challengePhrases = []string{
	"just a moment...",
	"checking your browser before accessing",
	"attention required! | cloudflare",
	"please enable js and disable any ad blocker",
	"verify you are human",
	"press & hold to confirm you are",
}

func challengeSignature(lower string) (string, bool) {
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	if len(lower) > challengePhraseMaxBytes {
		return "", false
	}
	for _, p := range challengePhrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

var accessGateMarkers = []string{
	`"isaccessibleforfree":false`,
	`"isaccessibleforfree": false`,
	`"isaccessibleforfree":"false"`,
	`"isaccessibleforfree": "false"`,
	"class=\"paywall",
	"id=\"paywall",
	"subscriber-only",
	"subscribers-only",
	"meteredcontent",
	"metered-content",
	"regwall",
	"registration-wall",
	"subscribe to continue reading",
	"subscribe to read the full",
	"log in to continue reading",
	"sign in to continue reading",
}

func accessGateSignature(lower string) (string, bool) {
	for _, m := range accessGateMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	return "", false
}

// VisibleText returns the rendered text of a document, skipping title,
// script, style, noscript and template content. Runs of text are joined with
// single spaces.
func VisibleText(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	var buf strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(buf.String())
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if isHiddenTag(string(tn)) {
				skipDepth++
			}
		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if isHiddenTag(string(tn)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				text := strings.Join(strings.Fields(string(tokenizer.Text())), " ")
				if text != "" {
					if buf.Len() > 0 {
						buf.WriteByte(' ')
					}
					buf.WriteString(text)
				}
			}
		}
	}
}

func isHiddenTag(tag string) bool {
	switch tag {
	case "title", "script", "style", "noscript", "template":
		return true
	}
	return false
}
