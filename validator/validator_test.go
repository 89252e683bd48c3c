package validator

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/transport"
)

func htmlResponse(body string) *transport.Response {
	return &transport.Response{
		Success:    true,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

var articleBody = strings.Repeat("The committee met on Tuesday to review the harbour plan. ", 10)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		resp *transport.Response
		want models.ErrorKind
	}{
		{
			name: "article is valid",
			resp: htmlResponse("<html><head><title>Plan</title></head><body><article><p>" + articleBody + "</p></article></body></html>"),
		},
		{
			name: "json is wrong content type",
			resp: &transport.Response{
				Header: http.Header{"Content-Type": {"application/json"}},
				Body:   []byte(`{"ok":true}`),
			},
			want: models.ErrWrongContentType,
		},
		{
			name: "missing content type is sniffed",
			resp: &transport.Response{Body: []byte("<!DOCTYPE html><html><body><p>" + articleBody + "</p></body></html>")},
		},
		{
			name: "cloudflare interstitial",
			resp: htmlResponse(`<html><head><title>Just a moment...</title></head><body><script>window._cf_chl_opt={}</script></body></html>`),
			want: models.ErrChallengeDetected,
		},
		{
			name: "datadome captcha",
			resp: htmlResponse(`<html><body><iframe src="https://geo.captcha-delivery.com/captcha/"></iframe></body></html>`),
			want: models.ErrChallengeDetected,
		},
		{
			name: "challenge wording on a large page is ignored",
			resp: htmlResponse("<html><body><p>Just a moment... " + strings.Repeat(articleBody, 100) + "</p></body></html>"),
		},
		{
			name: "paywall gate",
			resp: htmlResponse(`<html><body><div class="paywall-overlay">Subscribe to continue reading</div><p>` + articleBody + `</p></body></html>`),
			want: models.ErrAccessRestricted,
		},
		{
			name: "linked data marks article as not free",
			resp: htmlResponse(`<html><head><script type="application/ld+json">{"@type":"NewsArticle","isAccessibleForFree": false}</script></head><body><p>` + articleBody + `</p></body></html>`),
			want: models.ErrAccessRestricted,
		},
		{
			name: "script-only shell is insufficient",
			resp: htmlResponse(`<html><body><div id="root"></div><script>` + strings.Repeat("var a=1;", 200) + `</script></body></html>`),
			want: models.ErrInsufficientContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.resp)
			if tt.want == "" {
				assert.True(t, got.Valid, got.Details)
				assert.Empty(t, got.Error)
				return
			}
			assert.False(t, got.Valid)
			assert.Equal(t, tt.want, got.Error)
			assert.NotEmpty(t, got.Details)
		})
	}
}

func TestValidateCustomFloor(t *testing.T) {
	v := New(20)
	got := v.Validate(htmlResponse("<html><body><p>short but long enough text</p></body></html>"))
	assert.True(t, got.Valid, got.Details)
}

func TestVisibleText(t *testing.T) {
	got := VisibleText([]byte(`<html><head><title>T</title><style>p{}</style></head>
<body><h1>Heading</h1>
<script>alert("x")</script><noscript>enable js</noscript>
<p>First   paragraph.</p><p>Second</p></body></html>`))
	assert.Equal(t, "Heading First paragraph. Second", got)
}

func TestNormalizeContentType(t *testing.T) {
	assert.Equal(t, "text/html", NormalizeContentType("Text/HTML; charset=UTF-8"))
	assert.Equal(t, "", NormalizeContentType(""))
	assert.True(t, IsPDF(NormalizeContentType("application/pdf")))
	assert.True(t, IsHTML("application/xhtml+xml"))
}

func TestDetectAntibot(t *testing.T) {
	header := http.Header{
		"Server": {"cloudflare"},
		"Cf-Ray": {"8a1b2c3d4e5f-AMS"},
	}
	cookies := []*http.Cookie{{Name: "_abck", Value: "x"}, {Name: "session", Value: "y"}}
	body := `<div id="px-captcha"></div>`

	got := DetectAntibot(header, cookies, body)

	assert.Equal(t, []Detection{
		{Vendor: "cloudflare", Signal: "header:cf-ray"},
		{Vendor: "akamai", Signal: "cookie:_abck"},
		{Vendor: "perimeterx", Signal: "html:px-captcha"},
	}, got)
}

func TestDetectAntibotClean(t *testing.T) {
	assert.Empty(t, DetectAntibot(http.Header{"Server": {"nginx"}}, nil, "<html><body>plain</body></html>"))
}
