package validator

import (
	"net/http"
	"strings"
)

// Detection is one bot-mitigation vendor recognized in a response.
type Detection struct {
	Vendor string `json:"vendor"`
	Signal string `json:"signal"` // e.g. "header:cf-ray", "cookie:_abck", "html:px-captcha"
}

type antibotRule struct {
	vendor        string
	headers       []string // header names whose presence is a signal
	serverValues  []string // substrings of the Server header
	cookiePrefix  []string
	htmlSubstring []string
}

// Rules are evaluated in order; at most one detection per vendor is reported.
var antibotRules = []antibotRule{
	{
		vendor:        "cloudflare",
		headers:       []string{"cf-ray", "cf-mitigated"},
		serverValues:  []string{"cloudflare"},
		cookiePrefix:  []string{"__cf_bm", "cf_clearance", "__cflb"},
		htmlSubstring: []string{"/cdn-cgi/challenge-platform/", "_cf_chl_opt", "cf-turnstile"},
	},
	{
		vendor:        "akamai",
		headers:       []string{"akamai-grn", "x-akamai-transformed"},
		serverValues:  []string{"akamaighost"},
		cookiePrefix:  []string{"_abck", "bm_sz", "ak_bmsc"},
		htmlSubstring: []string{"/_sec/cp_challenge/"},
	},
	{
		vendor:        "datadome",
		headers:       []string{"x-datadome", "x-datadome-cid"},
		cookiePrefix:  []string{"datadome"},
		htmlSubstring: []string{"captcha-delivery.com", "js.datadome.co"},
	},
	{
		vendor:        "perimeterx",
		cookiePrefix:  []string{"_px3", "_pxhd", "_pxvid"},
		htmlSubstring: []string{"px-captcha", "_pxappid", "client.perimeterx.net"},
	},
	{
		vendor:        "imperva",
		headers:       []string{"x-iinfo"},
		cookiePrefix:  []string{"incap_ses_", "visid_incap_", "reese84"},
		htmlSubstring: []string{"_incapsula_resource"},
	},
	{
		vendor:        "kasada",
		headers:       []string{"x-kpsdk-ct", "x-kpsdk-cd"},
		htmlSubstring: []string{"ips.js?", "kpsdk"},
	},
	{
		vendor:        "aws-waf",
		headers:       []string{"x-amzn-waf-action"},
		cookiePrefix:  []string{"aws-waf-token"},
		htmlSubstring: []string{"awswafintegration"},
	},
	{
		vendor:        "recaptcha",
		htmlSubstring: []string{"www.google.com/recaptcha", "g-recaptcha"},
	},
	{
		vendor:        "hcaptcha",
		htmlSubstring: []string{"hcaptcha.com/1/api.js", "h-captcha"},
	},
}

// DetectAntibot matches response headers, cookies and markup against known
// bot-mitigation vendor signatures. The result is for observability only.
func DetectAntibot(header http.Header, cookies []*http.Cookie, body string) []Detection {
	lower := strings.ToLower(body)
	server := strings.ToLower(header.Get("Server"))

	var out []Detection
	for _, rule := range antibotRules {
		if signal := rule.match(header, server, cookies, lower); signal != "" {
			out = append(out, Detection{Vendor: rule.vendor, Signal: signal})
		}
	}
	return out
}

func (r antibotRule) match(header http.Header, server string, cookies []*http.Cookie, lower string) string {
	for _, h := range r.headers {
		if header.Get(h) != "" {
			return "header:" + h
		}
	}
	for _, v := range r.serverValues {
		if strings.Contains(server, v) {
			return "server:" + v
		}
	}
	for _, c := range cookies {
		name := strings.ToLower(c.Name)
		for _, p := range r.cookiePrefix {
			if strings.HasPrefix(name, p) {
				return "cookie:" + c.Name
			}
		}
	}
	for _, s := range r.htmlSubstring {
		if strings.Contains(lower, s) {
			return "html:" + s
		}
	}
	return ""
}
