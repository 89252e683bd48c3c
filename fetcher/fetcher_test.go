package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/pagefetch/archive"
	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/sites"
	"github.com/use-agent/pagefetch/transport"
)

var story = []string{
	"The harbour commission approved the eastern quay expansion on Tuesday evening, ending a decade of debate between dock workers, shipping firms and the residents of the old town.",
	"The plan adds four deep-water berths, a rail spur to the container yard and a new customs building, and will be paid for jointly by the port authority and the regional government.",
	"Residents who gathered outside the town hall before the vote said they would consider an appeal, citing the loss of a public beach and the effect of night-time cranes on the neighbourhood.",
	"Construction is expected to begin next spring and to take roughly three years, with the first berth opening to ships while work on the rail spur and the customs building continues.",
	"Fishing cooperatives won a late amendment that keeps the inner basin free of commercial traffic, and the commission promised a yearly review of noise and air quality near the quay.",
}

const teaser = `<html><head><title>Harbour plan approved | Example News</title>%s</head><body>
<article><h1>Harbour plan approved</h1><p>The harbour commission approved the eastern quay expansion on Tuesday.</p>
<p><a href="/subscribe">Read more</a></p></article>%s</body></html>`

func teaserPage(head, body string) string { return fmt.Sprintf(teaser, head, body) }

// articlePage is a complete article with linked data, long enough to be
// accepted without any fallback.
func articlePage(extraBody string) string {
	ld, _ := json.Marshal(map[string]any{
		"@type":       "NewsArticle",
		"headline":    "Harbour plan approved",
		"articleBody": strings.Join(story, "\n\n"),
		"author":      map[string]any{"name": "Ada Lovelace"},
	})
	var b strings.Builder
	b.WriteString(`<html lang="en"><head><title>Harbour plan approved | Example News</title>`)
	b.WriteString(`<script type="application/ld+json">` + string(ld) + `</script></head><body><article><h1>Harbour plan approved</h1>`)
	for _, p := range story {
		b.WriteString("<p>" + p + "</p>\n")
	}
	b.WriteString(extraBody)
	b.WriteString(`</article></body></html>`)
	return b.String()
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}
}

// countingTransport records every outbound call.
type countingTransport struct {
	inner Transport
	calls atomic.Int32

	mu   sync.Mutex
	urls []string
}

func (c *countingTransport) Do(ctx context.Context, req *transport.Request) *transport.Response {
	c.calls.Add(1)
	c.mu.Lock()
	c.urls = append(c.urls, req.URL)
	c.mu.Unlock()
	return c.inner.Do(ctx, req)
}

type fakeArchive struct {
	snap  *archive.Snapshot
	err   error
	calls atomic.Int32
}

func (a *fakeArchive) FetchSnapshot(_ context.Context, _ string) (*archive.Snapshot, error) {
	a.calls.Add(1)
	return a.snap, a.err
}

func testOptions() Options {
	return Options{
		MaxRetries:          2,
		DefaultTimeout:      5 * time.Second,
		EnableRESTAPI:       true,
		EnableFrameworkData: true,
		EnableArchive:       true,
		MaxListItems:        10,
		TruncationMarkers:   []string{"utm_medium=rss"},
	}
}

func newTestFetcher(t *testing.T, deps Deps) (*Fetcher, *countingTransport) {
	t.Helper()
	inner := deps.Transport
	if inner == nil {
		inner = transport.NewManager(transport.Options{AllowPrivateNetworks: true})
	}
	ct := &countingTransport{inner: inner}
	deps.Transport = ct
	f := New(testOptions(), deps)
	t.Cleanup(f.Close)
	return f, ct
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestFetchArticle(t *testing.T) {
	srv := httptest.NewServer(htmlHandler(articlePage("")))
	defer srv.Close()
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/2024/harbour-plan"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodJSONLD, res.ExtractionMethod)
	assert.Equal(t, "Harbour plan approved", res.Title)
	assert.Equal(t, "Ada Lovelace", res.Byline)
	assert.GreaterOrEqual(t, len([]rune(res.TextContent)), 500)
	assert.NotEmpty(t, res.Markdown)
	assert.NotEmpty(t, res.Excerpt)
	assert.Empty(t, res.RawHTML)
	assert.Empty(t, res.Error)
	assert.Equal(t, srv.URL+"/2024/harbour-plan", res.URL)
	assert.Equal(t, int32(1), ct.calls.Load(), "a good result skips the cascade")
}

func TestFetchIncludesRawHTML(t *testing.T) {
	page := articlePage("")
	srv := httptest.NewServer(htmlHandler(page))
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/a", IncludeRawHTML: true})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, page, res.RawHTML)
}

func TestFetchRetriesNetworkErrors(t *testing.T) {
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: "http://" + closedAddr(t) + "/story"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrNetwork, res.Error)
	assert.Equal(t, models.ActionRetryWithExtract, res.SuggestedAction)
	assert.NotEmpty(t, res.Hint)
	assert.Equal(t, int32(3), ct.calls.Load(), "one attempt plus two retries")
}

func TestFetchForbiddenIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "Forbidden", http.StatusForbidden)
	}))
	defer srv.Close()
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrHTTPStatus, res.Error)
	assert.Equal(t, models.ActionRetryWithExtract, res.SuggestedAction)
	assert.Equal(t, int32(1), ct.calls.Load())
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchForbiddenPageWithArticleSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, articlePage(""))
	}))
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodJSONLD, res.ExtractionMethod)
}

func TestFetchRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	arch := &fakeArchive{err: archive.ErrNoSnapshot}
	f, ct := newTestFetcher(t, Deps{Archive: arch})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrRateLimited, res.Error)
	assert.Equal(t, models.ActionWaitAndRetry, res.SuggestedAction)
	assert.Equal(t, int32(1), ct.calls.Load())
	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, arch.calls.Load(), "rate limiting is terminal")
}

func TestFetchBlocksPrivateAddress(t *testing.T) {
	var dials atomic.Int32
	m := transport.NewManager(transport.Options{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return nil, fmt.Errorf("unexpected dial to %s", addr)
		},
	})
	arch := &fakeArchive{err: archive.ErrNoSnapshot}
	f, ct := newTestFetcher(t, Deps{Transport: m, Archive: arch})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: "http://10.0.0.5/admin"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrNetwork, res.Error)
	assert.Equal(t, models.ActionSkip, res.SuggestedAction)
	assert.Contains(t, res.ErrorDetails, "disallowed")
	assert.Equal(t, int32(1), ct.calls.Load())
	assert.Zero(t, dials.Load())
	assert.Zero(t, arch.calls.Load())
}

func TestFetchInvalidURL(t *testing.T) {
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: "ftp://example.com/file"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrInvalidURL, res.Error)
	assert.Equal(t, models.ActionSkip, res.SuggestedAction)
	assert.Zero(t, ct.calls.Load())
}

func TestFetchChallengePage(t *testing.T) {
	challenge := `<html><head><title>Just a moment...</title></head><body>
<div id="challenge-stage">Checking your browser before accessing the site.</div>
<script>window._cf_chl_opt={cvId:'3'};</script></body></html>`
	srv := httptest.NewServer(htmlHandler(challenge))
	defer srv.Close()
	arch := &fakeArchive{snap: &archive.Snapshot{URL: "https://mirror.example/web/1/x", HTML: []byte(challenge)}}
	f, _ := newTestFetcher(t, Deps{Archive: arch})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrChallengeDetected, res.Error)
	assert.Equal(t, models.ActionRetryWithExtract, res.SuggestedAction)
	assert.Empty(t, res.ArchiveURL)
	assert.Equal(t, int32(1), arch.calls.Load(), "an archived challenge page is rejected")
}

func TestFetchForbiddenChallengeReportsChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/story" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<html><head><title>Just a moment...</title></head><body>
<script>window._cf_chl_opt={cvId:'3'};</script></body></html>`)
	}))
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{Archive: &fakeArchive{err: archive.ErrNoSnapshot}})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrChallengeDetected, res.Error)
	assert.Equal(t, models.ActionRetryWithExtract, res.SuggestedAction)
}

func TestFetchGatedPageWithArticleIsTrusted(t *testing.T) {
	srv := httptest.NewServer(htmlHandler(articlePage(`<div class="paywall-banner">Subscribers get more</div>`)))
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Empty(t, res.Error)
}

func wpPost(title string, paras []string, extra map[string]any) map[string]any {
	var content strings.Builder
	for _, p := range paras {
		content.WriteString("<p>" + p + "</p>\n")
	}
	post := map[string]any{
		"id":      10,
		"slug":    "harbour-plan",
		"title":   map[string]any{"rendered": title},
		"content": map[string]any{"rendered": content.String(), "protected": false},
		"date":    "2024-05-07T09:00:00",
	}
	for k, v := range extra {
		post[k] = v
	}
	return post
}

func TestFetchRESTAPIReplacesTeaser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2024/harbour-plan", htmlHandler(teaserPage(`<link rel="https://api.w.org/" href="/wp-json/">`, "")))
	mux.HandleFunc("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harbour-plan", r.URL.Query().Get("slug"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		json.NewEncoder(w).Encode([]any{wpPost("Harbour plan approved by commission", story, nil)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/2024/harbour-plan"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodWPRestAPI, res.ExtractionMethod)
	assert.Equal(t, "Harbour plan approved by commission", res.Title, "title comes from the API payload")
	assert.GreaterOrEqual(t, len([]rune(res.TextContent)), 500)
	assert.Equal(t, "2024-05-07T09:00:00", res.PublishedTime)
	assert.NotEmpty(t, res.Markdown)
	assert.Equal(t, int32(2), ct.calls.Load())

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, srv.URL+"/wp-json/", f.memory.RESTBase(host), "the API root is remembered for the domain")
}

func TestFetchRESTAPIRejectsTruncatedPreview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2024/harbour-plan", htmlHandler(teaserPage(`<link rel="https://api.w.org/" href="/wp-json/">`, "")))
	mux.HandleFunc("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		paras := append(append([]string(nil), story...),
			`<a href="https://news.example.com/harbour?utm_medium=rss">Continue reading</a>`)
		json.NewEncoder(w).Encode([]any{wpPost("Harbour plan", paras, nil)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/2024/harbour-plan"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrInsufficientContent, res.Error)
	assert.Empty(t, f.memory.RESTBase(strings.TrimPrefix(srv.URL, "http://")))
}

func TestFetchRESTAPIListArticle(t *testing.T) {
	item11 := "Eleventh on the list is the lighthouse keeper's cottage, restored by volunteers over six summers and now open to visitors every weekend from April until the end of October."
	item12 := "Twelfth is the old fish market, where the morning auction still runs at five o'clock and where the commission plans to move its public consultation office next year."

	var includes atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/2024/harbour-facts", htmlHandler(teaserPage(
		`<link rel="alternate" type="application/json" href="/wp-json/wp/v2/posts/10">`, "")))
	mux.HandleFunc("/wp-json/wp/v2/posts/10", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wpPost("Harbour facts", story[:1], map[string]any{
			"acf": map[string]any{"list_items": []any{12, "11"}},
		}))
	})
	mux.HandleFunc("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		includes.Store(r.URL.Query().Get("include"))
		// Out of order on purpose.
		json.NewEncoder(w).Encode([]any{
			map[string]any{"id": 11, "title": map[string]any{"rendered": "Lighthouse cottage"}, "content": map[string]any{"rendered": "<p>" + item11 + "</p>"}},
			map[string]any{"id": 12, "title": map[string]any{"rendered": "Fish market"}, "content": map[string]any{"rendered": "<p>" + item12 + "</p>"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/2024/harbour-facts"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodWPRestAPI, res.ExtractionMethod)
	assert.Equal(t, "12,11", includes.Load())
	assert.Contains(t, res.TextContent, "1. Fish market")
	assert.Contains(t, res.TextContent, "2. Lighthouse cottage")
	assert.Less(t, strings.Index(res.TextContent, item12), strings.Index(res.TextContent, item11))
	assert.True(t, strings.HasPrefix(res.TextContent, story[0]))
}

func TestFetchForcedRESTPathFromSiteConfig(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/news/harbour-plan", htmlHandler(teaserPage("", "")))
	mux.HandleFunc("/api/stories", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harbour-plan", r.URL.Query().Get("slug"))
		json.NewEncoder(w).Encode(map[string]any{"data": wpPost("Harbour plan approved", story, nil)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg, err := sites.New(map[string]sites.Site{
		"127.0.0.1": {UseRESTAPI: true, RESTAPIPath: "/api/stories"},
	})
	require.NoError(t, err)
	f, _ := newTestFetcher(t, Deps{Sites: reg})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/news/harbour-plan"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodWPRestAPI, res.ExtractionMethod)
}

func TestFetchNextDataRoute(t *testing.T) {
	nextData := `<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{}},"page":"/stories/[slug]","buildId":"b1"}</script>`
	blocks := make([]any, 0, len(story))
	for _, p := range story {
		blocks = append(blocks, map[string]any{"type": "paragraph", "text": p})
	}

	var dataHeader atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/stories/harbour-plan", htmlHandler(teaserPage("", nextData)))
	mux.HandleFunc("/_next/data/b1/stories/harbour-plan.json", func(w http.ResponseWriter, r *http.Request) {
		dataHeader.Store(r.Header.Get("X-Nextjs-Data"))
		json.NewEncoder(w).Encode(map[string]any{
			"pageProps": map[string]any{
				"story": map[string]any{"title": "Harbour plan approved", "body": blocks},
			},
			"__N_SSG": true,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/stories/harbour-plan"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodNextDataRoute, res.ExtractionMethod)
	assert.Equal(t, strings.Join(story, "\n\n"), res.TextContent)
	assert.Equal(t, "1", dataHeader.Load())
	assert.Equal(t, int32(2), ct.calls.Load())
}

func TestFetchArchiveFallback(t *testing.T) {
	srv := httptest.NewServer(htmlHandler(teaserPage("", "")))
	defer srv.Close()
	arch := &fakeArchive{snap: &archive.Snapshot{
		URL:  "https://web.archive.org/web/20240101000000id_/https://news.example.com/story",
		HTML: []byte(articlePage("")),
	}}
	f, _ := newTestFetcher(t, Deps{Archive: arch})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodArchive, res.ExtractionMethod)
	assert.Equal(t, arch.snap.URL, res.ArchiveURL)
	assert.Equal(t, "Harbour plan approved", res.Title)
}

func TestFetchArchiveAfterNetworkFailure(t *testing.T) {
	arch := &fakeArchive{snap: &archive.Snapshot{URL: "https://mirror.example/web/1/x", HTML: []byte(articlePage(""))}}
	f, ct := newTestFetcher(t, Deps{Archive: arch})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: "http://" + closedAddr(t) + "/story"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodArchive, res.ExtractionMethod)
	assert.Equal(t, int32(3), ct.calls.Load())
	assert.Equal(t, int32(1), arch.calls.Load())
}

func TestFetchArchiveSkippedForNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	arch := &fakeArchive{snap: &archive.Snapshot{HTML: []byte(articlePage(""))}}
	f, _ := newTestFetcher(t, Deps{Archive: arch})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/gone"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrHTTPStatus, res.Error)
	assert.Equal(t, models.ActionSkip, res.SuggestedAction)
	assert.Zero(t, arch.calls.Load())
}

func TestFetchArchiveDisabledBySite(t *testing.T) {
	srv := httptest.NewServer(htmlHandler(teaserPage("", "")))
	defer srv.Close()
	off := false
	reg, err := sites.New(map[string]sites.Site{"127.0.0.1": {ArchiveFallback: &off}})
	require.NoError(t, err)
	arch := &fakeArchive{snap: &archive.Snapshot{HTML: []byte(articlePage(""))}}
	f, _ := newTestFetcher(t, Deps{Archive: arch, Sites: reg})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	assert.False(t, res.Success)
	assert.Zero(t, arch.calls.Load())
}

func TestFetchCascadeNeverShrinksResult(t *testing.T) {
	medium := teaserPage("", "<section><p>"+story[0]+"</p><p>"+story[1]+"</p></section>")
	srv := httptest.NewServer(htmlHandler(medium))
	defer srv.Close()
	arch := &fakeArchive{snap: &archive.Snapshot{
		URL:  "https://mirror.example/web/1/x",
		HTML: []byte(`<html><body><article><p>` + story[2] + `</p></article></body></html>`),
	}}

	f, _ := newTestFetcher(t, Deps{})
	before := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})
	require.True(t, before.Success, before.ErrorDetails)

	f, _ = newTestFetcher(t, Deps{Archive: arch})
	after := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	require.True(t, after.Success, after.ErrorDetails)
	assert.Equal(t, int32(1), arch.calls.Load())
	assert.GreaterOrEqual(t, len(after.TextContent), len(before.TextContent))
	assert.Equal(t, before.ExtractionMethod, after.ExtractionMethod, "a shorter snapshot is not taken")
	assert.Empty(t, after.ArchiveURL)
}

func TestFetchSiteConfiguration(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		htmlHandler(articlePage(`<div class="promo">Sponsored: harbour cruises at half price</div>`))(w, r)
	}))
	defer srv.Close()

	reg, err := sites.New(map[string]sites.Site{
		"127.0.0.1": {
			UserAgent:     "pagefetch-test/1.0",
			Referer:       "https://www.google.com/",
			BlockPatterns: []string{".promo"},
		},
	})
	require.NoError(t, err)
	f, _ := newTestFetcher(t, Deps{Sites: reg})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	require.True(t, res.Success, res.ErrorDetails)
	got := <-headers
	assert.Equal(t, "pagefetch-test/1.0", got.Get("User-Agent"))
	assert.Equal(t, "https://www.google.com/", got.Get("Referer"))
	assert.Contains(t, res.Selectors, ".promo")
	assert.NotContains(t, res.TextContent, "Sponsored")
}

func pdfServer(t *testing.T, file string) *httptest.Server {
	t.Helper()
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPDF(t *testing.T) {
	srv := pdfServer(t, "testdata/harbour-report.pdf")
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/download?id=7"})

	require.True(t, res.Success, res.ErrorDetails)
	assert.Equal(t, extract.MethodPDF, res.ExtractionMethod)
	assert.Equal(t, "Harbour Report", res.Title)
	assert.Contains(t, res.TextContent, "Quarterly harbour traffic report")
	assert.GreaterOrEqual(t, len([]rune(res.TextContent)), f.engine.Thresholds().Min)
	assert.Equal(t, int32(1), ct.calls.Load())
}

func TestFetchShortPDFIsInsufficient(t *testing.T) {
	srv := pdfServer(t, "testdata/report.pdf")
	f, ct := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/x.pdf"})

	assert.False(t, res.Success)
	assert.Equal(t, models.ErrInsufficientContent, res.Error)
	assert.Equal(t, models.ActionRetryWithExtract, res.SuggestedAction)
	assert.Empty(t, res.TextContent)
	assert.Equal(t, int32(1), ct.calls.Load(), "no fallback for documents")
}

func TestFetchPDFFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4\nnot really a document")
	}))
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	res := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/files/report.pdf"})
	assert.False(t, res.Success)
	assert.Equal(t, models.ErrPDFFetchFailed, res.Error)
	assert.Equal(t, models.ActionSkip, res.SuggestedAction)

	res = f.Fetch(context.Background(), &models.FetchRequest{URL: "http://" + closedAddr(t) + "/files/report.pdf"})
	assert.False(t, res.Success)
	assert.Equal(t, models.ErrPDFFetchFailed, res.Error)
}

func TestFetchIsDeterministic(t *testing.T) {
	srv := httptest.NewServer(htmlHandler(articlePage("")))
	defer srv.Close()
	f, _ := newTestFetcher(t, Deps{})

	first := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})
	second := f.Fetch(context.Background(), &models.FetchRequest{URL: srv.URL + "/story"})

	first.LatencyMs, second.LatencyMs = 0, 0
	assert.Equal(t, first, second)
}
