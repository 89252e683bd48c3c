package fetcher

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/sites"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestPageSlug(t *testing.T) {
	tests := map[string]string{
		"https://example.com/2024/05/harbour-plan/":  "harbour-plan",
		"https://example.com/news/harbour-plan.html": "harbour-plan",
		"https://example.com/":                       "",
		"https://example.com":                        "",
	}
	for raw, want := range tests {
		assert.Equal(t, want, pageSlug(mustURL(t, raw)), raw)
	}
}

func TestBaseEndpoint(t *testing.T) {
	ep, ok := baseEndpoint(mustURL(t, "https://example.com/wp-json/"), "harbour-plan")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/wp-json/wp/v2/posts?slug=harbour-plan", ep.url)
	assert.Equal(t, "https://example.com/wp-json/", ep.base)
	assert.Equal(t, "/wp-json/wp/v2/posts", ep.collection.Path)

	ep, ok = baseEndpoint(mustURL(t, "https://example.com/?rest_route=/"), "harbour-plan")
	require.True(t, ok)
	q := mustURL(t, ep.url).Query()
	assert.Equal(t, "/wp/v2/posts", q.Get("rest_route"))
	assert.Equal(t, "harbour-plan", q.Get("slug"))

	_, ok = baseEndpoint(mustURL(t, "https://example.com/wp-json/"), "")
	assert.False(t, ok, "no slug, nothing to ask for")
}

func TestParentCollection(t *testing.T) {
	got := parentCollection(mustURL(t, "https://example.com/wp-json/wp/v2/posts/42?_embed=1"))
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/wp-json/wp/v2/posts", got.String())

	assert.Nil(t, parentCollection(mustURL(t, "https://example.com/wp-json/wp/v2/posts")))
}

func TestUnwrapPost(t *testing.T) {
	tests := []struct {
		name string
		body string
		want any
	}{
		{"array", `[{"id":1,"content":"a"},{"id":2,"content":"b"}]`, float64(1)},
		{"object", `{"id":3,"content":"c"}`, float64(3)},
		{"data envelope", `{"data":{"id":4,"content":"d"}}`, float64(4)},
		{"posts envelope", `{"posts":[{"id":5,"title":"e"}]}`, float64(5)},
		{"nested envelope", `{"result":{"items":[{"id":6,"content":"f"}]}}`, float64(6)},
		{"empty array", `[]`, nil},
		{"no post", `{"status":"ok"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v any
			require.NoError(t, json.Unmarshal([]byte(tt.body), &v))
			got := unwrapPost(v, 0)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got["id"])
		})
	}
}

func TestListItemIDs(t *testing.T) {
	var post map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 1,
		"meta": {"listicle_items": [3, "4", {"id": 5}, {"ID": "6"}, "x", 7]}
	}`), &post))

	assert.Equal(t, []int{3, 4, 5, 6, 7}, listItemIDs(post, 10))
	assert.Equal(t, []int{3, 4}, listItemIDs(post, 2), "capped")
	assert.Nil(t, listItemIDs(map[string]any{"id": 1.0}, 10))
}

func TestTruncated(t *testing.T) {
	f := New(Options{TruncationMarkers: []string{"UTM_MEDIUM=rss", "#more-"}}, Deps{})
	defer f.Close()

	assert.True(t, f.truncated(map[string]any{
		"content": map[string]any{"rendered": `<p>Intro</p><a href="/p?utm_medium=RSS">more</a>`},
	}))
	assert.True(t, f.truncated(map[string]any{"content": `<a href="/p/#more-12">Continue</a>`}))
	assert.False(t, f.truncated(map[string]any{"content": map[string]any{"rendered": "<p>Full story</p>"}}))
	assert.False(t, f.truncated(map[string]any{"title": "no content"}))
}

func TestNextDataRoute(t *testing.T) {
	tests := []struct {
		path  string
		build nextBuild
		want  string
	}{
		{"/stories/harbour-plan", nextBuild{BuildID: "b1"}, "/_next/data/b1/stories/harbour-plan.json"},
		{"/stories/harbour-plan/", nextBuild{BuildID: "b1"}, "/_next/data/b1/stories/harbour-plan.json"},
		{"/", nextBuild{BuildID: "b1"}, "/_next/data/b1/index.json"},
		{"/stories/x", nextBuild{BuildID: "b2", Locale: "de"}, "/_next/data/b2/de/stories/x.json"},
		{"/de/stories/x", nextBuild{BuildID: "b2", Locale: "de"}, "/_next/data/b2/de/stories/x.json"},
		{"/", nextBuild{BuildID: "b2", Locale: "de"}, "/_next/data/b2/de.json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextDataRoute(tt.path, tt.build), tt.path)
	}
}

func TestReadNextBuild(t *testing.T) {
	b, ok := readNextBuild(`<html><body><script id="__NEXT_DATA__" type="application/json">{"buildId":"abc","locale":"en"}</script></body></html>`)
	require.True(t, ok)
	assert.Equal(t, nextBuild{BuildID: "abc", Locale: "en"}, b)

	_, ok = readNextBuild(`<html><body><p>plain page</p></body></html>`)
	assert.False(t, ok)
	_, ok = readNextBuild(`<script id="__NEXT_DATA__">{"props":{}}</script>`)
	assert.False(t, ok, "a payload without buildId has no data route")
}

func TestGuards(t *testing.T) {
	f := New(Options{EnableArchive: true}, Deps{Archive: &fakeArchive{}})
	defer f.Close()

	short := &extract.Candidate{TextContent: "short"}
	good := &extract.Candidate{TextContent: longText(600)}

	assert.True(t, f.needsEnrichment(&run{best: short}))
	assert.True(t, f.needsEnrichment(&run{}))
	assert.False(t, f.needsEnrichment(&run{best: good}))
	assert.False(t, f.needsEnrichment(&run{fetchErr: &models.FetchError{Kind: models.ErrNetwork, Code: models.CodeSSRFBlocked}}))
	assert.False(t, f.needsEnrichment(&run{fetchErr: &models.FetchError{Kind: models.ErrRateLimited, StatusCode: 429}}))
	assert.True(t, f.needsEnrichment(&run{fetchErr: &models.FetchError{Kind: models.ErrHTTPStatus, StatusCode: 403}}))

	assert.True(t, f.archiveAllowed(&run{}))
	assert.True(t, f.archiveAllowed(&run{fetchErr: &models.FetchError{Kind: models.ErrHTTPStatus, StatusCode: 503}}))
	assert.False(t, f.archiveAllowed(&run{fetchErr: &models.FetchError{Kind: models.ErrHTTPStatus, StatusCode: 404}}))
	off := false
	assert.False(t, f.archiveAllowed(&run{site: sites.Site{ArchiveFallback: &off}}))

	assert.False(t, isTerminalFetchError(nil))
	assert.True(t, isTerminalFetchError(&models.FetchError{Kind: models.ErrNetwork, Code: models.CodeDNSRebinding}))
	assert.False(t, isTerminalFetchError(&models.FetchError{Kind: models.ErrNetwork, Code: "timeout"}))
}

func TestImproveRequiresStrictlyLonger(t *testing.T) {
	f := New(Options{}, Deps{})
	defer f.Close()
	target := mustURL(t, "https://example.com/a")

	best := &extract.Candidate{TextContent: longText(300), Byline: "Ada Lovelace", Method: extract.MethodReadability}
	r := &run{target: target, best: best}

	assert.False(t, f.improve(r, nil))
	assert.False(t, f.improve(r, &extract.Candidate{TextContent: longText(300), Method: extract.MethodWPRestAPI}), "ties keep the earlier result")
	assert.False(t, f.improve(r, &extract.Candidate{TextContent: longText(100)}))
	assert.Same(t, best, r.best)

	longer := &extract.Candidate{TextContent: longText(301), Title: "API title", Method: extract.MethodWPRestAPI}
	require.True(t, f.improve(r, longer))
	assert.Same(t, longer, r.best)
	assert.Equal(t, "API title", r.best.Title)
	assert.Equal(t, "Ada Lovelace", r.best.Byline, "missing metadata is carried over")
	assert.NotEmpty(t, r.best.Excerpt)
}

func longText(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = 'a' + rune(i%26)
	}
	return string(b)
}
