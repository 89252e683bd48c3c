package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/simhash"
	"github.com/use-agent/pagefetch/transport"
)

// structureDistance is the DOM SimHash distance at or below which an archived
// page is taken to be the same challenge page that was served live.
const structureDistance = 3

var errChallengeSnapshot = errors.New("fetcher: snapshot is a challenge page")

// nextBuild is the part of __NEXT_DATA__ the data route needs.
type nextBuild struct {
	BuildID string `json:"buildId"`
	Locale  string `json:"locale"`
}

// frameworkData fetches the Next.js data route for the page, which carries
// the same props the server rendered from.
func (f *Fetcher) frameworkData(ctx context.Context, r *run) (*extract.Candidate, error) {
	build, ok := readNextBuild(r.html)
	if !ok {
		return nil, nil
	}
	route := nextDataRoute(r.target.Path, build)
	u := *r.target
	u.Path, u.RawPath, u.Fragment = route, "", ""

	resp := f.transport.Do(ctx, r.outbound(u.String(), http.Header{
		"Accept":        {"application/json"},
		"X-Nextjs-Data": {"1"},
	}))
	if !resp.Success {
		return nil, fmt.Errorf("fetcher: data route %s: %s", resp.Error, resp.Detail)
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("fetcher: data route decode: %w", err)
	}

	var props any = payload
	if pp, ok := payload["pageProps"]; ok {
		props = pp
	}
	return extract.StructuredCandidate(props, extract.MethodNextDataRoute), nil
}

func readNextBuild(markup string) (nextBuild, bool) {
	var b nextBuild
	if !strings.Contains(markup, "__NEXT_DATA__") {
		return b, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return b, false
	}
	raw := doc.Find("script#__NEXT_DATA__").First().Text()
	if err := json.Unmarshal([]byte(raw), &b); err != nil || b.BuildID == "" {
		return b, false
	}
	return b, true
}

// nextDataRoute maps a page path to /_next/data/<buildId>[/<locale>]/<path>.json.
// The site root maps to index.json, or to <locale>.json on localized sites.
func nextDataRoute(pagePath string, b nextBuild) string {
	p := strings.Trim(pagePath, "/")
	if b.Locale != "" && p != b.Locale && !strings.HasPrefix(p, b.Locale+"/") {
		p = strings.Trim(b.Locale+"/"+p, "/")
	}
	if p == "" {
		p = "index"
	}
	return "/_next/data/" + b.BuildID + "/" + p + ".json"
}

// archived re-runs extraction on the mirror's copy of the page.
func (f *Fetcher) archived(ctx context.Context, r *run) (*extract.Candidate, error) {
	snap, err := f.archive.FetchSnapshot(ctx, r.target.String())
	if err != nil {
		return nil, err
	}

	flag := f.validator.Validate(&transport.Response{Body: snap.HTML, Header: snap.Header})
	if flag.Error == models.ErrChallengeDetected {
		return nil, errChallengeSnapshot
	}
	if r.flag.Error == models.ErrChallengeDetected &&
		simhash.SameStructure(r.html, string(snap.HTML), structureDistance) {
		return nil, errChallengeSnapshot
	}

	c, err := f.engine.Extract(string(snap.HTML), r.target.String(), r.extract)
	if err != nil || c == nil {
		return nil, err
	}
	c.Method = extract.MethodArchive
	if c.Length() > r.best.Length() {
		r.archiveURL = snap.URL
	}
	return c, nil
}
