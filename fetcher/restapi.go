package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/pagefetch/extract"
)

const (
	defaultRESTPath = "/wp-json/wp/v2/posts"
	restMount       = "/wp-json/"

	// maxRESTEndpoints bounds how many discovered endpoints one fetch tries.
	maxRESTEndpoints = 2

	// includeBatch is the largest page the WordPress API serves.
	includeBatch = 100
)

var (
	errTruncated = errors.New("fetcher: rest payload is a truncated preview")
	errNoPost    = errors.New("fetcher: rest payload holds no post")
)

// envelopeKeys wrap the post in custom API responses.
var envelopeKeys = []string{"data", "post", "posts", "items", "result"}

// listKeys hold the IDs of numbered list entries.
var listKeys = []string{"list_items", "listicle_items"}

// restEndpoint is one way to reach the post through the API.
type restEndpoint struct {
	url        string   // returns the post, or a list filtered by slug
	collection *url.URL // posts collection, for list-item batches
	base       string   // API root worth remembering for the domain
}

// restAPI fetches the post through the site's CMS REST API.
func (f *Fetcher) restAPI(ctx context.Context, r *run) (*extract.Candidate, error) {
	endpoints := f.restEndpoints(r)
	if len(endpoints) == 0 {
		return nil, nil
	}

	var lastErr error
	for _, ep := range endpoints {
		c, err := f.restPost(ctx, r, ep)
		if err != nil {
			lastErr = err
			if ep.base != "" && ep.base == f.memory.RESTBase(r.target.Host) {
				f.memory.Forget(r.target.Host)
			}
			continue
		}
		if ep.base != "" {
			f.memory.SetRESTBase(r.target.Host, ep.base)
		}
		return c, nil
	}
	return nil, lastErr
}

// restEndpoints lists API URLs for the page, most precise first: the post's
// own alternate link, the API root link plus slug, the forced site path and
// a root remembered for the domain. Without page markup only the last two
// apply.
func (f *Fetcher) restEndpoints(r *run) []restEndpoint {
	var out []restEndpoint
	seen := map[string]bool{}
	add := func(ep restEndpoint, ok bool) {
		if ok && !seen[ep.url] && len(out) < maxRESTEndpoints {
			seen[ep.url] = true
			out = append(out, ep)
		}
	}

	slug := pageSlug(r.target)
	if r.html != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(r.html)); err == nil {
			add(alternateEndpoint(doc, r.target))
			if href, ok := doc.Find(`link[rel="https://api.w.org/"]`).First().Attr("href"); ok {
				add(baseEndpoint(resolve(r.target, href), slug))
			}
		}
	}
	if r.site.UseRESTAPI {
		p := r.site.RESTAPIPath
		if p == "" {
			p = defaultRESTPath
		}
		add(collectionEndpoint(resolve(r.target, p), slug))
	}
	if base := f.memory.RESTBase(r.target.Host); base != "" {
		if u, err := url.Parse(base); err == nil {
			add(baseEndpoint(u, slug))
		}
	}
	return out
}

// alternateEndpoint reads <link rel="alternate" type="application/json">,
// which WordPress points at the post itself.
func alternateEndpoint(doc *goquery.Document, page *url.URL) (restEndpoint, bool) {
	var ep restEndpoint
	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		typ, _ := s.Attr("type")
		href, ok := s.Attr("href")
		if !ok || !strings.EqualFold(strings.TrimSpace(typ), "application/json") {
			return true
		}
		u := resolve(page, href)
		if u == nil {
			return true
		}
		ep.url = u.String()
		ep.collection = parentCollection(u)
		if i := strings.Index(u.Path, restMount); i >= 0 {
			root := *u
			root.Path, root.RawQuery, root.RawPath = u.Path[:i+len(restMount)], "", ""
			ep.base = root.String()
		}
		return false
	})
	return ep, ep.url != ""
}

// baseEndpoint queries the posts collection under an API root by slug.
// Roots in "?rest_route=" form are kept in that form.
func baseEndpoint(root *url.URL, slug string) (restEndpoint, bool) {
	if root == nil {
		return restEndpoint{}, false
	}
	coll := *root
	q := coll.Query()
	if q.Has("rest_route") {
		q.Set("rest_route", strings.TrimRight(q.Get("rest_route"), "/")+"/wp/v2/posts")
		coll.RawQuery = q.Encode()
	} else {
		coll.Path = strings.TrimRight(coll.Path, "/") + "/wp/v2/posts"
		coll.RawPath = ""
	}
	ep, ok := collectionEndpoint(&coll, slug)
	ep.base = root.String()
	return ep, ok
}

func collectionEndpoint(coll *url.URL, slug string) (restEndpoint, bool) {
	if coll == nil || slug == "" {
		return restEndpoint{}, false
	}
	u := *coll
	q := u.Query()
	q.Set("slug", slug)
	u.RawQuery = q.Encode()
	return restEndpoint{url: u.String(), collection: coll}, true
}

// parentCollection strips a trailing numeric ID from a post URL.
func parentCollection(u *url.URL) *url.URL {
	dir, last := path.Split(strings.TrimRight(u.Path, "/"))
	if _, err := strconv.Atoi(last); err != nil {
		return nil
	}
	c := *u
	c.Path, c.RawPath, c.RawQuery = strings.TrimRight(dir, "/"), "", ""
	return &c
}

// pageSlug is the last path segment of the page without an extension.
func pageSlug(u *url.URL) string {
	last := path.Base(strings.TrimRight(u.Path, "/"))
	if last == "/" || last == "." || last == "" {
		return ""
	}
	return strings.TrimSuffix(last, path.Ext(last))
}

func resolve(page *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	u, err := page.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	return u
}

// restPost fetches one endpoint and converts its post to a candidate.
func (f *Fetcher) restPost(ctx context.Context, r *run, ep restEndpoint) (*extract.Candidate, error) {
	v, err := f.getJSON(ctx, r, ep.url)
	if err != nil {
		return nil, err
	}
	post := unwrapPost(v, 0)
	if post == nil {
		return nil, errNoPost
	}
	if f.truncated(post) {
		return nil, errTruncated
	}

	c := extract.StructuredCandidate(post, extract.MethodWPRestAPI)
	if c == nil {
		return nil, errNoPost
	}

	// ── numbered list articles ──
	if ids := listItemIDs(post, f.opts.MaxListItems); len(ids) > 0 && ep.collection != nil {
		items, err := f.listItems(ctx, r, ep.collection, ids)
		if err != nil {
			// The post body alone is still usable.
			return c, nil
		}
		appendItems(c, items)
	}
	return c, nil
}

func (f *Fetcher) getJSON(ctx context.Context, r *run, rawURL string) (any, error) {
	resp := f.transport.Do(ctx, r.outbound(rawURL, http.Header{"Accept": {"application/json"}}))
	if !resp.Success {
		return nil, fmt.Errorf("fetcher: rest %s: %s", resp.Error, resp.Detail)
	}
	var v any
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return nil, fmt.Errorf("fetcher: rest decode: %w", err)
	}
	return v, nil
}

// unwrapPost finds the post object in an array, a single object, or a
// custom envelope.
func unwrapPost(v any, depth int) map[string]any {
	if depth > 3 {
		return nil
	}
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil
		}
		return unwrapPost(t[0], depth+1)
	case map[string]any:
		for _, k := range envelopeKeys {
			if inner, ok := t[k]; ok {
				if p := unwrapPost(inner, depth+1); p != nil {
					return p
				}
			}
		}
		if _, ok := t["content"]; ok {
			return t
		}
		if _, ok := t["title"]; ok {
			return t
		}
	}
	return nil
}

// truncated reports whether the post's content carries a marker that the
// CMS only adds to previews.
func (f *Fetcher) truncated(post map[string]any) bool {
	raw := rawContent(post["content"])
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	for _, m := range f.opts.TruncationMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func rawContent(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["rendered"].(string); ok {
			return s
		}
	}
	return ""
}

// listItemIDs reads list entry IDs from the post or its acf/meta fields,
// capped at limit.
func listItemIDs(post map[string]any, limit int) []int {
	sources := []map[string]any{post}
	for _, k := range []string{"acf", "meta"} {
		if m, ok := post[k].(map[string]any); ok {
			sources = append(sources, m)
		}
	}
	for _, src := range sources {
		for _, k := range listKeys {
			items, ok := src[k].([]any)
			if !ok || len(items) == 0 {
				continue
			}
			var ids []int
			for _, it := range items {
				if id := itemID(it); id > 0 {
					ids = append(ids, id)
				}
				if len(ids) == limit {
					break
				}
			}
			if len(ids) > 0 {
				return ids
			}
		}
	}
	return nil
}

func itemID(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	case map[string]any:
		for _, k := range []string{"id", "ID", "post_id"} {
			if id := itemID(t[k]); id > 0 {
				return id
			}
		}
	}
	return 0
}

// listItems fetches entries by ID in batches and returns them in the order
// of ids. Missing entries are skipped.
func (f *Fetcher) listItems(ctx context.Context, r *run, coll *url.URL, ids []int) ([]map[string]any, error) {
	byID := make(map[int]map[string]any, len(ids))
	for start := 0; start < len(ids); start += includeBatch {
		batch := ids[start:min(start+includeBatch, len(ids))]

		u := *coll
		q := u.Query()
		q.Set("include", joinIDs(batch))
		q.Set("per_page", strconv.Itoa(len(batch)))
		q.Set("orderby", "include")
		u.RawQuery = q.Encode()

		v, err := f.getJSON(ctx, r, u.String())
		if err != nil {
			return nil, err
		}
		arr, _ := v.([]any)
		for _, e := range arr {
			if m, ok := e.(map[string]any); ok {
				if id := itemID(m["id"]); id > 0 {
					byID[id] = m
				}
			}
		}
	}

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// appendItems adds each list entry, heading first, after the post body.
func appendItems(c *extract.Candidate, items []map[string]any) {
	var text, content strings.Builder
	text.WriteString(c.TextContent)
	content.WriteString(c.Content)
	for i, item := range items {
		ic := extract.StructuredCandidate(item, extract.MethodWPRestAPI)
		if ic == nil {
			continue
		}
		heading := strconv.Itoa(i+1) + "."
		if ic.Title != "" {
			heading += " " + ic.Title
		}
		text.WriteString("\n\n" + heading + "\n\n" + ic.TextContent)
		content.WriteString("<h2>" + escapeText(heading) + "</h2>\n" + ic.Content)
	}
	c.TextContent = strings.TrimSpace(text.String())
	c.Content = content.String()
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string { return textEscaper.Replace(s) }
