// Package extract turns an HTML document into article content. Several
// strategies run over the same document and a deterministic reducer picks
// the winner.
package extract

// Kind groups strategies for the selection override rules.
type Kind string

const (
	KindStructured  Kind = "structured"  // embedded JSON payloads
	KindDOM         Kind = "dom"         // readability, CSS selectors
	KindStatistical Kind = "statistical" // text-density scoring
	KindGeneric     Kind = "generic"     // boilerplate stripping
)

// Method names reported in FetchResult.extractionMethod.
const (
	MethodJSONLD        = "json-ld"
	MethodNextData      = "next-data"
	MethodPageState     = "page-state"
	MethodRSCPayload    = "rsc-payload"
	MethodReadability   = "readability"
	MethodCSSSelector   = "css-selector"
	MethodTextDensity   = "text-density"
	MethodBoilerplate   = "boilerplate"
	MethodWPRestAPI     = "wp-rest-api"
	MethodNextDataRoute = "next-data-route"
	MethodArchive       = "archive"
	MethodPDF           = "pdf"
)

// Candidate is one strategy's proposal for the article.
type Candidate struct {
	Title         string
	Byline        string
	Content       string // HTML fragment
	TextContent   string
	Markdown      string
	Excerpt       string
	SiteName      string
	PublishedTime string
	Lang          string
	Method        string
	Kind          Kind

	// Selectors records the CSS selectors that produced the content, when
	// any did.
	Selectors []string
}

// Length is the rune count of the trimmed text content; every content
// threshold is measured with it.
func (c *Candidate) Length() int {
	if c == nil {
		return 0
	}
	return textLength(c.TextContent)
}

// Clone returns a shallow copy safe to modify.
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Selectors = append([]string(nil), c.Selectors...)
	return &cp
}

// Backfill copies metadata from other into fields c leaves empty. Content
// and method are never touched.
func (c *Candidate) Backfill(other *Candidate) {
	if c == nil || other == nil {
		return
	}
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&c.Title, other.Title)
	fill(&c.Byline, other.Byline)
	fill(&c.Excerpt, other.Excerpt)
	fill(&c.SiteName, other.SiteName)
	fill(&c.PublishedTime, other.PublishedTime)
	fill(&c.Lang, other.Lang)
}
