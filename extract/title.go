package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
)

// titleSeparators split a document title from its site suffix.
var titleSeparators = []string{" | ", " - ", " \u2013 ", " \u2014 ", " \u00b7 "}

// pageMeta is document-level metadata, independent of any strategy.
type pageMeta struct {
	title     string
	siteName  string
	byline    string
	published string
	lang      string
	excerpt   string
}

// readPageMeta collects metadata in precedence order: OpenGraph, then the
// title element with its site suffix removed, then the first h1.
func readPageMeta(d *Document) pageMeta {
	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(strings.NewReader(d.HTML)); err != nil {
		og = opengraph.NewOpenGraph()
	}

	m := pageMeta{
		title:    strings.TrimSpace(og.Title),
		siteName: strings.TrimSpace(og.SiteName),
		excerpt:  strings.TrimSpace(og.Description),
	}
	if m.title == "" {
		m.title = stripSiteSuffix(d.Doc.Find("head title").First().Text())
	}
	if m.title == "" {
		m.title = strings.Join(strings.Fields(d.Doc.Find("h1").First().Text()), " ")
	}

	m.byline = metaContent(d.Doc, `meta[name="author"]`, `meta[property="article:author"]`, `[rel="author"]`)
	m.published = metaContent(d.Doc,
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
		`meta[itemprop="datePublished"]`,
		`time[datetime]`,
	)
	if m.excerpt == "" {
		m.excerpt = metaContent(d.Doc, `meta[name="description"]`)
	}
	m.lang, _ = d.Doc.Find("html").Attr("lang")
	m.lang = strings.TrimSpace(m.lang)
	return m
}

// Title returns the document title with the same precedence the engine
// uses.
func Title(d *Document) string {
	return readPageMeta(d).title
}

func (m pageMeta) candidate() *Candidate {
	return &Candidate{
		Title:         m.title,
		SiteName:      m.siteName,
		Byline:        m.byline,
		PublishedTime: m.published,
		Lang:          m.lang,
		Excerpt:       m.excerpt,
	}
}

// metaContent returns the first non-empty content, datetime or text of the
// given selectors.
func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		for _, attr := range []string{"content", "datetime"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			return t
		}
	}
	return ""
}

// stripSiteSuffix removes a trailing " | Site" or " - Site" segment.
func stripSiteSuffix(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	cut := -1
	for _, sep := range titleSeparators {
		if i := strings.LastIndex(title, sep); i > cut {
			cut = i
		}
	}
	if cut > 0 {
		return strings.TrimSpace(title[:cut])
	}
	return title
}

// Excerpt returns supplied verbatim when it has any visible text, otherwise
// text cut to n runes with "..." appended. Blank text yields "".
func Excerpt(supplied, text string, n int) string {
	if strings.TrimSpace(supplied) != "" {
		return supplied
	}
	text = strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	return strings.TrimRight(string([]rune(text)[:n]), " ") + "..."
}
