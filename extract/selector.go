package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// articleSelectors are probed in order when no site selector matches.
var articleSelectors = []string{
	`[itemprop="articleBody"]`,
	".entry-content",
	".post-content",
	".article-body",
	".article-content",
	".story-body",
	"article",
}

// cssSelector returns the content of the first selector that matches,
// trying the site selector before the built-in ones.
func cssSelector(d *Document) *Candidate {
	probes := articleSelectors
	if d.Selector != "" {
		probes = append([]string{d.Selector}, articleSelectors...)
	}
	for _, sel := range probes {
		if c := selectorContent(d.Doc.Selection, sel); c != nil {
			return c
		}
	}
	return nil
}

// selectorContent concatenates every element matching sel. An unparsable
// selector or an empty match yields nil.
func selectorContent(root *goquery.Selection, sel string) *Candidate {
	matcher, err := cascadia.Compile(sel)
	if err != nil {
		return nil
	}
	matches := root.FindMatcher(matcher)
	if matches.Length() == 0 {
		return nil
	}

	var (
		fragment strings.Builder
		paras    []string
	)
	matches.Each(func(_ int, s *goquery.Selection) {
		if h, err := goquery.OuterHtml(s); err == nil {
			fragment.WriteString(h)
		}
		paras = append(paras, selectionParagraphs(s)...)
	})
	text := strings.Join(paras, "\n\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &Candidate{
		Content:     fragment.String(),
		TextContent: text,
		Selectors:   []string{sel},
	}
}
