package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// ValidateSelectors reports the first selector that does not parse.
func ValidateSelectors(target string, remove []string) error {
	all := remove
	if target != "" {
		all = append([]string{target}, remove...)
	}
	for _, sel := range all {
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("extract: invalid selector %q: %w", sel, err)
		}
	}
	return nil
}

// applyFilters narrows the document before any strategy sees it.
//
// Processing order:
//  1. Remove elements matching any remove selector.
//  2. Keep only elements matching the target selector, when it matches.
//
// The head is preserved so title and metadata survive targeting. Returns the
// filtered markup, the parsed document and the selectors that matched.
func applyFilters(rawHTML string, doc *goquery.Document, target string, remove []string) (string, *goquery.Document, []string) {
	if target == "" && len(remove) == 0 {
		return rawHTML, doc, nil
	}

	var used []string
	for _, sel := range remove {
		m, err := cascadia.Compile(sel)
		if err != nil {
			continue
		}
		if found := doc.FindMatcher(m); found.Length() > 0 {
			found.Remove()
			used = append(used, sel)
		}
	}

	if target != "" {
		if m, err := cascadia.Compile(target); err == nil {
			if matches := doc.FindMatcher(m); matches.Length() > 0 {
				var b strings.Builder
				b.WriteString("<html><head>")
				if head, err := doc.Find("head").Html(); err == nil {
					b.WriteString(head)
				}
				b.WriteString("</head><body>")
				matches.Each(func(_ int, s *goquery.Selection) {
					if h, err := goquery.OuterHtml(s); err == nil {
						b.WriteString(h)
					}
				})
				b.WriteString("</body></html>")

				narrowed := b.String()
				if nd, err := goquery.NewDocumentFromReader(strings.NewReader(narrowed)); err == nil {
					return narrowed, nd, append([]string{target}, used...)
				}
			}
		}
	}

	out, err := doc.Html()
	if err != nil {
		return rawHTML, doc, used
	}
	return out, doc, used
}
