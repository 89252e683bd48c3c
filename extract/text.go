package extract

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/pagefetch/simhash"
)

// paragraphSimilarity is the SimHash distance at or below which two
// paragraphs are treated as the same paragraph repeated.
const paragraphSimilarity = 3

// textLength is the measure every threshold is compared against.
func textLength(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// normalizeText collapses whitespace inside lines and drops blank lines, so
// lengths do not depend on source indentation.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}

// joinParagraphs renders paragraphs as text and as a minimal HTML fragment.
func joinParagraphs(paras []string) (text, fragment string) {
	if len(paras) == 0 {
		return "", ""
	}
	var b strings.Builder
	for _, p := range paras {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(p))
		b.WriteString("</p>\n")
	}
	return strings.Join(paras, "\n\n"), b.String()
}

// blockSelector lists elements whose text forms one paragraph of output.
const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, figcaption, td"

// selectionParagraphs collects the text of block elements under sel in
// document order. Nested blocks are only counted once, at the outermost
// level. Falls back to the whole text when sel has no block children.
func selectionParagraphs(sel *goquery.Selection) []string {
	var paras []string
	sel.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("li, blockquote, td").Length() > 0 {
			return
		}
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			paras = append(paras, t)
		}
	})
	if len(paras) == 0 {
		if t := strings.Join(strings.Fields(sel.Text()), " "); t != "" {
			paras = append(paras, t)
		}
	}
	return paras
}

// htmlParagraphs parses an HTML fragment and returns its paragraphs.
func htmlParagraphs(fragment string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	doc.Find("script, style, noscript, iframe").Remove()
	return selectionParagraphs(doc.Selection)
}

// looksLikeHTML reports whether a string value carries markup rather than
// plain text.
func looksLikeHTML(s string) bool {
	return strings.Contains(s, "</p>") || strings.Contains(s, "<p>") ||
		strings.Contains(s, "<p ") || strings.Contains(s, "<br") ||
		strings.Contains(s, "</div>") || strings.Contains(s, "</h2>")
}

// textParagraphs splits a plain-text body on blank lines, or on single
// newlines when there are no blank lines.
func textParagraphs(s string) []string {
	sep := "\n\n"
	if !strings.Contains(s, sep) {
		sep = "\n"
	}
	var paras []string
	for _, part := range strings.Split(s, sep) {
		if t := strings.Join(strings.Fields(part), " "); t != "" {
			paras = append(paras, t)
		}
	}
	return paras
}

// stringParagraphs converts a body value that is either HTML or plain text.
func stringParagraphs(s string) []string {
	if looksLikeHTML(s) {
		return htmlParagraphs(s)
	}
	return textParagraphs(s)
}

var promoPhrases = []string{
	"advertisement",
	"sign up for our newsletter",
	"subscribe to our newsletter",
	"sign up for the",
	"get our newsletter",
	"sponsored content",
	"read more:",
	"related:",
	"recommended for you",
	"click here to subscribe",
}

// promoSegmentMaxLen bounds which paragraphs may be dropped as promotional;
// long paragraphs that mention a newsletter are still article text.
const promoSegmentMaxLen = 200

// isPromoSegment reports whether a short paragraph is an inline ad or
// newsletter call-out.
func isPromoSegment(text string) bool {
	if textLength(text) > promoSegmentMaxLen {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range promoPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var promoWords = map[string]bool{
	"ad": true, "ads": true, "advert": true, "advertisement": true,
	"newsletter": true, "promo": true, "promotion": true, "sponsor": true,
	"sponsored": true, "signup": true, "subscribe": true, "recirculation": true,
	"recirc": true, "related": true, "outbrain": true, "taboola": true,
}

// isPromoLabel reports whether a node type label such as "AdSlot",
// "newsletter-signup" or "inline_promo" names a non-article segment.
func isPromoLabel(label string) bool {
	for _, w := range splitWords(label) {
		if promoWords[w] {
			return true
		}
	}
	return false
}

// splitWords lowercases s and splits it on non-alphanumerics and camelCase
// boundaries.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	prevLower := false
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				flush()
			}
			cur = append(cur, r)
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
			prevLower = true
		default:
			flush()
			prevLower = false
		}
	}
	flush()
	return words
}

// cleanParagraphs drops promotional segments and near-duplicate paragraphs,
// preserving order.
func cleanParagraphs(paras []string) []string {
	out := make([]string, 0, len(paras))
	var seen []uint64
	exact := make(map[string]struct{}, len(paras))
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" || isPromoSegment(p) {
			continue
		}
		key := strings.ToLower(p)
		if _, dup := exact[key]; dup {
			continue
		}
		exact[key] = struct{}{}

		fp := simhash.Fingerprint(key)
		if simhash.SimilarToAny(fp, seen, paragraphSimilarity) {
			continue
		}
		seen = append(seen, fp)
		out = append(out, p)
	}
	return out
}
