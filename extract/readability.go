package extract

import (
	"log/slog"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// readabilityArticle runs the Mozilla Readability port over the raw markup.
// Unlike the other DOM strategies it returns nil rather than the raw page
// when the algorithm gives up; the reducer decides what happens next.
func readabilityArticle(d *Document) *Candidate {
	article, err := readability.FromReader(strings.NewReader(d.HTML), d.URL)
	if err != nil {
		slog.Debug("extract: readability failed", "url", d.URL.String(), "error", err)
		return nil
	}
	text := normalizeText(article.TextContent)
	if text == "" {
		return nil
	}
	return &Candidate{
		Title:       strings.TrimSpace(article.Title),
		Byline:      strings.TrimSpace(article.Byline),
		Content:     article.Content,
		TextContent: text,
		Excerpt:     strings.TrimSpace(article.Excerpt),
		SiteName:    strings.TrimSpace(article.SiteName),
		Lang:        strings.TrimSpace(article.Language),
	}
}
