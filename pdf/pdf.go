// Package pdf extracts plain text from PDF documents.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	lpdf "github.com/ledongthuc/pdf"

	"github.com/use-agent/pagefetch/extract"
)

// DefaultMaxPages caps how many pages are read from one document.
const DefaultMaxPages = 200

var (
	ErrNotPDF = errors.New("pdf: not a PDF document")
	ErrNoText = errors.New("pdf: no extractable text")
)

// Extractor reads text page by page up to MaxPages.
type Extractor struct {
	MaxPages int
}

// New returns an Extractor; maxPages <= 0 selects DefaultMaxPages.
func New(maxPages int) *Extractor {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Extractor{MaxPages: maxPages}
}

// IsPDF reports whether data starts with the PDF magic bytes.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF"))
}

// LooksLikePDFURL reports whether a URL path ends in .pdf.
func LooksLikePDFURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// ExtractFromBuffer parses data and returns its text as a candidate with
// method "pdf". The title comes from the document info dictionary, or the
// file name in sourceURL.
func (x *Extractor) ExtractFromBuffer(data []byte, sourceURL string) (c *extract.Candidate, err error) {
	if !IsPDF(data) {
		return nil, ErrNotPDF
	}
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("pdf: parse: %v", r)
		}
	}()

	doc, err := lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf: parse: %w", err)
	}

	total := doc.NumPage()
	var paras []string
	for i := 1; i <= total && i <= x.MaxPages; i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Debug("pdf: page skipped", "url", sourceURL, "page", i, "error", err)
			continue
		}
		if t := strings.TrimSpace(text); t != "" {
			paras = append(paras, t)
		}
	}
	if len(paras) == 0 {
		return nil, ErrNoText
	}

	var content strings.Builder
	for _, p := range paras {
		content.WriteString("<p>")
		content.WriteString(escape(p))
		content.WriteString("</p>\n")
	}

	title := strings.TrimSpace(doc.Trailer().Key("Info").Key("Title").Text())
	if title == "" {
		title = fileTitle(sourceURL)
	}

	slog.Debug("pdf: extracted", "url", sourceURL, "pages", total, "read", min(total, x.MaxPages))
	return &extract.Candidate{
		Title:       title,
		Content:     content.String(),
		TextContent: strings.Join(paras, "\n\n"),
		Method:      extract.MethodPDF,
		Kind:        extract.KindGeneric,
	}, nil
}

func fileTitle(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\n", "<br>")

func escape(s string) string { return escaper.Replace(s) }
