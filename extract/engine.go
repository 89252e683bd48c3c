package extract

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
)

// DefaultExcerptLength is the rune length of derived excerpts.
const DefaultExcerptLength = 200

// Options tune one extraction.
type Options struct {
	TargetSelector  string
	RemoveSelectors []string

	// SiteSelector is probed first by the CSS strategy and moves that
	// strategy to the front of the order.
	SiteSelector string

	// StructuredLast moves the embedded-data strategies after the DOM ones.
	StructuredLast bool
}

// Engine runs the strategies and the reducer. It is safe for concurrent
// use.
type Engine struct {
	md         *htmltomd.Converter
	strategies []Strategy
	th         Thresholds
	excerptLen int
}

// NewEngine returns an engine with the default strategies.
func NewEngine(th Thresholds, excerptLen int) *Engine {
	if excerptLen <= 0 {
		excerptLen = DefaultExcerptLength
	}
	return &Engine{
		md:         newConverter(),
		strategies: DefaultStrategies(),
		th:         th.withDefaults(),
		excerptLen: excerptLen,
	}
}

// Thresholds returns the engine's effective thresholds.
func (e *Engine) Thresholds() Thresholds { return e.th }

// Extract runs every strategy over rawHTML and returns the selected
// candidate, or nil when no strategy produced any text. A candidate shorter
// than Thresholds().Min may be returned; callers treat it as insufficient.
func (e *Engine) Extract(rawHTML, sourceURL string, opts Options) (*Candidate, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		u = &url.URL{}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	// ── 1. request filters ──────────────────────────────────────────
	markup, doc, used := applyFilters(rawHTML, doc, opts.TargetSelector, opts.RemoveSelectors)
	d := &Document{Doc: doc, HTML: markup, URL: u, Selector: opts.SiteSelector}

	// ── 2. document metadata ────────────────────────────────────────
	meta := readPageMeta(d)

	// ── 3. strategies ───────────────────────────────────────────────
	order := Order(e.strategies, opts.SiteSelector != "", !opts.StructuredLast)
	cands := make([]*Candidate, len(order))
	for i, s := range order {
		cands[i] = runStrategy(s, d)
	}

	// ── 4. selection ────────────────────────────────────────────────
	win := Select(cands, e.th)
	if win == nil {
		return nil, nil
	}
	if meta.title != "" {
		win.Title = meta.title
	}
	win.Backfill(meta.candidate())
	if len(used) > 0 {
		win.Selectors = append(used, win.Selectors...)
	}

	slog.Debug("extract: selected",
		"url", sourceURL,
		"method", win.Method,
		"length", win.Length(),
	)

	e.Finish(win, sourceURL)
	return win, nil
}

// Finish derives the excerpt and markdown of a candidate that came from
// outside Extract, such as a CMS API response.
func (e *Engine) Finish(c *Candidate, sourceURL string) {
	if c == nil {
		return
	}
	c.Excerpt = Excerpt(c.Excerpt, c.TextContent, e.excerptLen)
	if c.Markdown != "" || c.Content == "" {
		return
	}
	var domain string
	if u, err := url.Parse(sourceURL); err == nil {
		domain = u.Host
	}
	md, err := e.toMarkdown(c.Content, domain)
	if err != nil {
		slog.Warn("extract: markdown conversion failed", "url", sourceURL, "error", err)
		return
	}
	c.Markdown = strings.TrimSpace(md)
}

// runStrategy isolates the engine from a strategy that panics on hostile
// markup.
func runStrategy(s Strategy, d *Document) (c *Candidate) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("extract: strategy panicked", "strategy", s.Name, "panic", r)
			c = nil
		}
	}()
	c = s.Fn(d)
	if c != nil {
		c.Method, c.Kind = s.Name, s.Kind
	}
	return c
}
