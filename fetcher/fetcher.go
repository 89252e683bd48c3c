// Package fetcher turns a URL into a FetchResult. One call runs a small
// state machine: fetch the page with retries, validate it, extract the
// article, then walk the fallback cascade while the result is still short.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/use-agent/pagefetch/archive"
	"github.com/use-agent/pagefetch/config"
	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/metrics"
	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/pdf"
	"github.com/use-agent/pagefetch/sites"
	"github.com/use-agent/pagefetch/transport"
	"github.com/use-agent/pagefetch/validator"
)

// Transport issues one outbound GET. *transport.Manager satisfies it.
type Transport interface {
	Do(ctx context.Context, req *transport.Request) *transport.Response
}

// Archive looks up archived copies of a page. *archive.Mirror satisfies it.
type Archive interface {
	FetchSnapshot(ctx context.Context, pageURL string) (*archive.Snapshot, error)
}

// Options tune the orchestrator.
type Options struct {
	// MaxRetries is the number of extra attempts for network-class errors.
	MaxRetries int

	// DefaultTimeout and MaxTimeout bound the per-call transport timeout.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	EnableRESTAPI       bool
	EnableFrameworkData bool
	EnableArchive       bool

	// MaxListItems caps the batched list-item fetch of a numbered list
	// article.
	MaxListItems int

	// TruncationMarkers mark a REST payload as a teaser preview.
	TruncationMarkers []string
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:          cfg.Transport.MaxRetries,
		DefaultTimeout:      cfg.Transport.DefaultTimeout,
		MaxTimeout:          cfg.Transport.MaxTimeout,
		EnableRESTAPI:       cfg.Fallback.EnableRESTAPI,
		EnableFrameworkData: cfg.Fallback.EnableFrameworkData,
		EnableArchive:       cfg.Fallback.EnableArchive,
		MaxListItems:        cfg.Fallback.MaxListItems,
		TruncationMarkers:   cfg.Fallback.TruncationMarkers,
	}
}

// Deps are the collaborators of a Fetcher. Only Transport is required.
type Deps struct {
	Transport Transport
	Engine    *extract.Engine
	Validator *validator.Validator
	PDF       *pdf.Extractor
	Archive   Archive
	Sites     *sites.Registry
	Memory    *DomainMemory
}

// Fetcher orchestrates transport, validation, extraction and fallbacks. It
// is safe for concurrent use; each Fetch call is independent.
type Fetcher struct {
	opts      Options
	transport Transport
	engine    *extract.Engine
	validator *validator.Validator
	pdf       *pdf.Extractor
	archive   Archive
	sites     *sites.Registry
	memory    *DomainMemory
	ownMemory bool
}

// New returns a Fetcher. Missing collaborators get defaults; a nil Archive
// disables the archive step.
func New(opts Options, deps Deps) *Fetcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 20 * time.Second
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	if opts.MaxListItems <= 0 {
		opts.MaxListItems = 50
	}

	f := &Fetcher{
		opts:      opts,
		transport: deps.Transport,
		engine:    deps.Engine,
		validator: deps.Validator,
		pdf:       deps.PDF,
		archive:   deps.Archive,
		sites:     deps.Sites,
		memory:    deps.Memory,
	}
	if f.engine == nil {
		f.engine = extract.NewEngine(extract.DefaultThresholds(), extract.DefaultExcerptLength)
	}
	if f.validator == nil {
		f.validator = validator.New(f.engine.Thresholds().Min)
	}
	if f.pdf == nil {
		f.pdf = pdf.New(pdf.DefaultMaxPages)
	}
	if f.memory == nil {
		f.memory = NewDomainMemory(24 * time.Hour)
		f.ownMemory = true
	}
	return f
}

// Close stops background work owned by the Fetcher.
func (f *Fetcher) Close() {
	if f.ownMemory {
		f.memory.Stop()
	}
}

// state is one node of the fetch state machine.
type state int

const (
	stateInit state = iota
	stateFetching
	stateValidating
	stateExtracting
	stateEnriching
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateFetching:
		return "fetching"
	case stateValidating:
		return "validating"
	case stateExtracting:
		return "extracting"
	case stateEnriching:
		return "enriching"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// run is the mutable state of one Fetch call.
type run struct {
	req   *models.FetchRequest
	start time.Time

	target  *url.URL
	site    sites.Site
	call    transport.Request // template for every outbound call
	extract extract.Options
	isPDF   bool

	resp     *transport.Response
	html     string
	attempts int

	fetchErr   *models.FetchError
	flag       validator.Result
	extractErr *models.FetchError

	best       *extract.Candidate
	archiveURL string
}

// pageURL is the URL relative links resolve against.
func (r *run) pageURL() string {
	if r.resp != nil && r.resp.FinalURL != "" {
		return r.resp.FinalURL
	}
	return r.target.String()
}

// Fetch runs the pipeline for req. It never returns nil and never returns
// a partially filled result.
func (f *Fetcher) Fetch(ctx context.Context, req *models.FetchRequest) *models.FetchResult {
	r := &run{req: req, start: time.Now()}

	st := stateInit
	for st != stateDone && st != stateFailed {
		next := f.step(ctx, r, st)
		slog.Debug("fetcher: transition", "url", req.URL, "from", st.String(), "to", next.String())
		st = next
	}

	var res *models.FetchResult
	if st == stateDone {
		res = f.done(r)
	} else {
		res = f.failed(r)
	}

	outcome := "success"
	if !res.Success {
		outcome = string(res.Error)
	}
	latency := time.Since(r.start)
	metrics.ObserveFetch(outcome, res.ExtractionMethod, res.Success, latency)
	slog.Info("fetcher: fetch finished",
		"url", req.URL,
		"success", res.Success,
		"method", res.ExtractionMethod,
		"error", res.Error,
		"attempts", r.attempts,
		"length", r.best.Length(),
		"latency", latency,
	)
	return res
}

func (f *Fetcher) step(ctx context.Context, r *run, st state) state {
	switch st {
	case stateInit:
		return f.initialize(r)
	case stateFetching:
		return f.fetching(ctx, r)
	case stateValidating:
		return f.validating(r)
	case stateExtracting:
		return f.extracting(r)
	case stateEnriching:
		return f.enriching(ctx, r)
	default:
		return stateFailed
	}
}

// ── INIT ────────────────────────────────────────────────────────────

func (f *Fetcher) initialize(r *run) state {
	u, err := url.Parse(strings.TrimSpace(r.req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.fetchErr = &models.FetchError{
			Kind:    models.ErrInvalidURL,
			Phase:   models.PhaseFetch,
			Message: fmt.Sprintf("invalid url %q", r.req.URL),
			Code:    transport.CodeInvalidURL,
			Err:     err,
		}
		return stateFailed
	}
	r.target = u
	r.site = f.sites.Lookup(u.Host)
	r.isPDF = pdf.LooksLikePDFURL(u.String())

	preset, err := transport.ParsePreset(r.req.Preset)
	if err != nil {
		slog.Warn("fetcher: unknown preset, using default", "preset", r.req.Preset)
	}
	r.call = transport.Request{
		Header:  siteHeaders(r.site),
		Preset:  preset,
		Timeout: f.timeout(r.req.TimeoutMs),
		Proxy:   r.req.ProxyURL,
		Cookies: toHTTPCookies(r.req.Cookies),
	}

	remove := append([]string(nil), r.req.RemoveSelectors...)
	remove = append(remove, r.site.BlockPatterns...)
	r.extract = extract.Options{
		TargetSelector:  r.req.TargetSelector,
		RemoveSelectors: remove,
		SiteSelector:    r.site.TargetSelector,
		StructuredLast:  !r.site.PrefersStructuredData(),
	}
	return stateFetching
}

func (f *Fetcher) timeout(ms int) time.Duration {
	if ms <= 0 {
		return f.opts.DefaultTimeout
	}
	return min(time.Duration(ms)*time.Millisecond, f.opts.MaxTimeout)
}

func siteHeaders(s sites.Site) http.Header {
	h := http.Header{}
	if s.UserAgent != "" {
		h.Set("User-Agent", s.UserAgent)
	}
	if s.Referer != "" {
		h.Set("Referer", s.Referer)
	}
	return h
}

func toHTTPCookies(in []models.Cookie) []*http.Cookie {
	if len(in) == 0 {
		return nil
	}
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

// outbound copies the request template for a call to rawURL.
func (r *run) outbound(rawURL string, extra http.Header) *transport.Request {
	req := r.call
	req.URL = rawURL
	req.Header = r.call.Header.Clone()
	for k, vs := range extra {
		req.Header[k] = vs
	}
	return &req
}

// ── FETCHING ────────────────────────────────────────────────────────

func (f *Fetcher) fetching(ctx context.Context, r *run) state {
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		r.attempts++
		resp := f.transport.Do(ctx, r.outbound(r.target.String(), nil))
		if resp.Success {
			r.resp, r.fetchErr = resp, nil
			break
		}
		r.fetchErr = fetchError(resp)
		if resp.StatusCode != 0 {
			r.resp = resp
		}
		if !models.Classify(r.fetchErr).Retryable || ctx.Err() != nil {
			break
		}
		slog.Debug("fetcher: retrying", "url", r.req.URL, "attempt", r.attempts, "code", resp.Error)
	}

	if r.resp != nil && r.resp.Success {
		if r.isPDF || validator.IsPDF(validator.NormalizeContentType(r.resp.ContentType())) || pdf.IsPDF(r.resp.Body) {
			return f.pdfDocument(r)
		}
		r.html = string(r.resp.Body)
		return stateValidating
	}

	if r.isPDF && !isTerminalFetchError(r.fetchErr) {
		r.fetchErr = &models.FetchError{
			Kind:    models.ErrPDFFetchFailed,
			Phase:   models.PhasePDF,
			Message: "pdf retrieval failed: " + r.fetchErr.Message,
			Err:     r.fetchErr,
		}
		return stateFailed
	}
	if r.resp != nil && r.resp.StatusCode == http.StatusForbidden && len(r.resp.Body) > 0 {
		// Gate pages often answer 403 with the article rendered anyway.
		r.html = string(r.resp.Body)
		return stateValidating
	}
	if f.needsEnrichment(r) {
		return stateEnriching
	}
	return stateFailed
}

// fetchError maps a failed transport response onto a classified error.
func fetchError(resp *transport.Response) *models.FetchError {
	fe := &models.FetchError{
		Phase:      models.PhaseFetch,
		Message:    resp.Detail,
		Code:       resp.Error,
		StatusCode: resp.StatusCode,
	}
	switch resp.Error {
	case transport.CodeHTTPStatus:
		fe.Kind = models.ErrHTTPStatus
		if resp.StatusCode == http.StatusTooManyRequests {
			fe.Kind = models.ErrRateLimited
		}
	case transport.CodeResponseTooLarge:
		fe.Kind = models.ErrResponseTooLarge
	case transport.CodeInvalidURL, transport.CodeInvalidProxy:
		fe.Kind = models.ErrInvalidURL
	default:
		fe.Kind = models.ErrNetwork
	}
	if fe.Message == "" {
		fe.Message = resp.Error
	}
	return fe
}

// pdfDocument short-circuits the HTML pipeline.
func (f *Fetcher) pdfDocument(r *run) state {
	c, err := f.pdf.ExtractFromBuffer(r.resp.Body, r.target.String())
	if err != nil {
		r.fetchErr = models.NewFetchError(models.ErrPDFFetchFailed, models.PhasePDF, "pdf text extraction failed", err)
		return stateFailed
	}
	f.engine.Finish(c, r.target.String())
	r.best = c
	if !f.succeeded(r) {
		r.extractErr = models.NewFetchError(models.ErrInsufficientContent, models.PhaseExtract,
			fmt.Sprintf("pdf text is %d characters, below %d", c.Length(), f.engine.Thresholds().Min), nil)
		return stateFailed
	}
	return stateDone
}

// ── VALIDATING ──────────────────────────────────────────────────────

func (f *Fetcher) validating(r *run) state {
	r.flag = f.validator.Validate(r.resp)

	for _, d := range validator.DetectAntibot(r.resp.Header, r.resp.Cookies, r.html) {
		metrics.ObserveAntibot(d.Vendor)
		slog.Debug("fetcher: antibot signature", "url", r.req.URL, "vendor", d.Vendor, "signal", d.Signal)
	}

	if r.flag.Valid {
		return stateExtracting
	}
	slog.Debug("fetcher: validator flag", "url", r.req.URL, "error", r.flag.Error, "details", r.flag.Details)

	// Binary bodies cannot hold an article; anything textual is still tried.
	if r.flag.Error == models.ErrWrongContentType &&
		!strings.HasPrefix(http.DetectContentType(r.resp.Body), "text/") {
		return stateFailed
	}
	return stateExtracting
}

// ── EXTRACTING ──────────────────────────────────────────────────────

func (f *Fetcher) extracting(r *run) state {
	c, err := f.engine.Extract(r.html, r.pageURL(), r.extract)
	switch {
	case err != nil:
		r.extractErr = models.NewFetchError(models.ErrExtractionFailed, models.PhaseExtract, "html could not be parsed", err)
	case c == nil:
		r.extractErr = models.NewFetchError(models.ErrExtractionFailed, models.PhaseExtract, "no strategy produced content", nil)
	default:
		r.best = c
		if n, floor := c.Length(), f.engine.Thresholds().Min; n < floor {
			r.extractErr = models.NewFetchError(models.ErrInsufficientContent, models.PhaseExtract,
				fmt.Sprintf("extracted text is %d chars, need %d", n, floor), nil)
		}
	}

	if f.needsEnrichment(r) {
		return stateEnriching
	}
	if f.succeeded(r) {
		return stateDone
	}
	return stateFailed
}

// ── ENRICHING ───────────────────────────────────────────────────────

// fallbackStep produces a replacement candidate. A nil candidate with a
// nil error means the step did not apply.
type fallbackStep struct {
	name    string
	enabled func(*run) bool
	run     func(context.Context, *run) (*extract.Candidate, error)
}

func (f *Fetcher) cascade() []fallbackStep {
	return []fallbackStep{
		{name: extract.MethodWPRestAPI, enabled: f.restAPIAllowed, run: f.restAPI},
		{name: extract.MethodNextDataRoute, enabled: f.frameworkAllowed, run: f.frameworkData},
		{name: extract.MethodArchive, enabled: f.archiveAllowed, run: f.archived},
	}
}

// enriching runs the cascade in order. Each step sees the best result so
// far and only replaces it with strictly longer text.
func (f *Fetcher) enriching(ctx context.Context, r *run) state {
	for _, s := range f.cascade() {
		if !f.needsEnrichment(r) {
			break
		}
		if !s.enabled(r) {
			metrics.ObserveFallbackStep(s.name, "skipped")
			continue
		}
		c, err := s.run(ctx, r)
		if err != nil {
			metrics.ObserveFallbackStep(s.name, "error")
			slog.Debug("fetcher: fallback step failed", "url", r.req.URL, "step", s.name, "error", err)
			continue
		}
		if f.improve(r, c) {
			metrics.ObserveFallbackStep(s.name, "improved")
			slog.Debug("fetcher: fallback improved result", "url", r.req.URL, "step", s.name, "length", c.Length())
			continue
		}
		metrics.ObserveFallbackStep(s.name, "kept")
	}

	if f.succeeded(r) {
		return stateDone
	}
	return stateFailed
}

// improve replaces the best candidate with c when c is strictly longer.
// Metadata c lacks is carried over from the previous best.
func (f *Fetcher) improve(r *run, c *extract.Candidate) bool {
	if c == nil || c.Length() <= r.best.Length() {
		return false
	}
	c.Backfill(r.best)
	if c.Excerpt == "" || c.Markdown == "" {
		f.engine.Finish(c, r.target.String())
	}
	r.best = c
	if c.Method != extract.MethodArchive {
		r.archiveURL = ""
	}
	return true
}

// ── guards ──────────────────────────────────────────────────────────

// needsEnrichment holds while the best result is short of the good
// threshold and the fetch did not fail terminally.
func (f *Fetcher) needsEnrichment(r *run) bool {
	if isTerminalFetchError(r.fetchErr) {
		return false
	}
	return r.best.Length() < f.engine.Thresholds().Good
}

// isTerminalFetchError reports failures no fallback may work around:
// disallowed addresses, rate limiting, malformed input and oversize bodies.
func isTerminalFetchError(e *models.FetchError) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case models.ErrRateLimited, models.ErrInvalidURL, models.ErrResponseTooLarge:
		return true
	case models.ErrNetwork:
		return e.Code == models.CodeSSRFBlocked || e.Code == models.CodeDNSRebinding
	}
	return false
}

func (f *Fetcher) restAPIAllowed(r *run) bool {
	return f.opts.EnableRESTAPI
}

func (f *Fetcher) frameworkAllowed(r *run) bool {
	return f.opts.EnableFrameworkData && r.site.FrameworkDataEnabled() && r.html != ""
}

// archiveAllowed rules out the archive for definitive not-found answers and
// for sites that opt out.
func (f *Fetcher) archiveAllowed(r *run) bool {
	if !f.opts.EnableArchive || f.archive == nil || !r.site.ArchiveEnabled() {
		return false
	}
	if e := r.fetchErr; e != nil && e.Kind == models.ErrHTTPStatus &&
		(e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone) {
		return false
	}
	return true
}

func (f *Fetcher) succeeded(r *run) bool {
	return r.best.Length() >= f.engine.Thresholds().Min
}

// ── DONE / FAILED ───────────────────────────────────────────────────

// explainsForbidden reports whether a validator flag is a better account of
// a 403 than the status itself.
func explainsForbidden(fe *models.FetchError, flag models.ErrorKind) bool {
	if fe.Kind != models.ErrHTTPStatus || fe.StatusCode != http.StatusForbidden {
		return false
	}
	return flag == models.ErrChallengeDetected || flag == models.ErrAccessRestricted
}

func (f *Fetcher) done(r *run) *models.FetchResult {
	c := r.best
	res := &models.FetchResult{
		Success:          true,
		URL:              r.req.URL,
		Title:            c.Title,
		Byline:           c.Byline,
		Content:          c.Content,
		TextContent:      c.TextContent,
		Excerpt:          c.Excerpt,
		SiteName:         c.SiteName,
		PublishedTime:    c.PublishedTime,
		Lang:             c.Lang,
		Markdown:         c.Markdown,
		ExtractionMethod: c.Method,
		ArchiveURL:       r.archiveURL,
		Selectors:        c.Selectors,
		LatencyMs:        time.Since(r.start).Milliseconds(),
	}
	if r.req.IncludeRawHTML {
		res.RawHTML = r.html
	}
	return res
}

// failed reports the most specific error captured: a fetch failure, then a
// validator flag, then the extraction outcome. A 403 whose body was
// recognized as a challenge or gate page reports the validator's finding.
func (f *Fetcher) failed(r *run) *models.FetchResult {
	fe := r.fetchErr
	flagged := !r.flag.Valid && r.flag.Error != ""
	if flagged && (fe == nil || explainsForbidden(fe, r.flag.Error)) {
		fe = &models.FetchError{Kind: r.flag.Error, Phase: models.PhaseValidate, Message: r.flag.Details}
		if r.resp != nil {
			fe.StatusCode = r.resp.StatusCode
		}
	}
	if fe == nil {
		fe = r.extractErr
	}
	if fe == nil {
		fe = models.NewFetchError(models.ErrExtractionFailed, models.PhaseExtract, "no strategy produced content", nil)
	}

	policy := models.Classify(fe)
	res := &models.FetchResult{
		Success:         false,
		URL:             r.req.URL,
		Error:           fe.Kind,
		ErrorDetails:    fe.Error(),
		SuggestedAction: policy.SuggestedAction,
		Hint:            policy.Hint,
		LatencyMs:       time.Since(r.start).Milliseconds(),
	}
	if r.req.IncludeRawHTML {
		res.RawHTML = r.html
	}
	return res
}
