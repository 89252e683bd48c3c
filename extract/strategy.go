package extract

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"
)

// Document is the parsed input shared by every strategy. Strategies must not
// mutate Doc; those that strip nodes re-parse HTML.
type Document struct {
	Doc  *goquery.Document
	HTML string
	URL  *url.URL

	// Selector is a site-configured CSS selector probed before the default
	// article selectors.
	Selector string
}

// Strategy is one extraction approach. Fn returns nil when the strategy finds
// nothing.
type Strategy struct {
	Name string
	Kind Kind
	Fn   func(*Document) *Candidate
}

// DefaultStrategies returns every strategy in default priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: MethodJSONLD, Kind: KindStructured, Fn: jsonLD},
		{Name: MethodNextData, Kind: KindStructured, Fn: nextData},
		{Name: MethodPageState, Kind: KindStructured, Fn: pageState},
		{Name: MethodRSCPayload, Kind: KindStructured, Fn: rscPayload},
		{Name: MethodReadability, Kind: KindDOM, Fn: readabilityArticle},
		{Name: MethodCSSSelector, Kind: KindDOM, Fn: cssSelector},
		{Name: MethodTextDensity, Kind: KindStatistical, Fn: textDensity},
		{Name: MethodBoilerplate, Kind: KindGeneric, Fn: boilerplate},
	}
}

// Order returns strategies reordered for a site. A site selector puts the
// CSS probe first; preferStructured=false moves structured strategies right
// after the DOM ones. Relative order within a group is preserved.
func Order(all []Strategy, siteSelector bool, preferStructured bool) []Strategy {
	var css, structured, dom, rest []Strategy
	for _, s := range all {
		switch {
		case siteSelector && s.Name == MethodCSSSelector:
			css = append(css, s)
		case s.Kind == KindStructured:
			structured = append(structured, s)
		case s.Kind == KindDOM:
			dom = append(dom, s)
		default:
			rest = append(rest, s)
		}
	}

	out := make([]Strategy, 0, len(all))
	out = append(out, css...)
	if preferStructured {
		out = append(out, structured...)
		out = append(out, dom...)
	} else {
		out = append(out, dom...)
		out = append(out, structured...)
	}
	return append(out, rest...)
}
