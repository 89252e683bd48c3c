package extract

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Signal weights for container scoring.
const (
	wTextDensity   = 3.0
	wLinkDensity   = -2.0
	wTagWeight     = 1.5
	wClassIDWeight = 1.0
	wTextLength    = 0.5
)

// Paragraphs shorter than this do not vote for their container.
const minVoteChars = 25

var positiveWords = map[string]bool{
	"content": true, "article": true, "post": true, "entry": true, "body": true,
	"main": true, "text": true, "story": true, "prose": true,
}

var negativeWords = map[string]bool{
	"sidebar": true, "ad": true, "ads": true, "widget": true, "nav": true, "menu": true,
	"comment": true, "comments": true, "footer": true, "header": true, "banner": true,
	"popup": true, "modal": true, "cookie": true, "social": true, "share": true,
	"related": true, "recommend": true, "recommended": true, "promo": true,
	"newsletter": true, "subscribe": true, "breadcrumb": true, "breadcrumbs": true,
}

// chrome lists elements dropped from the winning container before its text
// is read.
const chrome = "nav, aside, footer, header, form, script, style, noscript, iframe, button, svg"

// textDensity lets every substantial paragraph vote for its parent (and at
// half weight its grandparent), then adjusts each container by its own text
// density, link density, tag and class signals. The highest-scoring
// container wins.
func textDensity(d *Document) *Candidate {
	votes := make(map[*html.Node]float64)
	var order []*goquery.Selection

	vote := func(s *goquery.Selection, v float64) {
		if s.Length() == 0 {
			return
		}
		n := s.Get(0)
		if _, seen := votes[n]; !seen {
			order = append(order, s)
		}
		votes[n] += v
	}

	d.Doc.Find("p, pre, blockquote").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		n := utf8.RuneCountInString(text)
		if n < minVoteChars {
			return
		}
		v := 1 + float64(strings.Count(text, ",")) + math.Min(float64(n)/100, 3)
		parent := p.Parent()
		vote(parent, v)
		vote(parent.Parent(), v/2)
	})

	var (
		best      *goquery.Selection
		bestScore = math.Inf(-1)
	)
	for _, s := range order {
		score := votes[s.Get(0)]*(1-linkDensity(s)) + scoreElement(s)
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	if best == nil {
		return nil
	}

	body := best.Clone()
	body.Find(chrome).Remove()
	body.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		if classIDWeight(s) < 0 {
			s.Remove()
		}
	})

	paras := selectionParagraphs(body)
	if len(paras) == 0 {
		return nil
	}
	fragment, _ := goquery.OuterHtml(body)
	return &Candidate{
		Content:     fragment,
		TextContent: strings.Join(paras, "\n\n"),
	}
}

// scoreElement combines the container-level signals.
func scoreElement(el *goquery.Selection) float64 {
	text := strings.TrimSpace(el.Text())
	textLen := float64(utf8.RuneCountInString(text))

	markup, _ := goquery.OuterHtml(el)
	density := 0.0
	if len(markup) > 0 {
		density = textLen / float64(len(markup))
	}

	return density*wTextDensity +
		linkDensity(el)*wLinkDensity +
		tagWeight(el)*wTagWeight +
		classIDWeight(el)*wClassIDWeight +
		math.Log10(textLen+1)*wTextLength
}

// linkDensity is the share of an element's text that sits inside links.
func linkDensity(el *goquery.Selection) float64 {
	total := utf8.RuneCountInString(strings.TrimSpace(el.Text()))
	if total == 0 {
		return 0
	}
	linked := 0
	el.Find("a").Each(func(_ int, a *goquery.Selection) {
		linked += utf8.RuneCountInString(strings.TrimSpace(a.Text()))
	})
	return math.Min(float64(linked)/float64(total), 1)
}

func tagWeight(el *goquery.Selection) float64 {
	switch goquery.NodeName(el) {
	case "article", "main":
		return 5
	case "section":
		return 2
	case "nav", "footer", "aside", "header":
		return -5
	}
	return 0
}

// classIDWeight scores class and id tokens, at most once per direction.
func classIDWeight(el *goquery.Selection) float64 {
	class, _ := el.Attr("class")
	id, _ := el.Attr("id")

	var pos, neg bool
	for _, w := range splitWords(class + " " + id) {
		pos = pos || positiveWords[w]
		neg = neg || negativeWords[w]
	}

	score := 0.0
	if pos {
		score += 3
	}
	if neg {
		score -= 3
	}
	return score
}
