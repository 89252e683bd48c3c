package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const boilerplateRoles = `[role="navigation"], [role="banner"], [role="contentinfo"], [role="complementary"], [aria-hidden="true"], [hidden]`

// boilerplate is the last resort: strip page chrome from a private copy of
// the document and keep whatever body text is left.
func boilerplate(d *Document) *Candidate {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.HTML))
	if err != nil {
		return nil
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}

	body.Find(chrome + ", " + boilerplateRoles).Remove()
	body.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		if classIDWeight(s) < 0 && linkDensity(s) > 0.3 {
			s.Remove()
		}
	})

	paras := selectionParagraphs(body)
	if len(paras) == 0 {
		return nil
	}
	fragment, _ := body.Html()
	return &Candidate{
		Content:     fragment,
		TextContent: strings.Join(paras, "\n\n"),
	}
}
