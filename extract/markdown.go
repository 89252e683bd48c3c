package extract

import (
	"fmt"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

// newConverter builds a reusable converter with CommonMark and GFM tables.
func newConverter() *htmltomd.Converter {
	return htmltomd.NewConverter(
		htmltomd.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// toMarkdown converts an HTML fragment, resolving relative links against
// domain.
func (e *Engine) toMarkdown(fragment, domain string) (string, error) {
	md, err := e.md.ConvertString(fragment, htmltomd.WithDomain(domain))
	if err != nil {
		return "", fmt.Errorf("extract: markdown: %w", err)
	}
	return md, nil
}
