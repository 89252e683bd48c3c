package extract

import (
	"encoding/json"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

const maxWalkDepth = 40

// ── JSON-LD ─────────────────────────────────────────────────────────

var articleTypes = map[string]bool{
	"Article":              true,
	"NewsArticle":          true,
	"BlogPosting":          true,
	"Report":               true,
	"TechArticle":          true,
	"ScholarlyArticle":     true,
	"LiveBlogPosting":      true,
	"AnalysisNewsArticle":  true,
	"OpinionNewsArticle":   true,
	"ReportageNewsArticle": true,
	"ReviewNewsArticle":    true,
	"SocialMediaPosting":   true,
}

func jsonLD(d *Document) *Candidate {
	var best *Candidate
	d.Doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		v, ok := decodeLenient(s.Text())
		if !ok {
			return
		}
		for _, node := range ldNodes(v, 0) {
			if c := ldArticle(node); c.Length() > best.Length() {
				best = c
			}
		}
	})
	return best
}

// ldNodes flattens top-level arrays and @graph containers.
func ldNodes(v any, depth int) []map[string]any {
	if depth > 4 {
		return nil
	}
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, ldNodes(e, depth+1)...)
		}
	case map[string]any:
		out = append(out, t)
		if g, ok := t["@graph"]; ok {
			out = append(out, ldNodes(g, depth+1)...)
		}
		if me, ok := t["mainEntity"]; ok {
			out = append(out, ldNodes(me, depth+1)...)
		}
	}
	return out
}

func isArticleType(v any) bool {
	switch t := v.(type) {
	case string:
		return articleTypes[t]
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && articleTypes[s] {
				return true
			}
		}
	}
	return false
}

func ldArticle(node map[string]any) *Candidate {
	if !isArticleType(node["@type"]) {
		return nil
	}
	body, _ := node["articleBody"].(string)
	paras := cleanParagraphs(stringParagraphs(body))
	if len(paras) == 0 {
		return nil
	}
	c := articleMeta(node)
	c.TextContent, c.Content = joinParagraphs(paras)
	c.Method, c.Kind = MethodJSONLD, KindStructured
	return c
}

// decodeLenient parses strict JSON first and falls back to JSON5, which
// accepts the trailing commas and comments common in hand-written markup.
func decodeLenient(raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v, true
	}
	if err := json5.Unmarshal([]byte(raw), &v); err == nil {
		return v, true
	}
	return nil, false
}

// ── Next.js data blob ───────────────────────────────────────────────

func nextData(d *Document) *Candidate {
	raw := d.Doc.Find("script#__NEXT_DATA__").First().Text()
	v, ok := decodeLenient(raw)
	if !ok {
		return nil
	}
	if pp := dig(v, "props", "pageProps"); pp != nil {
		v = pp
	}
	return StructuredCandidate(v, MethodNextData)
}

func dig(v any, path ...string) any {
	for _, k := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[k]; !ok {
			return nil
		}
	}
	return v
}

// ── Serialized page state ───────────────────────────────────────────

var stateGlobals = []string{
	"__INITIAL_STATE__",
	"__PRELOADED_STATE__",
	"__APOLLO_STATE__",
	"__INITIAL_DATA__",
	"__NUXT__",
	"__DATA__",
}

func pageState(d *Document) *Candidate {
	var best *Candidate
	d.Doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		src := s.Text()
		for _, g := range stateGlobals {
			idx := strings.Index(src, g)
			if idx < 0 {
				continue
			}
			lit := assignedLiteral(src[idx+len(g):])
			if lit == "" {
				continue
			}
			var v any
			if err := json5.Unmarshal([]byte(lit), &v); err != nil {
				continue
			}
			if c := StructuredCandidate(v, MethodPageState); c.Length() > best.Length() {
				best = c
			}
		}
	})
	return best
}

// assignedLiteral returns the JSON text assigned right after a global name:
// either an object literal or the string argument of JSON.parse.
func assignedLiteral(s string) string {
	eq := strings.IndexByte(s, '=')
	if eq < 0 || eq > 8 {
		return ""
	}
	rest := strings.TrimLeft(s[eq+1:], " \t\r\n")
	if strings.HasPrefix(rest, "JSON.parse(") {
		lit := quotedPrefix(rest[len("JSON.parse("):])
		var decoded string
		if lit == "" || json5.Unmarshal([]byte(lit), &decoded) != nil {
			return ""
		}
		return decoded
	}
	if strings.HasPrefix(rest, "{") {
		return balancedObject(rest)
	}
	return ""
}

// quotedPrefix returns the JS string literal s starts with, quotes included.
func quotedPrefix(s string) string {
	if s == "" || (s[0] != '"' && s[0] != '\'') {
		return ""
	}
	quote := s[0]
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return s[:i+1]
		}
	}
	return ""
}

// balancedObject returns the object literal s starts with, skipping braces
// inside string literals.
func balancedObject(s string) string {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// ── React Server Components flight payload ──────────────────────────

var rscPush = regexp.MustCompile(`self\.__next_f\.push\(\[\s*1\s*,\s*("(?:[^"\\]|\\.)*")\s*\]\)`)

var rscBlockTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "blockquote": true, "pre": true, "figcaption": true,
}

var rscSkipTags = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true, "footer": true,
	"aside": true, "form": true, "button": true, "noscript": true,
}

func rscPayload(d *Document) *Candidate {
	var stream strings.Builder
	d.Doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		for _, m := range rscPush.FindAllStringSubmatch(s.Text(), -1) {
			var chunk string
			if json.Unmarshal([]byte(m[1]), &chunk) == nil {
				stream.WriteString(chunk)
			}
		}
	})
	if stream.Len() == 0 {
		return nil
	}

	var paras []string
	for _, row := range rscRows(stream.String()) {
		if row.text {
			paras = append(paras, stringParagraphs(row.payload)...)
			continue
		}
		if row.payload == "" || (row.payload[0] != '[' && row.payload[0] != '{') {
			continue
		}
		var v any
		if json.Unmarshal([]byte(row.payload), &v) != nil {
			continue
		}
		paras = append(paras, rscParagraphs(v, 0)...)
	}

	paras = cleanParagraphs(paras)
	if len(paras) == 0 {
		return nil
	}
	c := &Candidate{Method: MethodRSCPayload, Kind: KindStructured}
	c.TextContent, c.Content = joinParagraphs(paras)
	return c
}

type rscRow struct {
	payload string
	text    bool
}

// rscRows splits a flight stream into rows. Rows are "<id>:<json>\n",
// except text rows "<id>:T<hexlen>,<text>" whose text may contain newlines.
func rscRows(stream string) []rscRow {
	var rows []rscRow
	pos := 0
	for pos < len(stream) {
		colon := strings.IndexByte(stream[pos:], ':')
		if colon < 0 {
			break
		}
		start := pos + colon + 1

		if start < len(stream) && stream[start] == 'T' {
			comma := strings.IndexByte(stream[start:], ',')
			if comma < 0 {
				break
			}
			n, err := strconv.ParseInt(stream[start+1:start+comma], 16, 64)
			if err != nil {
				break
			}
			from := start + comma + 1
			to := from + int(n)
			if to > len(stream) {
				to = len(stream)
			}
			rows = append(rows, rscRow{payload: stream[from:to], text: true})
			pos = to
			continue
		}

		end := len(stream)
		if nl := strings.IndexByte(stream[start:], '\n'); nl >= 0 {
			end = start + nl
		}
		rows = append(rows, rscRow{payload: stream[start:end]})
		pos = end + 1
	}
	return rows
}

// rscParagraphs walks serialized elements of the form
// ["$", tag, key, props] and returns the text of block elements.
func rscParagraphs(v any, depth int) []string {
	if depth > maxWalkDepth {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		return rscParagraphs(t["children"], depth+1)
	case []any:
		if tag, props, ok := rscElement(t); ok {
			if rscSkipTags[tag] || isPromoNode(props) {
				return nil
			}
			if cls, _ := props["className"].(string); cls != "" && isPromoLabel(cls) {
				return nil
			}
			if rscBlockTags[tag] {
				if text := strings.Join(strings.Fields(rscInline(props["children"], depth+1)), " "); text != "" {
					return []string{text}
				}
				return nil
			}
			return rscParagraphs(props["children"], depth+1)
		}
		var out []string
		for _, e := range t {
			out = append(out, rscParagraphs(e, depth+1)...)
		}
		return out
	}
	return nil
}

func rscElement(arr []any) (string, map[string]any, bool) {
	if len(arr) < 4 {
		return "", nil, false
	}
	if marker, _ := arr[0].(string); marker != "$" {
		return "", nil, false
	}
	tag, ok := arr[1].(string)
	if !ok {
		return "", nil, false
	}
	props, _ := arr[3].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	return tag, props, true
}

func rscInline(v any, depth int) string {
	if depth > maxWalkDepth {
		return ""
	}
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") {
			return ""
		}
		return t
	case []any:
		if _, props, ok := rscElement(t); ok {
			return rscInline(props["children"], depth+1)
		}
		var b strings.Builder
		for _, e := range t {
			b.WriteString(rscInline(e, depth+1))
		}
		return b.String()
	}
	return ""
}

// ── Generic article walker ──────────────────────────────────────────

// bodyKeys name fields that hold an article body, most specific first.
var bodyKeys = []string{
	"articleBody", "body", "bodyHtml", "body_html", "content", "contentHtml",
	"content_html", "html", "blocks", "paragraphs", "text",
}

// containerKeys are tried, in order, when a body value is an object.
var containerKeys = []string{
	"rendered", "html", "text", "content", "value", "body", "blocks", "children", "paragraphs", "nodes",
}

var blockTypes = map[string]bool{
	"paragraph": true, "p": true, "heading": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "blockquote": true, "quote": true, "list": true,
	"list-item": true, "listitem": true, "list_item": true, "li": true, "ul": true, "ol": true,
	"section": true, "pre": true, "code-block": true, "code_block": true,
}

// typeKeys hold a node's type label in the payload shapes we see.
var typeKeys = []string{"type", "_type", "__typename", "kind", "component", "blockType", "__component"}

// StructuredCandidate locates the article inside an arbitrary decoded JSON
// payload: the object whose body field yields the most text after promo
// segments and duplicates are dropped. Metadata is read from that object.
func StructuredCandidate(v any, method string) *Candidate {
	node, paras := findArticle(v)
	if node == nil {
		return nil
	}
	c := articleMeta(node)
	c.TextContent, c.Content = joinParagraphs(paras)
	c.Method, c.Kind = method, KindStructured
	return c
}

func findArticle(root any) (map[string]any, []string) {
	var (
		bestNode  map[string]any
		bestParas []string
		bestLen   int
	)
	var walk func(v any, depth int)
	walk = func(v any, depth int) {
		if depth > maxWalkDepth {
			return
		}
		switch t := v.(type) {
		case map[string]any:
			if isPromoNode(t) {
				return
			}
			for _, k := range bodyKeys {
				body, ok := t[k]
				if !ok {
					continue
				}
				paras := cleanParagraphs(bodyParagraphs(body, 0))
				if n := textLength(strings.Join(paras, "\n\n")); n > bestLen {
					bestNode, bestParas, bestLen = t, paras, n
				}
			}
			for _, k := range sortedKeys(t) {
				walk(t[k], depth+1)
			}
		case []any:
			for _, e := range t {
				walk(e, depth+1)
			}
		}
	}
	walk(root, 0)
	return bestNode, bestParas
}

// bodyParagraphs converts a body value of any common CMS shape into
// paragraphs.
func bodyParagraphs(v any, depth int) []string {
	if depth > maxWalkDepth {
		return nil
	}
	switch t := v.(type) {
	case string:
		return stringParagraphs(t)
	case []any:
		var out []string
		for _, e := range t {
			switch el := e.(type) {
			case string:
				out = append(out, stringParagraphs(el)...)
			case map[string]any:
				out = append(out, blockParagraphs(el, depth+1)...)
			case []any:
				out = append(out, bodyParagraphs(el, depth+1)...)
			}
		}
		return out
	case map[string]any:
		return blockParagraphs(t, depth+1)
	}
	return nil
}

// blockParagraphs handles one object inside a body: a leaf block with a text
// field, a block with inline children, or a container of further blocks.
func blockParagraphs(m map[string]any, depth int) []string {
	if depth > maxWalkDepth || isPromoNode(m) {
		return nil
	}
	for _, k := range containerKeys {
		child, ok := m[k]
		if !ok {
			continue
		}
		switch c := child.(type) {
		case string:
			if p := stringParagraphs(c); len(p) > 0 {
				return p
			}
		case []any:
			if hasBlockChildren(c) {
				if p := bodyParagraphs(c, depth+1); len(p) > 0 {
					return p
				}
				continue
			}
			if text := strings.Join(strings.Fields(inlineText(c, depth+1)), " "); text != "" {
				return []string{text}
			}
		case map[string]any:
			if p := blockParagraphs(c, depth+1); len(p) > 0 {
				return p
			}
		}
	}
	return nil
}

func hasBlockChildren(items []any) bool {
	for _, e := range items {
		switch el := e.(type) {
		case map[string]any:
			if blockTypes[strings.ToLower(typeLabel(el))] {
				return true
			}
		case []any:
			return true
		}
	}
	return false
}

// inlineText flattens inline spans (text runs, links, emphasis) into one
// string.
func inlineText(v any, depth int) string {
	if depth > maxWalkDepth {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var b strings.Builder
		for _, e := range t {
			b.WriteString(inlineText(e, depth+1))
		}
		return b.String()
	case map[string]any:
		if isPromoNode(t) {
			return ""
		}
		for _, k := range []string{"text", "value", "children", "content"} {
			if child, ok := t[k]; ok {
				return inlineText(child, depth+1)
			}
		}
	}
	return ""
}

func typeLabel(m map[string]any) string {
	for _, k := range typeKeys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// isPromoNode reports whether an object is tagged as an ad, newsletter
// signup or similar insert.
func isPromoNode(m map[string]any) bool {
	for _, k := range typeKeys {
		if s, ok := m[k].(string); ok && isPromoLabel(s) {
			return true
		}
	}
	return false
}

// articleMeta reads the metadata fields of an article object.
func articleMeta(node map[string]any) *Candidate {
	return &Candidate{
		Title:         metaString(node, "headline", "title", "name", "seoTitle"),
		Byline:        personName(firstValue(node, "author", "authors", "byline", "creator")),
		PublishedTime: metaString(node, "datePublished", "publishedAt", "published_at", "publishDate", "publishedDate", "firstPublished", "date_gmt", "date", "createdAt"),
		Excerpt:       metaString(node, "description", "excerpt", "dek", "summary", "standfirst", "subtitle"),
		SiteName:      personName(node["publisher"]),
		Lang:          metaString(node, "inLanguage", "language", "lang", "locale"),
	}
}

func firstValue(node map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := node[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// metaString returns the first key holding text. Values may be plain
// strings, HTML, or {"rendered": "..."} wrappers.
func metaString(node map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := plainString(node[k]); s != "" {
			return s
		}
	}
	return ""
}

func plainString(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.ContainsRune(s, '<') {
			return strings.Join(htmlParagraphs(s), " ")
		}
		return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
	case map[string]any:
		return plainString(t["rendered"])
	}
	return ""
}

// personName handles author fields given as a string, an object with a
// name, or a list of either.
func personName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return plainString(t["name"])
	case []any:
		var names []string
		for _, e := range t {
			if n := personName(e); n != "" {
				names = append(names, n)
			}
		}
		return strings.Join(names, ", ")
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
