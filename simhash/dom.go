package simhash

import (
	"strings"

	"golang.org/x/net/html"
)

// shingleSize is the tag n-gram width used for structural fingerprints.
const shingleSize = 3

// FingerprintDOM fingerprints the sequence of opening tags in a document,
// ignoring text and attributes. Two pages rendered from the same template
// land close together even when their copy differs.
func FingerprintDOM(doc string) uint64 {
	tags := openTags(doc)
	if len(tags) == 0 {
		return 0
	}
	if sh := shingles(tags, shingleSize); len(sh) > 0 {
		return fingerprintTokens(sh)
	}
	return fingerprintTokens(tags)
}

// SameStructure reports whether two documents share a template, judged by
// the distance of their structural fingerprints. Documents without any tags
// never match.
func SameStructure(a, b string, threshold int) bool {
	fa, fb := FingerprintDOM(a), FingerprintDOM(b)
	if fa == 0 || fb == 0 {
		return false
	}
	return Similar(fa, fb, threshold)
}

func openTags(doc string) []string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var tags []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tags
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tags = append(tags, string(name))
		}
	}
}

func shingles(tokens []string, n int) []string {
	if len(tokens) < n {
		return nil
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], "_"))
	}
	return out
}
