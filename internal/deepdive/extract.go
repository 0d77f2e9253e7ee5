package deepdive

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// minArticleChars is the shortest extraction treated as a real article body.
// Anything shorter is likely a teaser in front of a paywall.
const minArticleChars = 300

// contentSelectors are tried in order; the first non-empty match wins.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".article-body",
	".post-content",
}

// paywallPhrases are teaser markers seen on gated security-news sites.
var paywallPhrases = []string{
	"subscribe to continue",
	"subscribe to read",
	"sign in to read",
	"log in to continue",
	"this content is for subscribers",
	"become a member",
	"registration required",
}

// extractText pulls readable article text out of an HTML document. Script,
// style, and chrome elements are stripped before selection.
func extractText(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()

	for _, sel := range contentSelectors {
		if text := collapse(doc.Find(sel).First().Text()); text != "" {
			return text, nil
		}
	}
	return collapse(doc.Find("body").Text()), nil
}

// looksPaywalled reports whether extracted text is a gated teaser rather
// than a full article.
func looksPaywalled(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range paywallPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return len(text) < minArticleChars
}

// collapse normalizes runs of whitespace to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
