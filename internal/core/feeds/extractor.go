// Package feeds finds standard RSS/Atom/JSON feeds advertised by a page.
package feeds

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/core/links"
)

const (
	relAlternate = "alternate"
	typeJSON     = "application/json"
	feedWord     = "feed"
)

// feedTypes are the link types accepted as feeds regardless of title.
var feedTypes = map[string]struct{}{
	"application/rss+xml":   {},
	"application/atom+xml":  {},
	"application/rdf+xml":   {},
	"application/feed+json": {},
}

// Extract returns the feeds advertised by <link rel="alternate"> elements in
// content, resolved against <base href> or pageURL. Results are deduplicated
// by absolute URL in document order. Malformed markup yields nil.
func Extract(content []byte, pageURL string) []domain.Feed {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil
	}

	base := resolveBase(doc, pageURL)
	if base == nil {
		return nil
	}

	var (
		found []domain.Feed
		seen  = make(map[string]struct{})
	)

	doc.Find("link[rel][href]").Each(func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		if !hasRelToken(rel, relAlternate) {
			return
		}

		linkType, _ := s.Attr("type")
		title, _ := s.Attr("title")
		title = strings.TrimSpace(title)

		if !isFeedType(linkType, title) {
			return
		}

		href, _ := s.Attr("href")

		resolved := links.ResolveReference(base, href)
		if resolved == "" {
			return
		}

		if _, dup := seen[resolved]; dup {
			return
		}

		seen[resolved] = struct{}{}
		found = append(found, domain.Feed{Kind: domain.FeedKindStandard, Title: title, URL: resolved})
	})

	return found
}

func resolveBase(doc *goquery.Document, pageURL string) *url.URL {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return page
	}

	resolved := links.ResolveReference(page, href)
	if resolved == "" {
		return page
	}

	base, err := url.Parse(resolved)
	if err != nil {
		return page
	}

	return base
}

func hasRelToken(rel, token string) bool {
	for _, t := range strings.Fields(rel) {
		if strings.EqualFold(t, token) {
			return true
		}
	}

	return false
}

func isFeedType(linkType, title string) bool {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(linkType))
	if err != nil {
		return false
	}

	if _, ok := feedTypes[mediaType]; ok {
		return true
	}

	return mediaType == typeJSON && strings.Contains(strings.ToLower(title), feedWord)
}
