package feeds

import (
	"bytes"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/lueurxax/feedradar/internal/core/domain"
)

// DetectFeedDocument reports whether content is itself an RSS, Atom or JSON
// feed. The returned feed points at pageURL and carries the feed's title.
func DetectFeedDocument(content []byte, pageURL string) (domain.Feed, bool) {
	if len(bytes.TrimSpace(content)) == 0 || pageURL == "" {
		return domain.Feed{}, false
	}

	if gofeed.DetectFeedType(bytes.NewReader(content)) == gofeed.FeedTypeUnknown {
		return domain.Feed{}, false
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(content))
	if err != nil {
		return domain.Feed{}, false
	}

	return domain.Feed{
		Kind:  domain.FeedKindStandard,
		Title: strings.TrimSpace(parsed.Title),
		URL:   pageURL,
	}, true
}
