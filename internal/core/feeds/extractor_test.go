package feeds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/feedradar/internal/core/domain"
)

const pageURL = "https://sspai.com/post/1"

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []domain.Feed
	}{
		{
			name: "single rss link",
			html: `<html><head><link rel="alternate" type="application/rss+xml" title=" 少数派 " href="/feed"></head></html>`,
			want: []domain.Feed{{Kind: domain.FeedKindStandard, Title: "少数派", URL: "https://sspai.com/feed"}},
		},
		{
			name: "atom and json feed in document order",
			html: `<head>
				<link rel="alternate" type="application/atom+xml" href="https://example.com/atom.xml">
				<link rel="alternate" type="application/feed+json" href="feed.json">
			</head>`,
			want: []domain.Feed{
				{Kind: domain.FeedKindStandard, URL: "https://example.com/atom.xml"},
				{Kind: domain.FeedKindStandard, URL: "https://sspai.com/post/feed.json"},
			},
		},
		{
			name: "rel token match is case insensitive",
			html: `<link rel="Alternate home" type="APPLICATION/RSS+XML; charset=utf-8" href="/rss">`,
			want: []domain.Feed{{Kind: domain.FeedKindStandard, URL: "https://sspai.com/rss"}},
		},
		{
			name: "plain json needs a feed title",
			html: `<link rel="alternate" type="application/json" href="/api">
				<link rel="alternate" type="application/json" title="JSON Feed" href="/feed.json">`,
			want: []domain.Feed{{Kind: domain.FeedKindStandard, Title: "JSON Feed", URL: "https://sspai.com/feed.json"}},
		},
		{
			name: "duplicates removed by resolved url",
			html: `<link rel="alternate" type="application/rss+xml" title="A" href="/feed">
				<link rel="alternate" type="application/rss+xml" title="B" href="https://sspai.com/feed">`,
			want: []domain.Feed{{Kind: domain.FeedKindStandard, Title: "A", URL: "https://sspai.com/feed"}},
		},
		{
			name: "base href applies",
			html: `<head><base href="https://cdn.example.com/site/"><link rel="alternate" type="application/rss+xml" href="rss.xml"></head>`,
			want: []domain.Feed{{Kind: domain.FeedKindStandard, URL: "https://cdn.example.com/site/rss.xml"}},
		},
		{
			name: "non feed links ignored",
			html: `<link rel="stylesheet" type="text/css" href="/a.css">
				<link rel="alternate" hreflang="en" href="/en">
				<link rel="alternate" type="application/rss+xml" href="">
				<link rel="alternate" type="application/rss+xml" href="javascript:void(0)">
				<a rel="alternate" type="application/rss+xml" href="/anchor">`,
			want: nil,
		},
		{
			name: "empty content",
			html: "",
			want: nil,
		},
		{
			name: "garbage markup",
			html: "<<<not html>>> \x00",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract([]byte(tt.html), pageURL))
		})
	}
}

func TestExtractBadPageURL(t *testing.T) {
	html := `<link rel="alternate" type="application/rss+xml" href="/feed">`
	assert.Nil(t, Extract([]byte(html), "://bad"))
}

func TestDetectFeedDocument(t *testing.T) {
	t.Run("rss", func(t *testing.T) {
		rss := `<?xml version="1.0"?><rss version="2.0"><channel><title>Example Feed</title><item><title>a</title></item></channel></rss>`

		feed, ok := DetectFeedDocument([]byte(rss), "https://example.com/rss")
		require.True(t, ok)
		assert.Equal(t, domain.Feed{Kind: domain.FeedKindStandard, Title: "Example Feed", URL: "https://example.com/rss"}, feed)
	})

	t.Run("atom", func(t *testing.T) {
		atom := `<?xml version="1.0" encoding="utf-8"?><feed xmlns="http://www.w3.org/2005/Atom"><title>Atom Example</title></feed>`

		feed, ok := DetectFeedDocument([]byte(atom), "https://example.com/atom")
		require.True(t, ok)
		assert.Equal(t, "Atom Example", feed.Title)
	})

	t.Run("html is not a feed", func(t *testing.T) {
		_, ok := DetectFeedDocument([]byte(`<html><head><title>x</title></head></html>`), "https://example.com/")
		assert.False(t, ok)
	})

	t.Run("empty", func(t *testing.T) {
		_, ok := DetectFeedDocument(nil, "https://example.com/")
		assert.False(t, ok)
	})
}
