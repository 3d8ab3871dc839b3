package links

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

const (
	testDomain      = "example.com"
	testHTMLBody    = "<html><head><title>Test</title></head><body>Test content</body></html>"
	testContentHTML = "text/html; charset=utf-8"
)

func TestNewWebFetcher(t *testing.T) {
	tests := []struct {
		name      string
		rps       float64
		timeout   time.Duration
		userAgent string
	}{
		{
			name:    "default timeout",
			rps:     2.0,
			timeout: 0,
		},
		{
			name:      "custom timeout and agent",
			rps:       5.0,
			timeout:   10 * time.Second,
			userAgent: "custom/1.0",
		},
		{
			name:    "negative timeout uses default",
			rps:     1.0,
			timeout: -1 * time.Second,
		},
		{
			name:    "unlimited rate",
			rps:     0,
			timeout: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := NewWebFetcher(tt.rps, tt.timeout, tt.userAgent)

			require.NotNil(t, fetcher, "NewWebFetcher() returned nil")
			require.NotNil(t, fetcher.client, "client is nil")
			require.NotNil(t, fetcher.globalLimiter, "globalLimiter is nil")
			require.NotNil(t, fetcher.domainLimiters, "domainLimiters is nil")
			require.NotEmpty(t, fetcher.userAgent, "userAgent is empty")
			assert.Positive(t, fetcher.client.Timeout)
		})
	}
}

func TestWebFetcherExtractDomain(t *testing.T) {
	fetcher := NewWebFetcher(1, time.Second, "")

	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{name: "simple domain", rawURL: "https://example.com/page", want: "example.com"},
		{name: "domain with subdomain", rawURL: "https://api.example.com/v1", want: "api.example.com"},
		{name: "domain with port", rawURL: "https://example.com:8080/page", want: "example.com:8080"},
		{name: "uppercase domain normalized", rawURL: "https://EXAMPLE.COM/page", want: "example.com"},
		{name: "invalid URL", rawURL: "://bad", want: ""},
		{name: "empty URL", rawURL: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fetcher.extractDomain(tt.rawURL))
		})
	}
}

func TestWebFetcherGetDomainLimiter(t *testing.T) {
	fetcher := NewWebFetcher(1, time.Second, "")

	limiter1 := fetcher.getDomainLimiter(testDomain)
	require.NotNil(t, limiter1)

	assert.Same(t, limiter1, fetcher.getDomainLimiter(testDomain), "same domain should reuse limiter")
	assert.NotSame(t, limiter1, fetcher.getDomainLimiter("other.com"), "different domain should get its own limiter")
}

func TestWebFetcherFetch(t *testing.T) {
	t.Run("successful fetch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.Header.Get(headerUserAgent), "User-Agent header not set")
			assert.NotEmpty(t, r.Header.Get(headerAccept), "Accept header not set")

			w.Header().Set(headerContentType, testContentHTML)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(testHTMLBody))
		}))
		defer server.Close()

		fetcher := NewWebFetcher(10, 5*time.Second, "")

		page, err := fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)

		assert.True(t, page.OK())
		assert.Equal(t, testHTMLBody, string(page.Body))
		assert.Equal(t, testContentHTML, page.ContentType)
		assert.Equal(t, server.URL, page.FinalURL)
	})

	t.Run("non-2xx status is returned as a page", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(testHTMLBody))
		}))
		defer server.Close()

		fetcher := NewWebFetcher(10, 5*time.Second, "")

		page, err := fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)

		assert.False(t, page.OK())
		assert.Equal(t, http.StatusNotFound, page.StatusCode)
		assert.Equal(t, testHTMLBody, string(page.Body))
	})

	t.Run("final URL follows redirects", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/landing", http.StatusFound)
		})
		mux.HandleFunc("/landing", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(testHTMLBody))
		})

		server := httptest.NewServer(mux)
		defer server.Close()

		fetcher := NewWebFetcher(10, 5*time.Second, "")

		page, err := fetcher.Fetch(context.Background(), server.URL+"/start")
		require.NoError(t, err)
		assert.Equal(t, server.URL+"/landing", page.FinalURL)
	})

	t.Run("legacy charset is decoded", func(t *testing.T) {
		// "café" in ISO-8859-1.
		latin1 := []byte("<html><body>caf\xe9</body></html>")

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(headerContentType, "text/html; charset=iso-8859-1")
			_, _ = w.Write(latin1)
		}))
		defer server.Close()

		fetcher := NewWebFetcher(10, 5*time.Second, "")

		page, err := fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Contains(t, string(page.Body), "café")
	})

	t.Run("canceled context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		fetcher := NewWebFetcher(10, 5*time.Second, "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := fetcher.Fetch(ctx, server.URL)
		require.Error(t, err)
	})

	t.Run("transport failure wraps network error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
		addr := server.URL
		server.Close()

		fetcher := NewWebFetcher(10, time.Second, "")

		_, err := fetcher.Fetch(context.Background(), addr)
		require.Error(t, err)
		assert.ErrorIs(t, err, ferrors.ErrNetwork)
	})
}

func TestWebFetcherRedirectLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/redirect", http.StatusFound)
	}))
	defer server.Close()

	fetcher := NewWebFetcher(10, 5*time.Second, "")

	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestDecodeBody(t *testing.T) {
	utf8Body := []byte("<p>привет</p>")

	assert.Equal(t, utf8Body, decodeBody(utf8Body, testContentHTML), "valid UTF-8 is untouched")

	xmlBody := []byte("<rss>\xe9</rss>")
	assert.Equal(t, xmlBody, decodeBody(xmlBody, "application/rss+xml"), "non-HTML bodies are untouched")
}
