package links

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

// ErrTooManyRedirects indicates too many HTTP redirects.
var ErrTooManyRedirects = errors.New("too many redirects")

const (
	defaultFetchTimeoutSeconds = 15
	defaultUserAgent           = "Mozilla/5.0 (compatible; feedradar/1.0; +https://github.com/lueurxax/feedradar)"
	globalLimiterBurst         = 5
	maxRedirects               = 10
	maxBodySizeMB              = 5
	maxBodySizeBytes           = maxBodySizeMB * 1024 * 1024
	domainLimiterRate          = 1
	domainLimiterBurst         = 2

	headerAccept         = "Accept"
	headerAcceptLanguage = "Accept-Language"
	headerContentType    = "Content-Type"
	headerUserAgent      = "User-Agent"
	acceptPage           = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Page is a fetched document. Body is decoded to UTF-8 for HTML content.
type Page struct {
	StatusCode  int
	FinalURL    string
	Body        []byte
	ContentType string
}

// OK reports whether the response status is 2xx.
func (p *Page) OK() bool {
	return p != nil && p.StatusCode >= http.StatusOK && p.StatusCode < http.StatusMultipleChoices
}

// PageFetcher retrieves raw page content. A non-2xx response is returned as a
// Page with a nil error; transport failures wrap ErrNetwork.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

type WebFetcher struct {
	client         *http.Client
	globalLimiter  *rate.Limiter
	domainLimiters map[string]*rate.Limiter
	mu             sync.RWMutex
	userAgent      string
}

func NewWebFetcher(rps float64, timeout time.Duration, userAgent string) *WebFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeoutSeconds * time.Second
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}

	return &WebFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return ErrTooManyRedirects
				}

				return nil
			},
		},
		globalLimiter:  rate.NewLimiter(limit, globalLimiterBurst),
		domainLimiters: make(map[string]*rate.Limiter),
		userAgent:      userAgent,
	}
}

func (f *WebFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	// Global rate limit
	if err := f.globalLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("global rate limiter wait: %w", err)
	}

	// Per-domain rate limit (1 req/sec per domain)
	domainLimiter := f.getDomainLimiter(f.extractDomain(rawURL))
	if err := domainLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("domain rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(headerUserAgent, f.userAgent)
	req.Header.Set(headerAccept, acceptPage)
	req.Header.Set(headerAcceptLanguage, "en-US,en;q=0.9,zh-CN;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ferrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySizeBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", ferrors.ErrNetwork, err)
	}

	contentType := resp.Header.Get(headerContentType)

	return &Page{
		StatusCode:  resp.StatusCode,
		FinalURL:    resp.Request.URL.String(),
		Body:        decodeBody(body, contentType),
		ContentType: contentType,
	}, nil
}

// decodeBody converts HTML bodies in a legacy charset to UTF-8.
// Bodies that are already valid UTF-8 and non-HTML bodies are returned unchanged.
func decodeBody(body []byte, contentType string) []byte {
	if utf8.Valid(body) || !isHTMLContentType(contentType) {
		return body
	}

	enc, _, _ := charset.DetermineEncoding(body, contentType)

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}

	return decoded
}

func isHTMLContentType(contentType string) bool {
	if contentType == "" {
		return true
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func (f *WebFetcher) getDomainLimiter(domain string) *rate.Limiter {
	f.mu.RLock()
	limiter, exists := f.domainLimiters[domain]
	f.mu.RUnlock()

	if exists {
		return limiter
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double check
	if limiter, exists := f.domainLimiters[domain]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(domainLimiterRate, domainLimiterBurst)
	f.domainLimiters[domain] = limiter

	return limiter
}

func (f *WebFetcher) extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return strings.ToLower(u.Host)
}
