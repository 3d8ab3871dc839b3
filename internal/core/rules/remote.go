package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

const (
	maxRuleFileBytes     = 4 * 1024 * 1024
	defaultRemoteTimeout = 30 * time.Second

	headerETag            = "ETag"
	headerIfNoneMatch     = "If-None-Match"
	headerIfModifiedSince = "If-Modified-Since"
	headerLastModified    = "Last-Modified"
)

// Download is one fetched rule document.
type Download struct {
	Data         []byte
	ETag         string
	LastModified time.Time
	Checksum     string
}

// Downloader fetches a remote rule file with conditional requests.
// It remembers the validators of the last successful download.
type Downloader struct {
	url    string
	client *http.Client

	mu           sync.Mutex
	etag         string
	lastModified string
}

func NewDownloader(url string, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}

	return &Downloader{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// URL returns the remote location.
func (d *Downloader) URL() string {
	return d.url
}

// Fetch downloads the rule file. It returns ErrNotModified when the server
// answers 304 to the remembered validators.
func (d *Downloader) Fetch(ctx context.Context) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create rule request: %w", err)
	}

	d.mu.Lock()
	if d.etag != "" {
		req.Header.Set(headerIfNoneMatch, d.etag)
	}

	if d.lastModified != "" {
		req.Header.Set(headerIfModifiedSince, d.lastModified)
	}
	d.mu.Unlock()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download rules: %w", ferrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil, ferrors.ErrNotModified
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil, fmt.Errorf("%w: download rules: %d", ferrors.ErrHTTPStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRuleFileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read rules: %w", ferrors.ErrNetwork, err)
	}

	dl := &Download{
		Data:     data,
		ETag:     resp.Header.Get(headerETag),
		Checksum: Checksum(data),
	}

	lastModified := resp.Header.Get(headerLastModified)
	if t, err := dateparse.ParseIn(strings.TrimSpace(lastModified), time.UTC); err == nil && lastModified != "" {
		dl.LastModified = t.UTC()
	}

	d.mu.Lock()
	d.etag = dl.ETag
	d.lastModified = lastModified
	d.mu.Unlock()

	return dl, nil
}

// Checksum returns the hex SHA-256 of a rule document.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
