package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/feedradar/internal/analysis"
	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/core/links"
	"github.com/lueurxax/feedradar/internal/core/rules"
	"github.com/lueurxax/feedradar/internal/core/sandbox"
)

const (
	testBase = "https://rsshub.example"
	feedPage = `<html><head><link rel="alternate" type="application/rss+xml" title="Blog" href="/feed.xml"></head></html>`
)

type stubFetcher struct {
	body string
}

func (f stubFetcher) Fetch(_ context.Context, rawURL string) (*links.Page, error) {
	return &links.Page{StatusCode: http.StatusOK, FinalURL: rawURL, Body: []byte(f.body), ContentType: "text/html"}, nil
}

type stubValidator struct {
	base string
}

func (v stubValidator) Resolve(context.Context, []domain.BaseURLCandidate, time.Duration) (domain.BaseURLCandidate, bool) {
	if v.base == "" {
		return domain.BaseURLCandidate{}, false
	}

	return domain.BaseURLCandidate{URL: v.base, Origin: domain.OriginOfficial}, true
}

func (v stubValidator) Validate(_ context.Context, c domain.BaseURLCandidate) bool {
	return strings.TrimSuffix(c.URL, "/") == v.base
}

func newTestHandler(t *testing.T, body string) (*Handler, *rules.Store) {
	t.Helper()

	set, err := rules.Builtin(nil, rules.WithCompiler(sandbox.Compile))
	require.NoError(t, err)

	store := rules.NewStore(set, nil)
	engine := analysis.NewEngine(analysis.Config{}, store, stubFetcher{body: body},
		sandbox.NewRunner(time.Second, nil), stubValidator{base: testBase}, nil, nil)

	return NewHandler(engine, store, nil), store
}

func readLines(t *testing.T, body string) []snapshotLine {
	t.Helper()

	var out []snapshotLine

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var line snapshotLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))

		out = append(out, line)
	}

	require.NoError(t, sc.Err())

	return out
}

func TestAnalyzeStreamsSnapshots(t *testing.T) {
	h, _ := newTestHandler(t, feedPage)

	req := httptest.NewRequest(http.MethodGet, "/api/analyze?url=https://blog.example.com/posts/hello", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeNDJSON, rec.Header().Get(headerContentType))

	lines := readLines(t, rec.Body.String())
	require.NotEmpty(t, lines)

	assert.Equal(t, domain.StageFetching, lines[0].Stage)

	last := lines[len(lines)-1]
	assert.Equal(t, domain.StageCompleted, last.Stage)
	assert.Empty(t, last.Error)
	require.Len(t, last.RSSFeeds, 1)
	assert.Equal(t, "https://blog.example.com/feed.xml", last.RSSFeeds[0].URL)

	for _, line := range lines[:len(lines)-1] {
		assert.False(t, line.Stage.Terminal(), "only the last line is terminal")
	}
}

func TestAnalyzeGatewayFeeds(t *testing.T) {
	h, _ := newTestHandler(t, "<html></html>")

	req := httptest.NewRequest(http.MethodGet, "/api/analyze?url=https://space.bilibili.com/53456", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	lines := readLines(t, rec.Body.String())
	require.NotEmpty(t, lines)

	last := lines[len(lines)-1]
	assert.Equal(t, domain.StageCompleted, last.Stage)
	require.NotEmpty(t, last.RSSHubFeeds)

	for _, f := range last.RSSHubFeeds {
		assert.True(t, strings.HasPrefix(f.URL, testBase+"/"), f.URL)
	}
}

func TestAnalyzeBadRequest(t *testing.T) {
	h, _ := newTestHandler(t, "")

	tests := []struct {
		name  string
		query string
	}{
		{name: "missing", query: ""},
		{name: "unsupported scheme", query: "?url=ftp://example.com/file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/analyze"+tt.query, nil)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, contentTypeJSON, rec.Header().Get(headerContentType))

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestValidate(t *testing.T) {
	h, _ := newTestHandler(t, "")

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantValid  bool
	}{
		{name: "reachable", query: "?url=" + testBase, wantStatus: http.StatusOK, wantValid: true},
		{name: "unreachable", query: "?url=https://down.example", wantStatus: http.StatusOK, wantValid: false},
		{name: "malformed", query: "?url=%20", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/validate"+tt.query, nil)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp validateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantValid, resp.Valid)
		})
	}
}

func TestRules(t *testing.T) {
	h, store := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/rules?verbose=true", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp rulesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	set := store.Current()
	assert.Equal(t, set.Version, resp.Version)
	assert.Equal(t, set.Len(), resp.Count)
	assert.Len(t, resp.IDs, set.Len())
}

func TestRulesNotLoaded(t *testing.T) {
	h := NewHandler(nil, rules.NewStore(nil, nil), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rules", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, "")

	var limited bool

	for i := 0; i < rateLimitBurst+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/validate?url="+testBase, nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}

	assert.True(t, limited)

	// another client is unaffected
	req := httptest.NewRequest(http.MethodGet, "/api/validate?url="+testBase, nil)
	req.Header.Set("X-Real-IP", "198.51.100.2")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSweepDropsIdleLimiters(t *testing.T) {
	h, _ := newTestHandler(t, "")

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for i := 0; i < rateLimitBurst; i++ {
		require.True(t, h.allowRequest("203.0.113.7"))
	}

	require.False(t, h.allowRequest("203.0.113.7"))

	now = now.Add(limiterIdleTTL / 2)
	require.True(t, h.allowRequest("198.51.100.2"))

	now = now.Add(limiterIdleTTL/2 + time.Second)
	h.SweepLimiters(context.Background())

	h.limitersMu.Lock()
	_, idle := h.limiters["203.0.113.7"]
	_, recent := h.limiters["198.51.100.2"]
	h.limitersMu.Unlock()

	assert.False(t, idle, "idle client limiter is dropped")
	assert.True(t, recent, "recently seen client limiter is kept")
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.2"}, want: "198.51.100.2"},
		{name: "remote addr", remote: "192.0.2.1:1234", want: "192.0.2.1:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}

			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
