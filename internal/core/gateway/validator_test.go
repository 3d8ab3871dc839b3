package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/platform/observability"
)

// gatewayServer counts health probes and answers with the configured handler.
type gatewayServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newGatewayServer(t *testing.T, handler http.HandlerFunc) *gatewayServer {
	t.Helper()

	gs := &gatewayServer{}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultHealthPath {
			gs.hits.Add(1)
		}

		handler(w, r)
	}))
	t.Cleanup(gs.Close)

	return gs
}

func healthy(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func unhealthy(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
}

// hanging blocks until the client gives up.
func hanging(_ http.ResponseWriter, r *http.Request) {
	<-r.Context().Done()
}

func candidate(url string, origin domain.CandidateOrigin) domain.BaseURLCandidate {
	return domain.BaseURLCandidate{URL: url, Origin: origin}
}

func TestIsHealthBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "json object", body: `{"status":"ok"}`, want: true},
		{name: "empty json object", body: ` {} `, want: true},
		{name: "ok text", body: "ok\n", want: true},
		{name: "OK text", body: "OK", want: true},
		{name: "welcome page", body: "<html><h1>Welcome to RSSHub!</h1></html>", want: true},
		{name: "json array", body: `[1,2]`, want: false},
		{name: "broken json", body: `{"status":`, want: false},
		{name: "parking page", body: "<html>domain for sale</html>", want: false},
		{name: "empty", body: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isHealthBody([]byte(tt.body)))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{name: "json health", handler: healthy, want: true},
		{name: "plain ok", handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }, want: true},
		{name: "service unavailable", handler: unhealthy, want: false},
		{name: "wrong body", handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("<html>hi</html>")) }, want: false},
		{name: "redirected to healthy", handler: func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == DefaultHealthPath {
				http.Redirect(w, r, "/real-health", http.StatusFound)

				return
			}

			healthy(w, r)
		}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newGatewayServer(t, tt.handler)
			v := NewValidator(nil, ValidatorConfig{ProbeTimeout: time.Second}, nil)

			assert.Equal(t, tt.want, v.Validate(context.Background(), candidate(server.URL, domain.OriginUserDefined)))
		})
	}
}

func TestValidateTimeout(t *testing.T) {
	server := newGatewayServer(t, hanging)
	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: 100 * time.Millisecond}, nil)

	start := time.Now()
	assert.False(t, v.Validate(context.Background(), candidate(server.URL, domain.OriginOfficial)))
	assert.Less(t, time.Since(start), time.Second)
}

func TestValidateBypassesAndRefreshesCache(t *testing.T) {
	var up atomic.Bool

	server := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		if up.Load() {
			healthy(w, r)

			return
		}

		unhealthy(w, r)
	})

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: time.Second}, nil)
	c := candidate(server.URL, domain.OriginOfficial)

	_, ok := v.Resolve(context.Background(), []domain.BaseURLCandidate{c}, time.Second)
	require.False(t, ok)

	up.Store(true)
	assert.True(t, v.Validate(context.Background(), c), "standalone validation ignores the cached failure")

	got, ok := v.Resolve(context.Background(), []domain.BaseURLCandidate{c}, time.Second)
	require.True(t, ok)
	assert.Equal(t, server.URL, got.URL)
	assert.Equal(t, int32(2), server.hits.Load(), "resolve after validate uses the refreshed entry")
}

func TestResolveUserOverrideSkipsProbes(t *testing.T) {
	official := newGatewayServer(t, healthy)
	demo := newGatewayServer(t, healthy)

	v := NewValidator(nil, ValidatorConfig{}, nil)

	got, ok := v.Resolve(context.Background(), []domain.BaseURLCandidate{
		candidate(official.URL, domain.OriginOfficial),
		candidate("https://my-rsshub.example", domain.OriginUserDefined),
		candidate(demo.URL, domain.OriginDemo),
	}, time.Second)

	require.True(t, ok)
	assert.Equal(t, "https://my-rsshub.example", got.URL)
	assert.Nil(t, got.Validated, "override is trusted, not validated")
	assert.Zero(t, official.hits.Load())
	assert.Zero(t, demo.hits.Load())
}

func TestResolveFirstSuccessWins(t *testing.T) {
	var slowCanceled atomic.Bool

	slow := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
			healthy(w, r)
		case <-r.Context().Done():
			slowCanceled.Store(true)
		}
	})
	fast := newGatewayServer(t, healthy)

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: 5 * time.Second}, nil)

	start := time.Now()
	got, ok := v.Resolve(context.Background(), []domain.BaseURLCandidate{
		candidate(slow.URL, domain.OriginOfficial),
		candidate(fast.URL, domain.OriginDemo),
	}, 3*time.Second)

	require.True(t, ok)
	assert.Equal(t, fast.URL, got.URL)
	assert.Equal(t, domain.OriginDemo, got.Origin)
	require.NotNil(t, got.Validated)
	assert.True(t, *got.Validated)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, slowCanceled.Load, time.Second, 10*time.Millisecond, "losing probe is canceled")
}

func TestResolveFailingCandidatesFallBack(t *testing.T) {
	broken := newGatewayServer(t, unhealthy)
	ok := newGatewayServer(t, healthy)

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: time.Second}, nil)

	got, found := v.Resolve(context.Background(), []domain.BaseURLCandidate{
		candidate(broken.URL, domain.OriginOfficial),
		candidate(ok.URL, domain.OriginDemo),
	}, time.Second)

	require.True(t, found)
	assert.Equal(t, ok.URL, got.URL)
}

func TestResolveAllUnreachableWithinDeadline(t *testing.T) {
	a := newGatewayServer(t, hanging)
	b := newGatewayServer(t, hanging)

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: 10 * time.Second}, nil)

	start := time.Now()
	_, ok := v.Resolve(context.Background(), []domain.BaseURLCandidate{
		candidate(a.URL, domain.OriginOfficial),
		candidate(b.URL, domain.OriginDemo),
	}, 150*time.Millisecond)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveUsesCacheUntilExpiry(t *testing.T) {
	server := newGatewayServer(t, healthy)

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	v := NewValidator(nil, ValidatorConfig{PositiveTTL: time.Minute}, nil)
	v.now = func() time.Time { return now }

	candidates := []domain.BaseURLCandidate{candidate(server.URL, domain.OriginOfficial)}

	for i := 0; i < 3; i++ {
		_, ok := v.Resolve(context.Background(), candidates, time.Second)
		require.True(t, ok)
	}

	assert.Equal(t, int32(1), server.hits.Load())

	now = now.Add(2 * time.Minute)

	_, ok := v.Resolve(context.Background(), candidates, time.Second)
	require.True(t, ok)
	assert.Equal(t, int32(2), server.hits.Load(), "expired entry triggers a fresh probe")
}

func TestResolveCachesFailures(t *testing.T) {
	server := newGatewayServer(t, unhealthy)
	v := NewValidator(nil, ValidatorConfig{}, nil)

	candidates := []domain.BaseURLCandidate{candidate(server.URL, domain.OriginOfficial)}

	for i := 0; i < 3; i++ {
		_, ok := v.Resolve(context.Background(), candidates, time.Second)
		require.False(t, ok)
	}

	assert.Equal(t, int32(1), server.hits.Load())
}

func TestResolveRechecksExpiredHigherPrecedence(t *testing.T) {
	var officialUp atomic.Bool

	official := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		if officialUp.Load() {
			healthy(w, r)

			return
		}

		w.WriteHeader(http.StatusBadGateway)
	})
	demo := newGatewayServer(t, healthy)

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: time.Second}, nil)
	v.now = func() time.Time { return now }

	// official failed and demo succeeded at the same moment
	v.store(official.URL, false, now)
	v.store(demo.URL, true, now)

	candidates := []domain.BaseURLCandidate{
		candidate(official.URL, domain.OriginOfficial),
		candidate(demo.URL, domain.OriginDemo),
	}

	got, ok := v.Resolve(context.Background(), candidates, time.Second)
	require.True(t, ok)
	assert.Equal(t, demo.URL, got.URL, "fresh negative official is skipped")
	assert.Zero(t, official.hits.Load())

	// past the negative TTL, inside the positive TTL
	now = now.Add(5 * time.Minute)

	got, ok = v.Resolve(context.Background(), candidates, time.Second)
	require.True(t, ok)
	assert.Equal(t, demo.URL, got.URL, "cached demo is used once official failed again")
	assert.Equal(t, int32(1), official.hits.Load(), "expired official entry is checked again")

	officialUp.Store(true)
	now = now.Add(5 * time.Minute)

	got, ok = v.Resolve(context.Background(), candidates, time.Second)
	require.True(t, ok)
	assert.Equal(t, official.URL, got.URL, "recovered official wins over cached demo")
	assert.Equal(t, domain.OriginOfficial, got.Origin)
	assert.Equal(t, int32(2), official.hits.Load())
	assert.Zero(t, demo.hits.Load(), "cached demo is never requested")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))

	return m.GetCounter().GetValue()
}

func TestResolveCountsEachCacheLookupOnce(t *testing.T) {
	official := newGatewayServer(t, healthy)
	demo := newGatewayServer(t, healthy)

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: time.Second}, nil)

	hits := observability.ValidationCacheLookups.WithLabelValues(observability.OutcomeHit)
	misses := observability.ValidationCacheLookups.WithLabelValues(observability.OutcomeMiss)

	v.store(demo.URL, true, v.now())

	hitsBefore, missesBefore := counterValue(t, hits), counterValue(t, misses)

	got, ok := v.Resolve(context.Background(), []domain.BaseURLCandidate{
		candidate(official.URL, domain.OriginOfficial),
		candidate(demo.URL, domain.OriginDemo),
	}, time.Second)
	require.True(t, ok)
	assert.Equal(t, official.URL, got.URL)

	assert.InDelta(t, 1, counterValue(t, hits)-hitsBefore, 0.001)
	assert.InDelta(t, 1, counterValue(t, misses)-missesBefore, 0.001)

	// official is now cached; only that lookup is counted
	hitsBefore, missesBefore = counterValue(t, hits), counterValue(t, misses)

	_, ok = v.Resolve(context.Background(), []domain.BaseURLCandidate{
		candidate(official.URL, domain.OriginOfficial),
		candidate(demo.URL, domain.OriginDemo),
	}, time.Second)
	require.True(t, ok)

	assert.InDelta(t, 1, counterValue(t, hits)-hitsBefore, 0.001)
	assert.InDelta(t, 0, counterValue(t, misses)-missesBefore, 0.001)
}

func TestCheckDeduplicatesConcurrentProbes(t *testing.T) {
	release := make(chan struct{})

	server := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		healthy(w, r)
	})

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: 5 * time.Second}, nil)

	const callers = 10

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, _, err := v.check(context.Background(), server.URL)
			if err == nil && ok {
				success.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()

		call := v.inflight[cacheKey(server.URL)]

		return call != nil && call.waiters == callers
	}, time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(callers), success.Load())
	assert.Equal(t, int32(1), server.hits.Load())
}

func TestCheckCancelsProbeWhenLastWaiterLeaves(t *testing.T) {
	var canceled atomic.Bool

	server := newGatewayServer(t, func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		canceled.Store(true)
	})

	v := NewValidator(nil, ValidatorConfig{ProbeTimeout: 5 * time.Second}, nil)

	first, cancelFirst := context.WithCancel(context.Background())
	second, cancelSecond := context.WithCancel(context.Background())

	errs := make(chan error, 2)

	go func() { _, _, err := v.check(first, server.URL); errs <- err }()
	go func() { _, _, err := v.check(second, server.URL); errs <- err }()

	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()

		call := v.inflight[cacheKey(server.URL)]

		return call != nil && call.waiters == 2 && server.hits.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancelFirst()
	require.Error(t, <-errs)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, canceled.Load(), "probe survives while a waiter remains")

	cancelSecond()
	require.Error(t, <-errs)

	require.Eventually(t, canceled.Load, time.Second, 5*time.Millisecond)

	v.mu.Lock()
	_, cached := v.entries[cacheKey(server.URL)]
	v.mu.Unlock()
	assert.False(t, cached, "abandoned probes are not cached")
}
