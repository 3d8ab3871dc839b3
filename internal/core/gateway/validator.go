// Package gateway resolves feed routes against a gateway deployment and picks
// a reachable deployment from a prioritized candidate list.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/feedradar/internal/core/domain"
	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/platform/observability"
)

const (
	DefaultHealthPath   = "/healthz"
	DefaultProbeTimeout = 5 * time.Second
	DefaultPositiveTTL  = 30 * time.Minute
	DefaultNegativeTTL  = 2 * time.Minute

	maxProbeBodyBytes = 64 * 1024
	welcomeMarker     = "Welcome to RSSHub"
	okMarker          = "ok"

	logKeyBaseURL = "base_url"
	logKeyOrigin  = "origin"
	logKeyCount   = "count"
)

// ValidatorConfig tunes probing and caching. Zero values use the defaults.
type ValidatorConfig struct {
	HealthPath   string
	ProbeTimeout time.Duration
	PositiveTTL  time.Duration
	NegativeTTL  time.Duration
	UserAgent    string
}

// Validator probes gateway base URLs and caches the outcome per URL.
// Concurrent lookups of the same URL share one in-flight probe.
type Validator struct {
	client *http.Client
	cfg    ValidatorConfig
	logger *zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]*probeCall
}

type cacheEntry struct {
	ok        bool
	checkedAt time.Time
	expiresAt time.Time
}

// probeCall is one in-flight probe. It is canceled once every waiter has
// abandoned it.
type probeCall struct {
	done      chan struct{}
	cancel    context.CancelFunc
	waiters   int
	ok        bool
	checkedAt time.Time
}

func NewValidator(client *http.Client, cfg ValidatorConfig, logger *zerolog.Logger) *Validator {
	if client == nil {
		client = &http.Client{}
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}

	if !strings.HasPrefix(cfg.HealthPath, "/") {
		cfg.HealthPath = "/" + cfg.HealthPath
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if cfg.PositiveTTL <= 0 {
		cfg.PositiveTTL = DefaultPositiveTTL
	}

	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}

	return &Validator{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]*probeCall),
	}
}

// Resolve picks the base URL to use. A user-defined candidate wins without
// probing. Otherwise candidates are walked in precedence order: fresh cache
// entries are used as they are, and every candidate without one is probed
// concurrently with the first success winning. A cached positive only wins
// once every higher-precedence candidate that needed a probe has failed.
// When nothing succeeds before the deadline the second return value is false.
func (v *Validator) Resolve(ctx context.Context, candidates []domain.BaseURLCandidate, deadline time.Duration) (domain.BaseURLCandidate, bool) {
	for _, c := range candidates {
		if c.Origin == domain.OriginUserDefined && strings.TrimSpace(c.URL) != "" {
			return c, true
		}
	}

	probeable, fallback, hasFallback := v.plan(candidates)

	if hasFallback && len(probeable) == 0 {
		return fallback, true
	}

	if len(probeable) == 0 {
		v.logger.Warn().Err(ferrors.ErrValidationTimeout).Msg("no gateway candidate is reachable")

		return domain.BaseURLCandidate{}, false
	}

	if deadline > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	winner, ok := v.race(ctx, probeable)
	if ok {
		return winner, true
	}

	if hasFallback {
		v.logger.Debug().Str(logKeyBaseURL, fallback.URL).Msg("higher-precedence gateways failed, using cached gateway")

		return fallback, true
	}

	v.logger.Warn().
		Err(ferrors.ErrValidationTimeout).
		Int(logKeyCount, len(probeable)).
		Msg("no gateway candidate validated")

	return domain.BaseURLCandidate{}, false
}

// plan splits candidates into the ones that need a probe and the first cached
// positive. Candidates ranked below that positive are never considered.
func (v *Validator) plan(candidates []domain.BaseURLCandidate) ([]domain.BaseURLCandidate, domain.BaseURLCandidate, bool) {
	probeable := make([]domain.BaseURLCandidate, 0, len(candidates))

	for _, c := range candidates {
		if strings.TrimSpace(c.URL) == "" {
			continue
		}

		entry, ok := v.cached(c.URL)
		if !ok {
			probeable = append(probeable, c)

			continue
		}

		observability.ValidationCacheLookups.WithLabelValues(observability.OutcomeHit).Inc()

		if entry.ok {
			return probeable, c.WithValidation(true, entry.checkedAt), true
		}
	}

	return probeable, domain.BaseURLCandidate{}, false
}

type probeResult struct {
	index     int
	ok        bool
	checkedAt time.Time
}

func (v *Validator) race(ctx context.Context, candidates []domain.BaseURLCandidate) (domain.BaseURLCandidate, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan probeResult, len(candidates))

	for i, c := range candidates {
		go func() {
			ok, checkedAt, err := v.check(ctx, c.URL)
			results <- probeResult{index: i, ok: ok && err == nil, checkedAt: checkedAt}
		}()
	}

	for remaining := len(candidates); remaining > 0; remaining-- {
		select {
		case <-ctx.Done():
			return domain.BaseURLCandidate{}, false
		case res := <-results:
			if !res.ok {
				continue
			}

			best := earliestSuccess(res, results)
			c := candidates[best.index]

			v.logger.Debug().Str(logKeyBaseURL, c.URL).Str(logKeyOrigin, string(c.Origin)).Msg("gateway selected")

			return c.WithValidation(true, best.checkedAt), true
		}
	}

	return domain.BaseURLCandidate{}, false
}

// earliestSuccess prefers the highest-precedence success among results that
// have already arrived.
func earliestSuccess(first probeResult, results <-chan probeResult) probeResult {
	best := first

	for {
		select {
		case res := <-results:
			if res.ok && res.index < best.index {
				best = res
			}
		default:
			return best
		}
	}
}

// Validate probes candidate directly, bypassing and then refreshing the cache.
func (v *Validator) Validate(ctx context.Context, candidate domain.BaseURLCandidate) bool {
	if strings.TrimSpace(candidate.URL) == "" {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.cfg.ProbeTimeout)
	defer cancel()

	ok := v.probe(probeCtx, candidate.URL)
	if ctx.Err() == nil {
		v.store(candidate.URL, ok, v.now())
	}

	return ok
}

// check returns the cached outcome or joins/starts an in-flight probe.
func (v *Validator) check(ctx context.Context, baseURL string) (bool, time.Time, error) {
	key := cacheKey(baseURL)
	now := v.now()

	v.mu.Lock()

	if entry, ok := v.entries[key]; ok && now.Before(entry.expiresAt) {
		v.mu.Unlock()
		observability.ValidationCacheLookups.WithLabelValues(observability.OutcomeHit).Inc()

		return entry.ok, entry.checkedAt, nil
	}

	call, shared := v.inflight[key]
	if !shared {
		//nolint:contextcheck // the probe is shared by waiters and outlives any single caller context
		probeCtx, cancel := context.WithTimeout(context.Background(), v.cfg.ProbeTimeout)
		call = &probeCall{done: make(chan struct{}), cancel: cancel}
		v.inflight[key] = call

		go v.runProbe(probeCtx, key, baseURL, call)
	}

	call.waiters++
	v.mu.Unlock()

	if shared {
		observability.ValidationCacheLookups.WithLabelValues(observability.OutcomeShared).Inc()
	} else {
		observability.ValidationCacheLookups.WithLabelValues(observability.OutcomeMiss).Inc()
	}

	select {
	case <-call.done:
		return call.ok, call.checkedAt, nil
	case <-ctx.Done():
		v.abandon(key, call)

		return false, time.Time{}, fmt.Errorf("await probe %s: %w", baseURL, ctx.Err())
	}
}

func (v *Validator) abandon(key string, call *probeCall) {
	v.mu.Lock()
	defer v.mu.Unlock()

	call.waiters--
	if call.waiters > 0 {
		return
	}

	if v.inflight[key] == call {
		delete(v.inflight, key)
	}

	call.cancel()
}

func (v *Validator) runProbe(ctx context.Context, key, baseURL string, call *probeCall) {
	defer call.cancel()

	ok := v.probe(ctx, baseURL)
	checkedAt := v.now()
	abandoned := errors.Is(ctx.Err(), context.Canceled)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.inflight[key] == call {
		delete(v.inflight, key)
	}

	if !abandoned {
		v.storeLocked(key, ok, checkedAt)
	}

	call.ok = ok
	call.checkedAt = checkedAt
	close(call.done)
}

func (v *Validator) cached(baseURL string) (cacheEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[cacheKey(baseURL)]
	if !ok || !v.now().Before(entry.expiresAt) {
		return cacheEntry{}, false
	}

	return entry, true
}

func (v *Validator) store(baseURL string, ok bool, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.storeLocked(cacheKey(baseURL), ok, at)
}

func (v *Validator) storeLocked(key string, ok bool, at time.Time) {
	ttl := v.cfg.NegativeTTL
	if ok {
		ttl = v.cfg.PositiveTTL
	}

	v.entries[key] = cacheEntry{ok: ok, checkedAt: at, expiresAt: at.Add(ttl)}
}

// probe issues GET base+healthPath and accepts a 200 whose body looks like a
// gateway health response.
func (v *Validator) probe(ctx context.Context, baseURL string) bool {
	start := time.Now()
	ok, err := v.doProbe(ctx, baseURL)

	observability.GatewayProbeDuration.Observe(time.Since(start).Seconds())

	switch {
	case ok:
		observability.GatewayProbes.WithLabelValues(observability.OutcomeSuccess).Inc()
	case errors.Is(err, context.DeadlineExceeded):
		observability.GatewayProbes.WithLabelValues(observability.OutcomeTimeout).Inc()
	case errors.Is(err, context.Canceled):
		observability.GatewayProbes.WithLabelValues(observability.OutcomeCanceled).Inc()
	default:
		observability.GatewayProbes.WithLabelValues(observability.OutcomeFailure).Inc()
	}

	if err != nil {
		v.logger.Debug().Err(err).Str(logKeyBaseURL, baseURL).Msg("gateway probe failed")
	}

	return ok
}

func (v *Validator) doProbe(ctx context.Context, baseURL string) (bool, error) {
	probeURL := strings.TrimRight(strings.TrimSpace(baseURL), "/") + v.cfg.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create probe request: %w", err)
	}

	if v.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", v.cfg.UserAgent)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ferrors.ErrNetwork, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %w: %d", ferrors.ErrProbeRejected, ferrors.ErrHTTPStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return false, fmt.Errorf("%w: read probe body: %w", ferrors.ErrNetwork, err)
	}

	if !isHealthBody(body) {
		return false, fmt.Errorf("%w: unexpected body", ferrors.ErrProbeRejected)
	}

	return true, nil
}

func isHealthBody(body []byte) bool {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return true
	}

	if strings.EqualFold(string(trimmed), okMarker) {
		return true
	}

	return bytes.Contains(trimmed, []byte(welcomeMarker))
}

func cacheKey(baseURL string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
}
