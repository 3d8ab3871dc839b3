// Package api exposes feed discovery over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lueurxax/feedradar/internal/analysis"
	"github.com/lueurxax/feedradar/internal/core/domain"
	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/core/links"
	"github.com/lueurxax/feedradar/internal/core/rules"
)

// Rate limiting constants.
const (
	rateLimitRequests = 30
	rateLimitBurst    = 10
	rateLimitWindow   = time.Minute

	// LimiterSweepInterval is how often idle client limiters are dropped.
	LimiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"

	queryURL = "url"

	logFieldURL      = "url"
	logFieldAnalysis = "analysis_id"
)

// Analyzer is the discovery surface the handler needs.
type Analyzer interface {
	Analyze(ctx context.Context, rawURL string) (*analysis.Analysis, error)
	ValidateBaseURL(ctx context.Context, candidate domain.BaseURLCandidate) bool
}

var _ Analyzer = (*analysis.Engine)(nil)

// Handler serves /api/analyze, /api/validate and /api/rules.
type Handler struct {
	analyzer Analyzer
	rules    rules.Provider
	logger   *zerolog.Logger
	mux      *http.ServeMux

	// IP-based rate limiting
	limiters   map[string]*clientLimiter
	limitersMu sync.Mutex
	now        func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewHandler(analyzer Analyzer, provider rules.Provider, logger *zerolog.Logger) *Handler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	h := &Handler{
		analyzer: analyzer,
		rules:    provider,
		logger:   logger,
		mux:      http.NewServeMux(),
		limiters: make(map[string]*clientLimiter),
		now:      time.Now,
	}

	h.mux.HandleFunc("GET /api/analyze", h.instrument(EndpointAnalyze, h.limited(h.serveAnalyze)))
	h.mux.HandleFunc("GET /api/validate", h.instrument(EndpointValidate, h.limited(h.serveValidate)))
	h.mux.HandleFunc("GET /api/rules", h.instrument(EndpointRules, h.serveRules))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

// snapshotLine is one NDJSON line. Error is only set on the final line of a
// failed analysis.
type snapshotLine struct {
	domain.AnalysisResult
	Error string `json:"error,omitempty"`
}

func (h *Handler) serveAnalyze(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get(queryURL)

	a, err := h.analyzer.Analyze(r.Context(), raw)
	if err != nil {
		if errors.Is(err, ferrors.ErrMalformedInput) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

			return
		}

		h.logger.Error().Err(err).Str(logFieldURL, raw).Msg("analysis could not start")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "analysis failed to start"})

		return
	}

	defer a.Cancel()

	w.Header().Set(headerContentType, contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var last domain.AnalysisResult

	for snap := range a.Results() {
		last = snap

		if snap.Stage.Terminal() {
			break
		}

		if err := enc.Encode(snapshotLine{AnalysisResult: snap}); err != nil {
			h.logger.Debug().Err(err).Str(logFieldAnalysis, a.ID()).Msg("client went away")

			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}

	final, err := a.Wait()
	if final.ID == "" {
		final = last
	}

	line := snapshotLine{AnalysisResult: final}
	if err != nil {
		line.Error = err.Error()
	}

	_ = enc.Encode(line) //nolint:errcheck // the client may already be gone
}

type validateResponse struct {
	URL   string `json:"url"`
	Valid bool   `json:"valid"`
}

func (h *Handler) serveValidate(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get(queryURL))

	if _, err := links.Normalize(raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	candidate := domain.BaseURLCandidate{URL: raw, Origin: domain.OriginUserDefined}
	valid := h.analyzer.ValidateBaseURL(r.Context(), candidate)

	writeJSON(w, http.StatusOK, validateResponse{URL: raw, Valid: valid})
}

type rulesResponse struct {
	Version   string         `json:"version"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
	Source    string         `json:"source"`
	Count     int            `json:"count"`
	Gateways  rules.Gateways `json:"gateways"`
	IDs       []string       `json:"ids,omitempty"`
}

func (h *Handler) serveRules(w http.ResponseWriter, r *http.Request) {
	set := h.rules.Current()
	if set == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ferrors.ErrRuleSetNotFound.Error()})

		return
	}

	resp := rulesResponse{
		Version:   set.Version,
		UpdatedAt: set.UpdatedAt,
		Source:    set.Source,
		Count:     set.Len(),
		Gateways:  set.Gateways,
	}

	if verbose, _ := strconv.ParseBool(r.URL.Query().Get("verbose")); verbose {
		for _, rule := range set.Rules() {
			resp.IDs = append(resp.IDs, rule.ID)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // nothing left to report to
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		LatencyHistogram.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.allowRequest(getClientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})

			return
		}

		next(w, r)
	}
}

func (h *Handler) allowRequest(ip string) bool {
	now := h.now()

	h.limitersMu.Lock()

	client, ok := h.limiters[ip]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitRequests), rateLimitBurst)}
		h.limiters[ip] = client
	}

	client.lastSeen = now

	h.limitersMu.Unlock()

	return client.limiter.AllowN(now, 1)
}

// SweepLimiters drops the rate limiters of clients idle for longer than
// limiterIdleTTL. A client seen again starts with a full burst.
func (h *Handler) SweepLimiters(context.Context) {
	if removed := h.sweepLimiters(h.now()); removed > 0 {
		h.logger.Debug().Int("removed", removed).Msg("dropped idle client rate limiters")
	}
}

func (h *Handler) sweepLimiters(now time.Time) int {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()

	removed := 0

	for ip, client := range h.limiters {
		if now.Sub(client.lastSeen) > limiterIdleTTL {
			delete(h.limiters, ip)

			removed++
		}
	}

	return removed
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
