// Package analysis runs feed discovery for a single URL and streams
// incrementally growing snapshots to the caller.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/core/gateway"
	"github.com/lueurxax/feedradar/internal/core/links"
	"github.com/lueurxax/feedradar/internal/core/rules"
	"github.com/lueurxax/feedradar/internal/core/sandbox"
	"github.com/lueurxax/feedradar/internal/platform/observability"
)

const (
	DefaultDeadline       = 10 * time.Second
	DefaultMaxConcurrency = 8

	logKeyAnalysis = "analysis_id"
	logKeyURL      = "url"
	logKeyRule     = "rule"
	logKeyStage    = "stage"
	logKeyBaseURL  = "base_url"
	logKeyStatus   = "status"
	logKeyCount    = "count"
	logKeyElapsed  = "elapsed"
)

// BaseURLValidator picks a reachable gateway deployment.
type BaseURLValidator interface {
	Resolve(ctx context.Context, candidates []domain.BaseURLCandidate, deadline time.Duration) (domain.BaseURLCandidate, bool)
	Validate(ctx context.Context, candidate domain.BaseURLCandidate) bool
}

var _ BaseURLValidator = (*gateway.Validator)(nil)

// Config tunes an Engine. Zero values use the defaults.
type Config struct {
	// Deadline bounds the wall-clock time of one analysis.
	Deadline time.Duration
	// ValidationDeadline bounds base URL resolution; defaults to Deadline.
	ValidationDeadline time.Duration
	// MaxConcurrency bounds the rule executions one analysis runs at a time.
	// The page fetch and the gateway validation do not count against it.
	MaxConcurrency int

	// UserBaseURL is a trusted gateway override used without probing.
	UserBaseURL string
	// OfficialBaseURL and DemoBaseURLs replace the rule set's gateways when set.
	OfficialBaseURL string
	DemoBaseURLs    []string

	IncludeDeprecated bool
}

// Engine wires the discovery collaborators. It is safe for concurrent use;
// every Analyze call is independent.
type Engine struct {
	cfg       Config
	rules     rules.Provider
	fetcher   links.PageFetcher
	executor  sandbox.Executor
	validator BaseURLValidator
	resolver  *gateway.Resolver
	logger    *zerolog.Logger
}

func NewEngine(cfg Config, provider rules.Provider, fetcher links.PageFetcher, executor sandbox.Executor, validator BaseURLValidator, resolver *gateway.Resolver, logger *zerolog.Logger) *Engine {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}

	if cfg.ValidationDeadline <= 0 || cfg.ValidationDeadline > cfg.Deadline {
		cfg.ValidationDeadline = cfg.Deadline
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	if resolver == nil {
		resolver = gateway.NewResolver("", "")
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Engine{
		cfg:       cfg,
		rules:     provider,
		fetcher:   fetcher,
		executor:  executor,
		validator: validator,
		resolver:  resolver,
		logger:    logger,
	}
}

// Analyze starts discovery for rawURL. A malformed URL fails synchronously
// and starts nothing. The returned Analysis emits at least one snapshot, and
// its final snapshot is Completed or Failed unless ctx is canceled first.
func (e *Engine) Analyze(ctx context.Context, rawURL string) (*Analysis, error) {
	target, err := links.Normalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	set := e.rules.Current()
	matches := set.Match(target, rules.MatchOptions{IncludeDeprecated: e.cfg.IncludeDeprecated})

	id := uuid.NewString()
	logger := e.logger.With().Str(logKeyAnalysis, id).Str(logKeyURL, target.String()).Logger()

	ruleIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		ruleIDs = append(ruleIDs, m.Rule.ID)
	}

	logger.Debug().Strs(logKeyRule, ruleIDs).Msg("analysis started")

	runCtx, cancel := context.WithCancel(ctx)

	a := newAnalysis(id, cancel)
	r := &run{
		engine:     e,
		analysis:   a,
		target:     target,
		matches:    matches,
		candidates: e.Candidates(set),
		logger:     &logger,
		state:      newState(id, target.String(), ruleIDs, len(matches)),
		events:     make(chan event, len(matches)+2),
		started:    time.Now(),
	}

	observability.AnalysesInFlight.Inc()

	go r.orchestrate(runCtx)

	return a, nil
}

// ValidateBaseURL probes candidate directly, bypassing and refreshing the
// validation cache.
func (e *Engine) ValidateBaseURL(ctx context.Context, candidate domain.BaseURLCandidate) bool {
	if e.validator == nil {
		return false
	}

	return e.validator.Validate(ctx, candidate)
}

// Candidates lists the gateway deployments in precedence order: the user
// override, then the official deployment, then demos. Configured URLs replace
// the ones shipped with the rule set.
func (e *Engine) Candidates(set *rules.Set) []domain.BaseURLCandidate {
	gateways := rules.Gateways{}
	if set != nil {
		gateways = set.Gateways
	}

	if e.cfg.OfficialBaseURL != "" {
		gateways.Official = e.cfg.OfficialBaseURL
	}

	if len(e.cfg.DemoBaseURLs) > 0 {
		gateways.Demos = e.cfg.DemoBaseURLs
	}

	var out []domain.BaseURLCandidate

	if override := strings.TrimSpace(e.cfg.UserBaseURL); override != "" {
		out = append(out, domain.BaseURLCandidate{URL: override, Origin: domain.OriginUserDefined})
	}

	return append(out, gateways.Candidates()...)
}
