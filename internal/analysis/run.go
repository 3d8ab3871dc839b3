package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lueurxax/feedradar/internal/core/domain"
	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/core/feeds"
	"github.com/lueurxax/feedradar/internal/core/links"
	"github.com/lueurxax/feedradar/internal/core/rules"
	"github.com/lueurxax/feedradar/internal/core/sandbox"
	"github.com/lueurxax/feedradar/internal/platform/observability"
)

type eventKind int

const (
	eventFetched eventKind = iota
	eventRule
	eventBase
)

// event is one worker result. Every worker sends exactly one.
type event struct {
	kind eventKind

	// eventFetched
	page  *links.Page
	feeds []domain.Feed
	err   error

	// eventRule
	index  int
	routes []domain.RouteDescriptor

	// eventBase
	base  domain.BaseURLCandidate
	found bool
}

// run is the orchestrator of one analysis. All fields except events are
// owned by the orchestrator goroutine.
type run struct {
	engine     *Engine
	analysis   *Analysis
	target     domain.URL
	matches    []rules.Match
	candidates []domain.BaseURLCandidate
	logger     *zerolog.Logger
	state      *state
	started    time.Time

	// buffered for every worker, so sends never block
	events chan event
	group  errgroup.Group
	// bounds concurrent rule executions; fetch and validation run outside it
	slots *semaphore.Weighted

	pendingRules  int
	fetchDone     bool
	fetchErr      error
	validatorDone bool
}

func (r *run) orchestrate(ctx context.Context) {
	defer observability.AnalysesInFlight.Dec()

	workCtx, cancelWork := context.WithTimeout(ctx, r.engine.cfg.Deadline)
	defer cancelWork()

	r.slots = semaphore.NewWeighted(int64(r.engine.cfg.MaxConcurrency))
	r.pendingRules = len(r.matches)

	r.state.advance(domain.StageFetching)

	abandoned := !r.emit(ctx, r.state.snapshot())
	if !abandoned {
		r.start(workCtx)
		abandoned = r.loop(ctx, workCtx)
	}

	cancelWork()
	_ = r.group.Wait() //nolint:errcheck // workers report through events and never fail the group

	if abandoned || ctx.Err() != nil {
		r.logger.Debug().Str(logKeyStage, string(r.state.stage)).Msg("analysis canceled")
		r.analysis.finish(r.state.snapshot(), ctx.Err())

		return
	}

	final, err := r.finalize(workCtx)
	r.record(final)
	r.emit(ctx, final)
	r.analysis.finish(final, err)
}

// loop merges worker results until every stage finished or the deadline
// passed. It reports whether the consumer went away.
func (r *run) loop(ctx, workCtx context.Context) bool {
	for !r.finished() {
		select {
		case ev := <-r.events:
			r.apply(workCtx, ev)

			if r.state.dirty && !r.emit(ctx, r.state.snapshot()) {
				return true
			}
		case <-workCtx.Done():
			if ctx.Err() == nil {
				r.logger.Warn().Str(logKeyStage, string(r.state.stage)).Msg("analysis deadline reached, abandoning pending stages")
			}

			return false
		}
	}

	return false
}

func (r *run) emit(ctx context.Context, snap domain.AnalysisResult) bool {
	select {
	case r.analysis.results <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// start launches the work that needs nothing but the URL.
func (r *run) start(ctx context.Context) {
	r.group.Go(func() error {
		r.resolveBase(ctx)

		return nil
	})

	r.group.Go(func() error {
		r.fetch(ctx)

		return nil
	})

	for i, m := range r.matches {
		if m.Rule.NeedsContent {
			continue
		}

		r.launchRule(ctx, i, m, "")
	}
}

// launchRule never blocks the orchestrator: the slot is taken inside the
// worker goroutine.
func (r *run) launchRule(ctx context.Context, index int, m rules.Match, content string) {
	r.group.Go(func() error {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			r.events <- event{kind: eventRule, index: index}

			return nil
		}
		defer r.slots.Release(1)

		r.execute(ctx, index, m, content)

		return nil
	})
}

func (r *run) apply(ctx context.Context, ev event) {
	switch ev.kind {
	case eventFetched:
		r.applyFetch(ctx, ev)
	case eventRule:
		r.pendingRules--
		r.state.addRoutes(ev.index, ev.routes)
	case eventBase:
		r.validatorDone = true

		if ev.found {
			r.state.setBase(ev.base)
		}
	}

	r.state.resolveGateway(r.engine.resolver)

	if !r.fetchDone {
		return
	}

	// a failed fetch stays in Fetching until something else produced output
	if r.fetchErr == nil || len(r.state.standard) > 0 || r.state.hasRoutes() {
		r.state.advance(domain.StageExtracting)
	}

	if len(r.state.gateway) > 0 || (r.pendingRules == 0 && r.state.hasRoutes()) {
		r.state.advance(domain.StageResolving)
	}
}

func (r *run) applyFetch(ctx context.Context, ev event) {
	r.fetchDone = true
	r.state.addStandard(ev.feeds)

	switch {
	case ev.err != nil:
		r.fetchErr = ev.err
	case !ev.page.OK():
		r.fetchErr = fmt.Errorf("%w: %d", ferrors.ErrHTTPStatus, ev.page.StatusCode)
	}

	for i, m := range r.matches {
		if !m.Rule.NeedsContent {
			continue
		}

		if r.fetchErr != nil {
			r.pendingRules--

			continue
		}

		r.launchRule(ctx, i, m, string(ev.page.Body))
	}
}

// finished reports whether nothing can add feeds anymore. Without any route
// descriptor there is nothing to resolve, so the validator is not awaited.
func (r *run) finished() bool {
	if !r.fetchDone || r.pendingRules > 0 {
		return false
	}

	return r.validatorDone || !r.state.hasRoutes()
}

// finalize builds the terminal snapshot. The analysis fails only when the
// page could not be fetched and nothing else produced a feed or a route.
func (r *run) finalize(workCtx context.Context) (domain.AnalysisResult, error) {
	if !r.fetchDone {
		r.fetchErr = fmt.Errorf("page not fetched: %w", workCtx.Err())
	}

	if r.fetchErr != nil && !r.state.hasRoutes() && len(r.state.standard) == 0 {
		r.state.stage = domain.StageFailed

		return r.state.snapshot(), fmt.Errorf("%w: %w", ferrors.ErrFetch, r.fetchErr)
	}

	r.state.stage = domain.StageCompleted

	return r.state.snapshot(), nil
}

func (r *run) record(final domain.AnalysisResult) {
	observability.AnalysesTotal.WithLabelValues(string(final.Stage)).Inc()
	observability.AnalysisDuration.Observe(time.Since(r.started).Seconds())
	observability.FeedsFound.WithLabelValues(string(domain.FeedKindStandard)).Add(float64(len(final.RSSFeeds)))
	observability.FeedsFound.WithLabelValues(string(domain.FeedKindGateway)).Add(float64(len(final.RSSHubFeeds)))

	r.logger.Info().
		Str(logKeyStage, string(final.Stage)).
		Int(logKeyCount, final.FeedCount()).
		Dur(logKeyElapsed, time.Since(r.started)).
		Msg("analysis finished")
}

func (r *run) fetch(ctx context.Context) {
	page, err := r.engine.fetcher.Fetch(ctx, r.target.String())
	if err == nil && page == nil {
		err = fmt.Errorf("%w: empty response", ferrors.ErrNetwork)
	}

	ev := event{kind: eventFetched, page: page, err: err}

	switch {
	case err != nil:
		observability.PageFetches.WithLabelValues(fetchOutcome(err)).Inc()
		r.logger.Warn().Err(err).Msg("page fetch failed")
	case !page.OK():
		observability.PageFetches.WithLabelValues(observability.OutcomeFailure).Inc()
		r.logger.Warn().Int(logKeyStatus, page.StatusCode).Msg("page fetch returned non-success status")
	default:
		observability.PageFetches.WithLabelValues(observability.OutcomeSuccess).Inc()
	}

	if err == nil && len(page.Body) > 0 {
		ev.feeds = r.discover(page)
	}

	r.events <- ev
}

// discover lists the standard feeds a fetched page offers. Error bodies are
// scanned for markup too.
func (r *run) discover(page *links.Page) []domain.Feed {
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = r.target.String()
	}

	var found []domain.Feed

	if page.OK() {
		if self, ok := feeds.DetectFeedDocument(page.Body, pageURL); ok {
			found = append(found, self)
		}
	}

	return append(found, feeds.Extract(page.Body, pageURL)...)
}

func (r *run) execute(ctx context.Context, index int, m rules.Match, content string) {
	start := time.Now()

	routes, err := r.engine.executor.Execute(ctx, m.Rule, sandbox.Input{
		URL:     r.target,
		Params:  m.Params,
		Content: content,
	})

	observability.ScriptDuration.Observe(time.Since(start).Seconds())
	observability.ScriptExecutions.WithLabelValues(scriptOutcome(err)).Inc()

	if err != nil {
		r.logger.Warn().Err(err).Str(logKeyRule, m.Rule.ID).Msg("rule execution failed")

		routes = nil
	}

	r.events <- event{kind: eventRule, index: index, routes: routes}
}

func (r *run) resolveBase(ctx context.Context) {
	ev := event{kind: eventBase}

	switch {
	case r.engine.validator != nil:
		ev.base, ev.found = r.engine.validator.Resolve(ctx, r.candidates, r.engine.cfg.ValidationDeadline)
	case len(r.candidates) > 0 && r.candidates[0].Origin == domain.OriginUserDefined:
		ev.base, ev.found = r.candidates[0], true
	}

	if ev.found {
		r.logger.Debug().Str(logKeyBaseURL, ev.base.URL).Msg("gateway base URL resolved")
	} else if ctx.Err() == nil {
		r.logger.Warn().Err(ferrors.ErrValidationTimeout).Int(logKeyCount, len(r.candidates)).Msg("no gateway base URL available")
	}

	r.events <- ev
}

func fetchOutcome(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return observability.OutcomeCanceled
	}

	return observability.OutcomeFailure
}

func scriptOutcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeSuccess
	case errors.Is(err, ferrors.ErrScriptTimeout):
		return observability.OutcomeTimeout
	case errors.Is(err, ferrors.ErrScriptRuntimeFault):
		return observability.OutcomeFault
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	default:
		return observability.OutcomeFailure
	}
}
