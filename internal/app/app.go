// Package app wires the feed discovery service together.
//
// The App type owns all long-lived dependencies and exposes the operational
// modes:
//
//   - Serve mode: HTTP API, health and metrics, plus rule set maintenance
//   - Analyze mode: one-shot analysis of a single URL, streamed as JSON lines
//   - Validate mode: one-shot gateway base URL health check
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lueurxax/feedradar/internal/analysis"
	"github.com/lueurxax/feedradar/internal/api"
	"github.com/lueurxax/feedradar/internal/core/domain"
	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/core/gateway"
	"github.com/lueurxax/feedradar/internal/core/links"
	"github.com/lueurxax/feedradar/internal/core/rules"
	"github.com/lueurxax/feedradar/internal/core/sandbox"
	"github.com/lueurxax/feedradar/internal/platform/config"
	"github.com/lueurxax/feedradar/internal/platform/observability"
	"github.com/lueurxax/feedradar/internal/platform/worker"
	db "github.com/lueurxax/feedradar/internal/storage"
)

const (
	snapshotPruneInterval = 24 * time.Hour
	snapshotKeep          = 10

	reloadSourceBuiltin = "builtin"
	reloadSourceRemote  = "remote"
	reloadSourceFile    = "file"

	logFieldURL    = "url"
	logFieldSource = "source"
)

// App holds the application dependencies and provides methods to run different modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger

	store     *rules.Store
	watcher   *rules.FileWatcher
	refresher *rules.Refresher
	engine    *analysis.Engine
}

// New builds the rule store and the analysis engine. database may be nil, in
// which case rule snapshots are not persisted.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	a := &App{cfg: cfg, database: database, logger: logger}

	if err := a.initRules(); err != nil {
		return nil, err
	}

	a.engine = a.newEngine()

	return a, nil
}

func (a *App) setOptions() []rules.SetOption {
	return []rules.SetOption{rules.WithCompiler(sandbox.Compile)}
}

func (a *App) initRules() error {
	rcfg := a.cfg.RulesCfg()
	opts := a.setOptions()

	var (
		initial *rules.Set
		err     error
	)

	if rcfg.File != "" {
		initial, err = rules.LoadFile(rcfg.File, a.logger, opts...)
	} else {
		initial, err = rules.Builtin(a.logger, opts...)
	}

	if err != nil {
		return fmt.Errorf("load rule set: %w", err)
	}

	a.store = rules.NewStore(initial, a.logger)
	observability.RuleSetSize.Set(float64(initial.Len()))

	if rcfg.File != "" && rcfg.Watch {
		a.watcher = rules.NewFileWatcher(rcfg.File, a.store, a.logger, opts...)
	}

	var repo rules.SnapshotRepository
	if a.database != nil {
		repo = a.database.RuleSnapshots()
	}

	var downloader *rules.Downloader
	if rcfg.RemoteURL != "" {
		downloader = rules.NewDownloader(rcfg.RemoteURL, rcfg.FetchTimeout)
	}

	if downloader != nil || repo != nil {
		a.refresher = rules.NewRefresher(rules.RefresherConfig{
			Store:      a.store,
			Downloader: downloader,
			Repo:       repo,
			Interval:   rcfg.RefreshInterval,
			Options:    opts,
			Logger:     a.logger,
		})
	}

	return nil
}

func (a *App) newEngine() *analysis.Engine {
	fcfg := a.cfg.FetchCfg()
	acfg := a.cfg.AnalysisCfg()
	gcfg := a.cfg.GatewayCfg()

	fetcher := links.NewWebFetcher(fcfg.RPS, fcfg.Timeout, fcfg.UserAgent)

	validator := gateway.NewValidator(&http.Client{}, gateway.ValidatorConfig{
		HealthPath:   gcfg.HealthPath,
		ProbeTimeout: gcfg.ProbeTimeout,
		PositiveTTL:  gcfg.PositiveTTL,
		NegativeTTL:  gcfg.NegativeTTL,
		UserAgent:    fcfg.UserAgent,
	}, a.logger)

	resolver := gateway.NewResolver(gcfg.AccessKey, gateway.AccessMode(gcfg.AccessMode))

	return analysis.NewEngine(analysis.Config{
		Deadline:           acfg.Deadline,
		ValidationDeadline: acfg.ValidationDeadline,
		MaxConcurrency:     acfg.MaxConcurrency,
		UserBaseURL:        gcfg.UserBaseURL,
		OfficialBaseURL:    gcfg.OfficialURL,
		DemoBaseURLs:       gcfg.DemoURLs,
		IncludeDeprecated:  acfg.IncludeDeprecated,
	}, a.store, fetcher, sandbox.NewRunner(acfg.ScriptTimeout, a.logger), validator, resolver, a.logger)
}

// Engine exposes the analysis engine.
func (a *App) Engine() *analysis.Engine {
	return a.engine
}

// RunServe serves the API and keeps the rule set current until ctx is done.
func (a *App) RunServe(ctx context.Context) error {
	if a.refresher != nil {
		if err := a.refresher.Restore(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("could not restore persisted rule set")
		}
	}

	handler := api.NewHandler(a.engine, a.store, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.trackRuleSet(gctx)

		return nil
	})

	g.Go(func() error {
		return a.newHealthServer(handler).Start(gctx)
	})

	g.Go(func() error {
		return ignoreCanceled(worker.TickerLoop(gctx, worker.TickerConfig{
			Name:   "api-limiter-sweeper",
			Tasks:  []worker.TickerTask{{Name: "sweep", Interval: api.LimiterSweepInterval, Run: handler.SweepLimiters}},
			Logger: a.logger,
		}))
	})

	if a.watcher != nil {
		g.Go(func() error {
			return ignoreCanceled(a.watcher.Run(gctx))
		})
	}

	if a.refresher != nil && a.cfg.RulesCfg().RemoteURL != "" {
		g.Go(func() error {
			return ignoreCanceled(a.refresher.Run(gctx))
		})
	}

	if a.database != nil {
		g.Go(func() error {
			return ignoreCanceled(worker.TickerLoop(gctx, worker.TickerConfig{
				Name:   "rule-snapshot-pruner",
				Tasks:  []worker.TickerTask{{Name: "prune", Interval: snapshotPruneInterval, Run: a.pruneSnapshots}},
				Logger: a.logger,
			}))
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	return ctx.Err()
}

func (a *App) newHealthServer(handler http.Handler) *observability.Server {
	opts := []observability.ServerOption{
		observability.WithReadiness("rules", func(context.Context) error {
			if a.store.Current() == nil {
				return ferrors.ErrRuleSetNotFound
			}

			return nil
		}),
		observability.WithHandler("/api/", handler),
	}

	if a.database != nil {
		opts = append(opts, observability.WithReadiness("database", a.database.Ping))
	}

	return observability.NewServer(a.cfg.HealthPort, a.logger, opts...)
}

// trackRuleSet keeps the rule set metrics in line with the store.
func (a *App) trackRuleSet(ctx context.Context) {
	for set := range a.store.Subscribe(ctx) {
		observability.RuleSetSize.Set(float64(set.Len()))
		observability.RuleSetReloads.WithLabelValues(reloadSource(set.Source)).Inc()

		a.logger.Info().Str(logFieldSource, set.Source).Str("version", set.Version).Msg("active rule set changed")
	}
}

func (a *App) pruneSnapshots(ctx context.Context) {
	deleted, err := a.database.RuleSnapshots().PruneRuleSnapshots(ctx, snapshotKeep)
	if err != nil {
		a.logger.Error().Err(err).Msg("rule snapshot pruning failed")

		return
	}

	if deleted > 0 {
		a.logger.Info().Int64("deleted", deleted).Msg("pruned rule snapshots")
	}
}

// RunAnalyze analyzes rawURL once and writes every snapshot to w as a JSON line.
func (a *App) RunAnalyze(ctx context.Context, rawURL string, w io.Writer) error {
	an, err := a.engine.Analyze(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	enc := json.NewEncoder(w)

	for snap := range an.Results() {
		if err := enc.Encode(snap); err != nil {
			an.Cancel()

			return fmt.Errorf("write snapshot: %w", err)
		}
	}

	if _, err := an.Wait(); err != nil {
		return fmt.Errorf("analyze %s: %w", rawURL, err)
	}

	return nil
}

// RunValidate probes a gateway base URL once and writes the outcome to w.
func (a *App) RunValidate(ctx context.Context, baseURL string, w io.Writer) error {
	if _, err := links.Normalize(baseURL); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	candidate := domain.BaseURLCandidate{URL: strings.TrimSpace(baseURL), Origin: domain.OriginUserDefined}
	valid := a.engine.ValidateBaseURL(ctx, candidate)

	a.logger.Info().Str(logFieldURL, candidate.URL).Bool("valid", valid).Msg("gateway validated")

	out := struct {
		URL   string `json:"url"`
		Valid bool   `json:"valid"`
	}{URL: candidate.URL, Valid: valid}

	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	return nil
}

func reloadSource(source string) string {
	switch {
	case source == rules.SourceBuiltin:
		return reloadSourceBuiltin
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return reloadSourceRemote
	default:
		return reloadSourceFile
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
