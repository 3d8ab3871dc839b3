package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/platform/worker"
)

const defaultRefreshInterval = 6 * time.Hour

// Snapshot is a persisted copy of a rule document that parsed successfully.
type Snapshot struct {
	ID        uuid.UUID
	Source    string
	Version   string
	Checksum  string
	Document  []byte
	FetchedAt time.Time
}

// SnapshotRepository persists the last good rule document.
type SnapshotRepository interface {
	SaveRuleSnapshot(ctx context.Context, snap *Snapshot) error
	// LatestRuleSnapshot returns ErrRuleSetNotFound when nothing was saved yet.
	LatestRuleSnapshot(ctx context.Context) (*Snapshot, error)
}

// Refresher keeps a Store current from a remote rule file and mirrors every
// accepted document into an optional SnapshotRepository.
type Refresher struct {
	store      *Store
	downloader *Downloader
	repo       SnapshotRepository
	interval   time.Duration
	options    []SetOption
	logger     *zerolog.Logger
	now        func() time.Time

	lastChecksum string
}

// RefresherConfig wires a Refresher. Downloader and Repo are both optional.
type RefresherConfig struct {
	Store      *Store
	Downloader *Downloader
	Repo       SnapshotRepository
	Interval   time.Duration
	Options    []SetOption
	Logger     *zerolog.Logger
}

func NewRefresher(cfg RefresherConfig) *Refresher {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	return &Refresher{
		store:      cfg.Store,
		downloader: cfg.Downloader,
		repo:       cfg.Repo,
		interval:   interval,
		options:    cfg.Options,
		logger:     logger,
		now:        time.Now,
	}
}

// Restore loads the latest persisted snapshot and publishes it when it is not
// older than the current set. A missing snapshot is not an error.
func (r *Refresher) Restore(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	snap, err := r.repo.LatestRuleSnapshot(ctx)
	if err != nil {
		if errors.Is(err, ferrors.ErrRuleSetNotFound) {
			return nil
		}

		return fmt.Errorf("load rule snapshot: %w", err)
	}

	set, err := r.parse(snap.Document, snap.Source, snap.FetchedAt)
	if err != nil {
		return fmt.Errorf("parse rule snapshot %s: %w", snap.ID, err)
	}

	r.lastChecksum = snap.Checksum

	if !isNewer(set, r.store.Current()) {
		r.logger.Info().Str(logKeyVersion, set.Version).Msg("persisted rule set is older than current, ignoring")

		return nil
	}

	r.store.Replace(set)

	return nil
}

// Refresh downloads the remote document once. An unchanged document, a 304,
// or a document older than the current set leaves the store untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	if r.downloader == nil {
		return nil
	}

	dl, err := r.downloader.Fetch(ctx)
	if err != nil {
		if errors.Is(err, ferrors.ErrNotModified) {
			r.logger.Debug().Str(logKeySource, r.downloader.URL()).Msg("remote rule set not modified")

			return nil
		}

		return err
	}

	if dl.Checksum == r.lastChecksum {
		return nil
	}

	fetchedAt := dl.LastModified
	if fetchedAt.IsZero() {
		fetchedAt = r.now().UTC()
	}

	set, err := r.parse(dl.Data, r.downloader.URL(), fetchedAt)
	if err != nil {
		return err
	}

	if !isNewer(set, r.store.Current()) {
		r.logger.Warn().
			Str(logKeySource, set.Source).
			Str(logKeyVersion, set.Version).
			Msg("remote rule set is older than current, ignoring")

		return nil
	}

	r.store.Replace(set)
	r.lastChecksum = dl.Checksum

	if r.repo == nil {
		return nil
	}

	snap := &Snapshot{
		ID:        uuid.New(),
		Source:    set.Source,
		Version:   set.Version,
		Checksum:  dl.Checksum,
		Document:  dl.Data,
		FetchedAt: fetchedAt,
	}

	if err := r.repo.SaveRuleSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save rule snapshot: %w", err)
	}

	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	return worker.SingleTickerLoop(ctx, worker.SingleTickerConfig{
		Name:       "rules-refresher",
		Interval:   r.interval,
		RunOnStart: true,
		OnTick: func(ctx context.Context) {
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error().Err(err).Msg("rule set refresh failed")
			}
		},
		Logger: r.logger,
	})
}

// parse builds a set, falling back to fallback when the document carries no timestamp.
func (r *Refresher) parse(data []byte, source string, fallback time.Time) (*Set, error) {
	opts := append([]SetOption{WithSource(source)}, r.options...)

	set, err := Parse(data, r.logger, opts...)
	if err != nil {
		return nil, err
	}

	if set.UpdatedAt.IsZero() {
		set.UpdatedAt = fallback
	}

	return set, nil
}

func isNewer(candidate, current *Set) bool {
	if current == nil || candidate.UpdatedAt.IsZero() || current.UpdatedAt.IsZero() {
		return true
	}

	return !candidate.UpdatedAt.Before(current.UpdatedAt)
}
