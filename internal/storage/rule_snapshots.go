package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/core/rules"
)

const (
	saveRuleSnapshotSQL = `
INSERT INTO rule_snapshots (id, source, version, checksum, document, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (checksum) DO UPDATE
SET source = EXCLUDED.source, fetched_at = EXCLUDED.fetched_at`

	latestRuleSnapshotSQL = `
SELECT id::text, source, version, checksum, document, fetched_at
FROM rule_snapshots
ORDER BY fetched_at DESC
LIMIT 1`

	pruneRuleSnapshotsSQL = `
DELETE FROM rule_snapshots
WHERE id NOT IN (SELECT id FROM rule_snapshots ORDER BY fetched_at DESC LIMIT $1)`
)

// Querier is the subset of pgxpool.Pool the repositories use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RuleSnapshots stores rule documents that parsed successfully, keyed by
// content checksum.
type RuleSnapshots struct {
	q   Querier
	now func() time.Time
}

var _ rules.SnapshotRepository = (*RuleSnapshots)(nil)

func NewRuleSnapshots(q Querier) *RuleSnapshots {
	return &RuleSnapshots{q: q, now: time.Now}
}

// SaveRuleSnapshot inserts snap. Saving an identical document again only
// refreshes its source and fetch time.
func (r *RuleSnapshots) SaveRuleSnapshot(ctx context.Context, snap *rules.Snapshot) error {
	fetchedAt := snap.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = r.now()
	}

	checksum := snap.Checksum
	if checksum == "" {
		checksum = rules.Checksum(snap.Document)
	}

	_, err := r.q.Exec(ctx, saveRuleSnapshotSQL,
		toUUID(snap.ID),
		snap.Source,
		snap.Version,
		checksum,
		snap.Document,
		toTimestamptz(fetchedAt),
	)
	if err != nil {
		return fmt.Errorf("save rule snapshot: %w", err)
	}

	return nil
}

// LatestRuleSnapshot returns the most recently fetched snapshot.
func (r *RuleSnapshots) LatestRuleSnapshot(ctx context.Context) (*rules.Snapshot, error) {
	var (
		id   string
		snap rules.Snapshot
	)

	err := r.q.QueryRow(ctx, latestRuleSnapshotSQL).Scan(&id, &snap.Source, &snap.Version, &snap.Checksum, &snap.Document, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ferrors.ErrRuleSetNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("latest rule snapshot: %w", err)
	}

	snap.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("latest rule snapshot: parse id: %w", err)
	}

	return &snap, nil
}

// PruneRuleSnapshots keeps the newest keep snapshots and deletes the rest.
func (r *RuleSnapshots) PruneRuleSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	tag, err := r.q.Exec(ctx, pruneRuleSnapshotsSQL, keep)
	if err != nil {
		return 0, fmt.Errorf("prune rule snapshots: %w", err)
	}

	return tag.RowsAffected(), nil
}
