package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
	"github.com/lueurxax/feedradar/internal/core/rules"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})

	return mock
}

func TestSaveRuleSnapshot(t *testing.T) {
	mock := newMock(t)
	repo := NewRuleSnapshots(mock)

	fetchedAt := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	snap := &rules.Snapshot{
		ID:        uuid.MustParse("0d4f6b7e-5c1a-4a7e-9a61-2f3c8f1f9d10"),
		Source:    "https://rules.example/rules.yaml",
		Version:   "2026-10-01",
		Checksum:  "abc",
		Document:  []byte("version: 2026-10-01"),
		FetchedAt: fetchedAt,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_snapshots")).
		WithArgs(toUUID(snap.ID), snap.Source, snap.Version, "abc", snap.Document, toTimestamptz(fetchedAt)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveRuleSnapshot(context.Background(), snap))
}

func TestSaveRuleSnapshotFillsDefaults(t *testing.T) {
	mock := newMock(t)
	repo := NewRuleSnapshots(mock)

	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	doc := []byte("rules: []")
	snap := &rules.Snapshot{ID: uuid.New(), Source: "builtin", Version: "v1", Document: doc}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_snapshots")).
		WithArgs(toUUID(snap.ID), "builtin", "v1", rules.Checksum(doc), doc, toTimestamptz(now)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveRuleSnapshot(context.Background(), snap))
}

func TestSaveRuleSnapshotError(t *testing.T) {
	mock := newMock(t)
	repo := NewRuleSnapshots(mock)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_snapshots")).
		WillReturnError(errors.New("connection reset"))

	err := repo.SaveRuleSnapshot(context.Background(), &rules.Snapshot{ID: uuid.New(), Checksum: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestLatestRuleSnapshot(t *testing.T) {
	mock := newMock(t)
	repo := NewRuleSnapshots(mock)

	id := uuid.New()
	fetchedAt := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "source", "version", "checksum", "document", "fetched_at"}).
		AddRow(id.String(), "builtin", "2026-10-01", "abc", []byte("doc"), fetchedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM rule_snapshots")).WillReturnRows(rows)

	snap, err := repo.LatestRuleSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, id, snap.ID)
	assert.Equal(t, "builtin", snap.Source)
	assert.Equal(t, "2026-10-01", snap.Version)
	assert.Equal(t, "abc", snap.Checksum)
	assert.Equal(t, []byte("doc"), snap.Document)
	assert.Equal(t, fetchedAt, snap.FetchedAt)
}

func TestLatestRuleSnapshotNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewRuleSnapshots(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM rule_snapshots")).WillReturnError(pgx.ErrNoRows)

	_, err := repo.LatestRuleSnapshot(context.Background())
	require.ErrorIs(t, err, ferrors.ErrRuleSetNotFound)
}

func TestPruneRuleSnapshots(t *testing.T) {
	tests := []struct {
		name     string
		keep     int
		wantKeep int
	}{
		{name: "explicit", keep: 5, wantKeep: 5},
		{name: "at least one", keep: 0, wantKeep: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			repo := NewRuleSnapshots(mock)

			mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rule_snapshots")).
				WithArgs(tt.wantKeep).
				WillReturnResult(pgxmock.NewResult("DELETE", 3))

			deleted, err := repo.PruneRuleSnapshots(context.Background(), tt.keep)
			require.NoError(t, err)
			assert.Equal(t, int64(3), deleted)
		})
	}
}
