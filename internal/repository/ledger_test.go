package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
	applogger "PolySignals/pkg/logger"
)

func TestCHLedgerStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCHLedgerStore(db, "polysignals.ledger_entries", applogger.NewNop())
	r := 0.08
	e := models.LedgerEntry{
		Seq: 1, SignalID: "s1", MarketID: "m1", Outcome: models.OutcomeCorrect,
		RealizedReturn: &r, Score: 52, Confidence: 0.55,
		WrittenAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Hash: "abc",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO polysignals.ledger_entries (" + ledgerColumns + ")")).
		WithArgs(uint64(1), "s1", "m1", "correct", 0.08, nil, "", 52.0, 0.55, uint64(0), e.WrittenAt, "", "abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCHLedgerStoreEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCHLedgerStore(db, "polysignals.ledger_entries", nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"seq", "signal_id", "market_id", "outcome", "realized_return", "directional_accuracy",
		"position_id", "score", "confidence", "corrects", "written_at", "prev_hash", "hash"}).
		AddRow(uint64(1), "s1", "m1", "correct", 0.1, 1.0, "p1", 60.0, 0.7, uint64(0), at, "", "h1").
		AddRow(uint64(2), "s2", "m2", "expired_unresolved", nil, nil, "", 40.0, 0.55, uint64(0), at, "h1", "h2")

	from, to := at.Add(-time.Hour), at.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM polysignals.ledger_entries WHERE written_at >= ? AND written_at < ? ORDER BY seq ASC")).
		WithArgs(from, to).
		WillReturnRows(rows)

	out, err := store.Entries(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, models.OutcomeCorrect, out[0].Outcome)
	require.NotNil(t, out[0].RealizedReturn)
	assert.Equal(t, 0.1, *out[0].RealizedReturn)
	assert.Equal(t, models.OutcomeUnresolved, out[1].Outcome)
	assert.Nil(t, out[1].RealizedReturn)
	assert.Equal(t, "h1", out[1].PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerSchemaIsInsertOnly(t *testing.T) {
	stmts := LedgerSchema("polysignals", "ledger_entries")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[1], "ENGINE = MergeTree ORDER BY seq")
	for _, s := range stmts {
		assert.NotContains(t, s, "Replacing")
		assert.NotContains(t, s, "Collapsing")
	}
}

func TestMemoryLedgerStoreReturnsCopies(t *testing.T) {
	s := NewMemoryLedgerStore()
	r := 0.5
	at := time.Now()
	require.NoError(t, s.Append(context.Background(), models.LedgerEntry{Seq: 1, SignalID: "s1", RealizedReturn: &r, WrittenAt: at}))
	r = 9

	all, err := s.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, *all[0].RealizedReturn)
	*all[0].RealizedReturn = 7

	again, _ := s.Entries(context.Background(), at.Add(-time.Second), at.Add(time.Second))
	require.Len(t, again, 1)
	assert.Equal(t, 0.5, *again[0].RealizedReturn)

	assert.Error(t, s.Append(context.Background(), models.LedgerEntry{Seq: 1, SignalID: "dup", WrittenAt: at}))
}
