package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	applogger "PolySignals/pkg/logger"
)

// LedgerSchema creates the ledger table. MergeTree without a version or
// replacing engine, so rows are never collapsed.
func LedgerSchema(database, table string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
            seq UInt64,
            signal_id String,
            market_id String,
            outcome LowCardinality(String),
            realized_return Nullable(Float64),
            directional_accuracy Nullable(Float64),
            position_id String,
            score Float64,
            confidence Float64,
            corrects UInt64,
            written_at DateTime64(9, 'UTC'),
            prev_hash String,
            hash String
        ) ENGINE = MergeTree ORDER BY seq`, database, table),
	}
}

// CHLedgerStore persists ledger entries in ClickHouse with INSERT only.
type CHLedgerStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var _ domrepo.LedgerStore = (*CHLedgerStore)(nil)

// NewCHLedgerStore takes a fully qualified table name such as polysignals.ledger_entries.
func NewCHLedgerStore(db *sql.DB, table string, l *applogger.Logger) *CHLedgerStore {
	return &CHLedgerStore{db: db, table: table, l: l}
}

const ledgerColumns = "seq, signal_id, market_id, outcome, realized_return, directional_accuracy, position_id, score, confidence, corrects, written_at, prev_hash, hash"

func (s *CHLedgerStore) Append(ctx context.Context, e models.LedgerEntry) error {
	start := time.Now()
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table, ledgerColumns)
	_, err := s.db.ExecContext(ctx, q,
		e.Seq,
		e.SignalID,
		e.MarketID,
		string(e.Outcome),
		nullFloat(e.RealizedReturn),
		nullFloat(e.DirectionalAccuracy),
		e.PositionID,
		e.Score,
		e.Confidence,
		e.Corrects,
		e.WrittenAt.UTC(),
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		s.l.Error("clickhouse ledger_append error", applogger.Int64("seq", int64(e.Seq)), applogger.Error(err))
		return fmt.Errorf("append ledger entry: %w", err)
	}
	s.l.Debug("clickhouse ledger_append ok", applogger.Int64("seq", int64(e.Seq)), applogger.Duration("duration_ms", time.Since(start)))
	return nil
}

func (s *CHLedgerStore) Entries(ctx context.Context, from, to time.Time) ([]models.LedgerEntry, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE written_at >= ? AND written_at < ? ORDER BY seq ASC", ledgerColumns, s.table)
	return s.query(ctx, "ledger_entries", q, from.UTC(), to.UTC())
}

func (s *CHLedgerStore) All(ctx context.Context) ([]models.LedgerEntry, error) {
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY seq ASC", ledgerColumns, s.table)
	return s.query(ctx, "ledger_all", q)
}

func (s *CHLedgerStore) query(ctx context.Context, op, q string, args ...any) ([]models.LedgerEntry, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse "+op+" query error", applogger.Error(err))
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := make([]models.LedgerEntry, 0, 256)
	for rows.Next() {
		var (
			e        models.LedgerEntry
			outcome  string
			ret, acc sql.NullFloat64
		)
		if err := rows.Scan(&e.Seq, &e.SignalID, &e.MarketID, &outcome, &ret, &acc, &e.PositionID,
			&e.Score, &e.Confidence, &e.Corrects, &e.WrittenAt, &e.PrevHash, &e.Hash); err != nil {
			s.l.Error("clickhouse "+op+" scan error", applogger.Error(err))
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Outcome = models.Outcome(outcome)
		e.RealizedReturn = floatPtr(ret)
		e.DirectionalAccuracy = floatPtr(acc)
		e.WrittenAt = e.WrittenAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.l.Error("clickhouse "+op+" rows error", applogger.Error(err))
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse "+op+" ok", applogger.Int("rows", len(out)), applogger.Duration("duration_ms", time.Since(start)))
	return out, nil
}

func (s *CHLedgerStore) Close() error {
	return nil // pool owned by pkg/clickhouse
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
