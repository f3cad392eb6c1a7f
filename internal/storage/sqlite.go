package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-file journal. Times are stored as unix
// milliseconds and decimals as text.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the recorder and show queries.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
			id               TEXT PRIMARY KEY,
			seq              INTEGER NOT NULL,
			opened_at        INTEGER NOT NULL,
			closes_at        INTEGER NOT NULL,
			reference_price  REAL NOT NULL,
			settlement_price REAL NOT NULL,
			predictions      INTEGER NOT NULL,
			wins             INTEGER NOT NULL,
			losses           INTEGER NOT NULL,
			net_payout       TEXT NOT NULL,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			prediction_id    TEXT PRIMARY KEY,
			round_id         TEXT NOT NULL REFERENCES rounds (id),
			round_seq        INTEGER NOT NULL,
			subject_id       TEXT NOT NULL,
			direction        TEXT NOT NULL,
			amount           TEXT NOT NULL,
			reference_price  REAL NOT NULL,
			settlement_price REAL NOT NULL,
			actual           TEXT NOT NULL,
			result           TEXT NOT NULL,
			change_pct       TEXT NOT NULL,
			payout           TEXT NOT NULL,
			placed_at        INTEGER NOT NULL,
			settled_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_subject_settled ON outcomes (subject_id, settled_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveRound(ctx context.Context, round RoundRecord, outcomes []OutcomeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save round: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := round.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rounds
		(id, seq, opened_at, closes_at, reference_price, settlement_price,
		 predictions, wins, losses, net_payout, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		round.ID.String(), round.Seq, round.OpenedAt.UnixMilli(), round.ClosesAt.UnixMilli(),
		round.ReferencePrice, round.SettlementPrice,
		round.Predictions, round.Wins, round.Losses, round.NetPayout.String(), created.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert round %d: %w", round.Seq, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO outcomes
		(prediction_id, round_id, round_seq, subject_id, direction, amount,
		 reference_price, settlement_price, actual, result, change_pct, payout,
		 placed_at, settled_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx,
			o.PredictionID.String(), o.RoundID.String(), o.RoundSeq, o.SubjectID, o.Direction,
			o.Amount.String(), o.ReferencePrice, o.SettlementPrice, o.Actual, o.Result,
			o.ChangePct.String(), o.Payout.String(), o.PlacedAt.UnixMilli(), o.SettledAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.PredictionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, seq, opened_at, closes_at, reference_price, settlement_price,
		predictions, wins, losses, net_payout, created_at
		FROM rounds ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent rounds: %w", err)
	}
	defer rows.Close()

	rounds := make([]RoundRecord, 0, limit)
	for rows.Next() {
		var rec RoundRecord
		var id, net string
		var opened, closes, created int64
		if err := rows.Scan(&id, &rec.Seq, &opened, &closes, &rec.ReferencePrice, &rec.SettlementPrice,
			&rec.Predictions, &rec.Wins, &rec.Losses, &net, &created); err != nil {
			return nil, err
		}
		if err := rec.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("parse round id: %w", err)
		}
		if rec.NetPayout, err = decimal.NewFromString(net); err != nil {
			return nil, fmt.Errorf("parse net payout: %w", err)
		}
		rec.OpenedAt = time.UnixMilli(opened).UTC()
		rec.ClosesAt = time.UnixMilli(closes).UTC()
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rounds = append(rounds, rec)
	}
	return rounds, rows.Err()
}

func (s *SQLiteStore) ListRecentOutcomes(ctx context.Context, subjectID string, limit int) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		prediction_id, round_id, round_seq, subject_id, direction, amount,
		reference_price, settlement_price, actual, result, change_pct, payout,
		placed_at, settled_at
		FROM outcomes
		WHERE (? = '' OR subject_id = ?)
		ORDER BY settled_at DESC, placed_at DESC LIMIT ?`, subjectID, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make([]OutcomeRecord, 0, limit)
	for rows.Next() {
		var rec OutcomeRecord
		var predID, roundID, amount, change, payout string
		var placed, settled int64
		if err := rows.Scan(&predID, &roundID, &rec.RoundSeq, &rec.SubjectID, &rec.Direction, &amount,
			&rec.ReferencePrice, &rec.SettlementPrice, &rec.Actual, &rec.Result, &change, &payout,
			&placed, &settled); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if err := rec.PredictionID.UnmarshalText([]byte(predID)); err != nil {
			return nil, fmt.Errorf("parse prediction id: %w", err)
		}
		if err := rec.RoundID.UnmarshalText([]byte(roundID)); err != nil {
			return nil, fmt.Errorf("parse round id: %w", err)
		}
		rec.PlacedAt = time.UnixMilli(placed).UTC()
		rec.SettledAt = time.UnixMilli(settled).UTC()
		parsed, err := rec.withDecimals(amount, change, payout)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, parsed)
	}
	return outcomes, rows.Err()
}

// SubjectStats sums payouts in Go to keep decimal precision.
func (s *SQLiteStore) SubjectStats(ctx context.Context, subjectID string) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT result, payout FROM outcomes WHERE subject_id = ?`, subjectID)
	if err != nil {
		return Stats{}, fmt.Errorf("subject stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{SubjectID: subjectID, NetPayout: decimal.Zero}
	for rows.Next() {
		var result, payout string
		if err := rows.Scan(&result, &payout); err != nil {
			return Stats{}, err
		}
		p, err := decimal.NewFromString(payout)
		if err != nil {
			return Stats{}, fmt.Errorf("parse payout: %w", err)
		}
		stats.Outcomes++
		if result == "win" {
			stats.Wins++
		}
		stats.NetPayout = stats.NetPayout.Add(p)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) CountOutcomes(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Journal = (*SQLiteStore)(nil)
