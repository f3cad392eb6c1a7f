package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createRoundsSQL = `CREATE TABLE IF NOT EXISTS rounds (
        id               UUID PRIMARY KEY,
        seq              INTEGER NOT NULL,
        opened_at        TIMESTAMPTZ NOT NULL,
        closes_at        TIMESTAMPTZ NOT NULL,
        reference_price  DOUBLE PRECISION NOT NULL,
        settlement_price DOUBLE PRECISION NOT NULL,
        predictions      INTEGER NOT NULL,
        wins             INTEGER NOT NULL,
        losses           INTEGER NOT NULL,
        net_payout       NUMERIC NOT NULL,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createOutcomesSQL = `CREATE TABLE IF NOT EXISTS outcomes (
        prediction_id    UUID PRIMARY KEY,
        round_id         UUID NOT NULL REFERENCES rounds (id),
        round_seq        INTEGER NOT NULL,
        subject_id       TEXT NOT NULL,
        direction        TEXT NOT NULL,
        amount           NUMERIC NOT NULL,
        reference_price  DOUBLE PRECISION NOT NULL,
        settlement_price DOUBLE PRECISION NOT NULL,
        actual           TEXT NOT NULL,
        result           TEXT NOT NULL,
        change_pct       NUMERIC NOT NULL,
        payout           NUMERIC NOT NULL,
        placed_at        TIMESTAMPTZ NOT NULL,
        settled_at       TIMESTAMPTZ NOT NULL
    );`

	createOutcomesIndexSQL = `CREATE INDEX IF NOT EXISTS idx_outcomes_subject_settled
        ON outcomes (subject_id, settled_at DESC);`

	insertRoundSQL = `INSERT INTO rounds (
        id,
        seq,
        opened_at,
        closes_at,
        reference_price,
        settlement_price,
        predictions,
        wins,
        losses,
        net_payout
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING;`

	insertOutcomeSQL = `INSERT INTO outcomes (
        prediction_id,
        round_id,
        round_seq,
        subject_id,
        direction,
        amount,
        reference_price,
        settlement_price,
        actual,
        result,
        change_pct,
        payout,
        placed_at,
        settled_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (prediction_id) DO NOTHING;`

	listRecentRoundsSQL = `SELECT
        id,
        seq,
        opened_at,
        closes_at,
        reference_price,
        settlement_price,
        predictions,
        wins,
        losses,
        net_payout::TEXT,
        created_at
    FROM rounds
    ORDER BY opened_at DESC
    LIMIT $1;`

	listRecentOutcomesSQL = `SELECT
        prediction_id,
        round_id,
        round_seq,
        subject_id,
        direction,
        amount::TEXT,
        reference_price,
        settlement_price,
        actual,
        result,
        change_pct::TEXT,
        payout::TEXT,
        placed_at,
        settled_at
    FROM outcomes
    WHERE ($1 = '' OR subject_id = $1)
    ORDER BY settled_at DESC, placed_at DESC
    LIMIT $2;`

	subjectStatsSQL = `SELECT
        COUNT(*),
        COUNT(*) FILTER (WHERE result = 'win'),
        COALESCE(SUM(payout), 0)::TEXT
    FROM outcomes
    WHERE subject_id = $1;`

	countOutcomesSQL = `SELECT COUNT(*) FROM outcomes;`
)

// Journal persists settled rounds for auditing and later inspection.
type Journal interface {
	SaveRound(ctx context.Context, round RoundRecord, outcomes []OutcomeRecord) error
	ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error)
	ListRecentOutcomes(ctx context.Context, subjectID string, limit int) ([]OutcomeRecord, error)
	SubjectStats(ctx context.Context, subjectID string) (Stats, error)
	CountOutcomes(ctx context.Context) (int64, error)
	Close() error
}

// Store is the PostgreSQL journal.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the journal tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createRoundsSQL, createOutcomesSQL, createOutcomesIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// SaveRound writes the round and its outcomes in one transaction.
// Replays of an already stored round are ignored.
func (s *Store) SaveRound(ctx context.Context, round RoundRecord, outcomes []OutcomeRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save round: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(insertRoundSQL,
		round.ID,
		round.Seq,
		round.OpenedAt,
		round.ClosesAt,
		round.ReferencePrice,
		round.SettlementPrice,
		round.Predictions,
		round.Wins,
		round.Losses,
		round.NetPayout.String(),
	)
	for _, o := range outcomes {
		batch.Queue(insertOutcomeSQL,
			o.PredictionID,
			o.RoundID,
			o.RoundSeq,
			o.SubjectID,
			o.Direction,
			o.Amount.String(),
			o.ReferencePrice,
			o.SettlementPrice,
			o.Actual,
			o.Result,
			o.ChangePct.String(),
			o.Payout.String(),
			o.PlacedAt,
			o.SettledAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("save round %d: %w", round.Seq, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save round: %w", err)
	}
	return nil
}

// ListRecentRounds lists the most recent rounds, newest first.
func (s *Store) ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRoundsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rounds: %w", queryErr)
	}
	defer rows.Close()

	rounds := make([]RoundRecord, 0, limit)
	for rows.Next() {
		var rec RoundRecord
		var netStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Seq,
			&rec.OpenedAt,
			&rec.ClosesAt,
			&rec.ReferencePrice,
			&rec.SettlementPrice,
			&rec.Predictions,
			&rec.Wins,
			&rec.Losses,
			&netStr,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.NetPayout, err = decimal.NewFromString(netStr); err != nil {
			return nil, fmt.Errorf("parse net payout: %w", err)
		}
		rounds = append(rounds, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rounds, nil
}

// ListRecentOutcomes lists outcomes newest first. An empty subjectID lists all subjects.
func (s *Store) ListRecentOutcomes(ctx context.Context, subjectID string, limit int) ([]OutcomeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOutcomesSQL, subjectID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", queryErr)
	}
	defer rows.Close()

	outcomes := make([]OutcomeRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanOutcome(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		outcomes = append(outcomes, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

// SubjectStats aggregates one subject's outcomes.
func (s *Store) SubjectStats(ctx context.Context, subjectID string) (Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{SubjectID: subjectID}
	var netStr string
	if scanErr := pool.QueryRow(ctx, subjectStatsSQL, subjectID).Scan(&stats.Outcomes, &stats.Wins, &netStr); scanErr != nil {
		return Stats{}, fmt.Errorf("subject stats: %w", scanErr)
	}
	if stats.NetPayout, err = decimal.NewFromString(netStr); err != nil {
		return Stats{}, fmt.Errorf("parse net payout: %w", err)
	}
	return stats, nil
}

// CountOutcomes counts stored outcomes.
func (s *Store) CountOutcomes(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countOutcomesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count outcomes: %w", scanErr)
	}
	return count, nil
}

func scanOutcome(row pgx.Row) (OutcomeRecord, error) {
	var rec OutcomeRecord
	var amountStr, changeStr, payoutStr string
	if err := row.Scan(
		&rec.PredictionID,
		&rec.RoundID,
		&rec.RoundSeq,
		&rec.SubjectID,
		&rec.Direction,
		&amountStr,
		&rec.ReferencePrice,
		&rec.SettlementPrice,
		&rec.Actual,
		&rec.Result,
		&changeStr,
		&payoutStr,
		&rec.PlacedAt,
		&rec.SettledAt,
	); err != nil {
		return OutcomeRecord{}, fmt.Errorf("scan outcome: %w", err)
	}
	return rec.withDecimals(amountStr, changeStr, payoutStr)
}

func (rec OutcomeRecord) withDecimals(amount, change, payout string) (OutcomeRecord, error) {
	var err error
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return OutcomeRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	if rec.ChangePct, err = decimal.NewFromString(change); err != nil {
		return OutcomeRecord{}, fmt.Errorf("parse change pct: %w", err)
	}
	if rec.Payout, err = decimal.NewFromString(payout); err != nil {
		return OutcomeRecord{}, fmt.Errorf("parse payout: %w", err)
	}
	return rec, nil
}

var _ Journal = (*Store)(nil)
