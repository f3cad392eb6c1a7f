package storage

import (
	"context"

	"github.com/shopspring/decimal"
)

// Noop discards writes and reports an empty journal.
type Noop struct{}

func (Noop) SaveRound(context.Context, RoundRecord, []OutcomeRecord) error { return nil }

func (Noop) ListRecentRounds(context.Context, int) ([]RoundRecord, error) { return nil, nil }

func (Noop) ListRecentOutcomes(context.Context, string, int) ([]OutcomeRecord, error) {
	return nil, nil
}

func (Noop) SubjectStats(_ context.Context, subjectID string) (Stats, error) {
	return Stats{SubjectID: subjectID, NetPayout: decimal.Zero}, nil
}

func (Noop) CountOutcomes(context.Context) (int64, error) { return 0, nil }

func (Noop) Close() error { return nil }

var _ Journal = Noop{}
