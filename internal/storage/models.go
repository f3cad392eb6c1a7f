package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoundRecord is the persisted summary of one settled round.
type RoundRecord struct {
	ID              uuid.UUID
	Seq             int
	OpenedAt        time.Time
	ClosesAt        time.Time
	ReferencePrice  float64
	SettlementPrice float64
	Predictions     int
	Wins            int
	Losses          int
	NetPayout       decimal.Decimal
	CreatedAt       time.Time
}

// OutcomeRecord is one settled prediction.
type OutcomeRecord struct {
	PredictionID    uuid.UUID
	RoundID         uuid.UUID
	RoundSeq        int
	SubjectID       string
	Direction       string
	Amount          decimal.Decimal
	ReferencePrice  float64
	SettlementPrice float64
	Actual          string
	Result          string
	ChangePct       decimal.Decimal
	Payout          decimal.Decimal
	PlacedAt        time.Time
	SettledAt       time.Time
}

// Stats aggregates the journal for one subject.
type Stats struct {
	SubjectID string
	Outcomes  int64
	Wins      int64
	NetPayout decimal.Decimal
}
