package session

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"updown/internal/round"
)

// EventType names an entry of the unified event stream.
type EventType string

const (
	EventRoundStart     EventType = "round_start"
	EventPredictionMade EventType = "prediction_made"
	EventCountdown      EventType = "countdown"
	EventResult         EventType = "result"
	EventBalanceChanged EventType = "balance_changed"
	EventRoundEnd       EventType = "round_end"
)

// Event is delivered to subscribers in emission order. Data holds one of
// the *Data payload types below, matching Type.
type Event struct {
	Type EventType `json:"type"`
	At   int64     `json:"at"`
	Data any       `json:"data"`
}

type RoundStartData struct {
	RoundID   uuid.UUID `json:"round_id"`
	Seq       int       `json:"seq"`
	Timestamp int64     `json:"timestamp"`
	ClosesAt  int64     `json:"closes_at"`
	Price     float64   `json:"price"`
}

type PredictionData struct {
	Prediction round.Prediction `json:"prediction"`
	Direction  round.Direction  `json:"direction"`
	Amount     decimal.Decimal  `json:"amount"`
	Price      float64          `json:"price"`
}

type CountdownData struct {
	RoundID          uuid.UUID `json:"round_id"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

type ResultData struct {
	Outcome   round.Outcome `json:"outcome"`
	WinStreak int           `json:"win_streak"`
}

type BalanceData struct {
	NewBalance decimal.Decimal `json:"new_balance"`
	Change     decimal.Decimal `json:"change"`
}

// RoundEndData summarises a settled round across all subjects.
type RoundEndData struct {
	RoundID         uuid.UUID       `json:"round_id"`
	Seq             int             `json:"seq"`
	OpenedAt        int64           `json:"opened_at"`
	ClosesAt        int64           `json:"closes_at"`
	ReferencePrice  float64         `json:"reference_price"`
	SettlementPrice float64         `json:"settlement_price"`
	Predictions     int             `json:"predictions"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	NetPayout       decimal.Decimal `json:"net_payout"`
	Outcomes        []round.Outcome `json:"outcomes"`
}
