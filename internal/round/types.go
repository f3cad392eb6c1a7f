package round

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the side a player predicts.
type Direction int

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// MarshalText renders the direction as "up" or "down".
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts the forms understood by ParseDirection.
func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDirection maps user input to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "higher", "call", "u":
		return Up, nil
	case "down", "lower", "put", "d":
		return Down, nil
	default:
		return Down, fmt.Errorf("unknown direction %q", s)
	}
}

// Result classifies a settled prediction.
type Result int

const (
	Lose Result = iota
	Win
)

func (r Result) String() string {
	if r == Win {
		return "win"
	}
	return "lose"
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// State of a round.
type State int

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	if s == Closed {
		return "closed"
	}
	return "open"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Prediction is an immutable bet on one round.
type Prediction struct {
	ID        uuid.UUID       `json:"id"`
	RoundID   uuid.UUID       `json:"round_id"`
	Direction Direction       `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	SubjectID string          `json:"subject_id"`
	CreatedAt int64           `json:"created_at"`
}

// Snapshot is a read-only copy of a round.
type Snapshot struct {
	ID             uuid.UUID    `json:"id"`
	Seq            int          `json:"seq"`
	OpenedAt       int64        `json:"opened_at"`
	ClosesAt       int64        `json:"closes_at"`
	ReferencePrice float64      `json:"reference_price"`
	Predictions    []Prediction `json:"predictions"`
	State          State        `json:"state"`
}

// Outcome is the settled result of one prediction.
type Outcome struct {
	Prediction      Prediction      `json:"prediction"`
	RoundSeq        int             `json:"round_seq"`
	ReferencePrice  float64         `json:"reference_price"`
	SettlementPrice float64         `json:"settlement_price"`
	Actual          Direction       `json:"actual"`
	Result          Result          `json:"result"`
	ChangePct       decimal.Decimal `json:"change_pct"`
	Payout          decimal.Decimal `json:"payout"`
	SettledAt       int64           `json:"settled_at"`
}
