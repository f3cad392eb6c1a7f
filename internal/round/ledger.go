package round

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrRoundOpen is returned when opening a round while another is open.
	ErrRoundOpen = errors.New("round: a round is already open")
	// ErrRoundClosed is returned when writing to, or closing, a round that is not open.
	ErrRoundClosed = errors.New("round: round is closed")
)

// Round is the ledger-owned mutable round.
type Round struct {
	id             uuid.UUID
	seq            int
	openedAt       int64
	closesAt       int64
	referencePrice float64
	predictions    []Prediction
	state          State
}

func (r *Round) ID() uuid.UUID           { return r.id }
func (r *Round) Seq() int                { return r.seq }
func (r *Round) OpenedAt() int64         { return r.openedAt }
func (r *Round) ClosesAt() int64         { return r.closesAt }
func (r *Round) ReferencePrice() float64 { return r.referencePrice }
func (r *Round) State() State            { return r.state }

// Snapshot copies the round, predictions included.
func (r *Round) Snapshot() Snapshot {
	preds := make([]Prediction, len(r.predictions))
	copy(preds, r.predictions)
	return Snapshot{
		ID:             r.id,
		Seq:            r.seq,
		OpenedAt:       r.openedAt,
		ClosesAt:       r.closesAt,
		ReferencePrice: r.referencePrice,
		Predictions:    preds,
		State:          r.state,
	}
}

// Ledger tracks the current round and the settled history. It is not
// safe for concurrent use; the scheduler serializes access.
type Ledger struct {
	current *Round
	seq     int
	history []Outcome
	limit   int
}

// NewLedger creates a ledger keeping at most historyLimit outcomes (0 = unbounded).
func NewLedger(historyLimit int) *Ledger {
	return &Ledger{limit: historyLimit}
}

// OpenRound starts a new round.
func (l *Ledger) OpenRound(startMs, durationMs int64, referencePrice float64) (*Round, error) {
	if l.current != nil && l.current.state == Open {
		return nil, ErrRoundOpen
	}
	l.seq++
	l.current = &Round{
		id:             uuid.New(),
		seq:            l.seq,
		openedAt:       startMs,
		closesAt:       startMs + durationMs,
		referencePrice: referencePrice,
		state:          Open,
	}
	return l.current, nil
}

// Record appends p to the current round if it is still open.
func (l *Ledger) Record(p Prediction) error {
	if l.current == nil || l.current.state != Open {
		return ErrRoundClosed
	}
	if p.RoundID != uuid.Nil && p.RoundID != l.current.id {
		return fmt.Errorf("prediction for round %s: %w", p.RoundID, ErrRoundClosed)
	}
	p.RoundID = l.current.id
	l.current.predictions = append(l.current.predictions, p)
	return nil
}

// Close marks the current round closed and returns its snapshot.
func (l *Ledger) Close() (Snapshot, error) {
	if l.current == nil || l.current.state != Open {
		return Snapshot{}, ErrRoundClosed
	}
	l.current.state = Closed
	return l.current.Snapshot(), nil
}

// Abandon closes an open round without settlement and returns it.
// Its predictions stay unsettled.
func (l *Ledger) Abandon() (Snapshot, bool) {
	if l.current == nil || l.current.state != Open {
		return Snapshot{}, false
	}
	l.current.state = Closed
	return l.current.Snapshot(), true
}

// Current returns the latest round, open or closed.
func (l *Ledger) Current() (Snapshot, bool) {
	if l.current == nil {
		return Snapshot{}, false
	}
	return l.current.Snapshot(), true
}

// Archive appends settled outcomes in settlement order.
func (l *Ledger) Archive(outcomes []Outcome) {
	l.history = append(l.history, outcomes...)
	if l.limit > 0 && len(l.history) > l.limit {
		l.history = append([]Outcome(nil), l.history[len(l.history)-l.limit:]...)
	}
}

// History returns a copy of the settled outcomes.
func (l *Ledger) History() []Outcome {
	out := make([]Outcome, len(l.history))
	copy(out, l.history)
	return out
}
