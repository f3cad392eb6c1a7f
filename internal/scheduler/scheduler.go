package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"updown/internal/clock"
	"updown/internal/round"
	"updown/internal/settlement"
)

var (
	// ErrRoundNotOpen is returned when a prediction arrives outside an open round.
	ErrRoundNotOpen = errors.New("scheduler: no round is accepting predictions")
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler: already running")
	// ErrNotRunning is returned by Stop on an idle scheduler.
	ErrNotRunning = errors.New("scheduler: not running")
)

// Phase is the scheduler state.
type Phase int

const (
	Idle Phase = iota
	Open
	Settling
	Cooldown
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "open"
	case Settling:
		return "settling"
	case Cooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PriceSource supplies the price used as reference and settlement price.
type PriceSource interface {
	CurrentPrice() float64
}

// Handler receives state transitions. Every method except Flush runs
// while the scheduler is locked and must only record state and enqueue
// work; Flush runs afterwards with the lock released.
type Handler interface {
	RoundOpened(r round.Snapshot)
	PredictionRecorded(p round.Prediction)
	Countdown(roundID uuid.UUID, remainingSeconds int)
	RoundSettled(r round.Snapshot, settlementPrice float64, outcomes []round.Outcome)
	Flush()
}

// Options tune round timing.
type Options struct {
	RoundDuration time.Duration
	RoundInterval time.Duration
	HistoryLimit  int
}

// Slot describes the open round a prediction is being built for.
type Slot struct {
	RoundID        uuid.UUID
	Seq            int
	ReferencePrice float64
	ClosesAt       int64
	Now            int64
}

// BuildFunc validates and constructs a prediction for slot.
type BuildFunc func(slot Slot) (round.Prediction, error)

// Scheduler is the round state machine. Every timer callback re-checks
// phase and generation under the lock before acting.
type Scheduler struct {
	clk     clock.Clock
	prices  PriceSource
	handler Handler
	logger  zerolog.Logger

	mu             sync.Mutex
	opts           Options
	phase          Phase
	gen            uint64
	ledger         *round.Ledger
	roundTimer     clock.Timer
	countdownTimer clock.Timer
	cooldownTimer  clock.Timer
}

// New constructs a Scheduler.
func New(opts Options, clk clock.Clock, prices PriceSource, handler Handler, logger zerolog.Logger) *Scheduler {
	if opts.RoundDuration <= 0 {
		panic("scheduler round duration must be positive")
	}
	if opts.RoundInterval < 0 {
		opts.RoundInterval = 0
	}
	return &Scheduler{
		clk:     clk,
		prices:  prices,
		handler: handler,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		opts:    opts,
		ledger:  round.NewLedger(opts.HistoryLimit),
	}
}

// Start opens the first round at the current clock reading.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.phase != Idle {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.openLocked()
	s.mu.Unlock()

	s.handler.Flush()
	return nil
}

// Stop cancels all timers and abandons the open round without settlement.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Idle {
		return ErrNotRunning
	}

	s.stopTimersLocked()
	if snap, ok := s.ledger.Abandon(); ok {
		s.logger.Warn().Str("round_id", snap.ID.String()).
			Int("seq", snap.Seq).
			Int("unsettled", len(snap.Predictions)).
			Msg("round abandoned on stop")
	}
	s.phase = Idle
	s.gen++
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Submit runs build against the open round and records the prediction.
func (s *Scheduler) Submit(build BuildFunc) (round.Prediction, error) {
	p, err := s.submit(build)
	s.handler.Flush()
	return p, err
}

func (s *Scheduler) submit(build BuildFunc) (round.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.recordLocked(build)
	if err != nil {
		s.logger.Debug().Err(err).Msg("prediction rejected")
		return round.Prediction{}, err
	}
	s.handler.PredictionRecorded(p)
	return p, nil
}

func (s *Scheduler) recordLocked(build BuildFunc) (round.Prediction, error) {
	if s.phase != Open {
		return round.Prediction{}, fmt.Errorf("%w (phase %s)", ErrRoundNotOpen, s.phase)
	}
	current, ok := s.ledger.Current()
	if !ok {
		return round.Prediction{}, ErrRoundNotOpen
	}
	now := clock.UnixMilli(s.clk)
	if now >= current.ClosesAt {
		return round.Prediction{}, fmt.Errorf("%w: round %d closed at %d", ErrRoundNotOpen, current.Seq, current.ClosesAt)
	}

	p, err := build(Slot{
		RoundID:        current.ID,
		Seq:            current.Seq,
		ReferencePrice: current.ReferencePrice,
		ClosesAt:       current.ClosesAt,
		Now:            now,
	})
	if err != nil {
		return round.Prediction{}, err
	}
	p.RoundID = current.ID
	if err := s.ledger.Record(p); err != nil {
		return round.Prediction{}, fmt.Errorf("%w: %w", ErrRoundNotOpen, err)
	}
	return p, nil
}

// SetDurations changes timing from the next open or cooldown on.
func (s *Scheduler) SetDurations(roundDuration, roundInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roundDuration > 0 {
		s.opts.RoundDuration = roundDuration
	}
	if roundInterval >= 0 {
		s.opts.RoundInterval = roundInterval
	}
}

// Options returns the active timing.
func (s *Scheduler) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Phase returns the current state.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CurrentRound returns the latest round, open or closed.
func (s *Scheduler) CurrentRound() (round.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Current()
}

// History returns every settled outcome, all subjects included.
func (s *Scheduler) History() []round.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.History()
}

func (s *Scheduler) openLocked() {
	now := clock.UnixMilli(s.clk)
	ref := s.prices.CurrentPrice()
	r, err := s.ledger.OpenRound(now, s.opts.RoundDuration.Milliseconds(), ref)
	if err != nil {
		// A round left open here means a transition was skipped.
		s.logger.Error().Err(err).Msg("open round")
		return
	}

	s.phase = Open
	s.gen++
	gen := s.gen
	s.roundTimer = s.clk.AfterFunc(s.opts.RoundDuration, func() { s.onRoundElapsed(gen) })
	if s.opts.RoundDuration > time.Second {
		s.countdownTimer = s.clk.AfterFunc(time.Second, func() { s.onCountdown(gen) })
	}

	s.logger.Info().Int("seq", r.Seq()).
		Float64("reference_price", ref).
		Int64("closes_at", r.ClosesAt()).
		Msg("round opened")
	s.handler.RoundOpened(r.Snapshot())
}

func (s *Scheduler) onRoundElapsed(gen uint64) {
	s.mu.Lock()
	if s.phase != Open || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug().Uint64("gen", gen).Msg("stale round timer discarded")
		return
	}
	s.settleLocked()
	s.mu.Unlock()

	s.handler.Flush()
}

func (s *Scheduler) settleLocked() {
	s.phase = Settling
	if s.countdownTimer != nil {
		s.countdownTimer.Stop()
		s.countdownTimer = nil
	}

	snap, err := s.ledger.Close()
	if err != nil {
		s.logger.Error().Err(err).Msg("close round")
	} else {
		price := s.prices.CurrentPrice()
		outcomes := settlement.Settle(snap, price, clock.UnixMilli(s.clk))
		s.ledger.Archive(outcomes)
		s.logger.Info().Int("seq", snap.Seq).
			Float64("reference_price", snap.ReferencePrice).
			Float64("settlement_price", price).
			Int("outcomes", len(outcomes)).
			Msg("round settled")
		s.handler.RoundSettled(snap, price, outcomes)
	}

	s.phase = Cooldown
	s.gen++
	gen := s.gen
	s.cooldownTimer = s.clk.AfterFunc(s.opts.RoundInterval, func() { s.onCooldownElapsed(gen) })
}

func (s *Scheduler) onCountdown(gen uint64) {
	s.mu.Lock()
	if s.phase != Open || s.gen != gen {
		s.mu.Unlock()
		return
	}
	current, _ := s.ledger.Current()
	now := clock.UnixMilli(s.clk)
	left := current.ClosesAt - now
	if left <= 0 {
		s.mu.Unlock()
		return
	}
	remaining := int((left + 999) / 1000)
	s.handler.Countdown(current.ID, remaining)
	if left > 1000 {
		s.countdownTimer = s.clk.AfterFunc(time.Second, func() { s.onCountdown(gen) })
	}
	s.mu.Unlock()

	s.handler.Flush()
}

func (s *Scheduler) onCooldownElapsed(gen uint64) {
	s.mu.Lock()
	if s.phase != Cooldown || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug().Uint64("gen", gen).Msg("stale cooldown timer discarded")
		return
	}
	s.openLocked()
	s.mu.Unlock()

	s.handler.Flush()
}

func (s *Scheduler) stopTimersLocked() {
	for _, t := range []*clock.Timer{&s.roundTimer, &s.countdownTimer, &s.cooldownTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}
