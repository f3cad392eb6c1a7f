package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"updown/internal/clock"
	"updown/internal/event"
	"updown/internal/feed"
	"updown/internal/round"
	"updown/internal/scheduler"
)

var (
	// ErrInvalidAmount is returned for a stake that is not positive or exceeds the balance.
	ErrInvalidAmount = errors.New("session: invalid amount")
	// ErrInvalidSettings is returned by UpdateSettings for out-of-range values.
	ErrInvalidSettings = errors.New("session: invalid settings")

	ErrRoundNotOpen   = scheduler.ErrRoundNotOpen
	ErrAlreadyRunning = scheduler.ErrAlreadyRunning
	ErrNotRunning     = scheduler.ErrNotRunning
)

const DefaultSubject = "player"

// Options configure a session.
type Options struct {
	InitialBalance decimal.Decimal
	SubjectID      string
	RoundDuration  time.Duration
	RoundInterval  time.Duration
	HistoryLimit   int
	// WarmupPoints pre-fills an empty feed on Start.
	WarmupPoints int
}

// Settings are runtime knobs. Nil fields are left unchanged.
type Settings struct {
	RoundDuration *time.Duration
	RoundInterval *time.Duration
	Volatility    *float64
	Drift         *float64
	TickInterval  *time.Duration
	LookbackRatio *float64
}

// Snapshot is a point-in-time view for rendering collaborators.
type Snapshot struct {
	Balance       decimal.Decimal `json:"balance"`
	WinStreak     int             `json:"win_streak"`
	Phase         scheduler.Phase `json:"phase"`
	Round         *round.Snapshot `json:"round,omitempty"`
	CurrentPrice  float64         `json:"current_price"`
	LatestPrice   float64         `json:"latest_price"`
	RoundDuration int64           `json:"round_duration_ms"`
	RoundInterval int64           `json:"round_interval_ms"`
	Settled       int             `json:"settled"`
}

// state is written only on the settlement path, under the scheduler lock.
type state struct {
	mu        sync.RWMutex
	balance   decimal.Decimal
	winStreak int
	history   []round.Outcome
}

// Session owns the feed, the scheduler and the player state, and
// publishes a single ordered event stream.
type Session struct {
	opts   Options
	clk    clock.Clock
	feed   *feed.Feed
	sched  *scheduler.Scheduler
	logger zerolog.Logger

	state state
	bus   event.Bus[Event]
}

var _ scheduler.Handler = (*handler)(nil)

// handler keeps the scheduler callbacks off the public method set.
type handler struct{ s *Session }

// New wires a session around f. The feed is started and stopped with the session.
func New(opts Options, clk clock.Clock, f *feed.Feed, logger zerolog.Logger) *Session {
	if opts.SubjectID == "" {
		opts.SubjectID = DefaultSubject
	}
	s := &Session{
		opts:   opts,
		clk:    clk,
		feed:   f,
		logger: logger.With().Str("component", "session").Logger(),
	}
	s.state.balance = opts.InitialBalance
	s.sched = scheduler.New(scheduler.Options{
		RoundDuration: opts.RoundDuration,
		RoundInterval: opts.RoundInterval,
		HistoryLimit:  opts.HistoryLimit,
	}, clk, f, &handler{s: s}, logger)
	return s
}

// Start starts the feed, then opens the first round.
func (s *Session) Start() error {
	if s.sched.Phase() != scheduler.Idle {
		return ErrAlreadyRunning
	}
	if s.opts.WarmupPoints > 0 && s.feed.Len() == 0 {
		s.feed.Warmup(s.opts.WarmupPoints)
	}
	s.feed.Start()
	if err := s.sched.Start(); err != nil {
		return err
	}
	s.logger.Info().Str("subject", s.opts.SubjectID).
		Str("balance", s.Balance().String()).
		Msg("session started")
	return nil
}

// Stop halts the scheduler and the feed. The open round is abandoned and
// undelivered events are dropped.
func (s *Session) Stop() error {
	if err := s.sched.Stop(); err != nil {
		return err
	}
	s.feed.Stop()
	s.bus.Discard()
	s.logger.Info().Msg("session stopped")
	return nil
}

// Predict records a bet on the open round. An empty subjectID means the
// session's own subject.
func (s *Session) Predict(dir round.Direction, amount decimal.Decimal, subjectID string) (round.Prediction, error) {
	if subjectID == "" {
		subjectID = s.opts.SubjectID
	}
	return s.sched.Submit(func(slot scheduler.Slot) (round.Prediction, error) {
		if !amount.IsPositive() {
			return round.Prediction{}, fmt.Errorf("%w: stake %s must be positive", ErrInvalidAmount, amount)
		}
		if bal := s.Balance(); amount.GreaterThan(bal) {
			return round.Prediction{}, fmt.Errorf("%w: stake %s exceeds balance %s", ErrInvalidAmount, amount, bal)
		}
		return round.Prediction{
			ID:        uuid.New(),
			RoundID:   slot.RoundID,
			Direction: dir,
			Amount:    amount,
			SubjectID: subjectID,
			CreatedAt: slot.Now,
		}, nil
	})
}

// Balance returns the subject's balance.
func (s *Session) Balance() decimal.Decimal {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.balance
}

// WinStreak returns the count of consecutive wins.
func (s *Session) WinStreak() int {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.winStreak
}

// History returns the subject's settled outcomes, oldest first.
func (s *Session) History() []round.Outcome {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	out := make([]round.Outcome, len(s.state.history))
	copy(out, s.state.history)
	return out
}

// Outcomes returns settled outcomes of every subject.
func (s *Session) Outcomes() []round.Outcome {
	return s.sched.History()
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:        s.sched.Phase(),
		CurrentPrice: s.feed.CurrentPrice(),
		LatestPrice:  s.feed.LatestPrice(),
	}
	if r, ok := s.sched.CurrentRound(); ok {
		snap.Round = &r
	}
	opts := s.sched.Options()
	snap.RoundDuration = opts.RoundDuration.Milliseconds()
	snap.RoundInterval = opts.RoundInterval.Milliseconds()

	s.state.mu.RLock()
	snap.Balance = s.state.balance
	snap.WinStreak = s.state.winStreak
	snap.Settled = len(s.state.history)
	s.state.mu.RUnlock()
	return snap
}

// Subscribe registers fn for every later event. Delivery is synchronous.
func (s *Session) Subscribe(fn func(Event)) func() {
	return s.bus.Subscribe(fn)
}

// Feed exposes the price series for rendering.
func (s *Session) Feed() *feed.Feed {
	return s.feed
}

// SubjectID is the subject whose outcomes move the balance.
func (s *Session) SubjectID() string {
	return s.opts.SubjectID
}

// UpdateSettings applies runtime knobs. Round timing changes take effect
// from the next round or cooldown, feed changes from the next tick.
func (s *Session) UpdateSettings(in Settings) error {
	if in.RoundDuration != nil && *in.RoundDuration <= 0 {
		return fmt.Errorf("%w: round duration %s", ErrInvalidSettings, *in.RoundDuration)
	}
	if in.RoundInterval != nil && *in.RoundInterval < 0 {
		return fmt.Errorf("%w: round interval %s", ErrInvalidSettings, *in.RoundInterval)
	}
	if in.Volatility != nil && *in.Volatility < 0 {
		return fmt.Errorf("%w: volatility %v", ErrInvalidSettings, *in.Volatility)
	}
	if in.TickInterval != nil && *in.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval %s", ErrInvalidSettings, *in.TickInterval)
	}
	if in.LookbackRatio != nil && (*in.LookbackRatio <= 0 || *in.LookbackRatio > 1) {
		return fmt.Errorf("%w: lookback ratio %v", ErrInvalidSettings, *in.LookbackRatio)
	}

	if in.RoundDuration != nil || in.RoundInterval != nil {
		cur := s.sched.Options()
		d, iv := cur.RoundDuration, cur.RoundInterval
		if in.RoundDuration != nil {
			d = *in.RoundDuration
		}
		if in.RoundInterval != nil {
			iv = *in.RoundInterval
		}
		s.sched.SetDurations(d, iv)
	}
	if in.Volatility != nil {
		s.feed.SetVolatility(*in.Volatility)
	}
	if in.Drift != nil {
		s.feed.SetDrift(*in.Drift)
	}
	if in.TickInterval != nil {
		s.feed.SetTickInterval(*in.TickInterval)
	}
	if in.LookbackRatio != nil {
		s.feed.SetLookbackRatio(*in.LookbackRatio)
	}
	s.logger.Debug().Interface("settings", in).Msg("settings updated")
	return nil
}

func (h *handler) RoundOpened(r round.Snapshot) {
	h.s.bus.Enqueue(Event{Type: EventRoundStart, At: r.OpenedAt, Data: RoundStartData{
		RoundID:   r.ID,
		Seq:       r.Seq,
		Timestamp: r.OpenedAt,
		ClosesAt:  r.ClosesAt,
		Price:     r.ReferencePrice,
	}})
}

func (h *handler) PredictionRecorded(p round.Prediction) {
	h.s.bus.Enqueue(Event{Type: EventPredictionMade, At: p.CreatedAt, Data: PredictionData{
		Prediction: p,
		Direction:  p.Direction,
		Amount:     p.Amount,
		Price:      h.s.feed.CurrentPrice(),
	}})
}

func (h *handler) Countdown(roundID uuid.UUID, remaining int) {
	h.s.bus.Enqueue(Event{Type: EventCountdown, At: clock.UnixMilli(h.s.clk), Data: CountdownData{
		RoundID:          roundID,
		RemainingSeconds: remaining,
	}})
}

func (h *handler) RoundSettled(r round.Snapshot, price float64, outcomes []round.Outcome) {
	s := h.s
	at := clock.UnixMilli(s.clk)
	summary := RoundEndData{
		RoundID:         r.ID,
		Seq:             r.Seq,
		OpenedAt:        r.OpenedAt,
		ClosesAt:        r.ClosesAt,
		ReferencePrice:  r.ReferencePrice,
		SettlementPrice: price,
		Predictions:     len(outcomes),
		NetPayout:       decimal.Zero,
		Outcomes:        outcomes,
	}

	for _, o := range outcomes {
		summary.NetPayout = summary.NetPayout.Add(o.Payout)
		if o.Result == round.Win {
			summary.Wins++
		} else {
			summary.Losses++
		}
		if o.Prediction.SubjectID != s.opts.SubjectID {
			continue
		}

		balance, streak := s.applyOutcome(o)
		if !o.Payout.IsZero() {
			s.bus.Enqueue(Event{Type: EventBalanceChanged, At: at, Data: BalanceData{NewBalance: balance, Change: o.Payout}})
		}
		s.bus.Enqueue(Event{Type: EventResult, At: at, Data: ResultData{Outcome: o, WinStreak: streak}})
	}

	s.bus.Enqueue(Event{Type: EventRoundEnd, At: at, Data: summary})
}

func (h *handler) Flush() { h.s.bus.Flush() }

func (s *Session) applyOutcome(o round.Outcome) (decimal.Decimal, int) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	s.state.balance = s.state.balance.Add(o.Payout)
	if o.Result == round.Win {
		s.state.winStreak++
	} else {
		s.state.winStreak = 0
	}
	s.state.history = append(s.state.history, o)
	if limit := s.opts.HistoryLimit; limit > 0 && len(s.state.history) > limit {
		s.state.history = append([]round.Outcome(nil), s.state.history[len(s.state.history)-limit:]...)
	}
	return s.state.balance, s.state.winStreak
}
