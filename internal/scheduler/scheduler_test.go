package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"updown/internal/clock"
	"updown/internal/round"
)

type stubPrice struct{ price float64 }

func (s *stubPrice) CurrentPrice() float64 { return s.price }

type recorder struct {
	log      []string
	opened   []round.Snapshot
	settled  [][]round.Outcome
	counts   []int
	flushes  int
	onSettle func()
}

func (r *recorder) RoundOpened(s round.Snapshot) {
	r.opened = append(r.opened, s)
	r.log = append(r.log, fmt.Sprintf("open:%d", s.Seq))
}

func (r *recorder) PredictionRecorded(p round.Prediction) {
	r.log = append(r.log, "bet:"+p.Direction.String())
}

func (r *recorder) Countdown(_ uuid.UUID, remaining int) {
	r.counts = append(r.counts, remaining)
}

func (r *recorder) RoundSettled(s round.Snapshot, price float64, outcomes []round.Outcome) {
	r.settled = append(r.settled, outcomes)
	r.log = append(r.log, fmt.Sprintf("settle:%d", s.Seq))
	if r.onSettle != nil {
		r.onSettle()
	}
}

func (r *recorder) Flush() { r.flushes++ }

func newTestScheduler(t *testing.T, roundDur, interval time.Duration) (*Scheduler, *clock.Manual, *stubPrice, *recorder) {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(0))
	price := &stubPrice{price: 150}
	rec := &recorder{}
	s := New(Options{RoundDuration: roundDur, RoundInterval: interval}, clk, price, rec, zerolog.Nop())
	return s, clk, price, rec
}

func upBet(amount int64) BuildFunc {
	return func(slot Slot) (round.Prediction, error) {
		return round.Prediction{ID: uuid.New(), Direction: round.Up, Amount: decimal.NewFromInt(amount), SubjectID: "p1", CreatedAt: slot.Now}, nil
	}
}

func TestLifecycleLoopsThroughPhases(t *testing.T) {
	s, clk, price, rec := newTestScheduler(t, 60*time.Second, 5*time.Second)

	if s.Phase() != Idle {
		t.Fatalf("new scheduler should be idle, got %s", s.Phase())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start should fail, got %v", err)
	}
	if s.Phase() != Open || len(rec.opened) != 1 {
		t.Fatalf("start should open a round, phase=%s", s.Phase())
	}
	if rec.opened[0].ReferencePrice != 150 || rec.opened[0].ClosesAt != 60_000 {
		t.Fatalf("unexpected first round: %+v", rec.opened[0])
	}

	if _, err := s.Submit(upBet(500)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	price.price = 153
	clk.Advance(59 * time.Second)
	if len(rec.settled) != 0 {
		t.Fatal("round must not settle before its duration")
	}
	clk.Advance(time.Second)
	if s.Phase() != Cooldown {
		t.Fatalf("expected cooldown after settlement, got %s", s.Phase())
	}
	if len(rec.settled) != 1 || len(rec.settled[0]) != 1 {
		t.Fatalf("expected one settled outcome, got %+v", rec.settled)
	}
	o := rec.settled[0][0]
	if o.Result != round.Win || !o.Payout.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected outcome: %s payout %s", o.Result, o.Payout)
	}

	clk.Advance(5 * time.Second)
	if s.Phase() != Open || len(rec.opened) != 2 {
		t.Fatalf("cooldown should open round 2, phase=%s", s.Phase())
	}
	if rec.opened[1].ReferencePrice != 153 || rec.opened[1].OpenedAt != 65_000 {
		t.Fatalf("second round should take a fresh reference: %+v", rec.opened[1])
	}

	clk.Advance(65 * time.Second)
	want := []string{"open:1", "bet:up", "settle:1", "open:2", "settle:2", "open:3"}
	if fmt.Sprint(rec.log) != fmt.Sprint(want) {
		t.Fatalf("transition log: got %v want %v", rec.log, want)
	}
	if len(rec.settled[1]) != 0 {
		t.Fatal("outcomes must never be re-emitted in later rounds")
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history should hold exactly one outcome, got %d", len(h))
	}
}

func TestCountdownOncePerSecond(t *testing.T) {
	s, clk, _, rec := newTestScheduler(t, 5*time.Second, time.Second)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Second)
	if fmt.Sprint(rec.counts) != fmt.Sprint([]int{4, 3, 2, 1}) {
		t.Fatalf("unexpected countdown: %v", rec.counts)
	}

	// next round counts down again
	clk.Advance(time.Second)
	clk.Advance(2 * time.Second)
	if fmt.Sprint(rec.counts) != fmt.Sprint([]int{4, 3, 2, 1, 4, 3}) {
		t.Fatalf("countdown should restart each round: %v", rec.counts)
	}
}

func TestSubmitOutsideOpenRound(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, 10*time.Second, 10*time.Second)

	if _, err := s.Submit(upBet(1)); !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("idle scheduler must reject, got %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)
	if _, err := s.Submit(upBet(1)); !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("cooldown must reject, got %v", err)
	}
}

// lateClock reports a time past the deadline without firing timers,
// as when a timer callback is delayed by the runtime.
type lateClock struct {
	*clock.Manual
	skew time.Duration
}

func (c *lateClock) Now() time.Time { return c.Manual.Now().Add(c.skew) }

func TestSubmitAfterDeadlineBeforeTimerFires(t *testing.T) {
	base := clock.NewManual(time.UnixMilli(0))
	clk := &lateClock{Manual: base}
	rec := &recorder{}
	s := New(Options{RoundDuration: 10 * time.Second, RoundInterval: time.Second}, clk, &stubPrice{1}, rec, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	clk.skew = 10 * time.Second
	if _, err := s.Submit(upBet(1)); !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("bet after closesAt must be rejected, got %v", err)
	}
	if cur, _ := s.CurrentRound(); len(cur.Predictions) != 0 {
		t.Fatal("late bet must not be recorded")
	}
	if s.Phase() != Open {
		t.Fatal("rejecting a late bet must not close the round")
	}
}

func TestBuildErrorIsNotRecorded(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, 10*time.Second, time.Second)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	_, err := s.Submit(func(Slot) (round.Prediction, error) { return round.Prediction{}, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("builder error should propagate, got %v", err)
	}
	if cur, _ := s.CurrentRound(); len(cur.Predictions) != 0 {
		t.Fatal("failed build must not record")
	}
}

func TestStopAbandonsRoundAndDiscardsTimers(t *testing.T) {
	s, clk, _, rec := newTestScheduler(t, 10*time.Second, time.Second)
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop on idle should fail, got %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(upBet(5)); err != nil {
		t.Fatal(err)
	}
	clk.Advance(3 * time.Second)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	countsAtStop := len(rec.counts)
	clk.Advance(time.Minute)
	if len(rec.settled) != 0 {
		t.Fatal("stopped round must never settle")
	}
	if len(rec.counts) != countsAtStop {
		t.Fatal("no countdown after stop")
	}
	if len(s.History()) != 0 {
		t.Fatal("abandoned predictions stay unsettled")
	}
	if clk.Pending() != 0 {
		t.Fatalf("stop should cancel all timers, %d pending", clk.Pending())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if cur, _ := s.CurrentRound(); cur.Seq != 2 || len(cur.Predictions) != 0 {
		t.Fatalf("restart should open a fresh round: %+v", cur)
	}
}

func TestStaleTimerAfterRestartIsDiscarded(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(0))
	rec := &recorder{}
	held := &holdClock{Manual: clk}
	s := New(Options{RoundDuration: 10 * time.Second, RoundInterval: time.Second}, held, &stubPrice{1}, rec, zerolog.Nop())

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	// Simulate a timer that the runtime could not cancel: stop and restart,
	// then invoke the first round's callback by hand.
	first := held.fns[0]
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	first()
	if len(rec.settled) != 0 {
		t.Fatal("stale callback from a previous run must be ignored")
	}
}

// holdClock records callbacks so a test can fire them after cancellation.
type holdClock struct {
	*clock.Manual
	fns []func()
}

func (h *holdClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	h.fns = append(h.fns, f)
	return h.Manual.AfterFunc(d, f)
}

func TestSetDurationsAppliesToNextRound(t *testing.T) {
	s, clk, _, rec := newTestScheduler(t, 10*time.Second, 2*time.Second)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.SetDurations(20*time.Second, 4*time.Second)

	clk.Advance(10 * time.Second)
	if len(rec.settled) != 1 {
		t.Fatal("current round keeps its original duration")
	}
	clk.Advance(2 * time.Second)
	if len(rec.opened) != 1 {
		t.Fatal("cooldown should use the updated interval")
	}
	clk.Advance(2 * time.Second)
	if len(rec.opened) != 2 {
		t.Fatalf("expected second round after 4s cooldown, got %d", len(rec.opened))
	}
	if d := rec.opened[1].ClosesAt - rec.opened[1].OpenedAt; d != 20_000 {
		t.Fatalf("second round should last 20s, got %dms", d)
	}
}

func TestSettlingIsSynchronous(t *testing.T) {
	s, clk, _, rec := newTestScheduler(t, 10*time.Second, time.Second)
	var phaseDuringSettle Phase
	rec.onSettle = func() { phaseDuringSettle = s.phase }
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)
	if phaseDuringSettle != Settling {
		t.Fatalf("handler should observe the settling phase, got %s", phaseDuringSettle)
	}
	if s.Phase() != Cooldown {
		t.Fatalf("settlement should end in cooldown, got %s", s.Phase())
	}
}
