package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"updown/internal/clock"
	"updown/internal/feed"
	"updown/internal/round"
	"updown/internal/scheduler"
)

// flatDraw makes the walk term vanish so only drift moves the price.
type flatDraw struct{}

func (flatDraw) Float64() float64 { return 0.5 }

type harness struct {
	s      *Session
	clk    *clock.Manual
	feed   *feed.Feed
	events []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(1_000_000))
	f := feed.New(feed.Options{InitialPrice: 150, TickInterval: time.Hour, LookbackRatio: 1}, clk, flatDraw{}, zerolog.Nop())
	if opts.InitialBalance.IsZero() {
		opts.InitialBalance = decimal.NewFromInt(1000)
	}
	if opts.RoundDuration == 0 {
		opts.RoundDuration = 60 * time.Second
	}
	if opts.RoundInterval == 0 {
		opts.RoundInterval = 5 * time.Second
	}
	h := &harness{clk: clk, feed: f, s: New(opts, clk, f, zerolog.Nop())}
	h.s.Subscribe(func(e Event) { h.events = append(h.events, e) })
	return h
}

// move ticks the feed once with the given relative drift.
func (h *harness) move(drift float64) {
	h.feed.SetDrift(drift)
	h.feed.Tick()
	h.feed.SetDrift(0)
}

func (h *harness) ofType(typ EventType) []Event {
	var out []Event
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) types() []EventType {
	out := make([]EventType, 0, len(h.events))
	for _, e := range h.events {
		if e.Type == EventCountdown {
			continue
		}
		out = append(out, e.Type)
	}
	return out
}

func stake(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestWinningRoundCreditsBalanceAndStreak(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, err := h.s.Predict(round.Up, stake(500), "")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p.SubjectID != DefaultSubject || p.CreatedAt != 1_000_000 {
		t.Fatalf("unexpected prediction: %+v", p)
	}

	h.move(0.02)
	h.clk.Advance(60 * time.Second)

	want := []EventType{EventRoundStart, EventPredictionMade, EventBalanceChanged, EventResult, EventRoundEnd}
	got := h.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event sequence: got %v want %v", got, want)
		}
	}

	start := h.events[0].Data.(RoundStartData)
	if start.Price != 150 || start.Timestamp != 1_000_000 || start.ClosesAt != 1_060_000 {
		t.Fatalf("unexpected round_start: %+v", start)
	}

	res := h.ofType(EventResult)[0].Data.(ResultData)
	if res.Outcome.Result != round.Win || !res.Outcome.Payout.Equal(stake(10)) || res.WinStreak != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Outcome.SettlementPrice != 153 {
		t.Fatalf("settlement price: got %v", res.Outcome.SettlementPrice)
	}

	bal := h.ofType(EventBalanceChanged)[0].Data.(BalanceData)
	if !bal.NewBalance.Equal(stake(1010)) || !bal.Change.Equal(stake(10)) {
		t.Fatalf("unexpected balance_changed: %+v", bal)
	}
	if !h.s.Balance().Equal(stake(1010)) || h.s.WinStreak() != 1 {
		t.Fatalf("state: balance %s streak %d", h.s.Balance(), h.s.WinStreak())
	}

	end := h.ofType(EventRoundEnd)[0].Data.(RoundEndData)
	if end.Predictions != 1 || end.Wins != 1 || !end.NetPayout.Equal(stake(10)) {
		t.Fatalf("unexpected round_end: %+v", end)
	}
}

func TestFlatRoundLosesWithoutBalanceEvent(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.Predict(round.Up, stake(500), ""); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(60 * time.Second)

	if n := len(h.ofType(EventBalanceChanged)); n != 0 {
		t.Fatalf("zero payout must not emit balance_changed, got %d", n)
	}
	res := h.ofType(EventResult)[0].Data.(ResultData)
	if res.Outcome.Actual != round.Down || res.Outcome.Result != round.Lose || !res.Outcome.Payout.IsZero() {
		t.Fatalf("flat round should be a zero-payout loss: %+v", res.Outcome)
	}
	if !res.Outcome.ChangePct.IsZero() {
		t.Fatalf("changePct should be 0, got %s", res.Outcome.ChangePct)
	}
	if !h.s.Balance().Equal(stake(1000)) || h.s.WinStreak() != 0 {
		t.Fatalf("state: balance %s streak %d", h.s.Balance(), h.s.WinStreak())
	}
}

func TestStreakIncrementsAndResets(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	play := func(dir round.Direction, drift float64) {
		t.Helper()
		if _, err := h.s.Predict(dir, stake(100), ""); err != nil {
			t.Fatalf("predict: %v", err)
		}
		if drift != 0 {
			h.move(drift)
		}
		h.clk.Advance(60 * time.Second)
		h.clk.Advance(5 * time.Second)
	}

	play(round.Up, 0.01)
	play(round.Down, -0.01)
	if h.s.WinStreak() != 2 {
		t.Fatalf("two wins should give streak 2, got %d", h.s.WinStreak())
	}
	play(round.Up, 0)
	if h.s.WinStreak() != 0 {
		t.Fatalf("a loss resets the streak, got %d", h.s.WinStreak())
	}
	play(round.Down, 0)
	if h.s.WinStreak() != 1 {
		t.Fatalf("flat round is a win for down, got streak %d", h.s.WinStreak())
	}

	results := h.ofType(EventResult)
	streaks := []int{1, 2, 0, 1}
	for i, e := range results {
		if got := e.Data.(ResultData).WinStreak; got != streaks[i] {
			t.Fatalf("result %d streak: got %d want %d", i, got, streaks[i])
		}
	}
	if len(h.s.History()) != 4 {
		t.Fatalf("history should hold 4 outcomes, got %d", len(h.s.History()))
	}
}

func TestInvalidAmounts(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.s.Predict(round.Up, stake(10), ""); !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("predict before start should fail with ErrRoundNotOpen, got %v", err)
	}
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}

	for _, amount := range []decimal.Decimal{stake(0), stake(-5), stake(1001)} {
		if _, err := h.s.Predict(round.Up, amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if _, err := h.s.Predict(round.Up, stake(1000), ""); err != nil {
		t.Fatalf("whole balance is a valid stake: %v", err)
	}
	if n := len(h.ofType(EventPredictionMade)); n != 1 {
		t.Fatalf("only the accepted bet should emit prediction_made, got %d", n)
	}
}

func TestLateBetRejected(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(60 * time.Second)
	if _, err := h.s.Predict(round.Up, stake(10), ""); !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("bet during cooldown should fail, got %v", err)
	}
	h.clk.Advance(5 * time.Second)
	if _, err := h.s.Predict(round.Up, stake(10), ""); err != nil {
		t.Fatalf("next round should accept bets: %v", err)
	}
}

func TestStopMidRoundEmitsNoResult(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop before start should fail, got %v", err)
	}
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start should fail, got %v", err)
	}
	if _, err := h.s.Predict(round.Up, stake(500), ""); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(30 * time.Second)
	if err := h.s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	seen := len(h.events)
	h.clk.Advance(5 * time.Minute)
	if len(h.events) != seen {
		t.Fatalf("no events after stop, got %d more", len(h.events)-seen)
	}
	if len(h.ofType(EventResult)) != 0 {
		t.Fatal("abandoned round must not produce a result")
	}
	if !h.s.Balance().Equal(stake(1000)) {
		t.Fatalf("balance changed after stop: %s", h.s.Balance())
	}
	if h.feed.Running() {
		t.Fatal("stop should halt the feed")
	}
}

func TestCountdownEvents(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(60 * time.Second)

	counts := h.ofType(EventCountdown)
	if len(counts) != 59 {
		t.Fatalf("expected 59 countdown events, got %d", len(counts))
	}
	first := counts[0].Data.(CountdownData)
	last := counts[len(counts)-1].Data.(CountdownData)
	if first.RemainingSeconds != 59 || last.RemainingSeconds != 1 {
		t.Fatalf("countdown range: %d..%d", first.RemainingSeconds, last.RemainingSeconds)
	}
	if counts[0].At != 1_001_000 {
		t.Fatalf("first countdown one second after open, got %d", counts[0].At)
	}
}

func TestListenerPredictingIsQueued(t *testing.T) {
	h := newHarness(t, Options{})
	var errs []error
	h.s.Subscribe(func(e Event) {
		switch e.Type {
		case EventRoundStart:
			_, err := h.s.Predict(round.Down, stake(50), "")
			errs = append(errs, err)
		case EventResult:
			// settlement is over; bets must wait for the next round
			_, err := h.s.Predict(round.Down, stake(50), "")
			errs = append(errs, err)
		}
	})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	types := h.types()
	if len(types) != 2 || types[0] != EventRoundStart || types[1] != EventPredictionMade {
		t.Fatalf("nested publication must follow the current event: %v", types)
	}

	h.clk.Advance(60 * time.Second)
	if len(errs) != 2 || errs[0] != nil || !errors.Is(errs[1], ErrRoundNotOpen) {
		t.Fatalf("unexpected listener errors: %v", errs)
	}
	if n := len(h.ofType(EventResult)); n != 1 {
		t.Fatalf("settlement must run once, got %d results", n)
	}
}

func TestOtherSubjectsDoNotMoveBalance(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.Predict(round.Up, stake(500), "bot"); err != nil {
		t.Fatal(err)
	}
	h.move(0.02)
	h.clk.Advance(60 * time.Second)

	if len(h.ofType(EventResult)) != 0 || len(h.s.History()) != 0 {
		t.Fatal("foreign subject outcomes are not session results")
	}
	if !h.s.Balance().Equal(stake(1000)) {
		t.Fatalf("balance moved: %s", h.s.Balance())
	}
	if len(h.s.Outcomes()) != 1 {
		t.Fatalf("foreign outcome should still be archived, got %d", len(h.s.Outcomes()))
	}
	end := h.ofType(EventRoundEnd)[0].Data.(RoundEndData)
	if end.Predictions != 1 || end.Wins != 1 {
		t.Fatalf("round summary should count every subject: %+v", end)
	}
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t, Options{})
	bad := 1.5
	if err := h.s.UpdateSettings(Settings{LookbackRatio: &bad}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	zero := time.Duration(0)
	if err := h.s.UpdateSettings(Settings{RoundDuration: &zero}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}

	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	short, vol := 10*time.Second, 0.05
	if err := h.s.UpdateSettings(Settings{RoundDuration: &short, Volatility: &vol}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if h.feed.Options().Volatility != 0.05 {
		t.Fatal("volatility should apply to the feed")
	}

	h.clk.Advance(10 * time.Second)
	if h.s.Snapshot().Phase != scheduler.Open {
		t.Fatal("running round keeps its original duration")
	}
	h.clk.Advance(55 * time.Second)
	starts := h.ofType(EventRoundStart)
	if len(starts) != 2 {
		t.Fatalf("expected second round, got %d starts", len(starts))
	}
	second := starts[1].Data.(RoundStartData)
	if second.ClosesAt-second.Timestamp != 10_000 {
		t.Fatalf("second round should use the new duration, got %dms", second.ClosesAt-second.Timestamp)
	}
}

func TestSnapshotAndWarmup(t *testing.T) {
	h := newHarness(t, Options{WarmupPoints: 12})
	if err := h.s.Start(); err != nil {
		t.Fatal(err)
	}
	if h.feed.Len() != 12 {
		t.Fatalf("warmup should pre-fill the feed, got %d points", h.feed.Len())
	}
	snap := h.s.Snapshot()
	if snap.Phase != scheduler.Open || snap.Round == nil || snap.Round.Seq != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.Balance.Equal(stake(1000)) || snap.RoundDuration != 60_000 {
		t.Fatalf("unexpected snapshot values: %+v", snap)
	}
}
