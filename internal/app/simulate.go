package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"updown/internal/alerting"
	"updown/internal/clock"
	"updown/internal/feed"
	"updown/internal/round"
	"updown/internal/scheduler"
	"updown/internal/service"
	"updown/internal/session"
	"updown/internal/storage"
)

// SimulationResult summarises a headless run.
type SimulationResult struct {
	Seed         uint64
	Rounds       int
	Predictions  int
	Rejected     int
	Wins         int
	Losses       int
	BestStreak   int
	NetPayout    decimal.Decimal
	StartBalance decimal.Decimal
	FinalBalance decimal.Decimal
	Prices       []feed.PricePoint
	Outcomes     []round.Outcome
	Summaries    []session.RoundEndData
}

// bot places random bets with the default stake times 1..3.
type bot struct {
	rng   *rand.Rand
	stake decimal.Decimal
}

func (b *bot) offsets(window time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	span := window.Milliseconds()
	for i := range out {
		if span > 1 {
			out[i] = time.Duration(b.rng.Int64N(span-1)) * time.Millisecond
		}
	}
	slices.Sort(out)
	return out
}

func (b *bot) bet(p Player) error {
	dir := round.Down
	if b.rng.IntN(2) == 1 {
		dir = round.Up
	}
	amount := b.stake.Mul(decimal.NewFromInt(int64(1 + b.rng.IntN(3))))
	if bal := p.Snapshot().Balance; amount.GreaterThan(bal) {
		amount = bal
	}
	_, err := p.Predict(dir, amount, "")
	return err
}

// Simulate plays opts.Rounds rounds on a manual clock with a random bot.
// The run is deterministic for a given seed and configuration.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (*SimulationResult, error) {
	if opts.Rounds <= 0 {
		return nil, errors.New("rounds must be greater than zero")
	}
	if opts.BetsPerRound < 0 {
		return nil, errors.New("bets per round must not be negative")
	}

	seed := opts.Seed
	if seed == 0 {
		seed = a.Config.Feed.Seed
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000).UTC())
	sess := a.newSession(clk, seed)
	res := &SimulationResult{Seed: seed, StartBalance: sess.Balance(), NetPayout: decimal.Zero}

	if opts.Journal || opts.Alerts {
		var journal storage.Journal
		if opts.Journal {
			j, err := a.openJournal(ctx)
			if err != nil {
				return nil, err
			}
			defer a.closeJournal(j)
			journal = j
		}
		var notifier alerting.Notifier
		if opts.Alerts {
			notifier = a.newNotifier()
		}
		svc := service.New(a.Config, journal, notifier, a.Logger)
		svc.AttachInline(ctx, sess)
	}

	sess.Subscribe(func(e session.Event) {
		switch d := e.Data.(type) {
		case session.ResultData:
			res.BestStreak = max(res.BestStreak, d.WinStreak)
		case session.RoundEndData:
			res.Rounds++
			res.Predictions += d.Predictions
			res.Wins += d.Wins
			res.Losses += d.Losses
			res.NetPayout = res.NetPayout.Add(d.NetPayout)
			res.Outcomes = append(res.Outcomes, d.Outcomes...)
			res.Summaries = append(res.Summaries, d)
		}
	})

	if err := sess.Start(); err != nil {
		return nil, err
	}
	res.Prices = sess.Feed().Points()
	sess.Feed().Subscribe(func(p feed.PricePoint) { res.Prices = append(res.Prices, p) })

	b := &bot{
		rng:   rand.New(rand.NewPCG(seed, seed^0x5bd1e995)),
		stake: decimal.NewFromFloat(a.Config.Game.DefaultStake),
	}
	gc := a.Config.Game

	for res.Rounds < opts.Rounds {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := a.waitOpen(clk, sess, gc.RoundInterval); err != nil {
			_ = sess.Stop()
			return nil, err
		}
		r := sess.Snapshot().Round
		for _, off := range b.offsets(time.Duration(r.ClosesAt-r.OpenedAt)*time.Millisecond, opts.BetsPerRound) {
			advanceTo(clk, r.OpenedAt+off.Milliseconds())
			if err := b.bet(sess); err != nil {
				res.Rejected++
				a.Logger.Debug().Err(err).Int("seq", r.Seq).Msg("bot bet rejected")
			}
		}
		advanceTo(clk, r.ClosesAt)
	}

	if err := sess.Stop(); err != nil {
		return nil, err
	}
	res.FinalBalance = sess.Balance()
	a.Logger.Info().Int("rounds", res.Rounds).
		Int("predictions", res.Predictions).
		Str("final_balance", res.FinalBalance.String()).
		Msg("simulation finished")
	return res, nil
}

func advanceTo(clk *clock.Manual, ms int64) {
	if d := ms - clk.Now().UnixMilli(); d > 0 {
		clk.Advance(time.Duration(d) * time.Millisecond)
	}
}

// waitOpen advances through the cooldown until a round is open.
func (a *App) waitOpen(clk *clock.Manual, sess *session.Session, interval time.Duration) error {
	step := interval
	if step <= 0 {
		step = time.Millisecond
	}
	for i := 0; i < 1000; i++ {
		if sess.Snapshot().Phase == scheduler.Open {
			return nil
		}
		clk.Advance(step)
	}
	return fmt.Errorf("no round opened after %s", 1000*step)
}

// Print writes a human-readable summary.
func (r *SimulationResult) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Seed\t%d\n", r.Seed)
	fmt.Fprintf(tw, "Rounds\t%d\n", r.Rounds)
	fmt.Fprintf(tw, "Predictions\t%d (%d won, %d lost, %d rejected)\n", r.Predictions, r.Wins, r.Losses, r.Rejected)
	fmt.Fprintf(tw, "Best streak\t%d\n", r.BestStreak)
	fmt.Fprintf(tw, "Net payout\t%s\n", signed(r.NetPayout))
	fmt.Fprintf(tw, "Balance\t%s -> %s\n", r.StartBalance.StringFixed(2), r.FinalBalance.StringFixed(2))
	if n := len(r.Prices); n > 0 {
		fmt.Fprintf(tw, "Price\t%.2f -> %.2f over %d ticks\n", r.Prices[0].Price, r.Prices[n-1].Price, n)
	}
	return tw.Flush()
}
