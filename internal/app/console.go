package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"updown/internal/round"
	"updown/internal/session"
)

const consoleBuffer = 256

// Player is the part of the session the console drives.
type Player interface {
	Subscribe(fn func(session.Event)) func()
	Predict(dir round.Direction, amount decimal.Decimal, subjectID string) (round.Prediction, error)
	Snapshot() session.Snapshot
	History() []round.Outcome
}

// console renders events to the terminal and turns typed lines into predictions.
type console struct {
	player Player
	logger zerolog.Logger

	mu    sync.Mutex
	out   io.Writer
	stake decimal.Decimal

	events chan session.Event
}

func newConsole(player Player, out io.Writer, stake decimal.Decimal, logger zerolog.Logger) *console {
	return &console{
		player: player,
		logger: logger.With().Str("component", "console").Logger(),
		out:    out,
		stake:  stake,
		events: make(chan session.Event, consoleBuffer),
	}
}

// attach subscribes without blocking the session; overflow is dropped.
func (c *console) attach() func() {
	return c.player.Subscribe(func(e session.Event) {
		select {
		case c.events <- e:
		default:
			c.logger.Debug().Str("type", string(e.Type)).Msg("console behind, event dropped")
		}
	})
}

func (c *console) run(ctx context.Context) {
	for {
		select {
		case e := <-c.events:
			c.show(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-c.events:
					c.show(e)
				default:
					return
				}
			}
		}
	}
}

func (c *console) show(e session.Event) {
	if line, ok := renderEvent(e); ok {
		c.println(line)
	}
}

func (c *console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func renderEvent(e session.Event) (string, bool) {
	switch d := e.Data.(type) {
	case session.RoundStartData:
		secs := (d.ClosesAt - d.Timestamp) / 1000
		return fmt.Sprintf("== Round #%d open at %.2f, closes in %ds", d.Seq, d.Price, secs), true
	case session.PredictionData:
		return fmt.Sprintf("   bet %s %s at %.2f", d.Direction, d.Amount.StringFixed(2), d.Price), true
	case session.CountdownData:
		if d.RemainingSeconds%10 != 0 && d.RemainingSeconds > 5 {
			return "", false
		}
		return fmt.Sprintf("   %ds left", d.RemainingSeconds), true
	case session.BalanceData:
		return fmt.Sprintf("   balance %s (%s)", d.NewBalance.StringFixed(2), signed(d.Change)), true
	case session.ResultData:
		o := d.Outcome
		return fmt.Sprintf("   %s: %s %s, price %.2f -> %.2f (%s%%), streak %d",
			strings.ToUpper(o.Result.String()), o.Prediction.Direction, o.Prediction.Amount.StringFixed(2),
			o.ReferencePrice, o.SettlementPrice, o.ChangePct.StringFixed(3), d.WinStreak), true
	case session.RoundEndData:
		return fmt.Sprintf("== Round #%d settled at %.2f: %d bets, %d won, net %s",
			d.Seq, d.SettlementPrice, d.Predictions, d.Wins, signed(d.NetPayout)), true
	default:
		return "", false
	}
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

const helpText = `commands:
  up [amount]     predict the price ends higher (also: u, higher, call)
  down [amount]   predict the price ends lower or flat (also: d, lower, put)
  stake <amount>  change the default stake
  status          balance, streak and round state
  history         last settled bets
  quit            stop the session`

// execute handles one input line and reports whether the player quit.
func (c *console) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch cmd := strings.ToLower(fields[0]); cmd {
	case "q", "quit", "exit":
		return true
	case "help", "?":
		c.println(helpText)
	case "status", "s":
		c.status()
	case "history", "h":
		c.history(5)
	case "stake":
		if len(fields) != 2 {
			c.println("usage: stake <amount>")
			return false
		}
		amount, err := decimal.NewFromString(fields[1])
		if err != nil || !amount.IsPositive() {
			c.println("stake must be a positive number")
			return false
		}
		c.mu.Lock()
		c.stake = amount
		c.mu.Unlock()
		c.println("default stake " + amount.StringFixed(2))
	default:
		dir, err := round.ParseDirection(cmd)
		if err != nil {
			c.println(fmt.Sprintf("unknown command %q, type help", fields[0]))
			return false
		}
		c.predict(dir, fields[1:])
	}
	return false
}

func (c *console) predict(dir round.Direction, args []string) {
	c.mu.Lock()
	amount := c.stake
	c.mu.Unlock()
	if len(args) > 0 {
		parsed, err := decimal.NewFromString(args[0])
		if err != nil {
			c.println(fmt.Sprintf("invalid amount %q", args[0]))
			return
		}
		amount = parsed
	}

	if _, err := c.player.Predict(dir, amount, ""); err != nil {
		switch {
		case errors.Is(err, session.ErrRoundNotOpen):
			c.println("no round is open, wait for the next one")
		case errors.Is(err, session.ErrInvalidAmount):
			c.println(fmt.Sprintf("stake rejected: %v", err))
		default:
			c.println(fmt.Sprintf("prediction failed: %v", err))
		}
	}
}

func (c *console) status() {
	snap := c.player.Snapshot()
	line := fmt.Sprintf("balance %s, streak %d, %s, price %.2f",
		snap.Balance.StringFixed(2), snap.WinStreak, snap.Phase, snap.CurrentPrice)
	if snap.Round != nil {
		left := time.Duration(snap.Round.ClosesAt-time.Now().UnixMilli()) * time.Millisecond
		if left < 0 {
			left = 0
		}
		line += fmt.Sprintf(", round #%d (%d bets, %s left)", snap.Round.Seq, len(snap.Round.Predictions), left.Truncate(time.Second))
	}
	c.println(line)
}

func (c *console) history(n int) {
	outcomes := c.player.History()
	if len(outcomes) == 0 {
		c.println("no settled bets yet")
		return
	}
	if len(outcomes) > n {
		outcomes = outcomes[len(outcomes)-n:]
	}
	for _, o := range outcomes {
		c.println(fmt.Sprintf("#%d %s %s -> %s %s", o.RoundSeq, o.Prediction.Direction,
			o.Prediction.Amount.StringFixed(2), o.Result, signed(o.Payout)))
	}
}
