package app

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"updown/internal/alerting"
	"updown/internal/clock"
	"updown/internal/config"
	"updown/internal/feed"
	"updown/internal/session"
	"updown/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	In  io.Reader
	Out io.Writer
}

// NewApp constructs a new application handle bound to the process terminal.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		In:     os.Stdin,
		Out:    os.Stdout,
	}
}

func (a *App) feedOptions(seed uint64) feed.Options {
	fc := a.Config.Feed
	if seed == 0 {
		seed = fc.Seed
	}
	return feed.Options{
		InitialPrice:  fc.InitialPrice,
		Volatility:    fc.Volatility,
		Drift:         fc.Drift,
		TickInterval:  fc.TickInterval,
		Capacity:      fc.Capacity,
		WindowPoints:  fc.WindowPoints,
		LookbackRatio: fc.LookbackRatio,
		Floor:         fc.Floor,
		Seed:          seed,
	}
}

// newSession builds a feed and a session on clk from the game and feed sections.
func (a *App) newSession(clk clock.Clock, seed uint64) *session.Session {
	f := feed.New(a.feedOptions(seed), clk, nil, a.Logger)
	gc := a.Config.Game
	return session.New(session.Options{
		InitialBalance: decimal.NewFromFloat(gc.InitialBalance),
		SubjectID:      gc.SubjectID,
		RoundDuration:  gc.RoundDuration,
		RoundInterval:  gc.RoundInterval,
		HistoryLimit:   gc.HistoryLimit,
		WarmupPoints:   a.Config.Feed.WarmupPoints,
	}, clk, f, a.Logger)
}

// newNotifier assembles the configured alert channels. It returns a nil
// interface when none is usable.
func (a *App) newNotifier() alerting.Notifier {
	ac := a.Config.Alerting
	channels := ac.Channels
	if len(channels) == 0 && ac.Telegram.Enabled {
		channels = []string{"telegram"}
	}

	var multi alerting.Multi
	for _, ch := range channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "telegram":
			if !ac.Telegram.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			multi = append(multi, alerting.NewTelegramNotifier(ac.Telegram.BotToken, ac.Telegram.ChatID, ac.Telegram.APIBase, ac.RequestTimeout, a.Logger))
		case "log":
			multi = append(multi, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}

	switch len(multi) {
	case 0:
		return nil
	case 1:
		return multi[0]
	default:
		return multi
	}
}

func (a *App) openJournal(ctx context.Context) (storage.Journal, error) {
	journal, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, err
	}
	if _, ok := journal.(storage.Noop); ok {
		a.Logger.Warn().Msg("database.dsn not configured; journal disabled")
	}
	return journal, nil
}

func (a *App) closeJournal(journal storage.Journal) {
	if err := journal.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("close journal")
	}
}

// PlayOptions configure the interactive session.
type PlayOptions struct {
	Stake  float64
	Stream bool
}

// SimulateOptions configure a headless run on a manual clock.
type SimulateOptions struct {
	Rounds       int
	BetsPerRound int
	Seed         uint64
	Journal      bool
	Alerts       bool
}

// ExportOptions hold parameters for exporting a simulated run.
type ExportOptions struct {
	Simulate  SimulateOptions
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Subject string
}
