package app

import (
	"bufio"
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shopspring/decimal"

	"updown/internal/clock"
	"updown/internal/service"
	"updown/internal/stream"
)

// Play runs an interactive session on the wall clock until the player
// quits, input ends or the process is signalled.
func (a *App) Play(ctx context.Context, opts PlayOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	journal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer a.closeJournal(journal)

	sess := a.newSession(clock.New(), 0)
	a.Logger.Info().Str("app", a.Config.App.Name).
		Str("environment", a.Config.App.Environment).
		Str("subject", sess.SubjectID()).
		Msg("starting interactive session")

	stake := opts.Stake
	if stake <= 0 {
		stake = a.Config.Game.DefaultStake
	}

	runCtx, stopCollaborators := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	svc := service.New(a.Config, journal, a.newNotifier(), a.Logger)
	svc.Attach(sess)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = svc.Run(runCtx)
	}()

	if opts.Stream || a.Config.Stream.Enabled {
		srv := stream.NewServer(a.Config.Stream, sess, a.Logger)
		srv.Attach()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(runCtx); err != nil {
				a.Logger.Error().Err(err).Msg("event stream failed")
			}
		}()
	}

	con := newConsole(sess, a.Out, decimal.NewFromFloat(stake), a.Logger)
	con.attach()
	wg.Add(1)
	go func() {
		defer wg.Done()
		con.run(runCtx)
	}()

	defer func() {
		stopCollaborators()
		wg.Wait()
	}()

	if err := sess.Start(); err != nil {
		return err
	}
	con.println(helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || con.execute(line) {
				break loop
			}
		}
	}

	if err := sess.Stop(); err != nil {
		return err
	}
	snap := sess.Snapshot()
	a.Logger.Info().Str("balance", snap.Balance.String()).
		Int("settled", snap.Settled).
		Int("win_streak", snap.WinStreak).
		Msg("session finished")
	return nil
}
