package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"updown/internal/storage"
)

// Show prints recently journaled outcomes for one subject with its totals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	journal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer a.closeJournal(journal)
	if _, ok := journal.(storage.Noop); ok {
		return errors.New("database not configured; cannot show outcomes")
	}

	subject := opts.Subject
	if subject == "" {
		subject = a.Config.Game.SubjectID
	}

	outcomes, err := journal.ListRecentOutcomes(ctx, subject, opts.Limit)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(a.Out, "no outcomes found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Settled (UTC)\tRound\tDirection\tAmount\tReference\tSettlement\tChange%\tResult\tPayout")
	for _, o := range outcomes {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%.4f\t%.4f\t%s\t%s\t%s\n",
			o.SettledAt.UTC().Format(time.RFC3339),
			o.RoundSeq,
			o.Direction,
			o.Amount.StringFixed(2),
			o.ReferencePrice,
			o.SettlementPrice,
			o.ChangePct.StringFixed(3),
			o.Result,
			signed(o.Payout),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	stats, err := journal.SubjectStats(ctx, subject)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "\n%s: %d outcomes, %d wins, net %s\n", stats.SubjectID, stats.Outcomes, stats.Wins, signed(stats.NetPayout))
	return nil
}
