package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"updown/internal/app"
)

var (
	simulateRounds  int
	simulateBets    int
	simulateSeed    uint64
	simulateJournal bool
	simulateAlerts  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run rounds on a simulated clock with a random bot and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRounds <= 0 {
			return errors.New("--rounds must be greater than zero")
		}

		res, err := getApp().Simulate(cmd.Context(), simulateOptions())
		if err != nil {
			return err
		}
		return res.Print(cmd.OutOrStdout())
	},
}

func simulateOptions() app.SimulateOptions {
	return app.SimulateOptions{
		Rounds:       simulateRounds,
		BetsPerRound: simulateBets,
		Seed:         simulateSeed,
		Journal:      simulateJournal,
		Alerts:       simulateAlerts,
	}
}

func addSimulateFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&simulateRounds, "rounds", 10, "Number of rounds to settle")
	cmd.Flags().IntVar(&simulateBets, "bets", 1, "Bot predictions per round")
	cmd.Flags().Uint64Var(&simulateSeed, "seed", 0, "Random seed (defaults to feed.seed, then the wall clock)")
}

func init() {
	addSimulateFlags(simulateCmd)
	simulateCmd.Flags().BoolVar(&simulateJournal, "journal", false, "Write settled rounds to the configured database")
	simulateCmd.Flags().BoolVar(&simulateAlerts, "alert", false, "Send round summaries through the configured alert channels")
}
