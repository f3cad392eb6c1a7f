package cli

import (
	"github.com/spf13/cobra"

	"updown/internal/app"
)

var (
	playStake  float64
	playStream bool
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play rounds interactively in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Play(cmd.Context(), app.PlayOptions{
			Stake:  playStake,
			Stream: playStream,
		})
	},
}

func init() {
	playCmd.Flags().Float64Var(&playStake, "stake", 0, "Default stake per prediction (defaults to game.default_stake)")
	playCmd.Flags().BoolVar(&playStream, "stream", false, "Serve the websocket event stream (overrides stream.enabled)")
}
