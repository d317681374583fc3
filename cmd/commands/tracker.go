package commands

import (
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"votechain/tracker"
)

// TrackerCmd runs the discovery service peers join and list.
var TrackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Run the peer discovery tracker",
	RunE:  runTracker,
}

func init() {
	TrackerCmd.Flags().String("tracker.laddr", config.Tracker.ListenAddress, "tracker listen address")
	TrackerCmd.Flags().Bool("tracker.evict_on_disconnect", config.Tracker.EvictOnDisconnect,
		"forget peers whose tracker connection closes")
}

func runTracker(cmd *cobra.Command, args []string) error {
	s := tracker.NewServer(config.Tracker)
	s.SetLogger(logger.With("module", "tracker"))
	if err := s.Start(); err != nil {
		return err
	}
	logger.Info("Started tracker", "addr", s.ListenAddr())

	tmos.TrapSignal(logger, func() {
		if err := s.Stop(); err != nil {
			logger.Error("unable to stop the tracker", "error", err)
		}
	})

	select {}
}
