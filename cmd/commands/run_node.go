package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "votechain/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a votechain node
func AddNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("moniker", config.Moniker, "node name")
	cmd.Flags().String("db_backend", config.DBBackend, "block store backend: memdb | goleveldb")

	// p2p flags
	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "peer listen address")
	cmd.Flags().String("p2p.external_address", config.P2P.ExternalAddress,
		"address registered with the tracker, defaults to p2p.laddr")
	cmd.Flags().Duration("p2p.sync_timeout", config.P2P.SyncTimeout, "how long to wait for the chain on start")

	// gateway flags
	cmd.Flags().String("gateway.laddr", config.Gateway.ListenAddress, "client gateway listen address")

	// tracker flags
	cmd.Flags().String("tracker.addr", config.Tracker.Address, "tracker address")

	// consensus flags
	cmd.Flags().Duration("consensus.ballot_timeout", config.Consensus.BallotTimeout,
		"how long a proposer waits for every verdict, 0 waits forever")

	// rpc flags
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "rpc listen address, e.g. tcp://127.0.0.1:26657, empty disables rpc")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// It can be used with a custom node provider.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"start", "run"},
		Short:   "Run the votechain node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("Started node", "peer", n.PeerAddress(), "gateway", n.GatewayAddress())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
