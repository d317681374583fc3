package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "votechain/cmd/commands"
	cfg "votechain/config"
	nm "votechain/node"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.TrackerCmd,
		cmd.VoteCmd,
		cmd.TallyCmd,
		cmd.AppCmd,
		cmd.WatchCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	// 需要自定义存储或网络的用户可以换掉DefaultNewNode
	nodeFunc := nm.DefaultNewNode

	// Create & start node
	rootCmd.AddCommand(cmd.NewRunNodeCmd(nodeFunc))

	cmd := cli.PrepareBaseCmd(rootCmd, "VC", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultVotechainDir)))
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
