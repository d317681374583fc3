package commands

import (
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	cfg "votechain/config"
)

var forceInit bool

// InitFilesCmd writes the config under --home.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a votechain home directory",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().BoolVar(&forceInit, "force", false,
		"overwrite an existing config file with the current flags and env")
	AddNodeFlags(InitFilesCmd)
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config, forceInit)
}

func initFilesWithConfig(config *cfg.Config, force bool) error {
	configFile := config.ConfigFile()
	if tmos.FileExists(configFile) && !force {
		logger.Info("Found config file", "path", configFile)
		return nil
	}
	if err := cfg.EnsureRoot(config.RootDir); err != nil {
		return err
	}
	if err := cfg.WriteConfigFile(configFile, config); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", configFile)
	return nil
}
