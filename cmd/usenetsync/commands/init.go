package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/errkind"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Writes a configuration file with documented defaults. Edit it
afterwards to add your Usenet servers and credentials.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return errkind.New(errkind.KindUsage, "init",
			"config file already exists at %s (use --force to overwrite)", path)
	}

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Wrote default configuration to %s\n", path)
	fmt.Println("Add at least one server under 'servers:' before uploading.")
	return nil
}
