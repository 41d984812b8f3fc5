// Package commands implements the usenetsync CLI.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var (
	configFile   string
	outputFormat string
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "usenetsync",
	Short: "Encrypted, access-controlled folder publishing over Usenet",
	Long: `UsenetSync publishes folders as encrypted, content-addressed articles
on Usenet and shares them through opaque tokens.

Typical workflow:
  usenetsync init
  usenetsync user add alice
  usenetsync folder add ~/photos --owner <user-id>
  usenetsync folder index <folder-id>
  usenetsync upload <folder-id>
  usenetsync publish <folder-id> --access public
  usenetsync download <token> --dest ./restore`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the first error, already classified
// for exit-code mapping.
func Execute(version, commit, date string) error {
	buildVersion, buildCommit, buildDate = version, commit, date
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to config file (default: $XDG_CONFIG_HOME/usenetsync/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(completionCmd)
}

// addOutputFlag registers --output on commands that render results.
func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table",
		"Output format: table, json, or yaml")
}

// resultPrinter builds the printer for the requested --output format.
func resultPrinter() (*output.Printer, error) {
	f, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, errkind.New(errkind.KindUsage, "cli", "%v", err)
	}
	return output.NewPrinter(os.Stdout, f, true), nil
}

// withService loads configuration, initializes logging, builds the
// service, and runs fn under a signal-aware context. Ctrl-C cancels the
// context; running engines park their items resumable.
func withService(fn func(ctx context.Context, s *usenetsync.Service) error) error {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	s, err := usenetsync.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, s)
}
