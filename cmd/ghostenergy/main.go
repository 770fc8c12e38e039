// Command ghostenergy detects anomalous campus energy consumption and serves
// the results.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghost_energy/internal/config"
	"ghost_energy/internal/logging"
	"ghost_energy/internal/store/sqlite"
)

// app carries what every subcommand needs once the root has loaded it.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ghostenergy",
		Short:         "Campus energy anomaly detection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file (defaults and GHOST_ env vars apply without one)")

	root.AddCommand(
		newRunCmd(a),
		newTrainCmd(a),
		newServeCmd(a),
		newImpactCmd(a),
		newDaysCmd(a),
	)
	return root
}

// openDB opens the event store, creating its directory when needed.
func openDB(path string) (*sqlite.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return sqlite.Open(path)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
