// Command batchctl classifies and batch-processes imaging files, either
// in-process or against a running batch server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath    string
	maxConcurrent int
	seed          int64
	verbose       bool
	outPath       string
	serverURL     string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "batchctl",
	Short: "Batch-process medical imaging files with the simulated analyzer",
	Long: `batchctl selects imaging files, filters them by the accepted extensions
(.dcm, .dicom, .jpg, .jpeg, .png) and runs them through a bounded worker pool,
reporting progress and writing the results document when done.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check FILE...",
	Short: "Report which files would be accepted for processing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Process files and write the results document",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: built-in defaults)")

	runCmd.Flags().IntVarP(&maxConcurrent, "max-concurrent", "m", 0, "Concurrency bound (default: from config)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Seed for the simulated analyzer (0 = random)")
	runCmd.Flags().StringVarP(&outPath, "out", "o", "batch-results.json", "Where to write the results document")
	runCmd.Flags().StringVar(&serverURL, "server", "", "Process on a batch server at this URL instead of in-process")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
