package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "idverify",
	Short: "Multi-model identity verification consensus engine",
	Long: `idverify verifies a probe against enrolled identities by querying several
face embedding models and combining their answers into one consensus decision.

Ensemble configs are versioned and can be swapped at runtime without
interrupting in-flight requests. Every decision is audited and can be
replayed later against the exact config version that produced it.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// newLogger builds the process logger from LOG_LEVEL/LOG_FORMAT, honoring --log-level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := telemetry.NewLogger(level, cfg.Log.JSONLogs())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// outputJSON prints data as indented JSON to stdout.
func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}
