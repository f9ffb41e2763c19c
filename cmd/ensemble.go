package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"github.com/spf13/cobra"
)

var ensembleCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Manage ensemble configs",
	Long:  `Validate, inspect and activate versioned ensemble configs.`,
}

var ensembleValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate an ensemble config file without activating it",
	Long: `Check a JSON, YAML or TOML ensemble config against the schema and the
numeric invariants (weights, thresholds, calibration). No database is needed.

Examples:
  idverify ensemble validate ensemble.yaml
  idverify ensemble validate ensemble.toml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEnsembleValidate,
}

var ensembleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active or a stored ensemble config",
	Long: `Print an ensemble config from the config store.

Examples:
  # Active config as YAML
  idverify ensemble show --format yaml

  # A previous version
  idverify ensemble show --version 2026-09-01`,
	Args: cobra.NoArgs,
	RunE: runEnsembleShow,
}

var ensembleActivateCmd = &cobra.Command{
	Use:   "activate <file>",
	Short: "Validate and activate an ensemble config file",
	Long: `Validate an ensemble config file and make it the active version in the
config store. A running server picks it up on restart; use the
/api/v1/ensemble/activate endpoint to swap a live server.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnsembleActivate,
}

func init() {
	rootCmd.AddCommand(ensembleCmd)
	ensembleCmd.AddCommand(ensembleValidateCmd)
	ensembleCmd.AddCommand(ensembleShowCmd)
	ensembleCmd.AddCommand(ensembleActivateCmd)

	ensembleValidateCmd.Flags().Bool("json", false, "Output as JSON")

	ensembleShowCmd.Flags().String("version", "", "Config version to show (default: active)")
	ensembleShowCmd.Flags().String("format", "yaml", "Output format: json, yaml or toml")
}

// ValidateResult is the JSON output of ensemble validate.
type ValidateResult struct {
	Valid    bool     `json:"valid"`
	Version  string   `json:"version,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// validateFile loads path and runs both schema and semantic validation.
func validateFile(path string) (*ensemble.Config, ValidateResult, error) {
	cfg, err := ensemble.LoadFile(path)
	if err == nil {
		err = ensemble.Validate(cfg)
	}

	var verr *ensemble.ValidationError
	switch {
	case err == nil:
		return cfg, ValidateResult{Valid: true, Version: cfg.Version}, nil
	case errors.As(err, &verr):
		return nil, ValidateResult{Version: verr.Version, Problems: verr.Problems}, nil
	default:
		return nil, ValidateResult{}, err
	}
}

func runEnsembleValidate(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	_, result, err := validateFile(args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := outputJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("%s: config %s is valid\n", args[0], result.Version)
	} else {
		fmt.Printf("%s: config %s is invalid\n", args[0], result.Version)
		for _, p := range result.Problems {
			fmt.Printf("  - %s\n", p)
		}
	}

	if !result.Valid {
		return ensemble.ErrInvalidConfig
	}
	return nil
}

func runEnsembleShow(cmd *cobra.Command, args []string) error {
	version := mustGetString(cmd, "version")
	format := ensemble.Format(mustGetString(cmd, "format"))

	ctx := context.Background()
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if _, err := b.registry.Restore(ctx); err != nil {
		return fmt.Errorf("restoring ensemble config: %w", err)
	}
	shown, err := pinnedConfig(ctx, b.registry, version)
	if err != nil {
		return err
	}

	out, err := ensemble.Marshal(shown, format)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runEnsembleActivate(cmd *cobra.Command, args []string) error {
	next, result, err := validateFile(args[0])
	if err != nil {
		return err
	}
	if !result.Valid {
		fmt.Printf("%s: config %s is invalid\n", args[0], result.Version)
		for _, p := range result.Problems {
			fmt.Printf("  - %s\n", p)
		}
		return ensemble.ErrInvalidConfig
	}

	ctx := context.Background()
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if _, err := b.registry.Restore(ctx); err != nil {
		return fmt.Errorf("restoring ensemble config: %w", err)
	}
	previous := "none"
	if active := b.registry.Active(); active != nil {
		previous = active.Version
	}
	if err := b.registry.Activate(ctx, next); err != nil {
		return fmt.Errorf("activating ensemble config %s: %w", next.Version, err)
	}
	fmt.Printf("Activated ensemble config %s (previous: %s)\n", next.Version, previous)
	return nil
}
