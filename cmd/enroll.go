package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Manage enrolled identity embeddings",
	Long:  `Import and remove the per-model embeddings identities are matched against.`,
}

var enrollImportCmd = &cobra.Command{
	Use:   "import <enrollments.jsonl>",
	Short: "Import enrollment embeddings from a JSONL file",
	Long: `Import one enrollment per line: identity_id, model_id, vector and quality.

Records whose model or dimension does not match the active ensemble config
are skipped. HNSW index files under HNSW_INDEX_PATH are rebuilt afterwards
so the next server start loads them fresh.

Examples:
  idverify enroll import enrollments.jsonl

  # Validate the file without writing anything
  idverify enroll import enrollments.jsonl --dry-run

  # JSON output for scripting
  idverify enroll import enrollments.jsonl --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrollImport,
}

var enrollDeleteCmd = &cobra.Command{
	Use:   "delete <identity-id>",
	Short: "Remove every enrollment of an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnrollDelete,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.AddCommand(enrollImportCmd)
	enrollCmd.AddCommand(enrollDeleteCmd)

	enrollImportCmd.Flags().Bool("dry-run", false, "Validate records without saving them")
	enrollImportCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// enrollmentLine is one line of an import file.
type enrollmentLine struct {
	IdentityID string    `json:"identity_id"`
	ModelID    string    `json:"model_id"`
	Vector     []float32 `json:"vector"`
	Quality    *float64  `json:"quality"`
}

// ImportResult represents the result of an enrollment import.
type ImportResult struct {
	Success       bool     `json:"success"`
	Lines         int      `json:"lines"`
	Imported      int      `json:"imported"`
	Skipped       int      `json:"skipped"`
	Errors        int      `json:"errors"`
	Problems      []string `json:"problems,omitempty"`
	DryRun        bool     `json:"dry_run,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	DurationHuman string   `json:"duration_human,omitempty"`
}

// toRecord validates a line against the active config. active may be nil,
// in which case only the line itself is checked.
func (l enrollmentLine) toRecord(active *ensemble.Config) (*database.EmbeddingRecord, error) {
	identityID := database.NormalizeIdentityID(l.IdentityID)
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}
	if l.ModelID == "" {
		return nil, errors.New("model_id is required")
	}
	if len(l.Vector) == 0 {
		return nil, errors.New("vector is required")
	}

	quality := 1.0
	if l.Quality != nil {
		quality = *l.Quality
	}
	if quality < 0 || quality > 1 {
		return nil, fmt.Errorf("quality %.3f outside [0, 1]", quality)
	}

	if active != nil {
		model, ok := active.Model(l.ModelID)
		if !ok {
			return nil, fmt.Errorf("model %s is not in ensemble config %s", l.ModelID, active.Version)
		}
		if len(l.Vector) != model.Dim {
			return nil, fmt.Errorf("model %s expects %d dimensions, got %d", l.ModelID, model.Dim, len(l.Vector))
		}
	}

	return &database.EmbeddingRecord{
		IdentityID: identityID,
		ModelID:    l.ModelID,
		Vector:     l.Vector,
		Quality:    quality,
	}, nil
}

// countLines counts the lines of path for the progress bar.
func countLines(path string) (int, error) {
	f, err := os.Open(path) //nolint:gosec // path is a user-supplied CLI argument
	if err != nil {
		return 0, fmt.Errorf("opening import file: %w", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), constants.MaxJSONLLineBytes)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

func runEnrollImport(cmd *cobra.Command, args []string) error {
	dryRun := mustGetBool(cmd, "dry-run")
	jsonOutput := mustGetBool(cmd, "json")
	path := args[0]

	ctx := context.Background()
	cfg := config.Load()
	startTime := time.Now()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.loadEnsemble(ctx, cfg.Ensemble.Path); err != nil {
		return err
	}
	active := b.registry.Active()
	if active == nil && !jsonOutput {
		fmt.Println("Warning: no ensemble config active, model ids and dimensions are not checked")
	}

	total, err := countLines(path)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput && total > 0 {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Importing enrollments"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("records"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	f, err := os.Open(path) //nolint:gosec // path is a user-supplied CLI argument
	if err != nil {
		return fmt.Errorf("opening import file: %w", err)
	}
	defer f.Close()

	result := ImportResult{DryRun: dryRun}
	pending := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), constants.MaxJSONLLineBytes)
	for scanner.Scan() {
		result.Lines++
		pending++
		if bar != nil && pending >= constants.ImportBatchSize {
			bar.Add(pending)
			pending = 0
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line enrollmentLine
		if err := json.Unmarshal(raw, &line); err != nil {
			result.Errors++
			result.Problems = append(result.Problems, fmt.Sprintf("line %d: %v", result.Lines, err))
			continue
		}
		rec, err := line.toRecord(active)
		if err != nil {
			result.Skipped++
			result.Problems = append(result.Problems, fmt.Sprintf("line %d: %v", result.Lines, err))
			continue
		}
		if dryRun {
			result.Imported++
			continue
		}
		if _, err := b.enrollments.Save(ctx, rec); err != nil {
			result.Errors++
			result.Problems = append(result.Problems, fmt.Sprintf("line %d: %v", result.Lines, err))
			continue
		}
		result.Imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading import file: %w", err)
	}
	if bar != nil {
		bar.Add(pending)
		fmt.Println()
	}

	if !dryRun && result.Imported > 0 && cfg.Database.HNSWIndexPath != "" {
		if models := b.activeModelIDs(); len(models) > 0 {
			if err := b.enrollments.EnableHNSW(ctx, cfg.Database.HNSWIndexPath, models); err != nil {
				fmt.Printf("Warning: failed to rebuild HNSW indexes: %v\n", err)
			}
		}
	}

	duration := time.Since(startTime)
	result.Success = result.Errors == 0
	result.DurationMs = duration.Milliseconds()

	if jsonOutput {
		return outputJSON(result)
	}

	result.DurationHuman = duration.Round(time.Millisecond).String()
	verb := "Imported"
	if dryRun {
		verb = "Validated"
	}
	fmt.Printf("%s %d of %d records in %s (%d skipped, %d errors)\n",
		verb, result.Imported, result.Lines, result.DurationHuman, result.Skipped, result.Errors)
	for _, p := range result.Problems {
		fmt.Printf("  - %s\n", p)
	}
	return nil
}

func runEnrollDelete(cmd *cobra.Command, args []string) error {
	identityID := database.NormalizeIdentityID(args[0])

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

	writer, err := database.GetEnrollmentWriter(ctx)
	if err != nil {
		return fmt.Errorf("failed to get enrollment writer: %w", err)
	}
	ids, err := writer.DeleteIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("deleting enrollments of %s: %w", identityID, err)
	}
	if len(ids) == 0 {
		fmt.Printf("No enrollments found for %s\n", identityID)
		return nil
	}
	fmt.Printf("Deleted %d enrollments of %s\n", len(ids), identityID)
	return nil
}
