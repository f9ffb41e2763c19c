package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/idverify/internal/audit"
	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var replayCmd = &cobra.Command{
	Use:   "replay <probes.jsonl>",
	Short: "Re-run stored probes and report decision drift",
	Long: `Replay a JSONL file of probes through the consensus engine and compare the
new decisions with the recorded ones.

Each line is a probe (request_id, vectors, scope) with optional
decision_id, config_version, expected_outcome and expected_winner fields.
When decision_id is set the baseline is read from the audit store. Replayed
decisions are not audited.

Examples:
  # Replay every probe under the version that originally decided it
  idverify replay probes.jsonl

  # What would a candidate config have decided?
  idverify replay probes.jsonl --version 2026-10-15

  # JSON drift report
  idverify replay probes.jsonl --json`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("version", "", "Replay every probe under this config version")
	replayCmd.Flags().Int("concurrency", constants.ReplayConcurrency, "Number of parallel replays")
	replayCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// replayProbe is one line of a replay file.
type replayProbe struct {
	consensus.ProbeRequest
	DecisionID      string            `json:"decision_id,omitempty"`
	ConfigVersion   string            `json:"config_version,omitempty"`
	ExpectedOutcome consensus.Outcome `json:"expected_outcome,omitempty"`
	ExpectedWinner  string            `json:"expected_winner,omitempty"`

	line int
}

// ReplayDrift describes one probe whose decision changed.
type ReplayDrift struct {
	Line          int               `json:"line"`
	RequestID     string            `json:"request_id"`
	ConfigVersion string            `json:"config_version"`
	WasOutcome    consensus.Outcome `json:"was_outcome"`
	NowOutcome    consensus.Outcome `json:"now_outcome"`
	WasWinner     string            `json:"was_winner"`
	NowWinner     string            `json:"now_winner"`
	// AcceptanceChanged is set when the outcome crossed between verified
	// and not verified.
	AcceptanceChanged bool `json:"acceptance_changed"`
}

// ReplayResult is the outcome of a replay run.
type ReplayResult struct {
	Success       bool                      `json:"success"`
	Probes            int                       `json:"probes"`
	Verified          int                       `json:"verified"`
	Compared          int                       `json:"compared"`
	Drifted           int                       `json:"drifted"`
	AcceptanceChanged int                       `json:"acceptance_changed"`
	Errors            int                       `json:"errors"`
	Outcomes          map[consensus.Outcome]int `json:"outcomes"`
	Drift             []ReplayDrift             `json:"drift,omitempty"`
	DurationMs        int64                     `json:"duration_ms"`
	DurationHuman     string                    `json:"duration_human,omitempty"`
}

// readReplayProbes parses a JSONL replay file, skipping blank lines.
func readReplayProbes(path string) ([]replayProbe, error) {
	f, err := os.Open(path) //nolint:gosec // path is a user-supplied CLI argument
	if err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()

	var probes []replayProbe
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), constants.MaxJSONLLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var p replayProbe
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		p.line = line
		probes = append(probes, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading replay file: %w", err)
	}
	return probes, nil
}

// replayer re-decides probes and compares them with their baselines.
type replayer struct {
	engine    *consensus.Engine
	registry  *ensemble.Registry
	decisions database.DecisionReader
	version   string
	timeout   time.Duration

	mu     sync.Mutex
	result ReplayResult
}

// baseline returns the recorded decision of p, if any, and the config
// version the probe should be replayed under.
func (r *replayer) baseline(ctx context.Context, p replayProbe) (*consensus.ConsensusResult, string, error) {
	version := p.ConfigVersion
	var was *consensus.ConsensusResult

	if p.DecisionID != "" && r.decisions != nil {
		rec, err := r.decisions.GetDecision(ctx, p.DecisionID)
		if err != nil {
			return nil, "", fmt.Errorf("loading decision %s: %w", p.DecisionID, err)
		}
		if rec != nil {
			if was, err = audit.FromRecord(rec); err != nil {
				return nil, "", err
			}
			if version == "" {
				version = was.ConfigVersion
			}
		}
	}
	if was == nil && p.ExpectedOutcome != "" {
		was = &consensus.ConsensusResult{Outcome: p.ExpectedOutcome, WinnerID: p.ExpectedWinner}
	}

	if r.version != "" {
		version = r.version
	}
	return was, version, nil
}

func (r *replayer) replay(ctx context.Context, p replayProbe) error {
	was, version, err := r.baseline(ctx, p)
	if err != nil {
		return err
	}
	cfg, err := pinnedConfig(ctx, r.registry, version)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	now, err := r.engine.VerifyWith(reqCtx, cfg, p.ProbeRequest)
	if err != nil {
		return err
	}
	r.record(p, was, now)
	return nil
}

// record adds one replayed decision to the result. was may be nil.
func (r *replayer) record(p replayProbe, was, now *consensus.ConsensusResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Outcomes[now.Outcome]++
	if now.Outcome.Verified() {
		r.result.Verified++
	}
	if was == nil {
		return
	}
	r.result.Compared++
	if was.Outcome == now.Outcome && was.WinnerID == now.WinnerID {
		return
	}

	flipped := was.Outcome.Verified() != now.Outcome.Verified()
	r.result.Drifted++
	if flipped {
		r.result.AcceptanceChanged++
	}
	r.result.Drift = append(r.result.Drift, ReplayDrift{
		Line:              p.line,
		RequestID:         p.RequestID,
		ConfigVersion:     now.ConfigVersion,
		WasOutcome:        was.Outcome,
		NowOutcome:        now.Outcome,
		WasWinner:         was.WinnerID,
		NowWinner:         now.WinnerID,
		AcceptanceChanged: flipped,
	})
}

func runReplay(cmd *cobra.Command, args []string) error {
	version := mustGetString(cmd, "version")
	concurrency := mustGetInt(cmd, "concurrency")
	jsonOutput := mustGetBool(cmd, "json")

	probes, err := readReplayProbes(args[0])
	if err != nil {
		return err
	}

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

	r := &replayer{
		engine:    consensus.NewEngine(b.registry, b.enrollments, cfg.Engine.ModelTimeout, consensus.WithLogger(logger)),
		registry:  b.registry,
		decisions: b.decisions,
		version:   version,
		timeout:   cfg.Engine.RequestTimeout,
		result: ReplayResult{
			Probes:   len(probes),
			Outcomes: make(map[consensus.Outcome]int),
		},
	}

	if !jsonOutput {
		fmt.Printf("Replaying %d probes\n\n", len(probes))
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput && len(probes) > 0 {
		bar = progressbar.NewOptions(len(probes),
			progressbar.OptionSetDescription("Replaying"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("probes"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	g := new(errgroup.Group)
	g.SetLimit(max(concurrency, 1))
	for _, p := range probes {
		g.Go(func() error {
			if err := r.replay(ctx, p); err != nil {
				logger.Sugar().Warnw("replay failed", "request_id", p.RequestID, "error", err)
				r.mu.Lock()
				r.result.Errors++
				r.mu.Unlock()
			}
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if bar != nil {
		fmt.Println()
	}

	duration := time.Since(startTime)
	result := r.result
	sort.Slice(result.Drift, func(i, j int) bool { return result.Drift[i].Line < result.Drift[j].Line })
	result.Success = result.Errors == 0
	result.DurationMs = duration.Milliseconds()

	if jsonOutput {
		return outputJSON(result)
	}
	result.DurationHuman = duration.Round(time.Millisecond).String()
	printReplayReport(result)
	return nil
}

// printReplayReport prints the drift summary with grouped thousands.
func printReplayReport(result ReplayResult) {
	p := message.NewPrinter(language.English)

	p.Printf("\nReplayed %d probes in %s, %d verified\n", result.Probes, result.DurationHuman, result.Verified)
	for _, outcome := range []consensus.Outcome{
		consensus.OutcomeVerifiedHigh,
		consensus.OutcomeVerifiedMedium,
		consensus.OutcomeFlagged,
		consensus.OutcomeFailed,
	} {
		p.Printf("  %-18s %d\n", outcome, result.Outcomes[outcome])
	}
	if result.Errors > 0 {
		p.Printf("  %-18s %d\n", "errors", result.Errors)
	}

	if result.Compared == 0 {
		fmt.Println("\nNo baselines to compare against.")
		return
	}
	p.Printf("\nDrift: %d of %d compared decisions changed (%.2f%%)\n",
		result.Drifted, result.Compared, 100*float64(result.Drifted)/float64(result.Compared))
	if result.AcceptanceChanged > 0 {
		p.Printf("Acceptance changed for %d decisions\n", result.AcceptanceChanged)
	}
	for _, d := range result.Drift {
		marker := ""
		if d.AcceptanceChanged {
			marker = " !"
		}
		fmt.Printf("  line %d %s [%s]: %s/%s -> %s/%s%s\n",
			d.Line, d.RequestID, d.ConfigVersion, d.WasOutcome, orDash(d.WasWinner), d.NowOutcome, orDash(d.NowWinner), marker)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
