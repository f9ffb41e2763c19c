package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kozaktomas/idverify/internal/audit"
	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <probe.json>",
	Short: "Verify a single probe against enrolled identities",
	Long: `Run one probe through the consensus engine and print the decision.

The probe file holds a JSON object with request_id, vectors (model id to
embedding) and scope. Use "-" to read it from stdin.

Examples:
  # Verify against the active ensemble config
  idverify verify probe.json

  # Resolve the scope from a roster group and pin a config version
  idverify verify probe.json --group bus-12 --version 2026-10-01

  # JSON output for scripting
  idverify verify probe.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("group", "", "Roster group whose members are added to the scope")
	verifyCmd.Flags().String("version", "", "Ensemble config version to verify with (default: active)")
	verifyCmd.Flags().Bool("no-audit", false, "Do not record the decision in the audit store")
	verifyCmd.Flags().Bool("json", false, "Output as JSON")
}

// readProbe decodes a probe from path, or stdin when path is "-".
func readProbe(path string) (consensus.ProbeRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // path is a user-supplied CLI argument
		if err != nil {
			return consensus.ProbeRequest{}, fmt.Errorf("opening probe: %w", err)
		}
		defer f.Close()
		r = f
	}

	var probe consensus.ProbeRequest
	if err := json.NewDecoder(r).Decode(&probe); err != nil {
		return consensus.ProbeRequest{}, fmt.Errorf("decoding probe: %w", err)
	}
	return probe, nil
}

// pinnedConfig returns the config for version, or the active one when empty.
func pinnedConfig(ctx context.Context, registry *ensemble.Registry, version string) (*ensemble.Config, error) {
	if version == "" {
		active := registry.Active()
		if active == nil {
			return nil, consensus.ErrNoActiveConfig
		}
		return active, nil
	}
	return registry.Version(ctx, version)
}

func runVerify(cmd *cobra.Command, args []string) error {
	group := mustGetString(cmd, "group")
	version := mustGetString(cmd, "version")
	noAudit := mustGetBool(cmd, "no-audit")
	jsonOutput := mustGetBool(cmd, "json")

	probe, err := readProbe(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	cfg := config.Load()
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
	ensembleCfg, err := pinnedConfig(ctx, b.registry, version)
	if err != nil {
		return fmt.Errorf("selecting ensemble config: %w", err)
	}

	if group != "" {
		resolver := b.scopeResolver()
		if resolver == nil {
			return errors.New("--group requires SCOPE_DATABASE_URL")
		}
		members, err := resolver.ResolveScope(ctx, group)
		if err != nil {
			return fmt.Errorf("resolving group %s: %w", group, err)
		}
		probe.Scope = database.NormalizeScope(append(probe.Scope, members...))
	}

	var opts []consensus.Option
	var auditWriter *audit.Writer
	if !noAudit {
		auditWriter = audit.NewWriter(b.decisions, 1, logger, nil)
		opts = append(opts, consensus.WithObserver(auditWriter))
	}
	opts = append(opts, consensus.WithLogger(logger))
	engine := consensus.NewEngine(b.registry, b.enrollments, cfg.Engine.ModelTimeout, opts...)

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Engine.RequestTimeout)
	defer cancel()
	res, err := engine.VerifyWith(reqCtx, ensembleCfg, probe)
	if auditWriter != nil {
		auditWriter.Close()
	}
	if err != nil {
		return fmt.Errorf("verifying probe: %w", err)
	}

	if jsonOutput {
		return outputJSON(res)
	}
	printDecision(res)
	return nil
}

// printDecision prints a human-readable decision summary.
func printDecision(res *consensus.ConsensusResult) {
	fmt.Printf("Decision:  %s\n", res.DecisionID)
	fmt.Printf("Outcome:   %s (verified: %t)\n", res.Outcome, res.Outcome.Verified())
	if res.WinnerID != "" {
		fmt.Printf("Identity:  %s\n", res.WinnerID)
	}
	fmt.Printf("Consensus: %d models, combined score %.4f\n", res.ConsensusCount, res.CombinedScore)
	fmt.Printf("Config:    %s (%s)\n", res.ConfigVersion, res.Strategy)
	fmt.Printf("Path:      fast_path=%t escalated=%t ambiguous=%t\n", res.FastPathUsed, res.Escalated, res.Ambiguous)

	candidates := append([]consensus.MatchCandidate(nil), res.Candidates...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModelID < candidates[j].ModelID })

	fmt.Println("\nModels:")
	for _, c := range candidates {
		if c.AbstainReason != "" {
			fmt.Printf("  %-12s abstained (%s)\n", c.ModelID, c.AbstainReason)
			continue
		}
		fmt.Printf("  %-12s %-20s %.4f", c.ModelID, c.IdentityID, c.CalibratedScore)
		if c.RunnerUpID != "" {
			fmt.Printf("  runner-up %s", c.RunnerUpID)
		}
		fmt.Println()
	}
}
