package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/idverify/internal/audit"
	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/database/postgres"
	"github.com/kozaktomas/idverify/internal/telemetry"
	"github.com/kozaktomas/idverify/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the verification API server",
	Long: `Start the idverify HTTP API.

The server restores the last activated ensemble config from PostgreSQL (or
activates ENSEMBLE_CONFIG_PATH on first start), loads the per-model HNSW
indexes and serves verification, config management and audit lookups.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("no-hnsw", false, "Query PostgreSQL directly instead of in-memory HNSW indexes")
}

// initEnrollmentHNSW builds or loads the per-model HNSW indexes.
func initEnrollmentHNSW(ctx context.Context, repo *postgres.EnrollmentRepository, indexPath string, modelIDs []string) {
	if len(modelIDs) == 0 {
		fmt.Printf("No active ensemble config, HNSW indexes will be built after activation\n")
		return
	}
	if indexPath != "" {
		fmt.Printf("Loading HNSW indexes from %s...\n", indexPath)
	} else {
		fmt.Printf("Building in-memory HNSW indexes for %d models...\n", len(modelIDs))
	}
	if err := repo.EnableHNSW(ctx, indexPath, modelIDs); err != nil {
		fmt.Printf("Warning: Failed to build HNSW indexes: %v\n", err)
		fmt.Printf("Neighbor search will use PostgreSQL queries (slower)\n")
	} else if indexPath != "" {
		fmt.Printf("HNSW indexes ready with %d enrollments (persisted to %s)\n", repo.HNSWCount(), indexPath)
	} else {
		fmt.Printf("HNSW indexes built with %d enrollments (in-memory only)\n", repo.HNSWCount())
	}
}

// resolveServeHostPort applies --port/--host over the environment config.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
}

// saveHNSWIndexes saves the HNSW indexes to disk during shutdown.
func saveHNSWIndexes() {
	if rebuilder := database.GetEnrollmentHNSWRebuilder(); rebuilder != nil {
		if err := rebuilder.SaveHNSWIndex(); err != nil {
			fmt.Printf("Warning: failed to save HNSW indexes: %v\n", err)
		} else {
			fmt.Println("HNSW indexes saved to disk")
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	resolveServeHostPort(cmd, cfg)

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Connecting to PostgreSQL database...\n")
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.scopePool != nil {
		fmt.Printf("Group scopes resolved from MariaDB roster\n")
	}

	if err := b.loadEnsemble(ctx, cfg.Ensemble.Path); err != nil {
		return err
	}
	if b.registry.Active() == nil {
		fmt.Printf("Warning: no ensemble config active, /verify answers 503 until one is activated\n")
	}

	if !mustGetBool(cmd, "no-hnsw") {
		initEnrollmentHNSW(ctx, b.enrollments, cfg.Database.HNSWIndexPath, b.activeModelIDs())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	auditWriter := audit.NewWriter(b.decisions, cfg.Audit.BufferSize, logger, metrics.AuditDropped.Inc)

	engine := consensus.NewEngine(b.registry, b.enrollments, cfg.Engine.ModelTimeout,
		consensus.WithObserver(metrics),
		consensus.WithObserver(auditWriter),
		consensus.WithLogger(logger),
	)
	if active := b.registry.Active(); active != nil {
		metrics.SetActiveVersion(active.Version)
	}

	server := web.NewServer(cfg, web.Dependencies{
		Engine:      engine,
		Registry:    b.registry,
		Scopes:      b.scopeResolver(),
		Decisions:   b.decisions,
		Enrollments: b.enrollments,
		Rebuilder:   b.enrollments,
		Metrics:     metrics,
		Logger:      logger,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		saveHNSWIndexes()

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting idverify API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	err = server.Start()
	auditWriter.Close()
	if dropped := auditWriter.Dropped(); dropped > 0 {
		logger.Warn("audit records dropped", zap.Int64("count", dropped))
	}
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
