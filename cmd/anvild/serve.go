package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anvil-run/anvil/internal/approval"
	"github.com/anvil-run/anvil/internal/artifacts"
	"github.com/anvil-run/anvil/internal/config"
	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/internal/engine/anthropicprovider"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/internal/memory"
	"github.com/anvil-run/anvil/internal/obsv"
	"github.com/anvil-run/anvil/internal/policy"
	"github.com/anvil-run/anvil/internal/promptassembly"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/internal/skills"
	"github.com/anvil-run/anvil/internal/streamfanout"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/internal/toolkernel/exectool"
	"github.com/anvil-run/anvil/internal/toolkernel/repotools"
	"github.com/anvil-run/anvil/internal/transport"
)

// buildServeCmd creates the "serve" command that starts the Anvil kernel.
func buildServeCmd() *cobra.Command {
	var (
		workspace string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Anvil kernel and its HTTP transport",
		Long: `Start the Anvil kernel: the ledger, run manager, tool kernel, approval
gate, engine adapter and memory service, fronted by the HTTP + SSE
transport described in the spec.

Graceful shutdown is handled on SIGINT/SIGTERM: in-flight requests, open
SSE streams, and the ledger connection are drained before exit.`,
		Example: `  # Start against the current directory
  anvild serve

  # Start against a specific workspace
  anvild serve --workspace /srv/anvil-workspace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), workspace, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (default: ANVIL_WORKSPACE or cwd)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")

	return cmd
}

// runServe implements the serve command: config/policy loading, kernel
// wiring, and graceful shutdown.
func runServe(ctx context.Context, workspace, logLevel, logFormat string) error {
	log := obsv.NewLogger(obsv.LogConfig{Level: logLevel, Format: logFormat}).Slog()
	slog.SetDefault(log)

	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting anvild",
		"version", version,
		"commit", commit,
		"workspace", cfg.Workspace,
		"port", cfg.Port,
	)

	if cfg.AnthropicAPIKey == "" {
		log.Warn("ANTHROPIC_API_KEY is unset; runs against the Anthropic provider will fail")
	}

	ld, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ld.Close()

	if !cfg.InMemoryDB() {
		if err := ld.RebuildSeqCounters(ctx); err != nil {
			return fmt.Errorf("rebuild seq counters: %w", err)
		}
	}

	pol, err := policy.Load(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	metrics := obsv.NewMetrics()

	runs := runmanager.New(log, ld)
	gate := approval.New()
	kernel := toolkernel.New(pol)

	artifactStore, err := openArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	artifactRepo := artifacts.NewMemoryRepository(artifactStore, log)

	if err := registerTools(kernel, artifactRepo); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	cleanup := artifacts.NewCleanupService(artifactRepo, time.Hour, log)
	go cleanup.Start(ctx)
	defer cleanup.Stop()

	provider, err := anthropicprovider.New(anthropicprovider.Config{
		APIKey:       cfg.AnthropicAPIKey,
		DefaultModel: cfg.Model,
	})
	if err != nil {
		return fmt.Errorf("init anthropic provider: %w", err)
	}

	adapter := engine.New(log, runs, kernel, gate, provider)
	assembler := promptassembly.New()
	fanout := streamfanout.New(ld, runs)

	skillRegistry := skills.NewRegistry()
	home, _ := os.UserHomeDir()
	discovered, err := skills.Discover(skills.WorkspaceDirs(cfg.Workspace, home, "anvil"))
	if err != nil {
		log.Warn("skill discovery failed", "error", err)
	}
	for _, entry := range discovered {
		skillRegistry.Register(entry)
	}
	log.Info("skills discovered", "count", len(discovered))

	memSvc := memory.New(log, ld, memory.ProviderClassifier{Provider: provider, Model: cfg.Model}, memory.Config{
		ObservationThreshold: cfg.ObservationThreshold,
		ReflectionThreshold:  cfg.ReflectionThreshold,
	})
	detachMemory := memSvc.Attach(runs)
	defer detachMemory()

	srv := transport.New(transport.Config{
		Runs:             runs,
		Ledger:           ld,
		Kernel:           kernel,
		Gate:             gate,
		Fanout:           fanout,
		Engine:           adapter,
		Assemble:         assembler,
		Skills:           skillRegistry,
		Memory:           memSvc,
		Metrics:          metrics,
		BasePrompt:       cfg.BasePrompt,
		DefaultModel:     cfg.Model,
		DefaultWorkspace: cfg.Workspace,
		Logger:           log,
	})
	transport.Version = version

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf(":%d", cfg.Port)
	if err := srv.Start(addr); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	log.Info("anvild started", "addr", addr)

	<-sigCtx.Done()
	log.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("transport shutdown error", "error", err)
	}

	log.Info("anvild stopped gracefully")
	return nil
}

// openLedger opens the sqlite-backed ledger, or an in-memory one when
// cfg.DB selects ":memory:".
func openLedger(cfg config.Config) (*ledger.SQLiteLedger, error) {
	if cfg.InMemoryDB() {
		return ledger.Open(":memory:")
	}
	return ledger.Open(cfg.DB)
}

func artifactsDir(workspace string) string {
	return filepath.Join(workspace, ".anvil-artifacts")
}

// openArtifactStore opens the artifact.put backend selected by
// cfg.ArtifactBackend: a local directory under the workspace, or an
// S3-compatible bucket.
func openArtifactStore(ctx context.Context, cfg config.Config) (artifacts.Store, error) {
	if cfg.UsesS3Artifacts() {
		return artifacts.NewS3Store(ctx, &artifacts.S3StoreConfig{
			Bucket:   cfg.ArtifactS3Bucket,
			Region:   cfg.ArtifactS3Region,
			Endpoint: cfg.ArtifactS3Endpoint,
			Prefix:   cfg.ArtifactS3Prefix,
		})
	}
	return artifacts.NewLocalStore(artifactsDir(cfg.Workspace))
}

// registerTools wires every built-in tool-kernel handler. Adding a new
// tool means registering it here and nowhere else.
func registerTools(kernel *toolkernel.Kernel, artifactRepo *artifacts.MemoryRepository) error {
	handlers := []toolkernel.Handler{
		repotools.ReadHandler{},
		repotools.SearchHandler{},
		repotools.EditHandler{},
		repotools.PatchHandler{},
		repotools.ArtifactPutHandler{Repo: artifactRepo},
		exectool.Handler{},
	}
	for _, h := range handlers {
		if err := kernel.Register(h); err != nil {
			return fmt.Errorf("register %s: %w", h.ID(), err)
		}
	}
	return nil
}

