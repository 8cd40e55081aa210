// Package main provides the planforge binary: an HTTP server that turns
// business-plan documents into financial-model spreadsheets through a
// five-phase LLM pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/planforge/planforge/llm/providers"

	"github.com/planforge/planforge/config"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/pipeline"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/server"
	"github.com/planforge/planforge/store"
)

const appName = "planforge"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Business plan to financial model pipeline",
		Long: `Planforge converts business-plan documents into financial-model
spreadsheets through a five-phase LLM pipeline: template scan, business
model analysis, sheet mapping, cell-level design and parameter extraction,
followed by recalculation and spreadsheet export.`,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, server.Version)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func serve(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.Open(ctx, cfg.Database.DSN, logger)
	defer st.Close() //nolint:errcheck

	if err := seedLLMDefault(ctx, st, cfg.LLM); err != nil {
		logger.Warn("Failed to seed default LLM config", "error", err)
	}

	auditor := llm.NewAuditor(
		llm.WithAuditLogger(logger),
		llm.WithPersist(func(ctx context.Context, record *llm.AuditRecord) error {
			return st.SaveAudit(ctx, record)
		}),
	)
	client := llm.NewClient(
		llm.WithAuditor(auditor),
		llm.WithLogger(logger),
	)

	runner := job.NewRunner(st,
		job.WithLogger(logger),
		job.WithWorkers(cfg.Jobs.Workers),
		job.WithBroker(cfg.Broker.URL),
		job.WithTimeLimits(cfg.Jobs.SoftLimit, cfg.Jobs.HardLimit),
	)

	registry := prompt.NewRegistry(st, logger)

	controllerOpts := []pipeline.ControllerOption{pipeline.WithControllerLogger(logger)}
	if cfg.Export.ArtifactsDir != "" {
		controllerOpts = append(controllerOpts, pipeline.WithArtifactsDir(cfg.Export.ArtifactsDir))
	}
	controller := pipeline.NewController(st, runner, client, registry, controllerOpts...)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}
	defer runner.Stop()

	srv := server.New(st, controller, registry,
		server.WithLogger(logger),
		server.WithAdminCredentials(cfg.Admin.ID, cfg.Admin.Password),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr, "version", server.Version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown did not complete cleanly", "error", err)
	}
	return nil
}

// seedLLMDefault writes the configured provider into system settings when no
// default exists yet, so stored per-project overrides keep precedence.
func seedLLMDefault(ctx context.Context, st store.Store, cfg config.LLMConfig) error {
	if _, err := st.GetSetting(ctx, store.SettingLLMDefault); err == nil {
		return nil
	}
	raw, err := json.Marshal(store.LLMConfig{Provider: cfg.Provider, Model: cfg.Model})
	if err != nil {
		return err
	}
	return st.SetSetting(ctx, store.SettingLLMDefault, raw)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
