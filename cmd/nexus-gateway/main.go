// Package main provides the CLI entry point for the Nexus gateway: the
// process_message external interface (§6) exposed as both a one-shot CLI
// command and a long-running server with a /metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus-gateway",
		Short: "Nexus gateway - process_message over HTTP and CLI",
		Long: `nexus-gateway dispatches chat turns across LLM providers with tool
execution, provider failover, response caching, and cost capping.

Supported providers: Anthropic, OpenAI, Google, OpenRouter, Ollama.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd(logger), buildChatCmd(logger))
	return rootCmd
}

func buildServeCmd(logger *slog.Logger) *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Start the gateway HTTP server.

The server exposes:
  POST /v1/messages  - process_message (§6's external interface)
  GET  /metrics       - Prometheus metrics (internal/usage.MetricsSink)
  GET  /healthz       - liveness probe

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional; defaults apply without one)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func runServe(ctx context.Context, logger *slog.Logger, configPath, addr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", engine.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/messages", newMessagesHandler(engine, logger))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr, "version", version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func buildChatCmd(logger *slog.Logger) *cobra.Command {
	var (
		configPath string
		sessionID  string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a single message through process_message and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			engine, err := buildEngine(cfg, logger)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}

			onStatus := func(status, detail string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", status, detail)
			}
			onTool := func(name string, _ []byte) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s\n", name)
			}

			reply, err := ProcessMessage(cmd.Context(), engine, sessionID, args[0], "", model, onTool, onStatus)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional; defaults apply without one)")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "Session id to persist this turn under")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this and future turns in the session")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}
