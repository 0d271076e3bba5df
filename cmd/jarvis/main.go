// Package main is the entry point for the jarvis chat service.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/comigor/jarvis-chat/internal/config"
	"github.com/comigor/jarvis-chat/internal/history"
	"github.com/comigor/jarvis-chat/internal/janitor"
	"github.com/comigor/jarvis-chat/internal/llm"
	"github.com/comigor/jarvis-chat/internal/logger"
	"github.com/comigor/jarvis-chat/internal/metrics"
	"github.com/comigor/jarvis-chat/internal/server"
	"github.com/comigor/jarvis-chat/internal/session"
)

// Set by ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		logger.L.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jarvis",
		Short:         "Conversational agriculture assistant backed by a hosted LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.AddCommand(serveCmd(), historyCmd(), sweepCmd(), versionCmd())
	return root
}

// loadConfig reads .env, then the configuration, and applies the log settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load() // .env is optional

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func openStore(cfg *config.Config) (history.Store, error) {
	store, err := history.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.LLM.APIKey == "" {
				logger.L.Warn("no LLM API key configured; generation calls will fail")
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			mt := metrics.New(reg)

			gateway := llm.NewGateway(llm.NewClient(cfg.LLM), cfg.LLM)
			manager := session.New(store, gateway, *cfg, session.WithMetrics(mt))

			if sw, ok := store.(history.Sweeper); ok {
				j := janitor.New(sw, cfg.Store.SweepSchedule, mt)
				if err := j.Start(); err != nil {
					return err
				}
				defer j.Stop()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.New(cfg.Server, manager, reg, version).Run(ctx)
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the stored history of a conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			h, ok, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("conversation %q not found or expired", args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(h)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired conversations once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sw, ok := store.(history.Sweeper)
			if !ok {
				return fmt.Errorf("store driver %s expires entries on its own", cfg.Store.Driver)
			}
			n, err := janitor.New(sw, cfg.Store.SweepSchedule, nil).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired conversations\n", n)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jarvis %s\n", version)
		},
	}
}
