// orchestratord is the scheduler daemon: it serves the Gateway, drives
// the SchedulerCore tick loop, and talks to the configured LLM
// endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/cronlane"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/engine"
	"github.com/codeready-toolchain/orchestratorcore/pkg/gateway"
	"github.com/codeready-toolchain/orchestratorcore/pkg/llm"
	"github.com/codeready-toolchain/orchestratorcore/pkg/metrics"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
	repomemory "github.com/codeready-toolchain/orchestratorcore/pkg/repository/memory"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository/postgres"
	"github.com/codeready-toolchain/orchestratorcore/pkg/scheduler"
	"github.com/codeready-toolchain/orchestratorcore/pkg/verify"
)

func main() {
	root := &cobra.Command{
		Use:           "orchestratord",
		Short:         "Autonomous-agent orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML configuration file")
	root.PersistentFlags().String("env-file", ".env", "path to .env file (ignored if missing)")

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := godotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not load env file", "path", envFile, "error", err)
		}
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	slog.SetDefault(slog.New(handler))
}

func serveCmd() *cobra.Command {
	var printPairingToken bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			configPath, _ := cmd.Flags().GetString("config")
			return serve(cmd.Context(), cfg, configPath, printPairingToken)
		},
	}
	cmd.Flags().BoolVar(&printPairingToken, "print-pairing-token", false,
		"mint a read/write pairing token at boot and log it once")
	return cmd
}

func serve(parentCtx context.Context, cfg *config.Config, configPath string, printPairingToken bool) error {
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository.WorkOrderRepository
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Connect(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MinConns:       cfg.Postgres.MinConns,
			SkipMigrations: cfg.Postgres.SkipMigrations,
		})
		if err != nil {
			return fmt.Errorf("connect repository: %w", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		slog.Warn("no postgres DSN configured, using the in-memory repository")
		repo = repomemory.New(nil)
	}

	events := bus.New(cfg.Gateway.BroadcastQueueSize)
	events.Start(ctx)
	defer events.Stop()

	llmManager := llm.NewManager(&cfg.LLM, events)
	if err := config.Watch(configPath, nil, func(next *config.Config) {
		llmManager.Reload(&next.LLM)
		slog.Info("llm configuration reloaded")
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	verifier := verify.NewRunner(
		&verify.ShellExecutor{},
		&verify.ManagerReviewer{Manager: llmManager, Tier: "simple"},
		verify.Options{
			CommandTimeout: cfg.Scheduler.QualityGateCommandTO,
			LLMTimeout:     cfg.Scheduler.QualityGateLLMTO,
		},
	)

	core := scheduler.NewCore(cfg.Scheduler, repo,
		engine.New(llmManager, true), verifier, llmManager.Router(), events, nil)
	defer core.Stop()
	if cfg.Scheduler.AutoStart {
		core.Start(ctx)
	}

	gw := gateway.New(cfg.Gateway, repo, core, events)
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Stop(context.Background())

	if printPairingToken {
		id, token, err := gw.Auth().CreateToken(
			domain.NewPermissions(domain.PermissionRead, domain.PermissionWrite),
			cfg.Gateway.PairingTokenTTL)
		if err != nil {
			return err
		}
		slog.Info("pairing token minted (shown once)", "token_id", id, "token", token)
	}

	var cronSched *cronlane.Scheduler
	if len(cfg.Scheduler.CronGoals) > 0 {
		cronSched = cronlane.New(repo, events, core, nil)
		for _, cg := range cfg.Scheduler.CronGoals {
			if _, err := cronSched.AddRecurringGoal(cg.Schedule, cronlane.GoalTemplate{
				Title:       cg.Title,
				Description: cg.Description,
				Priority:    cg.Priority,
				Tags:        cg.Tags,
			}); err != nil {
				return fmt.Errorf("register cron goal %q: %w", cg.Title, err)
			}
		}
		cronSched.Start()
		defer cronSched.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, core, gw)
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("orchestratord up",
		"gateway_addr", cfg.Gateway.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"auto_start", cfg.Scheduler.AutoStart)
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, core *scheduler.Core, gw *gateway.Gateway) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(core, gw.Conns()),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("migrate requires postgres.dsn")
			}
			pg, err := postgres.Connect(cmd.Context(), postgres.Config{
				DSN:      cfg.Postgres.DSN,
				MaxConns: cfg.Postgres.MaxConns,
				MinConns: cfg.Postgres.MinConns,
			})
			if err != nil {
				return err
			}
			pg.Close()
			slog.Info("migrations applied")
			return nil
		},
	}
}
