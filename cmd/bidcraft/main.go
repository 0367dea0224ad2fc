package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/dispatch"
	"github.com/bidcraft/bidcraft/internal/engine"
	"github.com/bidcraft/bidcraft/internal/llm"
	"github.com/bidcraft/bidcraft/internal/logging"
	"github.com/bidcraft/bidcraft/internal/metrics"
	"github.com/bidcraft/bidcraft/internal/planner"
	"github.com/bidcraft/bidcraft/internal/server"
	"github.com/bidcraft/bidcraft/internal/steps"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/internal/validation"
	"github.com/bidcraft/bidcraft/internal/watchdog"
	bcmcp "github.com/bidcraft/bidcraft/pkg/mcp"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bidcraft",
		Short:         "Bidcraft generates client proposals from assessment intakes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), mcpCmd(), versionCmd())
	return root
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// deps bundles everything the serve command wires together.
type deps struct {
	store      *store.LibSQLStore
	dispatcher *dispatch.Dispatcher
	watchdog   *watchdog.Watchdog
	api        *server.Server
	invoker    *steps.Invoker
}

func buildDeps(cfg Config, logger *slog.Logger) (*deps, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, err
	}
	if err := st.SeedRateSheet(context.Background(), store.DefaultRateSheet); err != nil {
		return nil, err
	}

	secret := []byte(cfg.BlobSecret)
	if len(secret) == 0 {
		// Ephemeral secret: signed URLs stop working across restarts.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate blob secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn("no blob secret configured, using an ephemeral one")
	}
	blobs, err := blob.NewFSStore(cfg.BlobDir, cfg.BaseURL+"/blob", secret)
	if err != nil {
		return nil, err
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return nil, err
	}

	llmClient := llm.NewClient(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.AnthropicModel,
		llm.WithLogger(logger))

	m := metrics.New()

	registry := steps.NewRegistry()
	if err := steps.RegisterAll(registry, st, blobs, llmClient, logger); err != nil {
		return nil, err
	}
	invoker := steps.NewInvoker(registry, validator, logger,
		steps.WithDurationObserver(func(step string, d time.Duration) {
			m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
		}))

	var strategy engine.Strategy
	switch cfg.Strategy {
	case "delegated":
		classifier, cerr := planner.NewClassifier()
		if cerr != nil {
			return nil, cerr
		}
		plannerClient := planner.NewClient(cfg.PlannerEndpoint, cfg.PlannerAgentID,
			planner.WithLogger(logger),
			planner.WithRetryObserver(m.PlannerRetries.Inc))
		reader := planner.NewReader(st, classifier, logger)
		strategy = engine.NewDelegatedStrategy(st, engine.DelegatedConfig{
			Endpoint: cfg.PlannerEndpoint,
			AgentID:  cfg.PlannerAgentID,
		}, plannerClient, reader, logger)
	case "direct", "":
		strategy = engine.NewDirectStrategy(st, invoker, logger)
	default:
		return nil, fmt.Errorf("unknown strategy %q (want direct or delegated)", cfg.Strategy)
	}

	orch := engine.NewOrchestrator(st, strategy, logger)
	dispatcher := dispatch.NewDispatcher(st, orch, cfg.PoolSize, m, logger)

	wd, err := watchdog.New(st, cfg.WatchdogSchedule, cfg.watchdogMaxAge(), logger)
	if err != nil {
		return nil, err
	}

	api := server.New(server.Deps{
		Store:      st,
		Dispatcher: dispatcher,
		Validator:  validator,
		Blobs:      blobs,
		Metrics:    m,
		Logger:     logger,
	})

	return &deps{
		store:      st,
		dispatcher: dispatcher,
		watchdog:   wd,
		api:        api,
		invoker:    invoker,
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			d, err := buildDeps(cfg, logger)
			if err != nil {
				return err
			}
			defer d.store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.watchdog.Start(ctx); err != nil {
				return err
			}
			defer d.watchdog.Stop()

			httpSrv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           d.api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("bidcraft listening",
					"addr", cfg.ListenAddr, "strategy", cfg.Strategy)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown incomplete", "error", err)
			}
			d.dispatcher.Shutdown()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed the default rate sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
			st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			if err := st.SeedRateSheet(ctx, store.DefaultRateSheet); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow steps as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			d, err := buildDeps(cfg, logger)
			if err != nil {
				return err
			}
			defer d.store.Close()

			srv := bcmcp.NewBidcraftServer(bcmcp.BidcraftServerDeps{
				Invoker: d.invoker,
				Store:   d.store,
				Logger:  logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
}
