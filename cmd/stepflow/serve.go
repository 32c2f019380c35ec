package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/httpapi"
	"github.com/rendis/stepflow/internal/llm"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/processing"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

// forwardedEvents are pushed to MCP clients as log notifications.
var forwardedEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventStepFailed,
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the scheduler and optionally the HTTP API and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *Config) error {
	// stdout belongs to the MCP transport; logs always go to stderr.
	logger := logging.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", slog.String("dialect", st.Dialect()))

	clk := clock.New()
	eval := expressions.NewEvaluator(expressions.WithClock(clk))
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}

	var vault secrets.Vault
	if cfg.Vault.Passphrase != "" {
		v, err := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.Vault.Passphrase,
			Salt:       []byte(cfg.Vault.Salt),
		})
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		vault = v
	} else {
		logger.Warn("vault disabled: workflows declaring secrets will fail")
	}

	claims := processing.NewClaimEngine(st, processing.NewIndexSelector(nil, eval), eval,
		processing.WithClock(clk), processing.WithLogger(logger), processing.WithClaimLease(cfg.Processing.ClaimLease))

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.BuiltinDeps{Claims: claims}); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	pluginMgr := plugins.NewManager(registry, plugins.WithLogger(logger))
	defer func() { _ = pluginMgr.StopAll() }()
	for _, pc := range cfg.Plugins {
		if _, err := pluginMgr.Load(ctx, pc); err != nil {
			return fmt.Errorf("plugin %s: %w", pc.ID, err)
		}
	}

	var provider llm.Provider
	if cfg.LLM.APIKey != "" {
		provider = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Logger:  logger,
		})
	}

	hub, closeHub, err := newEventHub(cfg)
	if err != nil {
		return fmt.Errorf("event hub: %w", err)
	}
	defer closeHub()

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Store:     st,
		Actions:   registry,
		Evaluator: eval,
		CEL:       celEngine,
		Vault:     vault,
		LLM:       provider,
		Breakers: engine.NewCircuitBreakers(engine.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		}, clk),
		Events:         hub,
		MaxOutputDepth: cfg.MaxOutputDepth,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	svc := engine.NewService(st, runner, validator, engine.ServiceConfig{
		PoolSize: cfg.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	defer svc.Shutdown()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st, svc,
			scheduler.WithClock(clk),
			scheduler.WithInterval(cfg.Scheduler.Interval),
			scheduler.WithLogger(logger))
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
	}

	var mcpSrv *mcp.Server
	if cfg.MCP.Enabled {
		if cfg.MCP.Transport == "http" && !cfg.HTTP.Enabled {
			return errors.New("mcp.transport http requires http.enabled")
		}
		mcpSrv = mcp.NewServer(mcp.ServerDeps{Service: svc, Validator: validator.Steps(), Logger: logger})
		if err := mcpSrv.ForwardEvents(ctx, hub, streaming.Filter{Types: forwardedEvents}); err != nil {
			return fmt.Errorf("event forwarding: %w", err)
		}
	}

	if cfg.HTTP.Enabled {
		deps := httpapi.Deps{Service: svc, Hub: hub, Logger: logger}
		if mcpSrv != nil && cfg.MCP.Transport == "http" {
			deps.MCP = mcpSrv.HTTPHandler()
		}
		stopHTTP := startHTTP(ctx, cfg.HTTP.Addr, httpapi.NewServer(deps).Handler(), logger)
		defer stopHTTP()
	}

	logger.Info("stepflow started",
		slog.String("version", version),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("scheduler", cfg.Scheduler.Enabled),
		slog.Bool("mcp", cfg.MCP.Enabled),
		slog.String("mcp_transport", cfg.MCP.Transport),
		slog.Bool("http", cfg.HTTP.Enabled),
	)

	if mcpSrv != nil && cfg.MCP.Transport != "http" {
		if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
	} else {
		<-ctx.Done()
	}
	logger.Info("shutting down")
	return nil
}

// newEventHub returns the in-process hub, or a Redis hub when
// events.redis_url is set.
func newEventHub(cfg *Config) (streaming.Hub, func(), error) {
	if cfg.Events.RedisURL == "" {
		return streaming.NewMemoryHub(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Events.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opts)
	return streaming.NewRedisHub(rdb, cfg.Events.Channel), func() { _ = rdb.Close() }, nil
}

// startHTTP serves h on addr in the background. The returned func shuts the
// listener down, waiting briefly for in-flight requests.
func startHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("http listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
