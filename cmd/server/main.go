package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/api"
	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/circuitbreaker"
	"github.com/flowforge/backend/internal/config"
	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/engine"
	"github.com/flowforge/backend/internal/inbox"
	"github.com/flowforge/backend/internal/metrics"
	"github.com/flowforge/backend/internal/notify"
	"github.com/flowforge/backend/internal/stages"
	"github.com/flowforge/backend/internal/store"
	"github.com/flowforge/backend/internal/tenancy"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Env == "development" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	// Store selection: Redis when configured, in-memory otherwise.
	var shared store.ItemStore
	var opener tenancy.TableOpener
	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Tenancy.SharedTable)
		if err != nil {
			slog.Error("connecting to redis failed", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		shared = rs
		opener = func(table string) (store.ItemStore, error) {
			return store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, table)
		}
		slog.Info("using redis item store", "addr", cfg.Redis.Addr, "table", cfg.Tenancy.SharedTable)
	} else {
		shared = store.NewMemoryStore(cfg.Tenancy.SharedTable)
		opener = func(table string) (store.ItemStore, error) {
			return store.NewMemoryStore(table), nil
		}
		slog.Warn("REDIS_ADDR not set, using in-memory item store")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	router := tenancy.NewRouter(
		tenancy.NewStoreParameterStore(shared), shared, cfg.Tenancy.SharedTable, opener,
		tenancy.WithCacheTTL(cfg.TenantCacheTTL()),
		tenancy.WithObserver(func(outcome string) {
			m.TenantRouteLookups.WithLabelValues(outcome).Inc()
		}),
	)

	rec := audit.NewRecorder(shared, m)
	accts := accounts.NewService(shared)
	repo := engine.NewRepository(router)
	resolver := credentials.NewResolver(router)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold:         cfg.Circuit.FailureThreshold,
		ResetTimeout:             cfg.CircuitResetTimeout(),
		HalfOpenSuccessThreshold: cfg.Circuit.HalfOpenSuccesses,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
	})

	emails := notify.NewDispatcher(notify.LogSender{}, rec, m,
		cfg.Approval.EmailWorkers, cfg.Approval.EmailEnabled)
	bridge := inbox.NewBridge(router, emails, rec, m)

	caller := stages.NewCaller(breakers, m,
		stages.WithRetry(cfg.Executor.StageRetries, cfg.StageRetryDelay()),
		stages.WithCallTimeout(cfg.StageTimeout()),
	)
	dispatcher := stages.NewDispatcher(caller, bridge, m)

	engOpts := []engine.Option{}
	if cfg.Executor.MaxWorkers > 0 {
		engOpts = append(engOpts, engine.WithMaxWorkers(cfg.Executor.MaxWorkers))
	}
	if cfg.Executor.TimeoutMs > 0 {
		engOpts = append(engOpts, engine.WithExecutionTimeout(cfg.ExecutionTimeout()))
	}
	eng := engine.New(router, accts, repo, resolver, dispatcher, rec, m, engOpts...)
	bridge.SetResumer(eng)

	server := api.NewServer(eng, repo, bridge, accts, rec, registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(":" + cfg.Server.Port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	eng.Wait()
	emails.Shutdown()
}
