package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nimbuscrm/identity/pkg/api"
	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/authstate"
	"github.com/nimbuscrm/identity/pkg/config"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/secrets"
	"github.com/nimbuscrm/identity/pkg/sso"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// No logger yet; configuration failures go to stderr directly.
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("identityd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	// Without the master key nothing can be encrypted or decrypted.
	// Refuse to start rather than run with degraded protection.
	box, err := secrets.FromEnv()
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return err
	}

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	states, closeStates, err := buildStateStore(cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeStates()

	ssoStorage, err := sso.NewStorage(db, box)
	if err != nil {
		return err
	}

	orchestrator, err := sso.NewOrchestrator(ssoStorage, states, auditLogger, metrics, sso.OrchestratorConfig{
		IdPTimeout: cfg.SSO.IdPTimeout,
		StateTTL:   cfg.SSO.StateTTL,
	})
	if err != nil {
		return err
	}

	mfaStore, err := mfa.NewPostgresStore(db)
	if err != nil {
		return err
	}

	engine, err := mfa.NewEngine(mfaStore, box, auditLogger, metrics, mfa.EngineConfig{
		Issuer:          cfg.MFA.Issuer,
		WindowSteps:     cfg.MFA.WindowSteps,
		MaxAttempts:     cfg.MFA.MaxAttempts,
		LockoutDuration: cfg.MFA.LockoutDuration,
		BackupCodeCount: cfg.MFA.BackupCodeCount,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(orchestrator, engine, auditLogger, logger, metrics)

	// Expired and consumed state rows are garbage; sweep them on a
	// schedule so replay checks stay cheap.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SSO.SweepInterval)
		defer cancel()

		deleted, err := states.Sweep(ctx)
		if err != nil {
			logger.WithError(err).Warn("state sweep failed")
			return
		}
		if metrics != nil && deleted > 0 {
			metrics.StateSweepDeletedTotal.Add(float64(deleted))
		}
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("identity API listening")
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health endpoint listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api server shutdown")
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// buildStateStore picks Redis when configured, PostgreSQL otherwise.
// Both give the same single-use consumption guarantee.
func buildStateStore(cfg *config.Config, db *sql.DB, logger *observability.Logger) (authstate.Store, func(), error) {
	if cfg.Redis.URL == "" {
		store, err := authstate.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("pending auth state in PostgreSQL")
		return store, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, err
	}

	store, err := authstate.NewRedisStore(client)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("pending auth state in Redis")
	return store, func() { client.Close() }, nil
}
