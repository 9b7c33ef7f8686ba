package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/vidledger/internal/app"
	"github.com/R3E-Network/vidledger/internal/app/auth"
	"github.com/R3E-Network/vidledger/internal/app/httpapi"
	"github.com/R3E-Network/vidledger/internal/app/storage/postgres"
	"github.com/R3E-Network/vidledger/internal/cache"
	"github.com/R3E-Network/vidledger/internal/config"
	"github.com/R3E-Network/vidledger/internal/middleware"
	"github.com/R3E-Network/vidledger/internal/platform/migrations"
	"github.com/R3E-Network/vidledger/pkg/logger"
)

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}).Named("ledgerd")
}

// resources are the external connections opened for one process.
type resources struct {
	db    *sqlx.DB
	redis *redis.Client
}

func (r *resources) Close() error {
	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// buildApplication opens the configured store and cache and wires the
// application and its HTTP handler.
func buildApplication(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app.Application, http.Handler, *resources, error) {
	res := &resources{}
	stores := app.Stores{}
	opts := app.Options{
		Authorizer:        auth.NewAddressAllowlist(cfg.AdminAddresses()...),
		TxAttempts:        cfg.Ledger.TxAttempts,
		StakeSweep:        cfg.Ledger.StakeSweepSpec,
		DisableStakeSweep: !cfg.Ledger.StakeSweepEnabled,
	}

	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		if cfg.Database.MigrateOnStart {
			if err := migrations.Up(dsn); err != nil {
				return nil, nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}
		res.db = db
		stores.Store = postgres.New(db)
	}

	if addr := strings.TrimSpace(cfg.Cache.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		catalogue := cache.NewCatalogue(client, cfg.Cache.TTL, log.Named("cache"))
		if err := catalogue.Ping(ctx); err != nil {
			log.WithError(err).WithField("addr", addr).Warn("redis unavailable; catalogue cache disabled")
			_ = client.Close()
		} else {
			res.redis = client
			opts.Cache = catalogue
		}
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		_ = res.Close()
		return nil, nil, nil, err
	}
	handler, err := httpapi.NewHandler(application, httpapi.Config{
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		RateLimit:   cfg.HTTP.RateLimit,
		RateBurst:   cfg.HTTP.RateBurst,
		CORSOrigins: cfg.CORSOrigins(),
	}, log.Named("http"))
	if err != nil {
		_ = res.Close()
		return nil, nil, nil, err
	}
	return application, handler, res, nil
}

func serve(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, handler, res, err := buildApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer res.Close()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).WithField("services", application.Services()).Info("ledgerd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
	return serveErr
}

func migrate(envFile, direction string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("LEDGER_DATABASE_DSN is required to migrate")
	}
	log := newLogger(cfg)

	switch direction {
	case "up":
		err = migrations.Up(cfg.Database.DSN)
	case "down":
		err = migrations.Down(cfg.Database.DSN)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if err != nil {
		return err
	}
	log.WithField("direction", direction).Info("migrations applied")
	return nil
}

func issueToken(envFile, account, address string, ttl time.Duration, out io.Writer) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("-account is required")
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	token, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), auth.Principal{AccountID: account, PublicAddress: address}, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
