package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/iliyamo/marketplace-auth/internal/cache"
	"github.com/iliyamo/marketplace-auth/internal/config"
	"github.com/iliyamo/marketplace-auth/internal/database"
	"github.com/iliyamo/marketplace-auth/internal/handler"
	"github.com/iliyamo/marketplace-auth/internal/logging"
	"github.com/iliyamo/marketplace-auth/internal/metrics"
	"github.com/iliyamo/marketplace-auth/internal/password"
	"github.com/iliyamo/marketplace-auth/internal/queue"
	"github.com/iliyamo/marketplace-auth/internal/repository"
	"github.com/iliyamo/marketplace-auth/internal/router"
	"github.com/iliyamo/marketplace-auth/internal/service"
	"github.com/iliyamo/marketplace-auth/internal/token"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the auth HTTP API. Configuration comes from the environment
(APP_*, DB_*, JWT_*, REDIS_*, RATE_LIMIT_*, QUEUE_*).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving (mysql store only)")
	return cmd
}

type credentialStore interface {
	service.CredentialStore
	handler.Pinger
}

func runServe(cmd *cobra.Command, migrate bool) error {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, migrate, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		sessions service.SessionCache = cache.Nop{}
		limiter  redis.Scripter
	)
	if rdb, err := config.NewRedisClient(ctx); err == nil {
		defer func() { _ = rdb.Close() }()
		sessions, limiter = cache.NewRedisSessionCache(rdb), rdb
		log.Info("redis connected")
	} else {
		log.Warn("redis unavailable, sessions and rate limiting disabled", "error", err)
	}

	tokens, err := token.NewIssuer(token.Config{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	})
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "token issuer").Wrap(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	passwords := password.New(cfg.PasswordMinLength, cfg.BcryptCost)
	sc := config.LoadSessionConfig()
	svc, err := service.New(service.Deps{
		Store:     store,
		Cache:     sessions,
		Passwords: passwords,
		Tokens:    tokens,
		Mailer:    newMailer(config.LoadQueueConfig(), log),
		Logger:    log,
		Metrics:   metrics.New(reg),
		Options: service.Options{
			SessionTTL:    sc.SessionTTL,
			BlacklistTTL:  sc.BlacklistTTL,
			ResetTokenTTL: sc.ResetTokenTTL,
		},
	})
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "auth service").Wrap(err)
	}

	e := newEcho(log)
	deps := router.Deps{
		Auth:      handler.NewAuthHandler(svc, passwords),
		Health:    handler.NewHealthHandler(store, sessions),
		Verifier:  tokens,
		RateLimit: config.LoadRateLimitConfig(),
		Redis:     limiter,
		Gatherer:  reg,
		Logger:    log,
	}
	router.RegisterRoutes(e, deps)
	router.RegisterAuth(e, deps)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env, "store", cfg.Store)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return oops.Code("SERVER_FAILED").With("addr", addr).Wrap(err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return oops.Code("SHUTDOWN_FAILED").Wrap(err)
	}
	svc.Wait()
	cmd.Println("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, migrate bool, log *slog.Logger) (credentialStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory credential store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}
	db, err := database.Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	if migrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
		}
	}
	return repository.NewStore(db), func() { _ = db.Close() }, nil
}

func newMailer(qc config.QueueConfig, log *slog.Logger) service.Mailer {
	if qc.Enabled {
		return queue.NewPublisher(qc.URL, qc.ResetQueue, log)
	}
	return queue.NewMailLog(qc.MailLogPath, qc.ResetLinkBase)
}

func newEcho(log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				log.ErrorContext(c.Request().Context(), "request", append(attrs, "error", v.Error)...)
				return nil
			}
			log.InfoContext(c.Request().Context(), "request", attrs...)
			return nil
		},
	}))
	return e
}
