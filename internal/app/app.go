// Package app wires the stores, execution contexts, services and HTTP routes
// of the server, and runs them under one errgroup.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/archive"
	"github.com/ksred/klear-ephemeral/internal/auth"
	"github.com/ksred/klear-ephemeral/internal/cache/redis"
	"github.com/ksred/klear-ephemeral/internal/config"
	"github.com/ksred/klear-ephemeral/internal/custody"
	"github.com/ksred/klear-ephemeral/internal/database"
	"github.com/ksred/klear-ephemeral/internal/delegation"
	"github.com/ksred/klear-ephemeral/internal/execution"
	"github.com/ksred/klear-ephemeral/internal/feed"
	"github.com/ksred/klear-ephemeral/internal/ledger"
	"github.com/ksred/klear-ephemeral/internal/locks"
	"github.com/ksred/klear-ephemeral/internal/matching"
	"github.com/ksred/klear-ephemeral/internal/oracle"
	"github.com/ksred/klear-ephemeral/internal/orderbook"
	"github.com/ksred/klear-ephemeral/internal/store/pebblestore"
	"github.com/ksred/klear-ephemeral/internal/store/sqlstore"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ConfigureLogging sets up the global zerolog logger: pretty console output
// outside production, level from the configuration.
func ConfigureLogging(cfg config.ServerConfig) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
}

// contextHandlers groups the handlers bound to one execution context.
type contextHandlers struct {
	orderbook *orderbook.GinHandlers
	ledger    *ledger.GinHandlers
	matching  *matching.GinHandlers
}

// App holds every long-lived component of a server process.
type App struct {
	cfg *config.Config

	db    *gorm.DB
	fast  *pebblestore.Store
	redis *redis.Client
	kafka *feed.KafkaPublisher

	Manager *delegation.Manager
	Vault   *custody.Vault
	Hub     *feed.Hub

	processor *delegation.Processor
	router    *gin.Engine
}

// New opens the stores and builds the services of both execution contexts.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	logger := log.With().Str("component", "app").Logger()

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	a.fast, err = pebblestore.Open(pebblestore.Config{
		Dir:      cfg.Fast.Dir,
		InMemory: cfg.Fast.InMemory,
		Sync:     cfg.Fast.Sync,
	})
	if err != nil {
		return err
	}

	var locker locks.Locker = locks.NewSet()
	if cfg.Locks.Backend == "redis" {
		a.redis, err = redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Locks.RedisAddr,
			Password: cfg.Locks.RedisPassword,
			DB:       cfg.Locks.RedisDB,
		})
		if err != nil {
			return err
		}
		locker = redis.NewLocker(a.redis, cfg.Locks.TTL.Duration)
	}

	var opts []delegation.Option
	if cfg.Archive.Bucket != "" {
		archiver, err := archive.New(ctx, archive.Config{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		opts = append(opts, delegation.WithArchiver(archiver))
	}
	a.Manager = delegation.NewManager(db, locker, sqlstore.New(db), a.fast, opts...)

	if cfg.Delegation.RecoverOnStart {
		n, err := a.Manager.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover delegations: %w", err)
		}
		logger.Info().Int("recovered", n).Msg("resolved interrupted transitions")
	}
	if cfg.Delegation.CommitInterval.Duration > 0 {
		a.processor = delegation.NewProcessor(a.Manager, cfg.Delegation.CommitInterval.Duration)
	}

	a.Vault = custody.NewVault(cfg.Custody.VaultID)
	a.Vault.MinLatency = cfg.Custody.MinLatencyMs
	a.Vault.MaxLatency = cfg.Custody.MaxLatencyMs
	a.Vault.SuccessRate = cfg.Custody.SuccessRate

	var publishers feed.Multi
	if cfg.Feed.Websocket {
		a.Hub = feed.NewHub()
		publishers = append(publishers, a.Hub)
	}
	if len(cfg.Feed.KafkaBrokers) > 0 {
		a.kafka = feed.NewKafkaPublisher(cfg.Feed.KafkaBrokers, cfg.Feed.KafkaTopic)
		publishers = append(publishers, a.kafka)
	}

	var verifier matching.Verifier
	if cfg.Oracle.PublisherAddress != "" {
		verifier, err = oracle.NewVerifier(cfg.Oracle.PublisherAddress, cfg.Oracle.MaxAge.Duration)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("no oracle publisher configured, matching routes disabled")
	}

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
	for _, cred := range cfg.Auth.APIKeys {
		authService.RegisterAPICredentials(cred.Key, cred.Secret)
	}
	for _, cred := range cfg.Auth.Operators {
		authService.RegisterInternalCredentials(cred.Key, cred.Secret)
	}

	perContext := make(map[types.Context]contextHandlers, 2)
	for _, c := range []types.Context{types.Durable, types.Fast} {
		exec := execution.New(c, a.Manager)
		h := contextHandlers{
			orderbook: orderbook.NewGinHandlers(orderbook.NewService(exec)),
			ledger:    ledger.NewGinHandlers(ledger.NewService(exec, a.Vault)),
		}
		if verifier != nil {
			h.matching = matching.NewGinHandlers(matching.NewService(exec, publishers), verifier)
		}
		perContext[c] = h
	}

	a.router = gin.New()
	a.router.Use(gin.Recovery(), middleware.RequestLogger())
	setupRoutes(a.router, authService, perContext, delegation.NewGinHandlers(a.Manager), a.Hub)
	return nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run serves HTTP on the configured port and runs the checkpoint processor
// and the websocket hub until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: a.router,
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		// Give outstanding operations time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if a.processor != nil {
		g.Go(func() error {
			a.processor.Start(ctx)
			return nil
		})
	}

	if a.Hub != nil {
		g.Go(func() error {
			return a.Hub.Run(ctx)
		})
	}

	return g.Wait()
}

// Close releases the stores and external clients. Safe on a partially
// initialised App.
func (a *App) Close() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.fast != nil {
		errs = append(errs, a.fast.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
