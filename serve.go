package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/james-iacabucci/formedfor-operations-sub001/api"
	"github.com/james-iacabucci/formedfor-operations-sub001/config"
	"github.com/james-iacabucci/formedfor-operations-sub001/events"
	"github.com/james-iacabucci/formedfor-operations-sub001/memstore"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
	"github.com/james-iacabucci/formedfor-operations-sub001/sqlstore"
	"github.com/james-iacabucci/formedfor-operations-sub001/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := log.StandardLogger()
		svc, err := newService(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		auth, err := newAuth(cfg, logger)
		if err != nil {
			return err
		}
		if auth.JWKS != nil {
			defer auth.JWKS.EndBackground()
		}
		e := newServer(svc, auth, logger, prometheus.NewRegistry())
		if svc.relay != nil {
			go svc.relay(ctx)
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("shutdown failed")
			}
		}()

		logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.StoreBackend, "grouping": cfg.Grouping.String()}).Info("serving task order api")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

// service is the engine together with the resources it was built from.
type service struct {
	engine  *ordering.Engine
	deduper api.Deduper
	hub     *events.Hub
	closers []func() error

	// relay feeds hub from the Redis channel when one is configured.
	relay func(ctx context.Context)
}

// Close releases the store and Redis connections.
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

// openStore connects to the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (ordering.Store, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendTables:
		st, err := storage.NewTableStore(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, nil, fmt.Errorf("table store: %w", err)
		}
		return st, nil, nil
	case config.BackendPostgres, config.BackendSQLite:
		driver := sqlstore.DriverPostgres
		if cfg.StoreBackend == config.BackendSQLite {
			driver = sqlstore.DriverSQLite
		}
		st, err := sqlstore.Open(ctx, driver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.BackendMemory:
		return memstore.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// newService wires the store, the Redis cache and the event publishers into
// an engine.
func newService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*service, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := &service{}
	if closeStore != nil {
		svc.closers = append(svc.closers, closeStore)
	}

	clock := events.NewClock(nil)
	svc.hub = events.NewHub(clock)
	var notifiers events.Multi
	if cfg.RedisConnectionString != "" {
		opts, err := config.ParseRedis(cfg.RedisConnectionString)
		if err != nil {
			svc.Close()
			return nil, err
		}
		rc := redis.NewClient(opts)
		svc.closers = append(svc.closers, rc.Close)
		if cfg.CacheTTL > 0 {
			store = storage.NewCache(store, rc, cfg.CacheTTL)
		}
		svc.deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		notifiers = append(notifiers, events.NewRedisPublisher(rc, cfg.EventsChannel, clock))
		svc.relay = func(ctx context.Context) { events.Subscribe(ctx, logger, rc, cfg.EventsChannel, svc.hub) }
	} else {
		notifiers = append(notifiers, svc.hub)
	}
	if cfg.EventsQueue != "" {
		qp, err := events.NewQueuePublisher(cfg.StorageConnectionString, cfg.EventsQueue, clock)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("events queue: %w", err)
		}
		notifiers = append(notifiers, qp)
	}

	svc.engine = ordering.NewEngine(store, cfg.Grouping, ordering.WithLogger(logger), ordering.WithNotifier(notifiers))
	return svc, nil
}

func newAuth(cfg *config.Config, logger *log.Logger) (*api.Auth, error) {
	if cfg.Auth0TestMode {
		return api.NewAuth(nil, api.AuthConfig{
			Audience:   cfg.Auth0Audience,
			Issuer:     cfg.Issuer(),
			TestSecret: cfg.TestJWTSecret,
		})
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	auth, err := api.NewAuth(jwks, api.AuthConfig{
		Audience:    cfg.Auth0Audience,
		Issuer:      cfg.Issuer(),
		KeyCacheTTL: cfg.JWKSCacheTTL,
	})
	if err != nil {
		jwks.EndBackground()
		return nil, err
	}
	return auth, nil
}

func newServer(svc *service, auth api.Authenticator, logger *log.Logger, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(api.RequestLogger(logger))
	e.Use(api.GzipRequestMiddleware())
	api.RegisterMetrics(e, reg)
	api.Register(e, svc.engine, auth, svc.deduper, logger)
	api.RegisterStream(e, svc.hub, auth, logger)
	return e
}
