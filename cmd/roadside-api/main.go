// README: Entry point; loads config, wires services, starts HTTP server and the offer monitor.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"roadside/internal/config"
	httptransport "roadside/internal/http"
	"roadside/internal/http/middleware"
	"roadside/internal/infra"
	"roadside/internal/logger"
	"roadside/internal/maps"
	"roadside/internal/metrics"
	"roadside/internal/modules/matching"
	"roadside/internal/modules/notify"
	"roadside/internal/modules/provider"
	"roadside/internal/modules/request"
	"roadside/internal/modules/tracking"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "roadside-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: cfg.App.Name,
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "roadside-api stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		requestStore request.Store
		directory    interface {
			provider.Repository
			matching.Directory
			notify.TokenResolver
		}
		sweepLock request.Locker
	)

	// The memory driver runs without Postgres or Redis for local development.
	switch cfg.DB.Driver {
	case config.DriverMemory:
		requestStore = request.NewMemoryStore()
		directory = provider.NewMemoryStore()
		logg.Warn(ctx, "using in-memory stores; state is lost on restart")
	default:
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		requestStore = request.NewPGStore(pool)

		rdb, err := infra.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer closeRedis(ctx, logg, rdb)
		directory = provider.NewStore(rdb)

		lock, err := infra.NewRedisLock(rdb, infra.SweepLockKey, cfg.Dispatch.SweepLockTTL)
		if err != nil {
			return err
		}
		sweepLock = lock
	}

	var auth gin.HandlerFunc
	var notifiers notify.Fanout
	needFirebase := cfg.Auth.Mode == config.AuthFirebase || cfg.Firebase.PushEnabled
	if needFirebase {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		if cfg.Auth.Mode == config.AuthFirebase {
			verifier, err := infra.NewFirebaseVerifier(ctx, app)
			if err != nil {
				return err
			}
			auth = middleware.Auth(verifier)
		}
		if cfg.Firebase.PushEnabled {
			fcm, err := notify.NewFCMNotifier(ctx, app, directory, logg)
			if err != nil {
				return err
			}
			notifiers = append(notifiers, fcm)
		}
	}
	if auth == nil {
		auth = middleware.HeaderAuth()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if err := notify.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, 3); err != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "kafka topic not ensured")
		}
		publisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logg.Error(context.Background(), "error closing kafka writer", err)
			}
		}()
		notifiers = append(notifiers, publisher)
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.NewLogNotifier(logg))
	}

	var geocoder request.Geocoder
	if cfg.Maps.APIKey != "" {
		g, err := maps.NewGeocoder(cfg.Maps.APIKey, cfg.Maps.Language)
		if err != nil {
			return err
		}
		geocoder = g
	}

	requestSvc := request.NewService(request.Deps{
		Store:    requestStore,
		Matcher:  matching.NewService(directory, cfg.Dispatch),
		Notifier: notifiers,
		Geocoder: geocoder,
		Logger:   logg,
		Metrics:  metrics.NewDispatch(reg),
		Config:   cfg.Dispatch,
	})
	trackingSvc := tracking.NewService(requestSvc, directory, cfg.Dispatch.AverageSpeedKmh, logg)
	providerSvc := provider.NewService(directory, logg)

	deps := httptransport.ServerDeps{
		Requests:  requestSvc,
		Tracking:  trackingSvc,
		Providers: providerSvc,
		Auth:      auth,
		Logger:    logg,
	}
	if cfg.HTTP.MetricsEnabled {
		deps.Gatherer = reg
		deps.HTTPMetrics = metrics.NewHTTP(reg)
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httptransport.NewServer(deps).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go requestSvc.RunOfferMonitor(ctx, sweepLock)

	errCh := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", cfg.HTTP.Addr), "http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logg.Info(shutdownCtx, "shutting down http server")
	return server.Shutdown(shutdownCtx)
}

func closeRedis(ctx context.Context, logg *logger.Logger, rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		logg.Error(ctx, "error closing redis", err)
	}
}
