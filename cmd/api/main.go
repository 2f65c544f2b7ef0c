package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/prestige-merchandise/storefront/api/controllers"
	"github.com/prestige-merchandise/storefront/api/routes"
	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/localstore"
	"github.com/prestige-merchandise/storefront/internal/notify"
	"github.com/prestige-merchandise/storefront/internal/remotestore"
	"github.com/prestige-merchandise/storefront/internal/sessions"
	"github.com/prestige-merchandise/storefront/internal/shipping"
	"github.com/prestige-merchandise/storefront/pkg/config"
	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	"github.com/prestige-merchandise/storefront/pkg/metrics"
	"github.com/prestige-merchandise/storefront/pkg/migrate"
	"github.com/prestige-merchandise/storefront/pkg/pubsub"
	"github.com/prestige-merchandise/storefront/pkg/redis"
)

const guestJanitorInterval = time.Hour

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	ready := []controllers.Dependency{{Name: "database", Pinger: dbClient}}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		ready = append(ready, controllers.Dependency{Name: "redis", Pinger: redisClient})
	} else {
		logg.Warn(ctx, "redis not configured, collection changes only reach this instance")
		ready = append(ready, controllers.Dependency{Name: "redis"})
	}

	guests, err := localstore.Open(cfg.Guest, redisClient, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := guests.Close(); err != nil {
			logg.Error(context.Background(), "error closing guest store", err)
		}
	}()

	var feed remotestore.ChangeFeed = remotestore.NewLocalFeed()
	if redisClient != nil {
		feed = remotestore.NewRedisFeed(redisClient)
	}
	accounts := remotestore.NewStore(remotestore.NewRepository(dbClient.DB()), feed, logg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collMetrics := metrics.NewCollectionMetrics(reg)
	jobMetrics := metrics.NewJobMetrics(reg)

	var events collection.EventPublisher
	if cfg.FeatureFlags.PublishEvents {
		psClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return err
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		events = pubsub.NewCollectionEvents(psClient.CollectionEventsPublisher())
		ready = append(ready, controllers.Dependency{Name: "pubsub", Pinger: psClient})
	}

	factory := func(ctx context.Context, sessionID string, kind collection.Kind, notes notify.Notifier) (*collection.Session, error) {
		return collection.NewSession(ctx, collection.Options{
			Kind:          kind,
			Local:         guests.ForSession(sessionID),
			Remote:        accounts,
			Notifier:      notes,
			Recorder:      collMetrics,
			Events:        events,
			Logger:        logg,
			SwitchTimeout: cfg.Session.SwitchTimeout,
		})
	}
	hub := sessions.NewHub(factory, sessions.Config{
		IdleTTL:        cfg.Session.IdleTTL,
		SweepInterval:  cfg.Session.SweepInterval,
		NoticeCapacity: cfg.Session.NoticeCapacity,
	}, logg, collMetrics, jobMetrics)

	calc, err := shipping.NewCalculator(cfg.Shipping)
	if err != nil {
		return err
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"addr":         addr,
		"guest_driver": cfg.Guest.Driver,
		"db_dialect":   dbClient.Dialect(),
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Deps{
			Hub:      hub,
			Shipping: calc,
			Gatherer: reg,
			Ready:    ready,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	if janitor, ok := guests.(*localstore.SQLite); ok {
		g.Go(func() error { return janitor.RunJanitor(gctx, guestJanitorInterval, jobMetrics) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logg.Info(logCtx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		// Streams hold leases until their request context ends, so the
		// sessions are closed first to release them.
		if err := hub.Close(); err != nil {
			logg.WarnErr(logCtx, "closing collection sessions", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
