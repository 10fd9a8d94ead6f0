package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/service-dispatch/internal/activity"
	"github.com/example/service-dispatch/internal/cache"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/geo"
	httpapi "github.com/example/service-dispatch/internal/http"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/settings"
	"github.com/example/service-dispatch/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  serve,
}

type pinger interface {
	Ping(ctx context.Context) error
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel, "server")
	slog.SetDefault(log)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("store close", "err", err)
		}
	}()
	checks := []pinger{}
	if p, ok := store.(pinger); ok {
		checks = append(checks, p)
	}

	var index geo.Index = geo.NewMemoryIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rc.Close() }()
		ri := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		index = ri
		checks = append(checks, ri)
		log.Info("geo index on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	sinks := activity.Multi{activity.NewLogSink(log)}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaActivityTopic)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error("kafka producer close", "err", err)
			}
		}()
		locations = producer
		sinks = append(sinks, activity.NewPublisherSink(producer, log))
		log.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "locations", cfg.KafkaLocationTopic, "activity", cfg.KafkaActivityTopic)
	}

	c := cache.New()
	engine := &dispatch.Engine{
		Store:    store,
		Index:    index,
		Cache:    c,
		Activity: sinks,
		Log:      log,
		ListTTL:  cfg.CacheListTTL,
		StatsTTL: cfg.CacheStatsTTL,
	}
	n, err := engine.RebuildIndex(ctx)
	if err != nil {
		// the matcher falls back to a pending scan, so a cold index is survivable
		log.Warn("geo index rebuild incomplete", "indexed", n, "err", err)
	} else {
		log.Info("geo index rebuilt", "indexed", n)
	}

	handler := httpapi.NewServer(httpapi.Deps{
		Engine: engine,
		Matcher: &matcher.Service{
			Store:           store,
			Settings:        store,
			Index:           index,
			Log:             log,
			DefaultRadiusKm: cfg.DefaultRadiusKm,
			ResultLimit:     cfg.MatcherResultLimit,
			CandidateLimit:  cfg.MatcherCandidateLimit,
			LocationMaxAge:  cfg.MatcherLocationMaxAge,
		},
		Settings:  settings.NewService(store, c, sinks, log),
		Cache:     c,
		Locations: locations,
		Ready: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			for _, p := range checks {
				if err := p.Ping(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: log,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore picks Postgres when PG_DSN is set and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		log.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := pg.Migrate(ctx)
		if err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied", "files", applied)
	}
	return pg, nil
}
