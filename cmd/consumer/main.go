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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/settings"
	"github.com/example/service-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "location_consumer",
		Name:      "messages_consumed_total",
		Help:      "Provider location messages read from Kafka.",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "location_consumer",
		Name:      "messages_invalid_total",
		Help:      "Messages that could not be decoded or failed validation.",
	})
	applyOK = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "location_consumer",
		Name:      "updates_applied_total",
		Help:      "Locations written to provider settings.",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "location_consumer",
		Name:      "update_errors_total",
		Help:      "Locations dropped after exhausting retries.",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applyOK, applyErrors)
}

// LocationUpdater is the write the consumer performs per message.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, phone string, pos models.LatLng, at time.Time) (*models.ProviderSettings, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel, "location-consumer")

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()
	updater := settings.NewService(store, nil, nil, log)

	go serveOps(cfg.MetricsAddr, store, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	log.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return nil
			}
			log.Warn("kafka read failed", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		u, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn("invalid location message", "offset", m.Offset, "err", err)
			continue
		}
		if err := applyWithRetry(ctx, updater, u, cfg.RetryMax, cfg.RetryBackoff); err != nil {
			applyErrors.Inc()
			log.Error("location update failed", "phone", u.Phone, "err", err)
			continue
		}
		applyOK.Inc()
	}
}

// applyWithRetry writes one location, retrying transient failures with
// doubling delay. Validation failures are not retried.
func applyWithRetry(ctx context.Context, up LocationUpdater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = up.UpdateLocation(ctx, u.Phone, models.LatLng{Lat: u.Lat, Lng: u.Lng}, u.Timestamp)
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrValidation) || i == attempts-1 {
			return err
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func serveOps(addr string, store *storage.PostgresStore, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	log.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("ops server stopped", "err", err)
	}
}
