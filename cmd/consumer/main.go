package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/infrasalud/internal/config"
	"github.com/example/infrasalud/internal/geo"
	"github.com/example/infrasalud/internal/ingest"
	"github.com/example/infrasalud/internal/logging"
	"github.com/example/infrasalud/internal/models"
)

var (
	redisUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis presence updates",
	})
	redisErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis presence updates that failed after retries",
	})
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig(configPath)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", slog.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := ingest.NewReader(cfg.KafkaBrokers, ingest.PresenceTopic, cfg.KafkaGroup)
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", slog.String("topic", ingest.PresenceTopic), slog.Any("brokers", cfg.KafkaBrokers), slog.String("group", cfg.KafkaGroup))
	ingest.Consume(ctx, r, ingest.PresenceTopic, logger, presenceHandler(radapter, cfg.RedisGeoKey))
	logger.Info("shutting down consumer")
}

// presenceHandler decodes a presence report and writes it to the geo set
// and the worker meta hash.
func presenceHandler(rc RedisUpdater, geoKey string) func(context.Context, kafka.Message) error {
	return func(ctx context.Context, m kafka.Message) error {
		var p models.Presence
		if err := json.Unmarshal(m.Value, &p); err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
		if p.WorkerID == "" {
			return errors.New("invalid message: missing worker_id")
		}
		if p.Updated.IsZero() {
			p.Updated = m.Time
		}
		if err := updateRedisWithRetry(ctx, rc, geoKey, &p, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			return fmt.Errorf("redis update for worker %s: %w", p.WorkerID, err)
		}
		redisUpdates.Inc()
		return nil
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes one presence report, retrying each step with
// doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, p *models.Presence, attempts int, delay time.Duration) error {
	if geoKey == "" {
		geoKey = geo.DefaultRedisKey
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.WorkerID}); err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(p.WorkerID), geo.MetaFields(*p)); err != nil {
			continue
		}
		return nil
	}
	return err
}
