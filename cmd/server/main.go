package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/infrasalud/internal/auth"
	"github.com/example/infrasalud/internal/blob"
	"github.com/example/infrasalud/internal/config"
	"github.com/example/infrasalud/internal/dispatch"
	"github.com/example/infrasalud/internal/geo"
	"github.com/example/infrasalud/internal/geocode"
	httpapi "github.com/example/infrasalud/internal/http"
	"github.com/example/infrasalud/internal/ingest"
	"github.com/example/infrasalud/internal/lifecycle"
	"github.com/example/infrasalud/internal/logging"
	"github.com/example/infrasalud/internal/matcher"
	"github.com/example/infrasalud/internal/profile"
	"github.com/example/infrasalud/internal/reconcile"
	"github.com/example/infrasalud/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if cfg.JWTSecret == config.DevJWTSecret {
		logger.Warn("using development JWT secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	backend, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := backend.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, p.Ping)
	}

	var liveOpts []storage.LiveOption
	var changes *ingest.ChangeProducer
	if len(cfg.KafkaBrokers) > 0 {
		changes = ingest.NewChangeProducer(cfg.KafkaBrokers)
		defer changes.Close()
		liveOpts = append(liveOpts, storage.WithPublisher(changes, cfg.InstanceID))
	}
	live := storage.NewLive(backend, logging.Component(logger, "storage"), liveOpts...)

	if cfg.SeedWorkers {
		seedWorkers(ctx, live, logger)
	}

	var rdb *redis.Client
	var index geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		index = geo.NewRedisGeo(rdb, cfg.RedisGeoKey, logging.Component(logger, "geo"))
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	// Presence goes through Kafka only when the consumer has Redis to write to.
	var presence profile.PresenceSink = &ingest.DirectPresence{Geo: index}
	if len(cfg.KafkaBrokers) > 0 && rdb != nil {
		pp := ingest.NewPresenceProducer(cfg.KafkaBrokers)
		defer pp.Close()
		presence = pp
	}

	files, err := blob.New(blob.Config{
		Type:      cfg.BlobType,
		BasePath:  cfg.BlobPath,
		BaseURL:   cfg.BlobBaseURL,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Endpoint:  cfg.S3Endpoint,
	})
	if err != nil {
		return err
	}
	photos := &blob.Photos{Storage: files}
	var filesDir string
	if local, ok := files.(*blob.LocalStorage); ok {
		filesDir = local.Root()
	}

	var mailer auth.Mailer = &auth.LogMailer{Logger: logging.Component(logger, "mail")}
	if cfg.SMTPHost != "" {
		mailer = &auth.SMTPMailer{Host: cfg.SMTPHost, Port: cfg.SMTPPort, Username: cfg.SMTPUser, Password: cfg.SMTPPassword, From: cfg.MailFrom}
	}
	authSvc := auth.NewService(live, mailer, []byte(cfg.JWTSecret), logging.Component(logger, "auth"))
	authSvc.TokenTTL = cfg.TokenTTL
	authSvc.ResetTTL = cfg.ResetTTL
	authSvc.ResetURL = cfg.ResetURL
	if rdb != nil {
		authSvc.Revocations = &auth.RedisRevocations{Client: rdb}
	}

	geocoder := geocode.NewClient(cfg.NominatimURL, "", cfg.GeocodeCacheTTL, logging.Component(logger, "geocode"))

	wsReg := dispatch.NewWSRegistry()
	var push dispatch.Notifier = &dispatch.LogNotifier{Logger: logging.Component(logger, "push")}
	if cfg.PushEndpoint != "" {
		push = dispatch.NewFCMDispatcher(cfg.PushEndpoint, cfg.PushKey)
	}
	notifier := &dispatch.Fanout{WS: wsReg, Push: push, Logger: logging.Component(logger, "dispatch")}

	srv := httpapi.NewServer(httpapi.Deps{
		Store: live,
		Auth:  authSvc,
		Profiles: &profile.Service{
			Store:    live,
			Photos:   photos,
			Presence: presence,
			Geocoder: geocoder,
			Logger:   logging.Component(logger, "profile"),
		},
		Machine: &lifecycle.Machine{
			Store:    live,
			Photos:   photos,
			Notifier: notifier,
			Logger:   logging.Component(logger, "lifecycle"),
		},
		Matcher:      &matcher.Service{Geo: index, Store: live, TopN: cfg.MatcherTopN, PresenceTTL: cfg.PresenceTTL},
		Geocoder:     geocoder,
		Presence:     presence,
		WSReg:        wsReg,
		GatewayToken: cfg.GatewayToken,
		FilesDir:     filesDir,
		Ready: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logging.Component(logger, "http"),
	})
	defer srv.Close()

	var wg sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		reader := ingest.NewReader(cfg.KafkaBrokers, ingest.ChangeTopic, "infrasalud-changes-"+cfg.InstanceID)
		defer reader.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ingest.Consume(ctx, reader, ingest.ChangeTopic, logging.Component(logger, "changes"), ingest.ChangeHandler(live, cfg.InstanceID))
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("infrasalud listening", slog.String("addr", cfg.HTTPAddr), slog.String("store", cfg.StoreDriver), slog.String("instance", cfg.InstanceID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Backend, func(), error) {
	if cfg.StoreDriver == "memory" {
		return storage.NewMemoryBackend(), func() {}, nil
	}
	db, err := storage.OpenSQL(ctx, storage.Dialect(cfg.StoreDriver), cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations || cfg.StoreDriver == "sqlite" {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied", slog.String("store", cfg.StoreDriver))
	}
	return db, func() { _ = db.Close() }, nil
}

// seedWorkers stores the placeholder workers so they can be hired like any
// other account. Existing rows are left as they are.
func seedWorkers(ctx context.Context, s storage.Backend, logger *slog.Logger) {
	for _, a := range reconcile.SeedWorkers() {
		err := s.CreateAccount(ctx, a)
		if err != nil && !errors.Is(err, storage.ErrDuplicate) {
			logger.Warn("seed worker insert failed", slog.String("worker_id", a.ID), slog.Any("error", err))
		}
	}
}
