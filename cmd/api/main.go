// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foodrescue/internal/clients"
	"foodrescue/internal/config"
	"foodrescue/internal/dispatch"
	"foodrescue/internal/feed"
	"foodrescue/internal/identity"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/logger"
	"foodrescue/internal/metrics"
	"foodrescue/internal/rescue"
	"foodrescue/internal/reward"
	"foodrescue/internal/storage/memory"
	"foodrescue/internal/storage/postgres"
	"foodrescue/internal/sweep"
	"foodrescue/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// backend is what a storage implementation provides to the core.
type backend interface {
	listing.Repository
	ledger.Repository
	reward.Repository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.WithError(err).Warn("failed to flush traces")
		}
	}()

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	directory, err := openDirectory(cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	effects, err := openEffectBackend(cfg, log)
	if err != nil {
		return err
	}
	defer effects.Close()

	dispatcher := dispatch.New(effects, effects, log, m, dispatch.Config{Buffer: cfg.DispatchBuffer})
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = dispatcher.Run(dispatchCtx)
	}()
	defer func() {
		stopDispatch()
		<-dispatchDone
	}()

	service := rescue.NewService(rescue.Deps{
		Listings:  listing.NewService(store, log, time.Now),
		Ledger:    ledger.NewService(store, log),
		Feed:      feed.NewService(store, log, time.Now),
		Rewards:   store,
		Directory: directory,
		Effects:   dispatcher,
		Metrics:   m,
		Log:       log,
	})

	sweeper, err := sweep.Start(service, cfg.SweepInterval, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			log.WithError(err).Warn("failed to stop sweep scheduler")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	rescue.NewHandler(service, log, cfg.ClaimRatePerMinute, cfg.ClaimBurst).Routes(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("food rescue API listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}

func openStore(cfg *config.Config, log logrus.FieldLogger) (backend, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	store, err := postgres.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func openDirectory(cfg *config.Config, log logrus.FieldLogger) (identity.Directory, error) {
	switch {
	case cfg.IdentityServiceURL != "":
		log.WithField("url", cfg.IdentityServiceURL).Info("using remote identity service")
		return clients.NewIdentityClient(cfg.IdentityServiceURL, 5*time.Second), nil
	case cfg.IdentitySeedFile != "":
		return identity.LoadDirectory(cfg.IdentitySeedFile)
	default:
		log.Warn("no identity source configured, every caller is unknown")
		return identity.NewStaticDirectory(), nil
	}
}

type effectBackend interface {
	dispatch.Notifier
	dispatch.Publisher
	io.Closer
}

type logBackend struct{ *dispatch.LogBackend }

func (logBackend) Close() error { return nil }

func openEffectBackend(cfg *config.Config, log logrus.FieldLogger) (effectBackend, error) {
	switch cfg.BroadcastBackend {
	case config.BackendKafka:
		return dispatch.NewKafkaBackend(cfg.KafkaBrokers, cfg.NotifyTopic), nil
	case config.BackendRedis:
		return dispatch.NewRedisBackend(cfg.RedisURL)
	default:
		return logBackend{dispatch.NewLogBackend(log)}, nil
	}
}
