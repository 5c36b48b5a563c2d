package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"swiftaid/internal/api"
	"swiftaid/internal/auth"
	"swiftaid/internal/buildinfo"
	"swiftaid/internal/config"
	"swiftaid/internal/dispatch"
	"swiftaid/internal/events"
	"swiftaid/internal/logger"
	"swiftaid/internal/notify"
	"swiftaid/internal/seed"
	"swiftaid/internal/store"
	"swiftaid/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "json", os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	log.Info().Str("version", buildinfo.Version).Str("commit", buildinfo.Commit).Msg("starting swiftaid dispatch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer

	// Store
	var st store.Store
	storeKind := "memory"
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		if cfg.DBMigrate {
			if err := pg.MigrateDir(cfg.MigrateDir); err != nil {
				log.Fatal().Err(err).Str("dir", cfg.MigrateDir).Msg("migrate")
			}
			log.Info().Str("dir", cfg.MigrateDir).Msg("migrations applied")
		}
		st = pg
		storeKind = "postgres"
		closers = append(closers, pg)
	} else {
		st = store.NewMemory()
	}

	// Event broker: Redis fans events out across replicas, memory is single-process.
	var broker events.EventBroker = events.NewBroker()
	brokerKind := "memory"
	if cfg.RedisURL != "" {
		rb, err := events.NewRedisBroker(cfg.RedisURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis broker unavailable, using in-memory broker")
		} else {
			broker = rb
			brokerKind = "redis"
			closers = append(closers, rb)
		}
	}

	pub := webhooks.NewPublisher(st, log)
	eng := dispatch.New(st,
		dispatch.WithNotifier(notify.Multi{notify.NewInbox(st), notify.NewLog(log)}),
		dispatch.WithEvents(events.Fanout{broker, pub}),
		dispatch.WithLogger(log),
		dispatch.WithETA(cfg.ETAMinMinutes, cfg.ETAMaxMinutes),
	)

	if err := seedFleet(ctx, cfg, eng, log); err != nil {
		log.Fatal().Err(err).Msg("seed drivers")
	}

	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.AuthHMACSecret, cfg.AuthJWKSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("auth")
	}

	srv := api.NewServer(eng, st, verifier, broker, log, api.Options{RateRPS: cfg.RateRPS, RateBurst: cfg.RateBurst})
	srv.Debug = map[string]any{
		"store":              storeKind,
		"broker":             brokerKind,
		"authMode":           cfg.AuthMode,
		"rateRps":            cfg.RateRPS,
		"rateBurst":          cfg.RateBurst,
		"webhookMaxAttempts": cfg.WebhookMaxAttempts,
		"etaMinutes":         []int{cfg.ETAMinMinutes, cfg.ETAMaxMinutes},
	}

	worker := webhooks.NewWorker(st, cfg.WebhookMaxAttempts, log)
	worker.Start()

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("store", storeKind).Str("broker", brokerKind).Str("auth", cfg.AuthMode).Msg("API listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := worker.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("webhook worker shutdown")
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

// seedFleet registers the configured fleet. A SEED_FILE wins over the built-in roster.
func seedFleet(ctx context.Context, cfg config.Config, eng *dispatch.Engine, log zerolog.Logger) error {
	var fleet seed.Fleet
	switch {
	case cfg.SeedFile != "":
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		fleet = f
	case cfg.SeedDefault:
		fleet = seed.Default()
	default:
		return nil
	}
	n, err := seed.Apply(ctx, eng, fleet, log)
	if err != nil {
		return err
	}
	log.Info().Int("registered", n).Int("fleet", len(fleet.Drivers)).Msg("drivers seeded")
	return nil
}
