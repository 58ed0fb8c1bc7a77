package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hray3182/remindline/internal/ai"
	"github.com/hray3182/remindline/internal/bot"
	"github.com/hray3182/remindline/internal/bot/handlers"
	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/config"
	"github.com/hray3182/remindline/internal/database"
	"github.com/hray3182/remindline/internal/delivery"
	"github.com/hray3182/remindline/internal/logging"
	"github.com/hray3182/remindline/internal/messenger"
	"github.com/hray3182/remindline/internal/metrics"
	"github.com/hray3182/remindline/internal/reconciler"
	"github.com/hray3182/remindline/internal/repository"
	"github.com/hray3182/remindline/internal/scheduler"
	"github.com/hray3182/remindline/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logging.New("info", true)
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("remindline stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseURI, log)
	if err != nil {
		return errors.Wrap(err, "connect database")
	}
	defer db.Close()
	log.Info().Msg("connected to database")

	if err := db.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrate")
	}

	sink := newMetricsSink(ctx, cfg.MetricsAddr, log)
	clk := clock.New()

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return errors.Wrap(err, "create telegram client")
	}
	sender := messenger.New(api, cfg.Delivery.SendRatePerSecond, log)

	reminderRepo := repository.NewReminderRepository(db)
	userRepo := repository.NewUserRepository(db)

	coordinator := delivery.NewCoordinator(
		delivery.Config{Concurrency: cfg.Delivery.Concurrency},
		reminderRepo, userRepo, sender, clk, sink, log,
	)
	engine := scheduler.New(
		scheduler.Config{GraceWindow: cfg.Scheduler.GraceWindow, FireTimeout: cfg.Scheduler.FireTimeout},
		reminderRepo, coordinator, clk, sink, log,
	)
	reminders := service.New(reminderRepo, userRepo, engine, clk, log)

	var parser handlers.IntentParser
	if cfg.AI.APIKey != "" {
		parser = ai.New(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model, log)
		log.Info().Str("model", cfg.AI.Model).Msg("AI client initialized")
	} else {
		log.Warn().Msg("AI client not configured, natural language input disabled")
	}

	h := handlers.New(reminders, userRepo, parser, sender, clk, cfg.DefaultTimezone, log)
	b := bot.New(api, h, log)

	rec, err := reconciler.New(engine, cfg.ReconcileInterval, clk, sink, log)
	if err != nil {
		return err
	}

	// persisted reminders are armed before the bot takes updates
	if err := engine.Start(ctx); err != nil {
		return err
	}
	rec.Start()

	log.Info().Msg("starting bot")
	botErr := b.Start(ctx)

	log.Info().Msg("shutting down")
	if err := rec.Stop(); err != nil {
		log.Warn().Err(err).Msg("reconciler shutdown")
	}
	engine.Stop()
	if botErr != nil && !errors.Is(botErr, context.Canceled) {
		return botErr
	}
	return nil
}

func newMetricsSink(ctx context.Context, addr string, log zerolog.Logger) metrics.Sink {
	if addr == "" {
		return metrics.NewNoopSink()
	}

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return sink
}
