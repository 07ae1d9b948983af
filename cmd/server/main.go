package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/api"
	"github.com/tutorhub/notification-engine/internal/config"
	"github.com/tutorhub/notification-engine/internal/db"
	"github.com/tutorhub/notification-engine/internal/directory"
	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/engine"
	"github.com/tutorhub/notification-engine/internal/events"
	"github.com/tutorhub/notification-engine/internal/metrics"
	"github.com/tutorhub/notification-engine/internal/preference"
	"github.com/tutorhub/notification-engine/internal/ratelimiter"
	"github.com/tutorhub/notification-engine/internal/render"
	"github.com/tutorhub/notification-engine/internal/repository"
	"github.com/tutorhub/notification-engine/internal/scheduler"
	"github.com/tutorhub/notification-engine/internal/sender"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	rdb, err := db.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	repo := repository.NewPgNotificationRepository(pool)
	templates := repository.NewPgTemplateRepository(pool)
	prefs := repository.NewPgPreferenceRepository(pool)

	renderer := render.New()
	checker := preference.NewChecker(prefs, logger)
	limiters := ratelimiter.New(cfg.RateLimit)

	senders := sender.NewRegistry()
	senders.Register(domain.ChannelChat, sender.NewChatSender(cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.SendTimeout))
	senders.Register(domain.ChannelEmail, sender.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom))
	senders.Register(domain.ChannelPush, sender.NewPushSender(cfg.PushGatewayURL, cfg.SendTimeout))
	senders.Register(domain.ChannelSMS, sender.NewSMSSender())

	store := scheduler.NewRedisStore(rdb, "notifications:schedule")
	sched := scheduler.New(store, cfg.SweepInterval, cfg.SweepBackoffMax, logger)

	onSent, onFailed, onBlocked, onRetryScheduled := m.EngineHooks()
	eng := engine.New(repo, templates, checker, renderer, senders, limiters, sched, engine.MetricHooks{
		OnSent:           onSent,
		OnFailed:         onFailed,
		OnBlocked:        onBlocked,
		OnRetryScheduled: onRetryScheduled,
	}, engine.Options{
		SendTimeout:      cfg.SendTimeout,
		RetryDelay:       cfg.RetryDelay,
		BatchConcurrency: cfg.BatchConcurrency,
	}, logger)

	// ---- background loops ----
	// Context for all background goroutines; cancelled on shutdown signal.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	var bg sync.WaitGroup

	bg.Add(1)
	go func() {
		defer bg.Done()
		sched.Run(bgCtx, eng.HandleTask)
	}()

	// Keep the scheduler depth gauge fresh for the scrape endpoint.
	bg.Add(1)
	go func() {
		defer bg.Done()
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if total, _, err := sched.Stats(bgCtx); err == nil {
					m.ScheduledTasks.Set(float64(total))
				}
			}
		}
	}()

	contacts := directory.NewClient(cfg.DirectoryBaseURL, cfg.DirectoryTimeout)
	mapper := events.NewMapper(eng, contacts, func(eventType string) {
		m.EventsConsumed.WithLabelValues(eventType).Inc()
	}, logger)
	consumer := events.NewConsumer(cfg.AMQPURL, cfg.EventExchange, cfg.EventQueue, cfg.Prefetch, mapper.Handle, logger)

	bg.Add(1)
	go func() {
		defer bg.Done()
		consumer.Run(bgCtx)
	}()

	// ---- HTTP server ----
	router := api.NewRouter(eng, sched, repo, renderer, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop the sweep loop and the event consumer.
	cancelBg()

	// 3. Wait for in-flight work to finish.
	bg.Wait()

	logger.Info("server stopped cleanly")
}
