package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/account"
	"github.com/unclebandit/campaign-engine/internal/config"
	"github.com/unclebandit/campaign-engine/internal/controller"
	"github.com/unclebandit/campaign-engine/internal/db"
	"github.com/unclebandit/campaign-engine/internal/events"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/provider"
	"github.com/unclebandit/campaign-engine/internal/quota"
	"github.com/unclebandit/campaign-engine/internal/ratelimit"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/scheduler"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.AppEnv == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	conn, err := db.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(conn, "migrations"); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	quotaRepo := &repository.QuotaRepository{DB: conn}
	lockRepo := &repository.LockRepository{DB: conn}

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		limiter = ratelimit.NewRedisSlidingWindow(rdb, time.Minute, cfg.SendsPerMinute)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, logger)
		if err != nil {
			logger.Fatal("amqp connection failed", zap.Error(err))
		}
		defer p.Close()
		publisher = p
	}

	var sender provider.Provider
	if cfg.ProviderBaseURL != "" {
		sender = provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.SendTimeout)
	} else {
		sender = provider.NewConsole(logger)
	}

	// A real deployment wires the account service client here; the static
	// resolver carries a demo account for local use.
	resolver := account.NewStaticResolver(model.AccountContext{
		AccountID: "acc-demo",
		TenantID:  "tenant-demo",
		PlanLimits: map[string]int64{
			model.QuotaMessagesPerDay:   1000,
			model.QuotaMessagesPerMonth: 10000,
		},
		Credentials: model.ProviderCredentials{PhoneNumberID: "demo-number"},
	})

	gate := quota.NewGate(quotaRepo, logger)

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	sched := scheduler.New(instanceID, campaignRepo, lockRepo, gate, resolver,
		sender, limiter, publisher, scheduler.Config{
			PollInterval: cfg.PollInterval,
			LockTTL:      cfg.LockTTL,
			Worker: scheduler.WorkerConfig{
				BatchSize:   cfg.BatchSize,
				MaxAttempts: cfg.MaxAttempts,
				BackoffBase: cfg.BackoffBase,
				BackoffMax:  cfg.BackoffMax,
				SendTimeout: cfg.SendTimeout,
			},
		}, logger)

	sync := scheduler.NewSynchronizer(campaignRepo, lockRepo, sched, publisher,
		cfg.SyncInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go sync.Run(ctx)

	campaignController := &controller.CampaignController{
		Store:     campaignRepo,
		Scheduler: sched,
		Logger:    logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Route("/", campaignController.Routes)

	srv := &http.Server{Addr: cfg.APIAddr, Handler: router}
	go func() {
		logger.Info("server running", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
