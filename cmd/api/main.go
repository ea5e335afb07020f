package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vendornexus/backend/internal/api"
	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/chain"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/evidence"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/messaging"
	"github.com/vendornexus/backend/internal/metrics"
	"github.com/vendornexus/backend/internal/notify"
	"github.com/vendornexus/backend/internal/ops"
	"github.com/vendornexus/backend/internal/storage"
	"github.com/vendornexus/backend/internal/tenancy"
	"github.com/vendornexus/backend/internal/webhooks"
)

// Exit codes: 1 configuration, 2 database, 3 blob storage.
const (
	exitConfig  = 1
	exitDB      = 2
	exitStorage = 3
)

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[Main] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("configuration: %v", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := ids.SystemClock()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Printf("opening database: %v", err)
		os.Exit(exitDB)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.Printf("database ping: %v", err)
		os.Exit(exitDB)
	}
	store := database.NewPostgresFromDB(db, clock)

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Printf("storage gateway: %v", err)
		os.Exit(exitStorage)
	}
	if err := blobs.Healthy(ctx); err != nil {
		logger.Printf("storage health: %v", err)
		os.Exit(exitStorage)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// With a Pub/Sub project configured every event is also exported to the
	// topic; the local bus still feeds websocket push and webhook delivery.
	var bus events.Emitter
	var localBus *events.Bus
	if cfg.PubSubProjectID != "" {
		psBus, err := events.NewPubSubBus(cfg.PubSubProjectID, cfg.PubSubTopic)
		if err != nil {
			logger.Printf("pubsub: %v, falling back to in-memory bus", err)
			localBus = events.NewBus()
			bus = localBus
		} else {
			defer psBus.Close()
			localBus = psBus.Bus
			bus = psBus
		}
	} else {
		localBus = events.NewBus()
		bus = localBus
	}

	var cache notify.Cache
	if cfg.RedisAddr != "" {
		rc, err := notify.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Printf("redis: %v, unread counts will hit the database", err)
		} else {
			defer rc.Close()
			cache = rc
		}
	}

	hub := notify.NewHub(cfg.AllowedOrigins, cfg.IsProduction(), m)
	notifySvc := notify.NewService(store, clock, hub, cache, m)
	authSvc := auth.NewService(store, clock, cfg)
	tenancySvc := tenancy.NewService(store, authSvc, notifySvc, bus, clock, cfg)
	caseSvc := cases.NewService(store, notifySvc, bus, clock, m)
	msgSvc := messaging.NewService(store, notifySvc, bus, clock)
	msgSvc.SetClassifier(messaging.RefHintClassifier{})
	appender := chain.NewAppender(store, clock, m)
	evidenceSvc := evidence.NewService(store, blobs, appender, caseSvc, notifySvc, bus, clock, m)
	evidenceSvc.SetURLTTL(cfg.Storage.URLTTL)

	registry := webhooks.NewRegistry(store, clock)
	dispatcher := webhooks.NewDispatcher(registry, cfg.Tuning.WebhookWorkers, m)
	if cfg.TasksProjectID != "" {
		cloud, err := webhooks.NewCloudDispatcher(registry, cfg.TasksProjectID, cfg.TasksLocation, cfg.TasksQueue, dispatcher)
		if err != nil {
			logger.Printf("cloud tasks: %v, delivering webhooks in-process", err)
			go dispatcher.Run(ctx, localBus)
		} else {
			defer cloud.Shutdown()
			go cloud.Run(ctx, localBus)
		}
	} else {
		go dispatcher.Run(ctx, localBus)
	}
	defer dispatcher.Shutdown()

	go authSvc.RunSweeper(ctx, time.Hour)

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     store,
		Blobs:     blobs,
		Auth:      authSvc,
		Tenancy:   tenancySvc,
		Cases:     caseSvc,
		Messaging: msgSvc,
		Evidence:  evidenceSvc,
		Notify:    notifySvc,
		Hub:       hub,
		Ops:       ops.NewService(store),
		Webhooks:  registry,
		Appender:  appender,
		Metrics:   m,
	})

	if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
		logger.Printf("server: %v", err)
		os.Exit(exitConfig)
	}
	logger.Println("bye")
}
