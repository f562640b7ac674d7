package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/collector"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/config"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/logging"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring/tracing"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/pricing"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/proxy"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/runtime"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/server"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

const (
	credentialSyncDelay = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.Setup(cfg.Server.Debug, cfg.Server.LogFile); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	shutdownTracing, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("Tracing initialization failed; continuing without traces")
	}
	defer func() {
		if shutdownTracing != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.WithError(err).Warn("Tracing shutdown failed")
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Invalid timezone configuration: %v", err)
	}

	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		log.Fatalf("Database configuration: %v", err)
	}
	db, err := store.New(dsn)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Initialize(ctx); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	client := proxy.NewClient(cfg.Proxy.BaseURL, cfg.Proxy.ManagementKey)
	prices := pricing.NewResolver()

	delta := collector.NewDeltaEngine(db, prices, loc)
	limits := collector.NewRateLimitEngine(db, loc)
	coll := collector.New(client, delta, limits, db)

	tm := runtime.NewTaskManager(ctx)
	if err := tm.StartPeriodic("usage-collection", cfg.Interval(), coll.RunTick); err != nil {
		log.Fatalf("Failed to start usage collection task: %v", err)
	}
	if err := tm.StartPeriodicDelayed("credential-stats-sync", credentialSyncDelay, cfg.Interval(), coll.SyncCredentialStats); err != nil {
		log.Fatalf("Failed to start credential stats sync task: %v", err)
	}
	log.WithFields(log.Fields{
		"interval": cfg.Interval().String(),
		"timezone": loc.String(),
	}).Info("Background collection tasks scheduled")

	engine := server.BuildEngine(cfg, coll, loc)
	srv := &http.Server{Addr: ":" + cfg.Server.TriggerPort, Handler: engine}
	go func() {
		log.Infof("Trigger API listening on :%s", cfg.Server.TriggerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("trigger server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Trigger server shutdown failed")
	}

	tm.StopAll()
	tm.Wait()
	log.Info("Collector stopped")
}
