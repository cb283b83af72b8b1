package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/engine"
	"github.com/flowforge/goalalign/pkg/eventbus"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/logging"
	"github.com/flowforge/goalalign/pkg/reconciler"
	"github.com/flowforge/goalalign/pkg/store/postgres"
	redisclient "github.com/flowforge/goalalign/pkg/store/redis"
)

const dedupeTTL = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.Logging, "reconciler")
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redis, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	eng := engine.New(engine.Options{
		Store:  db,
		Config: cfg,
		Logger: logger,
		Redis:  redis.Universal(),
	})
	go eng.Run(ctx)

	worker := reconciler.NewWorker(db, eng.Rollup, eng.Settings, logger.Named("worker"), cfg.Rollup.ReconcileInterval)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconcile loop stopped", zap.Error(err))
		}
	}()

	if len(cfg.Kafka.Brokers) > 0 {
		producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			EventTopic: cfg.Kafka.EventTopic,
			RetryTopic: cfg.Kafka.RetryTopic,
			DLQTopic:   cfg.Kafka.DLQTopic,
		})
		defer producer.Close()

		consumer := eventbus.NewKafkaConsumer(eventbus.KafkaConsumerConfig{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			GroupID:    "goalalign-reconciler",
			EventTopic: cfg.Kafka.EventTopic,
			RetryTopic: cfg.Kafka.RetryTopic,
			DLQTopic:   cfg.Kafka.DLQTopic,
			MaxRetries: cfg.Rollup.MaxRetries,
			EventTypes: []string{events.TypeSettingsUpdated, events.TypeGoalAlignmentChanged},
		}, producer, worker.HandleMessage, eventbus.NewMemoryDeduper(dedupeTTL))
		defer consumer.Close()

		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event consumer stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("kafka not configured, running periodic sweeps only")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}

	go func() {
		logger.Info("Starting reconciler metrics endpoint", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Metrics endpoint error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down reconciler...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics endpoint forced to shutdown", zap.Error(err))
	}
}
