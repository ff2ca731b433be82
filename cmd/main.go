package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/cache"
	"github.com/sharemeal/backend/internal/db"
	"github.com/sharemeal/backend/internal/fulfillment"
	"github.com/sharemeal/backend/internal/gateway"
	"github.com/sharemeal/backend/internal/importer"
	"github.com/sharemeal/backend/internal/kafka"
	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/logger"
	"github.com/sharemeal/backend/internal/repository/postgresql"
	"github.com/sharemeal/backend/internal/server"
)

const overviewTTL = 30 * time.Second

func main() {
	log := logger.New()
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db.LoadEnv()

	database, err := db.NewDb(ctx)
	if err != nil {
		log.Fatal("database init", zap.Error(err))
	}
	defer database.GetPool().Close()

	if err := db.SeedAdmin(ctx, database); err != nil {
		log.Fatal("seeding admin user", zap.Error(err))
	}

	ledgerStore := postgresql.NewLedgerStore(database)
	fulfillmentStore := postgresql.NewFulfillmentStore(database)
	userRepo := postgresql.NewUserRepo(database)
	outboxRepo := postgresql.NewOutboxTaskRepo(database)

	producer := newProducer(log)
	publisher := kafka.NewPublisher(outboxRepo, producer, kafka.PublisherConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
	}, log)
	go publisher.Run(ctx)

	ledgerSvc := ledger.NewService(ledgerStore, log)
	fulfillmentSvc := fulfillment.NewService(fulfillmentStore, kafka.NewOutboxSink(outboxRepo), log)
	importerSvc := importer.NewService(ledgerSvc, log)
	gatewayClient := gateway.NewClient(gateway.ConfigFromEnv(), log)
	overview := cache.NewOverview(ledgerSvc, overviewTTL)

	srv := server.New(ledgerSvc, fulfillmentSvc, importerSvc, gatewayClient, overview, userRepo, log)

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "9000"
	}
	if err := srv.Run(ctx, port); err != nil {
		log.Fatal("server run", zap.Error(err))
	}

	publisher.Shutdown()
}

func newProducer(log *zap.Logger) kafka.Producer {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		log.Warn("KAFKA_BROKERS not set, using console producer")
		return kafka.NewConsoleProducer(log)
	}
	return kafka.NewWriterProducer(strings.Split(brokers, ","), log)
}
