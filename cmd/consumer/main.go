package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	segmentio "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/kafka"
	"github.com/sharemeal/backend/internal/logger"
)

const groupID = "shipment-events-consumer-group"

func main() {
	log := logger.New()
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}

	reader := segmentio.NewReader(segmentio.ReaderConfig{
		Brokers:        strings.Split(brokers, ","),
		GroupID:        groupID,
		Topic:          kafka.ShipmentEventsTopic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Error("closing kafka reader", zap.Error(err))
		}
	}()

	log.Info("consumer started",
		zap.String("topic", kafka.ShipmentEventsTopic),
		zap.String("brokers", brokers))

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("consumer stopping")
				return
			}
			log.Error("reading message", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		log.Info("shipment event",
			zap.Time("timestamp", msg.Time),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("key", msg.Key),
			zap.ByteString("value", msg.Value))
	}
}
