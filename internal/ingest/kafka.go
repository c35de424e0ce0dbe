package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StartKafka consumes beacon events from a topic shared by several
// gateways. Offsets are committed once the event has been handed to the
// engine channel or dropped as unparseable.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	go consumeKafka(ctx, reader, cfg, out, logger)
}

func consumeKafka(ctx context.Context, reader messageReader, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) {
	defer reader.Close()
	parser := NewParser()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 0) {
				return
			}
			continue
		}
		forwardLine(ctx, string(m.Value), "kafka", cfg, parser, out, logger)
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
			logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}
