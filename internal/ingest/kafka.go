package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"warden/internal/config"
	"warden/internal/model"
)

// StartKafka consumes JSON events from a topic, one event per message.
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
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			ev, err := DecodeLine(m.Value, "kafka")
			if err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "partition", m.Partition, "offset", m.Offset, "err", err)
				}
				continue
			}
			if ev == nil {
				continue
			}
			if ev.ID == "" {
				ev.ID = string(m.Key)
			}
			SendNonBlocking(ctx, out, *ev, logger)
		}
	}()
}
