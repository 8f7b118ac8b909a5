// Package ingest feeds events from external sources into the engine channel.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"warden/internal/metrics"
	"warden/internal/model"
)

// SendNonBlocking enqueues ev unless the channel is full, in which case the event
// is dropped and counted.
func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.ObserveDrop("channel_full")
		if logger != nil {
			logger.Warn("event channel full, dropping event", "guild_id", ev.GuildID, "kind", string(ev.Kind), "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
