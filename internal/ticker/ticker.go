package ticker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/alerts"
	"github.com/dennisdiepolder/monti/router/internal/metrics"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/rs/zerolog"
)

// StatsSource returns the current queue snapshot
type StatsSource interface {
	QueueStats(ctx context.Context) (types.QueueStats, error)
}

// ServiceLeveler reports the in-process scheduler's service level
type ServiceLeveler interface {
	ServiceLevel() types.ServiceLevel
}

// Broadcaster fans a message out to dashboard clients
type Broadcaster interface {
	Broadcast(message []byte)
	ClientCount() int
}

// Options wires a Ticker. SL and Metrics may be nil.
type Options struct {
	Stats      StatsSource
	SL         ServiceLeveler
	Hub        Broadcaster
	Metrics    *metrics.Metrics
	Thresholds alerts.Thresholds
	Interval   time.Duration
}

// Ticker periodically publishes queue statistics and alerts to the hub
type Ticker struct {
	stats      StatsSource
	sl         ServiceLeveler
	hub        Broadcaster
	metrics    *metrics.Metrics
	thresholds alerts.Thresholds
	interval   time.Duration
	logger     zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(opts Options, logger zerolog.Logger) *Ticker {
	return &Ticker{
		stats:      opts.Stats,
		sl:         opts.SL,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		thresholds: opts.Thresholds,
		interval:   opts.Interval,
		logger:     logger.With().Str("component", "stats_ticker").Logger(),
	}
}

// Start publishes a snapshot every interval until ctx is done
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case now := <-ticker.C:
			if err := t.Publish(ctx, now); err != nil {
				t.logger.Warn().Err(err).Msg("failed to publish queue stats")
			}
		}
	}
}

// Publish builds one QueueStatsMessage and broadcasts it
func (t *Ticker) Publish(ctx context.Context, now time.Time) error {
	stats, err := t.stats.QueueStats(ctx)
	if err != nil {
		return err
	}
	if t.sl != nil {
		stats.ServiceLevel = t.sl.ServiceLevel()
	}
	t.metrics.UpdateQueueStats(stats)

	message := types.QueueStatsMessage{
		Type:      types.MsgQueueStats,
		Stats:     stats,
		Alerts:    alerts.CheckQueueAlerts(stats, t.thresholds),
		Timestamp: now.UTC(),
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	t.hub.Broadcast(data)
	t.logger.Debug().
		Int("waiting", stats.WaitingCount).
		Int("alerts", len(message.Alerts)).
		Int("clients", t.hub.ClientCount()).
		Msg("broadcasted queue stats")
	return nil
}
