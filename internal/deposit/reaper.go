package deposit

import (
	"context"
	"log/slog"
	"time"

	"slipdesk/internal/common/events"
)

// ReaperConfig holds expiration reaper configuration.
type ReaperConfig struct {
	Interval     time.Duration `envconfig:"REAPER_INTERVAL" default:"1h"`
	InitialDelay time.Duration `envconfig:"REAPER_INITIAL_DELAY" default:"30s"`
}

// Reaper sweeps overdue deposit requests into expired. The sweep is one
// conditional bulk update, so overlapping runs and concurrent user
// transitions are safe without coordination.
type Reaper struct {
	cfg       ReaperConfig
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewReaper creates a new expiration reaper.
func NewReaper(cfg ReaperConfig, store Store, publisher events.Publisher, logger *slog.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: store, publisher: publisher, logger: logger}
}

// Run sweeps on a ticker until ctx is cancelled. The first sweep runs
// after a short delay so startup traffic settles first.
func (r *Reaper) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.InitialDelay):
	}
	r.Sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires all overdue requests, emitting one event per expired
// request plus a sweep summary.
func (r *Reaper) Sweep(ctx context.Context) {
	expired, err := r.store.ExpireOverdue(ctx)
	if err != nil {
		r.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	r.logger.Info("expired overdue deposit requests", "count", len(expired))

	if r.publisher == nil {
		return
	}
	for _, e := range expired {
		r.publishEvent(ctx, events.EventDepositExpired, e.ID,
			events.DepositExpiredData{RequestID: e.ID, UserID: e.UserID})
	}
	r.publishEvent(ctx, events.EventDepositsSwept, "sweep",
		events.DepositsSweptData{ExpiredCount: int64(len(expired)), SweptAt: time.Now().UTC()})
}

func (r *Reaper) publishEvent(ctx context.Context, eventType, aggregateID string, data interface{}) {
	event, err := events.NewEvent(eventType, "deposit_request", aggregateID, data)
	if err != nil {
		r.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
