// Package activity records who did what to which request. Recording never
// fails the operation that triggered it.
package activity

import (
	"context"
	"log/slog"

	"github.com/example/service-dispatch/internal/models"
)

const (
	ActionCreate           = "request.create"
	ActionAccept           = "request.accept"
	ActionOnTheWay         = "request.on_the_way"
	ActionInProgress       = "request.in_progress"
	ActionComplete         = "request.complete"
	ActionCancelByCustomer = "request.cancel_by_customer"
	ActionCancelByProvider = "request.cancel_by_provider"
	ActionRateProvider     = "request.rate_provider"
	ActionRateCustomer     = "request.rate_customer"
	ActionSettingsUpdate   = "provider.settings_update"
	ActionStatusChange     = "provider.status_change"
	ActionLocationUpdate   = "provider.location_update"
)

type Sink interface {
	Record(ctx context.Context, e models.ActivityEntry)
}

type Nop struct{}

func (Nop) Record(context.Context, models.ActivityEntry) {}

// LogSink writes entries as structured log lines.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Record(ctx context.Context, e models.ActivityEntry) {
	s.log.LogAttrs(ctx, slog.LevelInfo, "activity",
		slog.String("action", e.Action),
		slog.String("actor", e.ActorPhone),
		slog.String("request_id", e.RequestID),
		slog.Any("metadata", e.Metadata),
	)
}

type Publisher interface {
	PublishActivity(ctx context.Context, e models.ActivityEntry) error
}

// PublisherSink forwards entries to a message bus and only logs failures.
type PublisherSink struct {
	pub Publisher
	log *slog.Logger
}

func NewPublisherSink(pub Publisher, log *slog.Logger) *PublisherSink {
	return &PublisherSink{pub: pub, log: log}
}

func (s *PublisherSink) Record(ctx context.Context, e models.ActivityEntry) {
	if err := s.pub.PublishActivity(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("activity publish failed", "action", e.Action, "request_id", e.RequestID, "err", err)
	}
}

// Multi fans an entry out to every sink in order.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e models.ActivityEntry) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}
