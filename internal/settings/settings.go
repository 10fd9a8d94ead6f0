// Package settings owns provider preferences: availability, search radius
// and last known position.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/example/service-dispatch/internal/activity"
	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/cache"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Invalidator is the slice of the cache this package needs.
type Invalidator interface {
	Clear(pattern string) int
}

// Update is a partial settings write. Nil fields are left alone.
type Update struct {
	NotificationsEnabled *bool    `json:"notificationsEnabled"`
	SoundEnabled         *bool    `json:"soundEnabled"`
	MaxDistance          *float64 `json:"maxDistance"`
}

type Service struct {
	store storage.SettingsStore
	cache Invalidator
	sink  activity.Sink
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store storage.SettingsStore, c Invalidator, sink activity.Sink, log *slog.Logger) *Service {
	if sink == nil {
		sink = activity.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, cache: c, sink: sink, log: log, now: time.Now}
}

// Get returns stored settings, or defaults when the provider never wrote any.
// Defaults are not persisted.
func (s *Service) Get(ctx context.Context, phone string) (*models.ProviderSettings, error) {
	phone, err := requirePhone(phone)
	if err != nil {
		return nil, err
	}
	out, err := s.store.GetSettings(ctx, phone)
	if errors.Is(err, apperrors.ErrNotFound) {
		d := models.DefaultSettings(phone)
		return &d, nil
	}
	return out, err
}

func (s *Service) Update(ctx context.Context, phone string, u Update) (*models.ProviderSettings, error) {
	phone, err := requirePhone(phone)
	if err != nil {
		return nil, err
	}
	if u.MaxDistance != nil && (math.IsNaN(*u.MaxDistance) || math.IsInf(*u.MaxDistance, 0)) {
		return nil, apperrors.New(apperrors.ErrValidation, "maxDistance must be a number")
	}
	out, err := s.store.UpsertSettings(ctx, phone, storage.SettingsPatch{
		NotificationsEnabled: u.NotificationsEnabled,
		SoundEnabled:         u.SoundEnabled,
		MaxDistance:          u.MaxDistance,
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, phone, activity.ActionSettingsUpdate, map[string]any{"maxDistance": out.MaxDistance})
	return out, nil
}

// SetStatus accepts "online" or "offline".
func (s *Service) SetStatus(ctx context.Context, phone, status string) (*models.ProviderSettings, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusOnline:
		return s.SetOnline(ctx, phone, true)
	case StatusOffline:
		return s.SetOnline(ctx, phone, false)
	case "":
		return nil, apperrors.New(apperrors.ErrValidation, "status is required")
	}
	return nil, apperrors.New(apperrors.ErrValidation, "status must be online or offline")
}

func (s *Service) SetOnline(ctx context.Context, phone string, online bool) (*models.ProviderSettings, error) {
	phone, err := requirePhone(phone)
	if err != nil {
		return nil, err
	}
	out, err := s.store.UpsertSettings(ctx, phone, storage.SettingsPatch{IsOnline: &online})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, phone, activity.ActionStatusChange, map[string]any{"online": online})
	return out, nil
}

// UpdateLocation stores the provider position. A zero at stamps it with the
// current time.
func (s *Service) UpdateLocation(ctx context.Context, phone string, pos models.LatLng, at time.Time) (*models.ProviderSettings, error) {
	phone, err := requirePhone(phone)
	if err != nil {
		return nil, err
	}
	if err := ValidatePosition(pos); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	p := pos.GeoPoint()
	out, err := s.store.UpsertSettings(ctx, phone, storage.SettingsPatch{CurrentLocation: &p, LastLocationUpdate: &at})
	if err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("direct", "error").Inc()
		return nil, err
	}
	observability.LocationUpdatesTotal.WithLabelValues("direct", "ok").Inc()
	s.afterWrite(ctx, phone, activity.ActionLocationUpdate, nil)
	return out, nil
}

func (s *Service) afterWrite(ctx context.Context, phone, action string, meta map[string]any) {
	if s.cache != nil {
		s.cache.Clear(cache.ProviderStatsKey(phone))
	}
	s.sink.Record(ctx, models.ActivityEntry{Action: action, ActorPhone: phone, Metadata: meta, At: s.now().UTC()})
	s.log.DebugContext(ctx, "provider settings written", "phone", phone, "action", action)
}

func requirePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", apperrors.New(apperrors.ErrValidation, "phone is required")
	}
	return phone, nil
}

// ValidatePosition is shared with callers that publish positions instead of
// writing them.
func ValidatePosition(pos models.LatLng) error {
	if math.IsNaN(pos.Lat) || math.IsNaN(pos.Lng) || !pos.Valid() {
		return apperrors.New(apperrors.ErrValidation, "invalid coordinates")
	}
	return nil
}
