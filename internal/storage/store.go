package storage

import (
	"context"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// Filter narrows scans. Zero fields match everything.
type Filter struct {
	Statuses        []models.Status
	ServiceType     string
	CustomerPhone   string
	AcceptedByPhone string
}

// Condition is the precondition of an atomic transition. Every non-zero
// field must hold at write time or nothing is written.
type Condition struct {
	Statuses        []models.Status
	AcceptedByPhone *string
	CustomerPhone   *string
	// NoActiveJobFor rejects the write when that phone already owns a
	// request in an active status.
	NoActiveJobFor string
}

type ProviderChange int

const (
	ProviderKeep ProviderChange = iota
	ProviderSet
	ProviderClear
)

// Mutation is what a successful transition writes.
type Mutation struct {
	Status         models.Status
	Provider       ProviderChange
	ProviderPhone  string
	AcceptedAt     *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	ProviderRating *models.Rating
	CustomerRating *models.Rating
}

// RequestStore persists service requests.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	GetMany(ctx context.Context, ids []string) ([]*models.ServiceRequest, error)
	// Find returns one page ordered by createdAt descending plus the total
	// match count. limit <= 0 returns every match.
	Find(ctx context.Context, f Filter, page, limit int) ([]*models.ServiceRequest, int, error)
	// FindOne returns the newest match or nil when nothing matches.
	FindOne(ctx context.Context, f Filter) (*models.ServiceRequest, error)
	// Transition is a compare-and-swap on a single request.
	Transition(ctx context.Context, id string, c Condition, m Mutation) (*models.ServiceRequest, error)
}

// SettingsPatch lists the fields a settings write touches; nil fields keep
// their stored (or default) value.
type SettingsPatch struct {
	NotificationsEnabled *bool
	SoundEnabled         *bool
	MaxDistance          *float64
	IsOnline             *bool
	CurrentLocation      *models.GeoPoint
	LastLocationUpdate   *time.Time
}

// SettingsStore persists provider settings. Rows are created lazily by the
// first upsert and never removed.
type SettingsStore interface {
	GetSettings(ctx context.Context, phone string) (*models.ProviderSettings, error)
	UpsertSettings(ctx context.Context, phone string, p SettingsPatch) (*models.ProviderSettings, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	RequestStore
	SettingsStore
	Close() error
}

func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
