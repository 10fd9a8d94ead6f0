// Package matcher builds the feed of pending requests a provider sees.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

const (
	FallbackNoCoordinates = "no_coordinates"
	FallbackIndexError    = "index_error"
	FallbackNoIndex       = "no_index"

	ReasonOffline = "provider is offline"

	PositionQuery  = "query"
	PositionStored = "stored"

	defaultLocationMaxAge = 15 * time.Minute
)

type Service struct {
	Store    storage.RequestStore
	Settings storage.SettingsStore
	Index    geo.Index // optional; without it every feed is a fallback scan
	Log      *slog.Logger

	DefaultRadiusKm float64
	ResultLimit     int
	CandidateLimit  int
	// LocationMaxAge bounds how old a stored provider position may be and
	// still stand in for missing query coordinates.
	LocationMaxAge time.Duration

	Now func() time.Time
}

type Query struct {
	ProviderPhone string
	Position      *models.LatLng
	ServiceType   string
	RadiusKm      *float64
}

type Result struct {
	Requests       []models.RequestView `json:"requests"`
	Active         bool                 `json:"active"`
	RadiusKm       float64              `json:"radiusKm"`
	Fallback       bool                 `json:"fallback"`
	FallbackReason string               `json:"fallbackReason,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	PositionSource string               `json:"positionSource,omitempty"`
}

// ForProvider returns the provider's active job if one exists, otherwise
// pending requests around them. Without query coordinates a recent stored
// position is used. A failing geo index degrades to a plain newest-first
// scan instead of an error.
func (s *Service) ForProvider(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	phone := strings.TrimSpace(q.ProviderPhone)
	if phone == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "phone is required")
	}
	if q.Position != nil && !q.Position.Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, "invalid coordinates")
	}
	if q.RadiusKm != nil && (math.IsNaN(*q.RadiusKm) || *q.RadiusKm <= 0) {
		return nil, apperrors.New(apperrors.ErrValidation, "maxKm must be positive")
	}

	active, err := s.Store.FindOne(ctx, storage.Filter{Statuses: models.ActiveStatuses, AcceptedByPhone: phone})
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &Result{Requests: s.annotate([]*models.ServiceRequest{active}, q.Position), Active: true}, nil
	}

	settings, err := s.Settings.GetSettings(ctx, phone)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	res := &Result{RadiusKm: s.radius(q.RadiusKm, settings), Requests: []models.RequestView{}}
	if settings != nil && !settings.IsOnline {
		res.Reason = ReasonOffline
		return res, nil
	}

	pos := q.Position
	if pos != nil {
		res.PositionSource = PositionQuery
	} else if settings != nil && settings.IsLocationFresh(s.now(), s.locationMaxAge()) {
		ll := settings.CurrentLocation.LatLng()
		pos = &ll
		res.PositionSource = PositionStored
	}

	filter := storage.Filter{Statuses: []models.Status{models.StatusPending}, ServiceType: strings.TrimSpace(q.ServiceType)}
	var found []*models.ServiceRequest
	switch {
	case pos == nil:
		res.FallbackReason = FallbackNoCoordinates
	case s.Index == nil:
		res.FallbackReason = FallbackNoIndex
	default:
		found, err = s.nearby(ctx, pos.GeoPoint(), res.RadiusKm, filter)
		if err != nil {
			s.logger().WarnContext(ctx, "geo query failed, falling back to pending scan", "phone", phone, "err", err)
			res.FallbackReason = FallbackIndexError
		}
	}
	if res.FallbackReason != "" {
		res.Fallback = true
		observability.GeoFallbackTotal.WithLabelValues(res.FallbackReason).Inc()
		found, _, err = s.Store.Find(ctx, filter, 1, s.resultLimit())
		if err != nil {
			return nil, err
		}
	}
	res.Requests = s.annotate(found, pos)
	return res, nil
}

// nearby walks the index outward from center, widening the window until
// enough live matches are found or the radius holds no more members. Status
// and type filters run on every window, so non-matching neighbours cannot
// crowd matches out of the result.
func (s *Service) nearby(ctx context.Context, center models.GeoPoint, radiusKm float64, f storage.Filter) ([]*models.ServiceRequest, error) {
	want := s.resultLimit()
	window := s.candidateLimit()
	seen := make(map[string]struct{}, window)
	out := make([]*models.ServiceRequest, 0, want)
	for {
		hits, err := s.Index.Nearby(ctx, center, radiusKm*1000, window)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			ids = append(ids, h.ID)
		}
		if len(ids) > 0 {
			// GetMany keeps index order, which is closest first
			loaded, err := s.Store.GetMany(ctx, ids)
			if err != nil {
				return nil, err
			}
			s.pruneMissing(ctx, ids, loaded)
			for _, r := range loaded {
				if r.Status != models.StatusPending {
					s.prune(ctx, r.ID)
					continue
				}
				if f.ServiceType != "" && r.ServiceType != f.ServiceType {
					continue
				}
				out = append(out, r)
				if len(out) == want {
					return out, nil
				}
			}
		}
		if len(hits) < window {
			return out, nil
		}
		window *= 2
	}
}

// pruneMissing drops index members the store has no row for.
func (s *Service) pruneMissing(ctx context.Context, ids []string, loaded []*models.ServiceRequest) {
	if len(loaded) == len(ids) {
		return
	}
	have := make(map[string]struct{}, len(loaded))
	for _, r := range loaded {
		have[r.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			s.prune(ctx, id)
		}
	}
}

func (s *Service) prune(ctx context.Context, id string) {
	if err := s.Index.Remove(ctx, id); err != nil {
		s.logger().DebugContext(ctx, "stale index member not pruned", "request_id", id, "err", err)
	}
}

// annotate converts to the API shape and attaches haversine distance from
// the provider, whatever order the requests arrived in.
func (s *Service) annotate(items []*models.ServiceRequest, from *models.LatLng) []models.RequestView {
	out := make([]models.RequestView, 0, len(items))
	for _, r := range items {
		v := r.View()
		if from != nil && r.Location != nil {
			d := geo.HaversineKm(from.GeoPoint(), *r.Location)
			v.Distance = &d
		}
		out = append(out, v)
	}
	return out
}

func (s *Service) radius(requested *float64, settings *models.ProviderSettings) float64 {
	switch {
	case requested != nil:
		return *requested
	case settings != nil && settings.MaxDistance > 0:
		return settings.MaxDistance
	case s.DefaultRadiusKm > 0:
		return s.DefaultRadiusKm
	}
	return models.DefaultMaxDistanceKm
}

func (s *Service) resultLimit() int {
	if s.ResultLimit > 0 {
		return s.ResultLimit
	}
	return 20
}

func (s *Service) candidateLimit() int {
	if s.CandidateLimit >= s.resultLimit() {
		return s.CandidateLimit
	}
	return s.resultLimit() * 5
}

func (s *Service) locationMaxAge() time.Duration {
	if s.LocationMaxAge > 0 {
		return s.LocationMaxAge
	}
	return defaultLocationMaxAge
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
