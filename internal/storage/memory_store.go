package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/models"
)

// MemoryStore keeps everything in process. A single mutex makes every
// Transition an atomic compare-and-swap.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string]*models.ServiceRequest
	settings   map[string]*models.ProviderSettings
	now        func() time.Time
	// lastCreate keeps createdAt strictly increasing so newest-first is total
	lastCreate time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		settings: make(map[string]*models.ProviderSettings),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !now.After(m.lastCreate) {
		now = m.lastCreate.Add(time.Nanosecond)
	}
	m.lastCreate = now
	r.ID = uuid.NewString()
	r.Status = models.StatusPending
	r.CreatedAt = now
	r.UpdatedAt = now
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "request not found")
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetMany(_ context.Context, ids []string) ([]*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ServiceRequest, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.requests[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Find(_ context.Context, f Filter, page, limit int) ([]*models.ServiceRequest, int, error) {
	m.mu.RLock()
	matched := make([]*models.ServiceRequest, 0)
	for _, r := range m.requests {
		if matchFilter(r, f) {
			matched = append(matched, r)
		}
	}
	sortNewestFirst(matched)
	total := len(matched)
	if limit > 0 {
		start := offset(page, limit)
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	out := make([]*models.ServiceRequest, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	m.mu.RUnlock()
	return out, total, nil
}

func (m *MemoryStore) FindOne(ctx context.Context, f Filter) (*models.ServiceRequest, error) {
	items, _, err := m.Find(ctx, f, 1, 1)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, c Condition, mu Mutation) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "request not found")
	}
	if len(c.Statuses) > 0 && !containsStatus(c.Statuses, r.Status) {
		return nil, apperrors.New(apperrors.ErrConflict, "request status changed to "+string(r.Status))
	}
	if c.AcceptedByPhone != nil && (r.AcceptedByPhone == nil || *r.AcceptedByPhone != *c.AcceptedByPhone) {
		return nil, apperrors.New(apperrors.ErrConflict, "request is no longer held by this provider")
	}
	if c.CustomerPhone != nil && (r.CustomerPhone == nil || *r.CustomerPhone != *c.CustomerPhone) {
		return nil, apperrors.New(apperrors.ErrConflict, "request customer mismatch")
	}
	if c.NoActiveJobFor != "" {
		for _, other := range m.requests {
			if other.AcceptedByPhone != nil && *other.AcceptedByPhone == c.NoActiveJobFor &&
				containsStatus(models.ActiveStatuses, other.Status) {
				return nil, apperrors.ErrActiveJob
			}
		}
	}

	next := r.Clone()
	applyMutation(next, mu, m.now())
	m.requests[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) GetSettings(_ context.Context, phone string) (*models.ProviderSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[phone]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "settings not found")
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpsertSettings(_ context.Context, phone string, p SettingsPatch) (*models.ProviderSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s, ok := m.settings[phone]
	if !ok {
		d := models.DefaultSettings(phone)
		d.CreatedAt = now
		s = &d
		m.settings[phone] = s
	}
	applyPatch(s, p)
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Close() error { return nil }

func matchFilter(r *models.ServiceRequest, f Filter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if f.ServiceType != "" && r.ServiceType != f.ServiceType {
		return false
	}
	if f.CustomerPhone != "" && (r.CustomerPhone == nil || *r.CustomerPhone != f.CustomerPhone) {
		return false
	}
	if f.AcceptedByPhone != "" && (r.AcceptedByPhone == nil || *r.AcceptedByPhone != f.AcceptedByPhone) {
		return false
	}
	return true
}

func sortNewestFirst(items []*models.ServiceRequest) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func applyMutation(r *models.ServiceRequest, mu Mutation, now time.Time) {
	if mu.Status != "" {
		r.Status = mu.Status
	}
	switch mu.Provider {
	case ProviderSet:
		p := mu.ProviderPhone
		r.AcceptedByPhone = &p
	case ProviderClear:
		r.AcceptedByPhone = nil
	}
	if mu.AcceptedAt != nil {
		r.AcceptedAt = mu.AcceptedAt
	}
	if mu.CompletedAt != nil {
		r.CompletedAt = mu.CompletedAt
	}
	if mu.CancelledAt != nil {
		r.CancelledAt = mu.CancelledAt
	}
	if mu.ProviderRating != nil {
		pr := *mu.ProviderRating
		r.ProviderRating = &pr
	}
	if mu.CustomerRating != nil {
		cr := *mu.CustomerRating
		r.CustomerRating = &cr
	}
	r.UpdatedAt = now
}

func applyPatch(s *models.ProviderSettings, p SettingsPatch) {
	if p.NotificationsEnabled != nil {
		s.NotificationsEnabled = *p.NotificationsEnabled
	}
	if p.SoundEnabled != nil {
		s.SoundEnabled = *p.SoundEnabled
	}
	if p.MaxDistance != nil {
		s.MaxDistance = models.ClampMaxDistance(*p.MaxDistance)
	}
	if p.IsOnline != nil {
		s.IsOnline = *p.IsOnline
	}
	if p.CurrentLocation != nil {
		loc := *p.CurrentLocation
		s.CurrentLocation = &loc
	}
	if p.LastLocationUpdate != nil {
		t := *p.LastLocationUpdate
		s.LastLocationUpdate = &t
	}
}
