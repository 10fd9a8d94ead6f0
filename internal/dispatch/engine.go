// Package dispatch runs the service request lifecycle: creation, the
// accept race, status advances, cancellation and ratings. Every write goes
// through a single conditional store update, so correctness across
// concurrent callers never depends on a read made earlier in the call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/service-dispatch/internal/activity"
	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/cache"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	byPhoneLimit     = 200
)

// Engine wires the store to its side effects. Index and Activity are
// optional.
type Engine struct {
	Store    storage.RequestStore
	Index    geo.Index
	Cache    *cache.Cache
	Activity activity.Sink
	Log      *slog.Logger

	ListTTL  time.Duration
	StatsTTL time.Duration

	Now func() time.Time
}

type CreateInput struct {
	ServiceType   string         `json:"serviceType"`
	Notes         string         `json:"notes"`
	City          *string        `json:"city"`
	Location      *models.LatLng `json:"location"`
	CustomerPhone *string        `json:"customerPhone"`
}

type ListQuery struct {
	Status      string
	ServiceType string
	Page        int
	Limit       int
}

type ListPage struct {
	Items []models.RequestView `json:"items"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
	Total int                  `json:"total"`
	Pages int                  `json:"pages"`
}

func (e *Engine) Create(ctx context.Context, in CreateInput) (*models.ServiceRequest, error) {
	serviceType := strings.TrimSpace(in.ServiceType)
	if serviceType == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "serviceType is required")
	}
	r := &models.ServiceRequest{
		ServiceType:   serviceType,
		Notes:         in.Notes,
		City:          trimmedOrNil(in.City),
		CustomerPhone: trimmedOrNil(in.CustomerPhone),
	}
	if in.Location != nil {
		if !in.Location.Valid() {
			return nil, apperrors.New(apperrors.ErrValidation, "invalid coordinates")
		}
		p := in.Location.GeoPoint()
		r.Location = &p
	}
	if err := e.Store.Create(ctx, r); err != nil {
		return nil, err
	}
	if r.Location != nil && e.Index != nil {
		if err := e.Index.Add(ctx, r.ID, *r.Location); err != nil {
			// the fallback scan still finds it
			e.logger().WarnContext(ctx, "geo index add failed", "request_id", r.ID, "err", err)
		}
	}
	observability.RequestsCreatedTotal.Inc()
	e.invalidate("")
	e.record(ctx, activity.ActionCreate, deref(r.CustomerPhone), r.ID, map[string]any{"serviceType": serviceType})
	return r, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "id is required")
	}
	return e.Store.Get(ctx, id)
}

// List returns one page of requests, newest first, served from cache when a
// fresh copy exists.
func (e *Engine) List(ctx context.Context, q ListQuery) (*ListPage, cache.Result, error) {
	f := storage.Filter{ServiceType: strings.TrimSpace(q.ServiceType)}
	if q.Status != "" {
		s := models.Status(q.Status)
		if !s.Valid() {
			return nil, cache.Miss, apperrors.New(apperrors.ErrValidation, "unknown status "+q.Status)
		}
		f.Statuses = []models.Status{s}
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}

	key := fmt.Sprintf("%slist:%s:%s:%d:%d", cache.RequestsPrefix, q.Status, f.ServiceType, q.Page, q.Limit)
	if e.Cache != nil {
		if v, ok := e.Cache.Get(key); ok {
			observability.CacheRequestsTotal.WithLabelValues("requests", string(cache.Hit)).Inc()
			return v.(*ListPage), cache.Hit, nil
		}
	}
	observability.CacheRequestsTotal.WithLabelValues("requests", string(cache.Miss)).Inc()

	items, total, err := e.Store.Find(ctx, f, q.Page, q.Limit)
	if err != nil {
		return nil, cache.Miss, err
	}
	page := &ListPage{
		Items: views(items),
		Page:  q.Page,
		Limit: q.Limit,
		Total: total,
		Pages: (total + q.Limit - 1) / q.Limit,
	}
	if e.Cache != nil {
		e.Cache.Set(key, page, e.ListTTL)
	}
	return page, cache.Miss, nil
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// RequestsByPhone lists what a customer submitted or what a provider took,
// newest first.
func (e *Engine) RequestsByPhone(ctx context.Context, phone string, role Role) ([]models.RequestView, error) {
	phone, err := requirePhone(phone, "phone")
	if err != nil {
		return nil, err
	}
	var f storage.Filter
	switch role {
	case RoleCustomer:
		f.CustomerPhone = phone
	case RoleProvider:
		f.AcceptedByPhone = phone
	default:
		return nil, apperrors.New(apperrors.ErrValidation, "role must be customer or provider")
	}
	items, _, err := e.Store.Find(ctx, f, 1, byPhoneLimit)
	if err != nil {
		return nil, err
	}
	return views(items), nil
}

// Accept claims a pending request for providerPhone. Of any number of
// concurrent callers exactly one wins; the rest get ErrConflict.
func (e *Engine) Accept(ctx context.Context, id, providerPhone string) (*models.ServiceRequest, error) {
	phone, err := requirePhone(providerPhone, "providerPhone")
	if err != nil {
		return nil, err
	}
	active, err := e.Store.FindOne(ctx, storage.Filter{Statuses: models.ActiveStatuses, AcceptedByPhone: phone})
	if err != nil {
		return nil, err
	}
	if active != nil && active.ID == id {
		e.countTransition(ActionAccept, "rejected")
		return nil, errAcceptedByCaller
	}
	if active != nil {
		e.countTransition(ActionAccept, "active_job")
		return nil, apperrors.ErrActiveJob
	}
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Allowed(ActionAccept, cur.Status) {
		e.countTransition(ActionAccept, "rejected")
		if cur.Status.Terminal() {
			return nil, apperrors.New(apperrors.ErrInvalidState, "cannot accept a "+string(cur.Status)+" request")
		}
		return nil, errAlreadyAccepted
	}

	now := e.now()
	out, err := e.Store.Transition(ctx, id,
		storage.Condition{Statuses: []models.Status{models.StatusPending}, NoActiveJobFor: phone},
		storage.Mutation{Status: models.StatusAccepted, Provider: storage.ProviderSet, ProviderPhone: phone, AcceptedAt: &now},
	)
	switch {
	case errors.Is(err, apperrors.ErrActiveJob):
		e.countTransition(ActionAccept, "active_job")
		return nil, err
	case errors.Is(err, apperrors.ErrConflict):
		observability.AcceptConflictsTotal.Inc()
		e.countTransition(ActionAccept, "conflict")
		return nil, errAlreadyAccepted
	case err != nil:
		return nil, err
	}

	e.removeFromIndex(ctx, id)
	e.countTransition(ActionAccept, "ok")
	e.invalidate(phone)
	e.record(ctx, activity.ActionAccept, phone, id, nil)
	return out, nil
}

var (
	errAlreadyAccepted  = apperrors.New(apperrors.ErrConflict, "request already accepted by another provider")
	errAcceptedByCaller = apperrors.New(apperrors.ErrInvalidState, "you already accepted this request")
)

func (e *Engine) MarkOnTheWay(ctx context.Context, id, providerPhone string) (*models.ServiceRequest, error) {
	return e.advance(ctx, ActionOnTheWay, id, providerPhone)
}

func (e *Engine) MarkInProgress(ctx context.Context, id, providerPhone string) (*models.ServiceRequest, error) {
	return e.advance(ctx, ActionInProgress, id, providerPhone)
}

func (e *Engine) Complete(ctx context.Context, id, providerPhone string) (*models.ServiceRequest, error) {
	return e.advance(ctx, ActionComplete, id, providerPhone)
}

func (e *Engine) CancelByProvider(ctx context.Context, id, providerPhone string) (*models.ServiceRequest, error) {
	return e.advance(ctx, ActionCancelByProvider, id, providerPhone)
}

// advance runs a provider-owned move: ownership first, then edge legality,
// then the conditional write.
func (e *Engine) advance(ctx context.Context, a Action, id, providerPhone string) (*models.ServiceRequest, error) {
	phone, err := requirePhone(providerPhone, "providerPhone")
	if err != nil {
		return nil, err
	}
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.AcceptedByPhone == nil || *cur.AcceptedByPhone != phone {
		e.countTransition(a, "forbidden")
		return nil, apperrors.New(apperrors.ErrForbidden, "not your request")
	}
	if !Allowed(a, cur.Status) {
		e.countTransition(a, "rejected")
		return nil, invalidMove(a, cur.Status)
	}

	edge := transitions[a]
	now := e.now()
	m := storage.Mutation{Status: edge.to, Provider: providerEffect(edge.to)}
	switch edge.to {
	case models.StatusDone:
		m.CompletedAt = &now
	case models.StatusCancelled:
		m.CancelledAt = &now
	}
	out, err := e.Store.Transition(ctx, id,
		storage.Condition{Statuses: []models.Status{cur.Status}, AcceptedByPhone: &phone}, m)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			e.countTransition(a, "conflict")
		}
		return nil, err
	}

	e.countTransition(a, "ok")
	e.invalidate(phone)
	e.record(ctx, actionName(a), phone, id, map[string]any{"from": string(cur.Status), "to": string(edge.to)})
	return out, nil
}

// CancelByCustomer cancels any non-terminal request the caller submitted.
// A provider holding it is released.
func (e *Engine) CancelByCustomer(ctx context.Context, id, customerPhone string) (*models.ServiceRequest, error) {
	a := ActionCancelByCustomer
	phone, err := requirePhone(customerPhone, "phone")
	if err != nil {
		return nil, err
	}
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.CustomerPhone == nil || *cur.CustomerPhone != phone {
		e.countTransition(a, "forbidden")
		return nil, apperrors.New(apperrors.ErrForbidden, "not your request")
	}
	if !Allowed(a, cur.Status) {
		e.countTransition(a, "rejected")
		return nil, invalidMove(a, cur.Status)
	}

	now := e.now()
	out, err := e.Store.Transition(ctx, id,
		storage.Condition{Statuses: []models.Status{cur.Status}, CustomerPhone: &phone},
		storage.Mutation{Status: models.StatusCancelled, Provider: providerEffect(models.StatusCancelled), CancelledAt: &now},
	)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			e.countTransition(a, "conflict")
		}
		return nil, err
	}

	// status was pinned by the write, so the provider read above is still the holder
	released := deref(cur.AcceptedByPhone)
	if cur.Status == models.StatusPending {
		e.removeFromIndex(ctx, id)
	}
	e.countTransition(a, "ok")
	e.invalidate(released)
	e.record(ctx, activity.ActionCancelByCustomer, phone, id, map[string]any{"from": string(cur.Status), "releasedProvider": released})
	return out, nil
}

// RebuildIndex replaces the geo index contents with every pending request
// that has a location. It runs once at startup. The store is read after the
// reset, so requests created meanwhile by other instances are kept.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	if e.Index == nil {
		return 0, nil
	}
	if err := e.Index.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	pending, _, err := e.Store.Find(ctx, storage.Filter{Statuses: []models.Status{models.StatusPending}}, 1, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range pending {
		if r.Location == nil {
			continue
		}
		if err := e.Index.Add(ctx, r.ID, *r.Location); err != nil {
			return n, fmt.Errorf("index %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

// providerEffect releases the provider when the target status may not
// carry one.
func providerEffect(to models.Status) storage.ProviderChange {
	if to.HoldsProvider() {
		return storage.ProviderKeep
	}
	return storage.ProviderClear
}

func (e *Engine) removeFromIndex(ctx context.Context, id string) {
	if e.Index == nil {
		return
	}
	if err := e.Index.Remove(ctx, id); err != nil {
		// matcher re-checks status, so a stale member is only wasted work
		e.logger().WarnContext(ctx, "geo index remove failed", "request_id", id, "err", err)
	}
}

// invalidate drops every cached listing and, when set, the provider's stats.
func (e *Engine) invalidate(providerPhone string) {
	if e.Cache == nil {
		return
	}
	e.Cache.Clear(cache.RequestsPrefix)
	if providerPhone != "" {
		e.Cache.Clear(cache.ProviderStatsKey(providerPhone))
	}
}

func (e *Engine) record(ctx context.Context, action, actor, requestID string, meta map[string]any) {
	if e.Activity == nil {
		return
	}
	e.Activity.Record(ctx, models.ActivityEntry{Action: action, ActorPhone: actor, RequestID: requestID, Metadata: meta, At: e.now()})
}

func (e *Engine) countTransition(a Action, outcome string) {
	observability.TransitionsTotal.WithLabelValues(string(a), outcome).Inc()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func invalidMove(a Action, s models.Status) error {
	switch {
	case s == models.StatusDone && (a == ActionCancelByCustomer || a == ActionCancelByProvider):
		return apperrors.New(apperrors.ErrInvalidState, "cannot cancel completed request")
	case s == models.StatusCancelled:
		return apperrors.New(apperrors.ErrInvalidState, "request already cancelled")
	}
	return apperrors.New(apperrors.ErrInvalidState, fmt.Sprintf("cannot %s a request that is %s", a, s))
}

func actionName(a Action) string {
	switch a {
	case ActionOnTheWay:
		return activity.ActionOnTheWay
	case ActionInProgress:
		return activity.ActionInProgress
	case ActionComplete:
		return activity.ActionComplete
	case ActionCancelByProvider:
		return activity.ActionCancelByProvider
	}
	return string(a)
}

func requirePhone(phone, field string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", apperrors.New(apperrors.ErrValidation, field+" is required")
	}
	return phone, nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func views(items []*models.ServiceRequest) []models.RequestView {
	out := make([]models.RequestView, 0, len(items))
	for _, r := range items {
		out = append(out, r.View())
	}
	return out
}
