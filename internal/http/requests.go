package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/models"
)

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in dispatch.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.CustomerPhone != nil {
		if err := actingAs(r, *in.CustomerPhone); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	out, err := s.engine.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusCreated, out.View(), nil)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, hit, err := s.engine.List(r.Context(), dispatch.ListQuery{
		Status:      q.Get("status"),
		ServiceType: q.Get("serviceType"),
		Page:        page,
		Limit:       limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set(headerCache, string(hit))
	s.ok(w, r, http.StatusOK, res.Items, map[string]any{
		"page":  res.Page,
		"limit": res.Limit,
		"total": res.Total,
		"pages": res.Pages,
		"cache": hit,
	})
}

func (s *Server) handleRequestsByPhone(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	role := dispatch.Role(strings.ToLower(r.URL.Query().Get("role")))
	if role == "" {
		role = dispatch.RoleCustomer
	}
	if err := actingAs(r, phone); err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.engine.RequestsByPhone(r.Context(), phone, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, items, map[string]any{"count": len(items), "role": role})
}

func (s *Server) handleForProvider(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := matcher.Query{ProviderPhone: q.Get("phone"), ServiceType: q.Get("serviceType")}
	if err := actingAs(r, query.ProviderPhone); err != nil {
		s.fail(w, r, err)
		return
	}

	latRaw, lngRaw := q.Get("lat"), q.Get("lng")
	if latRaw != "" || lngRaw != "" {
		lat, errLat := floatParam(latRaw, "lat")
		lng, errLng := floatParam(lngRaw, "lng")
		if errLat != nil || errLng != nil {
			s.fail(w, r, apperrors.New(apperrors.ErrValidation, "lat and lng must both be numbers"))
			return
		}
		query.Position = &models.LatLng{Lat: lat, Lng: lng}
	}
	if raw := q.Get("maxKm"); raw != "" {
		v, err := floatParam(raw, "maxKm")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		query.RadiusKm = &v
	}

	res, err := s.matcher.ForProvider(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	meta := map[string]any{
		"active":   res.Active,
		"radiusKm": res.RadiusKm,
		"fallback": res.Fallback,
	}
	if res.FallbackReason != "" {
		meta["fallbackReason"] = res.FallbackReason
	}
	if res.Reason != "" {
		meta["message"] = res.Reason
	}
	if res.PositionSource != "" {
		meta["positionSource"] = res.PositionSource
	}
	s.ok(w, r, http.StatusOK, res.Requests, meta)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, out.View(), nil)
}

type providerBody struct {
	ProviderPhone string `json:"providerPhone"`
}

type transitionFunc func(ctx context.Context, id, phone string) (*models.ServiceRequest, error)

// providerAction adapts a provider-driven lifecycle move to a handler.
func (s *Server) providerAction(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body providerBody
		if err := decodeJSON(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := actingAs(r, body.ProviderPhone); err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r.Context(), mux.Vars(r)["id"], body.ProviderPhone)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, r, http.StatusOK, out.View(), nil)
	}
}

type phoneBody struct {
	Phone string `json:"phone"`
}

func (s *Server) handleCancelByCustomer(w http.ResponseWriter, r *http.Request) {
	var body phoneBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := actingAs(r, body.Phone); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.engine.CancelByCustomer(r.Context(), mux.Vars(r)["id"], body.Phone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, out.View(), nil)
}

type rateBody struct {
	Phone   string   `json:"phone"`
	Score   *float64 `json:"score"`
	Comment string   `json:"comment"`
}

type rateFunc func(ctx context.Context, id, phone string, score int, comment string) (*models.ServiceRequest, error)

func (s *Server) rateAction(fn rateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body rateBody
		if err := decodeJSON(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		if body.Score == nil {
			s.fail(w, r, apperrors.New(apperrors.ErrValidation, "score is required"))
			return
		}
		if *body.Score != math.Trunc(*body.Score) {
			s.fail(w, r, apperrors.New(apperrors.ErrValidation, "score must be an integer between 1 and 5"))
			return
		}
		if err := actingAs(r, body.Phone); err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r.Context(), mux.Vars(r)["id"], body.Phone, int(*body.Score), body.Comment)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, r, http.StatusOK, out.View(), nil)
	}
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("key")
	if pattern == "" {
		pattern = q.Get("pattern")
	}
	n := s.cache.Clear(pattern)
	s.logger.InfoContext(r.Context(), "cache cleared", "pattern", pattern, "removed", n)
	s.ok(w, r, http.StatusOK, map[string]any{"cleared": n, "pattern": pattern}, nil)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrValidation, name+" must be an integer")
	}
	return v, nil
}

func floatParam(raw, name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, apperrors.New(apperrors.ErrValidation, name+" must be a number")
	}
	return v, nil
}
