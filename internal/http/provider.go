package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if err := actingAs(r, phone); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.settings.Get(r.Context(), phone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, out.View(), nil)
}

type settingsBody struct {
	Phone string `json:"phone"`
	settings.Update
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := actingAs(r, body.Phone); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.settings.Update(r.Context(), body.Phone, body.Update)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, out.View(), nil)
}

type statusBody struct {
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := actingAs(r, body.Phone); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.settings.SetStatus(r.Context(), body.Phone, body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, out.View(), nil)
}

type locationBody struct {
	Phone string   `json:"phone"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
}

// handleProviderLocation queues the position on Kafka when a publisher is
// configured, otherwise writes it straight to settings.
func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := actingAs(r, body.Phone); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Lat == nil || body.Lng == nil {
		s.fail(w, r, validation("lat and lng are required"))
		return
	}
	pos := models.LatLng{Lat: *body.Lat, Lng: *body.Lng}

	if s.locations == nil {
		out, err := s.settings.UpdateLocation(r.Context(), body.Phone, pos, time.Time{})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, r, http.StatusOK, out.View(), nil)
		return
	}

	phone := strings.TrimSpace(body.Phone)
	if phone == "" {
		s.fail(w, r, validation("phone is required"))
		return
	}
	if err := settings.ValidatePosition(pos); err != nil {
		s.fail(w, r, err)
		return
	}
	u := models.LocationUpdate{Phone: phone, Lat: pos.Lat, Lng: pos.Lng, Timestamp: time.Now().UTC()}
	if err := s.locations.PublishLocation(r.Context(), u); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("kafka", "error").Inc()
		s.fail(w, r, err)
		return
	}
	observability.LocationUpdatesTotal.WithLabelValues("kafka", "ok").Inc()
	s.ok(w, r, http.StatusAccepted, map[string]any{"queued": true, "phone": phone}, nil)
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if err := actingAs(r, phone); err != nil {
		s.fail(w, r, err)
		return
	}
	st, hit, err := s.engine.ProviderStats(r.Context(), phone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set(headerCache, string(hit))
	s.ok(w, r, http.StatusOK, st, map[string]any{"cache": hit})
}
