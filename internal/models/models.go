package models

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusOnTheWay   Status = "on-the-way"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the non-terminal states that occupy a provider.
var ActiveStatuses = []Status{StatusAccepted, StatusOnTheWay, StatusInProgress}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusOnTheWay, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

// HoldsProvider reports whether a request in status s must carry acceptedByPhone.
func (s Status) HoldsProvider() bool {
	switch s {
	case StatusAccepted, StatusOnTheWay, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// GeoPoint is the storage form of a coordinate, longitude first.
type GeoPoint struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// LatLng is the API form of a coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p GeoPoint) LatLng() LatLng { return LatLng{Lat: p.Lat, Lng: p.Lng} }

func (c LatLng) GeoPoint() GeoPoint { return GeoPoint{Lng: c.Lng, Lat: c.Lat} }

func (c LatLng) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Rating struct {
	Score   int       `json:"score"`
	Comment string    `json:"comment"`
	RatedAt time.Time `json:"ratedAt"`
}

type ServiceRequest struct {
	ID              string
	ServiceType     string
	Notes           string
	City            *string
	Location        *GeoPoint
	CustomerPhone   *string
	Status          Status
	AcceptedByPhone *string
	AcceptedAt      *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	ProviderRating  *Rating
	CustomerRating  *Rating
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *ServiceRequest) Clone() *ServiceRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.City = cloneString(r.City)
	c.CustomerPhone = cloneString(r.CustomerPhone)
	c.AcceptedByPhone = cloneString(r.AcceptedByPhone)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	if r.Location != nil {
		loc := *r.Location
		c.Location = &loc
	}
	if r.ProviderRating != nil {
		pr := *r.ProviderRating
		c.ProviderRating = &pr
	}
	if r.CustomerRating != nil {
		cr := *r.CustomerRating
		c.CustomerRating = &cr
	}
	return &c
}

// RequestView is the JSON shape handed to API callers.
type RequestView struct {
	ID              string     `json:"id"`
	ServiceType     string     `json:"serviceType"`
	Notes           string     `json:"notes"`
	City            *string    `json:"city"`
	Location        *LatLng    `json:"location"`
	CustomerPhone   *string    `json:"customerPhone"`
	Status          Status     `json:"status"`
	AcceptedByPhone *string    `json:"acceptedByPhone"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	ProviderRating  *Rating    `json:"providerRating,omitempty"`
	CustomerRating  *Rating    `json:"customerRating,omitempty"`
	Distance        *float64   `json:"distance,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (r *ServiceRequest) View() RequestView {
	v := RequestView{
		ID:              r.ID,
		ServiceType:     r.ServiceType,
		Notes:           r.Notes,
		City:            r.City,
		CustomerPhone:   r.CustomerPhone,
		Status:          r.Status,
		AcceptedByPhone: r.AcceptedByPhone,
		AcceptedAt:      r.AcceptedAt,
		CompletedAt:     r.CompletedAt,
		CancelledAt:     r.CancelledAt,
		ProviderRating:  r.ProviderRating,
		CustomerRating:  r.CustomerRating,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Location != nil {
		ll := r.Location.LatLng()
		v.Location = &ll
	}
	return v
}

const (
	DefaultMaxDistanceKm = 30.0
	MinMaxDistanceKm     = 10.0
	MaxMaxDistanceKm     = 50.0
)

type ProviderSettings struct {
	Phone                string     `json:"phone"`
	NotificationsEnabled bool       `json:"notificationsEnabled"`
	SoundEnabled         bool       `json:"soundEnabled"`
	MaxDistance          float64    `json:"maxDistance"`
	IsOnline             bool       `json:"isOnline"`
	CurrentLocation      *GeoPoint  `json:"-"`
	LastLocationUpdate   *time.Time `json:"lastLocationUpdate,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// SettingsView is the JSON shape of ProviderSettings handed to callers.
type SettingsView struct {
	Phone                string     `json:"phone"`
	NotificationsEnabled bool       `json:"notificationsEnabled"`
	SoundEnabled         bool       `json:"soundEnabled"`
	MaxDistance          float64    `json:"maxDistance"`
	IsOnline             bool       `json:"isOnline"`
	Location             *LatLng    `json:"location,omitempty"`
	LastLocationUpdate   *time.Time `json:"lastLocationUpdate,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func (s *ProviderSettings) View() SettingsView {
	v := SettingsView{
		Phone:                s.Phone,
		NotificationsEnabled: s.NotificationsEnabled,
		SoundEnabled:         s.SoundEnabled,
		MaxDistance:          s.MaxDistance,
		IsOnline:             s.IsOnline,
		LastLocationUpdate:   s.LastLocationUpdate,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if s.CurrentLocation != nil {
		ll := s.CurrentLocation.LatLng()
		v.Location = &ll
	}
	return v
}

// DefaultSettings is what a provider gets before their first write.
func DefaultSettings(phone string) ProviderSettings {
	return ProviderSettings{
		Phone:                phone,
		NotificationsEnabled: true,
		SoundEnabled:         true,
		MaxDistance:          DefaultMaxDistanceKm,
		IsOnline:             true,
	}
}

// ClampMaxDistance silently forces km into [10,50].
func ClampMaxDistance(km float64) float64 {
	if km < MinMaxDistanceKm {
		return MinMaxDistanceKm
	}
	if km > MaxMaxDistanceKm {
		return MaxMaxDistanceKm
	}
	return km
}

// IsLocationFresh reports whether the last known location is younger than maxAge.
func (s *ProviderSettings) IsLocationFresh(now time.Time, maxAge time.Duration) bool {
	if s.LastLocationUpdate == nil || s.CurrentLocation == nil {
		return false
	}
	return now.Sub(*s.LastLocationUpdate) <= maxAge
}

// LocationUpdate is the message published for a provider position ping.
type LocationUpdate struct {
	Phone     string    `json:"phone"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type ActivityEntry struct {
	Action     string         `json:"action"`
	ActorPhone string         `json:"actorPhone,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	At         time.Time      `json:"at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
