package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/example/service-dispatch/internal/cache"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

// ProviderStats summarises the requests a provider has held.
type ProviderStats struct {
	Phone          string    `json:"phone"`
	Total          int       `json:"total"`
	Done           int       `json:"done"`
	Active         int       `json:"active"`
	AvgRating      *float64  `json:"avgRating"`
	RatingCount    int       `json:"ratingCount"`
	CompletionRate int       `json:"completionRate"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

func (e *Engine) ProviderStats(ctx context.Context, phone string) (*ProviderStats, cache.Result, error) {
	phone, err := requirePhone(phone, "phone")
	if err != nil {
		return nil, cache.Miss, err
	}
	key := cache.ProviderStatsKey(phone)
	if e.Cache != nil {
		if v, ok := e.Cache.Get(key); ok {
			observability.CacheRequestsTotal.WithLabelValues("provider_stats", string(cache.Hit)).Inc()
			return v.(*ProviderStats), cache.Hit, nil
		}
	}
	observability.CacheRequestsTotal.WithLabelValues("provider_stats", string(cache.Miss)).Inc()

	held, _, err := e.Store.Find(ctx, storage.Filter{AcceptedByPhone: phone}, 1, 0)
	if err != nil {
		return nil, cache.Miss, err
	}
	st := summarize(phone, held, e.now())
	if e.Cache != nil {
		e.Cache.Set(key, st, e.StatsTTL)
	}
	return st, cache.Miss, nil
}

func summarize(phone string, held []*models.ServiceRequest, now time.Time) *ProviderStats {
	st := &ProviderStats{Phone: phone, Total: len(held), GeneratedAt: now}
	sum := 0
	for _, r := range held {
		switch {
		case r.Status == models.StatusDone:
			st.Done++
		case !r.Status.Terminal():
			st.Active++
		}
		if r.ProviderRating != nil {
			sum += r.ProviderRating.Score
			st.RatingCount++
		}
	}
	if st.RatingCount > 0 {
		avg := math.Round(float64(sum)/float64(st.RatingCount)*10) / 10
		st.AvgRating = &avg
	}
	if st.Total > 0 {
		st.CompletionRate = int(math.Round(float64(st.Done) / float64(st.Total) * 100))
	}
	return st
}
