package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands so several server
// processes see the same pending pool.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Add(ctx context.Context, id string, p models.GeoPoint) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: id, Longitude: p.Lng, Latitude: p.Lat}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisIndex) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.GeoPoint, radiusMeters float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			ID:     g.Name,
			Point:  models.GeoPoint{Lng: g.Longitude, Lat: g.Latitude},
			DistKm: g.Dist / 1000,
		})
	}
	return out, nil
}

// Ping is used by the readiness check.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
