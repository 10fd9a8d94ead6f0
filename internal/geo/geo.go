package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/service-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// Hit is one member returned by a radius search.
type Hit struct {
	ID     string
	Point  models.GeoPoint
	DistKm float64
}

// Index is the spatial lookup used to find pending requests around a provider.
type Index interface {
	Add(ctx context.Context, id string, p models.GeoPoint) error
	Remove(ctx context.Context, id string) error
	// Reset drops every member. Rebuilds call it so ids the store no longer
	// knows do not survive a restart.
	Reset(ctx context.Context) error
	// Nearby returns at most limit members within radiusMeters, closest first.
	Nearby(ctx context.Context, center models.GeoPoint, radiusMeters float64, limit int) ([]Hit, error)
}

type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.GeoPoint
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.GeoPoint)}
}

func (g *MemoryIndex) Add(_ context.Context, id string, p models.GeoPoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = p
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

func (g *MemoryIndex) Reset(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points = make(map[string]models.GeoPoint)
	return nil
}

func (g *MemoryIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.points)
}

// naive scan; fine for a single process, Redis covers the shared case
func (g *MemoryIndex) Nearby(_ context.Context, center models.GeoPoint, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	radiusKm := radiusMeters / 1000
	arr := make([]Hit, 0, len(g.points))
	for id, p := range g.points {
		dist := HaversineKm(center, p)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, Hit{ID: id, Point: p, DistKm: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistKm < arr[minIdx].DistKm || (arr[j].DistKm == arr[minIdx].DistKm && arr[j].ID < arr[minIdx].ID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// HaversineKm is the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.GeoPoint) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
