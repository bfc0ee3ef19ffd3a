package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/infrasalud/internal/models"
)

// UnknownDistanceKm is returned when either side has no coordinates, so the
// candidate fails any finite radius filter.
const UnknownDistanceKm = 9999.0

// Geo is the minimal presence index required by the matcher and handlers.
type Geo interface {
	Nearby(center models.Coord, radiusKm float64, limit int) []models.Presence
	Upsert(p models.Presence)
}

type Index struct {
	mu       sync.RWMutex
	presence map[string]models.Presence
}

func NewIndex() *Index {
	return &Index{presence: make(map[string]models.Presence)}
}

func (g *Index) Upsert(p models.Presence) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	g.presence[p.WorkerID] = p
}

func (g *Index) Get(workerID string) (models.Presence, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.presence[workerID]
	return p, ok
}

// Nearby returns online workers within radiusKm of center, nearest first.
// A non-positive limit returns every match. Naive scan; fine for a single
// facility network.
func (g *Index) Nearby(center models.Coord, radiusKm float64, limit int) []models.Presence {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.Presence
		dist float64
	}
	arr := make([]pair, 0, len(g.presence))
	for _, p := range g.presence {
		if !p.Online {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, p.Loc.Lat, p.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].p.WorkerID < arr[j].p.WorkerID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Presence, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out
}

// DistanceKm is the great-circle distance between two optional points.
func DistanceKm(a, b *models.Coord) float64 {
	if a == nil || b == nil {
		return UnknownDistanceKm
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
