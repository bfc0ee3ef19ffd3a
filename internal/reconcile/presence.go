package reconcile

import (
	"time"

	"github.com/example/infrasalud/internal/models"
)

// PresenceSource reports recent worker positions around a point.
type PresenceSource interface {
	Nearby(center models.Coord, radiusKm float64, limit int) []models.Presence
}

// PresenceOverlay replaces the stored position and availability of workers
// with fresh presence reports. A nil overlay, or one without a source, leaves
// workers untouched.
type PresenceOverlay struct {
	Source PresenceSource
	// TTL bounds how old a report may be. Zero accepts any age.
	TTL time.Duration
	Now func() time.Time
}

// Nearby returns the reports within the filter radius of the client, nil when
// the client has no coordinates.
func (p *PresenceOverlay) Nearby(client models.Account, f WorkerFilter) []models.Presence {
	if p == nil || p.Source == nil {
		return nil
	}
	center := models.CoordsOf(client.Location)
	if center == nil {
		return nil
	}
	return p.Source.Nearby(*center, f.radius(), 0)
}

// Apply overlays presence on workers in place. Callers pass copies they own.
func (p *PresenceOverlay) Apply(workers []models.Account, presence []models.Presence) {
	if p == nil || len(presence) == 0 {
		return
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	byID := make(map[string]models.Presence, len(presence))
	for _, r := range presence {
		if p.TTL > 0 && now.Sub(r.Updated) > p.TTL {
			continue
		}
		byID[r.WorkerID] = r
	}
	for i := range workers {
		r, ok := byID[workers[i].ID]
		if !ok || !workers[i].IsWorker() {
			continue
		}
		loc := models.Location{}
		if workers[i].Location != nil {
			loc.Address = workers[i].Location.Address
		}
		c := r.Loc
		loc.Coords = &c
		workers[i].Location = &loc
		w := *workers[i].Worker
		w.Online = r.Online
		workers[i].Worker = &w
	}
}
