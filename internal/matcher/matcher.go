package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/observability"
	"github.com/example/infrasalud/internal/reconcile"
	"github.com/example/infrasalud/internal/storage"
)

// Geo is the presence lookup the matcher overlays on stored worker profiles.
type Geo interface {
	Nearby(center models.Coord, radiusKm float64, limit int) []models.Presence
}

type Store interface {
	ListAccounts(ctx context.Context, q storage.AccountQuery) ([]models.Account, error)
	ListJobs(ctx context.Context, q storage.JobQuery) ([]models.Job, error)
}

type Service struct {
	Geo   Geo // optional
	Store Store
	TopN  int
	// PresenceTTL bounds how old a presence report may be to override the
	// stored profile.
	PresenceTTL time.Duration
	Now         func() time.Time
}

// Discover returns the workers the client can hire right now, using fresh
// presence reports for position and availability where available.
func (s *Service) Discover(ctx context.Context, client models.Account, f reconcile.WorkerFilter) ([]models.WorkerCandidate, error) {
	start := time.Now()
	defer func() { observability.DiscoveryLatency.Observe(time.Since(start).Seconds()) }()

	workers, err := s.Store.ListAccounts(ctx, storage.AccountQuery{Role: models.RoleWorker})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	own, err := s.Store.ListJobs(ctx, storage.JobQuery{
		CreatorID: client.ID,
		Statuses:  []models.JobStatus{models.StatusPendingApproval, models.StatusAccepted},
	})
	if err != nil {
		return nil, fmt.Errorf("list own jobs: %w", err)
	}

	ov := s.Overlay()
	ov.Apply(workers, ov.Nearby(client, f))
	out := reconcile.Workers(workers, client, own, f)
	online := 0
	for _, c := range out {
		if c.Account.Online() {
			online++
		}
	}
	observability.WorkersOnline.Set(float64(online))
	if n := s.topN(); n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return 50
	}
	return s.TopN
}

// Overlay is the presence overlay the matcher applies, shared with the live
// worker list so both show the same positions.
func (s *Service) Overlay() *reconcile.PresenceOverlay {
	if s == nil || s.Geo == nil {
		return nil
	}
	return &reconcile.PresenceOverlay{Source: s.Geo, TTL: s.PresenceTTL, Now: s.Now}
}
