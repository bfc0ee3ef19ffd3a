package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/reconcile"
	"github.com/example/infrasalud/internal/storage"
)

type fakeGeo struct{ presence []models.Presence }

func (f *fakeGeo) Nearby(center models.Coord, radiusKm float64, limit int) []models.Presence {
	return f.presence
}

type fakeStore struct {
	workers []models.Account
	jobs    []models.Job
	err     error
}

func (f *fakeStore) ListAccounts(ctx context.Context, q storage.AccountQuery) ([]models.Account, error) {
	return f.workers, f.err
}

func (f *fakeStore) ListJobs(ctx context.Context, q storage.JobQuery) ([]models.Job, error) {
	return f.jobs, nil
}

var client = models.Account{ID: "c1", Role: models.RoleClient,
	Location: &models.Location{Coords: &models.Coord{Lat: -33.45, Lon: -70.66}}}

func farWorker() models.Account {
	return models.Account{ID: "far", FirstName: "Rosa", Role: models.RoleWorker,
		Location: &models.Location{Address: "Valparaíso", Coords: &models.Coord{Lat: -33.04, Lon: -71.61}},
		Worker:   &models.WorkerProfile{Specialty: models.SpecialtyNetworks, Online: false}}
}

func TestPresenceOverridesStoredProfile(t *testing.T) {
	now := time.Now()
	g := &fakeGeo{presence: []models.Presence{{WorkerID: "far", Loc: models.Coord{Lat: -33.451, Lon: -70.661}, Online: true, Updated: now}}}
	s := &Service{Geo: g, Store: &fakeStore{workers: []models.Account{farWorker()}}, PresenceTTL: time.Minute}
	got, err := s.Discover(context.Background(), client, reconcile.WorkerFilter{Specialty: models.SpecialtyNetworks, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Account.ID != "far" {
		t.Fatalf("expected the relocated worker, got %+v", got)
	}
	if !got[0].Account.Online() {
		t.Fatal("expected presence to mark worker online")
	}
	if got[0].Account.Location.Address != "Valparaíso" {
		t.Fatalf("address should survive the overlay, got %q", got[0].Account.Location.Address)
	}
}

func TestStalePresenceIgnored(t *testing.T) {
	now := time.Now()
	g := &fakeGeo{presence: []models.Presence{{WorkerID: "far", Loc: models.Coord{Lat: -33.451, Lon: -70.661}, Online: true, Updated: now.Add(-time.Hour)}}}
	s := &Service{Geo: g, Store: &fakeStore{workers: []models.Account{farWorker()}}, PresenceTTL: time.Minute, Now: func() time.Time { return now }}
	got, err := s.Discover(context.Background(), client, reconcile.WorkerFilter{Specialty: models.SpecialtyNetworks, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}

func TestExcludesEngagedAndTrims(t *testing.T) {
	engaged := models.Job{ID: "j", CreatorID: "c1", WorkerID: "w1", Status: models.StatusAccepted}
	s := &Service{Store: &fakeStore{jobs: []models.Job{engaged}}, TopN: 1}
	got, err := s.Discover(context.Background(), client, reconcile.WorkerFilter{RadiusKm: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected TopN=1 candidate, got %d", len(got))
	}
	if got[0].Account.ID == "w1" {
		t.Fatal("engaged worker must be excluded")
	}
}

func TestStoreErrorPropagates(t *testing.T) {
	s := &Service{Store: &fakeStore{err: errors.New("db down")}}
	if _, err := s.Discover(context.Background(), client, reconcile.WorkerFilter{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOverlaySharedWithLiveList(t *testing.T) {
	if (&Service{}).Overlay() != nil {
		t.Fatal("no presence source means no overlay")
	}
	g := &fakeGeo{}
	ov := (&Service{Geo: g, PresenceTTL: time.Minute}).Overlay()
	if ov == nil || ov.Source != g || ov.TTL != time.Minute {
		t.Fatalf("unexpected overlay %+v", ov)
	}
}
