// Package profile updates the location, availability, work radius and photo
// of an account.
package profile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/storage"
)

const (
	MinRadiusKm = 1
	MaxRadiusKm = 100
)

type Store interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	UpdateAccount(ctx context.Context, a models.Account) error
}

type PhotoStore interface {
	SaveProfilePhoto(ctx context.Context, accountID string, raw []byte) (string, error)
}

// PresenceSink receives worker position and availability updates for the
// discovery index.
type PresenceSink interface {
	PublishPresence(ctx context.Context, p models.Presence) error
}

// Reverser names the street for a coordinate.
type Reverser interface {
	Reverse(ctx context.Context, c models.Coord) string
}

type Service struct {
	Store    Store
	Photos   PhotoStore
	Presence PresenceSink
	Geocoder Reverser
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) load(ctx context.Context, id string) (models.Account, error) {
	acc, err := s.Store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, apperrors.NotFound("Cuenta no encontrada")
	}
	if err != nil {
		return models.Account{}, apperrors.Internal(err, "failed to load account")
	}
	return acc, nil
}

func (s *Service) save(ctx context.Context, acc models.Account) (models.Account, error) {
	if err := s.Store.UpdateAccount(ctx, acc); err != nil {
		return models.Account{}, apperrors.Internal(err, "failed to update account")
	}
	s.publish(ctx, acc)
	return acc, nil
}

// SetLocation stores the last-known location. Coordinates without an address
// are named by reverse geocoding when a geocoder is configured.
func (s *Service) SetLocation(ctx context.Context, id string, loc models.Location) (models.Account, error) {
	loc.Address = strings.TrimSpace(loc.Address)
	if loc.Address == "" && loc.Coords == nil {
		return models.Account{}, apperrors.Validation("Ingresa una dirección")
	}
	if c := loc.Coords; c != nil && (c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180) {
		return models.Account{}, apperrors.Validation("Coordenadas inválidas")
	}
	acc, err := s.load(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if loc.Address == "" && s.Geocoder != nil {
		loc.Address = s.Geocoder.Reverse(ctx, *loc.Coords)
	}
	acc.Location = &loc
	return s.save(ctx, acc)
}

func (s *Service) SetOnline(ctx context.Context, id string, online bool) (models.Account, error) {
	acc, err := s.loadWorker(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	acc.Worker.Online = online
	return s.save(ctx, acc)
}

func (s *Service) SetRadius(ctx context.Context, id string, km float64) (models.Account, error) {
	if km < MinRadiusKm || km > MaxRadiusKm {
		return models.Account{}, apperrors.Validation("El radio debe estar entre 1 y 100 km")
	}
	acc, err := s.loadWorker(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	acc.Worker.RadiusKm = km
	return s.save(ctx, acc)
}

func (s *Service) SetPhoto(ctx context.Context, id string, raw []byte) (models.Account, error) {
	if len(raw) == 0 {
		return models.Account{}, apperrors.Validation("Selecciona una imagen")
	}
	acc, err := s.load(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	url, err := s.Photos.SaveProfilePhoto(ctx, id, raw)
	if err != nil {
		return models.Account{}, apperrors.Upstream(err, "No se pudo subir la imagen")
	}
	acc.ProfileImageURL = url
	if err := s.Store.UpdateAccount(ctx, acc); err != nil {
		return models.Account{}, apperrors.Internal(err, "failed to update account")
	}
	return acc, nil
}

func (s *Service) loadWorker(ctx context.Context, id string) (models.Account, error) {
	acc, err := s.load(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if !acc.IsWorker() {
		return models.Account{}, apperrors.Forbidden("Solo disponible para técnicos")
	}
	return acc, nil
}

// publish forwards a worker's presence. Failures only delay discovery, so
// they are logged.
func (s *Service) publish(ctx context.Context, acc models.Account) {
	if s.Presence == nil || !acc.IsWorker() {
		return
	}
	c := models.CoordsOf(acc.Location)
	if c == nil {
		return
	}
	p := models.Presence{WorkerID: acc.ID, Loc: *c, Online: acc.Worker.Online, Updated: s.now().UTC()}
	if err := s.Presence.PublishPresence(ctx, p); err != nil && s.Logger != nil {
		s.Logger.Warn("publish presence failed", slog.String("worker_id", acc.ID), slog.Any("error", err))
	}
}
