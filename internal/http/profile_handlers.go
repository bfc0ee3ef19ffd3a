package httpapi

import (
	"io"
	"net/http"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/auth"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/reconcile"
	"github.com/example/infrasalud/internal/storage"
)

const maxPhotoBytes = 10 << 20

type patchMeRequest struct {
	FirstName *string `json:"first_name" validate:"omitnil,min=1,max=80"`
	LastName  *string `json:"last_name" validate:"omitnil,max=80"`
	Phone     *string `json:"phone" validate:"omitnil,max=30"`
	ShowPhone *bool   `json:"show_phone"`
}

type locationRequest struct {
	Address string   `json:"address" validate:"max=200"`
	Lat     *float64 `json:"lat" validate:"omitnil,latitude"`
	Lon     *float64 `json:"lon" validate:"omitnil,longitude"`
}

func (l locationRequest) location() models.Location {
	loc := models.Location{Address: l.Address}
	if l.Lat != nil && l.Lon != nil {
		loc.Coords = &models.Coord{Lat: *l.Lat, Lon: *l.Lon}
	}
	return loc
}

type onlineRequest struct {
	Online *bool `json:"online" validate:"required"`
}

type radiusRequest struct {
	RadiusKm float64 `json:"radius_km" validate:"gte=1,lte=100"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountFrom(r.Context()))
}

func (s *Server) handlePatchMe(w http.ResponseWriter, r *http.Request) {
	var req patchMeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.Auth.UpdateProfile(r.Context(), accountFrom(r.Context()).ID, auth.ProfileUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		ShowPhone: req.ShowPhone,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.Profiles.SetLocation(r.Context(), accountFrom(r.Context()).ID, req.location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.Profiles.SetOnline(r.Context(), accountFrom(r.Context()).ID, *req.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSetRadius(w http.ResponseWriter, r *http.Request) {
	var req radiusRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.Profiles.SetRadius(r.Context(), accountFrom(r.Context()).ID, req.RadiusKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSetPhoto(w http.ResponseWriter, r *http.Request) {
	raw, err := readUpload(w, r, "photo")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.Profiles.SetPhoto(r.Context(), accountFrom(r.Context()).ID, raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	self := accountFrom(r.Context())
	jobs, err := s.Store.ListJobs(r.Context(), storage.JobQuery{
		ParticipantID: self.ID,
		Statuses:      []models.JobStatus{models.StatusCompleted},
	})
	if err != nil {
		s.writeError(w, r, apperrors.Internal(err, "failed to list jobs"))
		return
	}
	writeJSON(w, http.StatusOK, reconcile.Stats(jobs, self))
}

// readUpload returns the bytes of a multipart file field. A missing field
// yields nil so the service reports its own validation message.
func readUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes+(1<<20))
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		return nil, apperrors.Validation("Formulario inválido").WithDetails(err.Error())
	}
	f, _, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Validation("Archivo inválido").WithDetails(err.Error())
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.Validation("Archivo inválido").WithDetails(err.Error())
	}
	return raw, nil
}
