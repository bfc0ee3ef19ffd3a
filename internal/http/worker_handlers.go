package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/reconcile"
)

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	self := accountFrom(r.Context())
	if self.Role != models.RoleClient {
		s.writeError(w, r, apperrors.Forbidden("Solo para clientes."))
		return
	}
	f := reconcile.WorkerFilter{Specialty: models.Specialty(r.URL.Query().Get("specialty"))}
	if f.Specialty != "" && !f.Specialty.Valid() {
		s.writeError(w, r, apperrors.Validation("Especialidad inválida"))
		return
	}
	if v := r.URL.Query().Get("radius_km"); v != "" {
		km, err := strconv.ParseFloat(v, 64)
		if err != nil || km <= 0 {
			s.writeError(w, r, apperrors.Validation("Radio inválido"))
			return
		}
		f.RadiusKm = km
	}
	workers, err := s.Matcher.Discover(r.Context(), self, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleHire(w http.ResponseWriter, r *http.Request) {
	j, err := s.Machine.CreateDirectHire(r.Context(), accountFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGeocodeSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Geocoder.Search(r.Context(), r.URL.Query().Get("q")))
}

func (s *Server) handleGeocodeReverse(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, r, apperrors.Validation("Coordenadas inválidas"))
		return
	}
	name := s.Geocoder.Reverse(r.Context(), models.Coord{Lat: lat, Lon: lon})
	writeJSON(w, http.StatusOK, map[string]string{"address": name})
}

type presenceRequest struct {
	WorkerID string  `json:"worker_id" validate:"required"`
	Lat      float64 `json:"lat" validate:"latitude"`
	Lon      float64 `json:"lon" validate:"longitude"`
	Online   bool    `json:"online"`
}

// handlePresence accepts position reports from the device gateway, or from
// a worker reporting for itself.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if self := accountFrom(r.Context()); self.ID != "" && (!self.IsWorker() || self.ID != req.WorkerID) {
		s.writeError(w, r, apperrors.Forbidden("Solo puedes informar tu propia ubicación."))
		return
	}
	p := models.Presence{WorkerID: req.WorkerID, Loc: models.Coord{Lat: req.Lat, Lon: req.Lon}, Online: req.Online, Updated: time.Now().UTC()}
	if err := s.Presence.PublishPresence(r.Context(), p); err != nil {
		s.writeError(w, r, apperrors.Upstream(err, "No se pudo registrar la ubicación"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
