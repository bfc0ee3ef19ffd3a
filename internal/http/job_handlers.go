package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/lifecycle"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/storage"
)

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type rateRequest struct {
	Stars int    `json:"stars" validate:"required,min=1,max=5"`
	Text  string `json:"text" validate:"max=1000"`
}

type messageRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	photo, err := readUpload(w, r, "photo")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := formLocation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.Machine.CreateReport(r.Context(), accountFrom(r.Context()), lifecycle.ReportInput{
		Description: r.FormValue("description"),
		Photo:       photo,
		Location:    loc,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func formLocation(r *http.Request) (models.Location, error) {
	loc := models.Location{Address: strings.TrimSpace(r.FormValue("address"))}
	latS, lonS := r.FormValue("lat"), r.FormValue("lon")
	if latS == "" || lonS == "" {
		return loc, nil
	}
	lat, errLat := strconv.ParseFloat(latS, 64)
	lon, errLon := strconv.ParseFloat(lonS, 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return loc, apperrors.Validation("Coordenadas inválidas")
	}
	loc.Coords = &models.Coord{Lat: lat, Lon: lon}
	return loc, nil
}

// handleGetJob shows a job to its participants, and open jobs to workers.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	self := accountFrom(r.Context())
	j, err := s.Store.GetJob(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, apperrors.NotFound("El trabajo no existe."))
		return
	}
	if err != nil {
		s.writeError(w, r, apperrors.Internal(err, "failed to load job"))
		return
	}
	if !j.IsParticipant(self.ID) && !(j.Status == models.StatusOpen && self.IsWorker()) {
		s.writeError(w, r, apperrors.Forbidden("No participas en este trabajo."))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Machine.Delete(r.Context(), accountFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition adapts a job-returning machine operation to a handler.
func (s *Server) transition(op func(*http.Request, models.Account, string) (models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := op(r, accountFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.transition(func(r *http.Request, actor models.Account, id string) (models.Job, error) {
		return s.Machine.Accept(r.Context(), actor, id)
	})(w, r)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.transition(func(r *http.Request, actor models.Account, id string) (models.Job, error) {
		return s.Machine.Decline(r.Context(), actor, id)
	})(w, r)
}

func (s *Server) handleFinishRequest(w http.ResponseWriter, r *http.Request) {
	s.transition(func(r *http.Request, actor models.Account, id string) (models.Job, error) {
		return s.Machine.RequestFinish(r.Context(), actor, id)
	})(w, r)
}

func (s *Server) handleFinishConfirm(w http.ResponseWriter, r *http.Request) {
	out, err := s.Machine.ConfirmFinish(r.Context(), accountFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, apperrors.Validation("Selecciona un motivo"))
		return
	}
	s.transition(func(r *http.Request, actor models.Account, id string) (models.Job, error) {
		return s.Machine.Cancel(r.Context(), actor, id, req.Reason)
	})(w, r)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.transition(func(r *http.Request, actor models.Account, id string) (models.Job, error) {
		return s.Machine.Rate(r.Context(), actor, id, models.Review{Stars: req.Stars, Text: strings.TrimSpace(req.Text)})
	})(w, r)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Machine.Messages(r.Context(), accountFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.Machine.SendMessage(r.Context(), accountFrom(r.Context()), mux.Vars(r)["id"], req.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
