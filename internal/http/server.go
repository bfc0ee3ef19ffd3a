// Package httpapi exposes the REST API, the live WebSocket endpoint and the
// operational endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/infrasalud/internal/auth"
	"github.com/example/infrasalud/internal/dispatch"
	"github.com/example/infrasalud/internal/geocode"
	"github.com/example/infrasalud/internal/lifecycle"
	"github.com/example/infrasalud/internal/matcher"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/profile"
	"github.com/example/infrasalud/internal/reconcile"
	"github.com/example/infrasalud/internal/storage"
)

// Store is what the handlers read directly; mutations go through the
// services.
type Store interface {
	reconcile.Source
	ListJobs(ctx context.Context, q storage.JobQuery) ([]models.Job, error)
}

type Deps struct {
	Store    Store
	Auth     *auth.Service
	Profiles *profile.Service
	Machine  *lifecycle.Machine
	Matcher  *matcher.Service
	Geocoder geocode.Geocoder
	Presence profile.PresenceSink
	WSReg    *dispatch.WSRegistry
	// GatewayToken admits the device gateway on the presence endpoint.
	// Empty means only worker tokens are accepted there.
	GatewayToken string
	// FilesDir is served under /files/ when the local blob store is used.
	FilesDir string
	// Ready reports whether the backing services are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	Deps
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router

	unsubscribe func()
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.WSReg == nil {
		d.WSReg = dispatch.NewWSRegistry()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonTagName)
	s := &Server{Deps: d, logger: logger, validate: validate, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.unsubscribe = d.Auth.Subscribe(func(ev auth.SessionEvent) {
		if ev.Kind != auth.SignedOut {
			return
		}
		if n := s.WSReg.CloseAccount(ev.AccountID); n > 0 {
			s.logger.Info("closed live sessions after sign-out", slog.String("account_id", ev.AccountID), slog.Int("sessions", n))
		}
	})
	return s
}

// Close detaches the server from auth events.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/password-reset", s.handlePasswordReset).Methods(http.MethodPost)
	api.HandleFunc("/auth/password-reset/confirm", s.handlePasswordResetConfirm).Methods(http.MethodPost)
	api.Handle("/auth/signout", s.authenticated(s.handleSignOut)).Methods(http.MethodPost)

	api.Handle("/me", s.authenticated(s.handleGetMe)).Methods(http.MethodGet)
	api.Handle("/me", s.authenticated(s.handlePatchMe)).Methods(http.MethodPatch)
	api.Handle("/me/location", s.authenticated(s.handleSetLocation)).Methods(http.MethodPut)
	api.Handle("/me/online", s.authenticated(s.handleSetOnline)).Methods(http.MethodPut)
	api.Handle("/me/radius", s.authenticated(s.handleSetRadius)).Methods(http.MethodPut)
	api.Handle("/me/photo", s.authenticated(s.handleSetPhoto)).Methods(http.MethodPost)
	api.Handle("/me/stats", s.authenticated(s.handleStats)).Methods(http.MethodGet)

	api.Handle("/jobs", s.authenticated(s.handleCreateJob)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}", s.authenticated(s.handleGetJob)).Methods(http.MethodGet)
	api.Handle("/jobs/{id}", s.authenticated(s.handleDeleteJob)).Methods(http.MethodDelete)
	api.Handle("/jobs/{id}/accept", s.authenticated(s.handleAccept)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}/decline", s.authenticated(s.handleDecline)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}/finish-request", s.authenticated(s.handleFinishRequest)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}/finish-confirm", s.authenticated(s.handleFinishConfirm)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}/cancel", s.authenticated(s.handleCancel)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}/rating", s.authenticated(s.handleRate)).Methods(http.MethodPost)
	api.Handle("/jobs/{id}/messages", s.authenticated(s.handleListMessages)).Methods(http.MethodGet)
	api.Handle("/jobs/{id}/messages", s.authenticated(s.handleSendMessage)).Methods(http.MethodPost)

	api.Handle("/workers", s.authenticated(s.handleListWorkers)).Methods(http.MethodGet)
	api.Handle("/workers/{id}/hire", s.authenticated(s.handleHire)).Methods(http.MethodPost)

	api.Handle("/geocode/search", s.authenticated(s.handleGeocodeSearch)).Methods(http.MethodGet)
	api.Handle("/geocode/reverse", s.authenticated(s.handleGeocodeReverse)).Methods(http.MethodGet)

	s.mux.Handle("/ws", s.authenticated(s.handleLive)).Methods(http.MethodGet)

	s.mux.Handle("/internal/workers/presence", s.gatewayOrAuthenticated(s.handlePresence)).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.FilesDir != "" {
		s.mux.PathPrefix("/files/").Handler(http.StripPrefix("/files/", http.FileServer(http.Dir(s.FilesDir)))).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
