package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/dispatch"
	"github.com/example/infrasalud/internal/reconcile"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveCommand is a client frame on /ws.
type liveCommand struct {
	Type    string             `json:"type"`
	Screen  reconcile.Screen   `json:"screen,omitempty"`
	Param   string             `json:"param,omitempty"`
	JobID   string             `json:"job_id,omitempty"`
	Key     string             `json:"key,omitempty"`
	Filters *reconcile.Filters `json:"filters,omitempty"`
}

type liveFrame struct {
	Type  string              `json:"type"`
	State *reconcile.State    `json:"state,omitempty"`
	Error *apperrors.AppError `json:"error,omitempty"`
}

// handleLive upgrades to a WebSocket and runs one reconcile session for it.
// Every change to the session state is pushed as a full state frame.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	self := accountFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	ws := dispatch.NewWSSession(conn)
	remove := s.WSReg.Add(self.ID, ws)
	sess := reconcile.NewSession(r.Context(), s.Store, self, s.logger, reconcile.WithPresence(s.Matcher.Overlay()))
	logger := s.logger.With(slog.String("account_id", self.ID))
	logger.Info("live session started")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pushState(ws, sess, stop, logger)
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		var cmd liveCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("live session read ended", slog.Any("error", err))
			}
			break
		}
		if err := applyCommand(sess, cmd); err != nil {
			_ = ws.SendJSON(liveFrame{Type: "error", Error: apperrors.From(err)})
		}
	}

	close(stop)
	wg.Wait()
	sess.Stop()
	remove()
	_ = ws.Close()
	logger.Info("live session ended")
}

func applyCommand(sess *reconcile.Session, cmd liveCommand) error {
	switch cmd.Type {
	case "open":
		return sess.Open(cmd.Screen, cmd.Param)
	case "close":
		sess.Close(cmd.Screen)
	case "filter":
		if cmd.Filters == nil {
			return apperrors.Validation("filters required")
		}
		sess.SetFilters(*cmd.Filters)
	case "hide":
		sess.Hide(cmd.JobID)
	case "hide_all":
		sess.HideAll()
	case "discard":
		sess.Discard(cmd.JobID)
	case "restore":
		sess.Restore(cmd.JobID)
	case "dismiss":
		sess.Dismiss(cmd.Key)
	default:
		return apperrors.Validation("unknown command " + cmd.Type)
	}
	return nil
}

// pushState writes the initial state, then a new state after every session
// update, and pings the client while idle.
func (s *Server) pushState(ws *dispatch.WSSession, sess *reconcile.Session, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	send := func() bool {
		st := sess.State()
		if err := ws.SendJSON(liveFrame{Type: "state", State: &st}); err != nil {
			logger.Info("live state write failed", slog.Any("error", err))
			return false
		}
		return true
	}
	if !send() {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-sess.Done():
			return
		case <-sess.Updates():
			if !send() {
				return
			}
		case <-ticker.C:
			if err := ws.Ping(); err != nil {
				return
			}
		}
	}
}
