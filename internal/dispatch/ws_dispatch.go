package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/infrasalud/internal/models"
)

const writeWait = 10 * time.Second

// Conn is one connected live session.
type Conn interface {
	SendJSON(v any) error
	Close() error
}

// WSSession serializes writes to a WebSocket connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn) *WSSession { return &WSSession{conn: conn} }

func (s *WSSession) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}

// Envelope is the frame sent for a pushed notification.
type Envelope struct {
	Type         string               `json:"type"`
	Notification *models.Notification `json:"notification,omitempty"`
}

// WSRegistry holds the live sessions of every connected account. One account
// may be connected from several devices.
type WSRegistry struct {
	mu       sync.RWMutex
	next     uint64
	sessions map[string]map[uint64]Conn
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]map[uint64]Conn)} }

// Add registers a session and returns the function that removes it.
func (r *WSRegistry) Add(accountID string, c Conn) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	if r.sessions[accountID] == nil {
		r.sessions[accountID] = make(map[uint64]Conn)
	}
	r.sessions[accountID][id] = c
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.sessions[accountID], id)
		if len(r.sessions[accountID]) == 0 {
			delete(r.sessions, accountID)
		}
	}
}

func (r *WSRegistry) conns(accountID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.sessions[accountID]))
	for _, c := range r.sessions[accountID] {
		out = append(out, c)
	}
	return out
}

func (r *WSRegistry) Count(accountID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[accountID])
}

// Notify sends n to every session of the account. It fails only when no
// session received it.
func (r *WSRegistry) Notify(accountID string, n models.Notification) error {
	conns := r.conns(accountID)
	if len(conns) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, c := range conns {
		if err := c.SendJSON(Envelope{Type: "notification", Notification: &n}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(conns) {
		return errors.Join(errs...)
	}
	return nil
}

// CloseAccount closes every session of the account and returns how many
// were closed.
func (r *WSRegistry) CloseAccount(accountID string) int {
	conns := r.conns(accountID)
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

var ErrNoSession = errors.New("no ws session")
