package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/observability"
	"github.com/example/infrasalud/internal/storage"
)

type Screen string

const (
	ScreenFeed      Screen = "feed"
	ScreenHistory   Screen = "history"
	ScreenDiscovery Screen = "discovery"
	ScreenInbox     Screen = "inbox"
	ScreenWorkers   Screen = "workers"
	ScreenChat      Screen = "chat"
	ScreenProfile   Screen = "profile"
)

func (s Screen) Valid() bool {
	switch s {
	case ScreenFeed, ScreenHistory, ScreenDiscovery, ScreenInbox, ScreenWorkers, ScreenChat, ScreenProfile:
		return true
	}
	return false
}

// Source is the live store a session observes.
type Source interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	SubscribeJobs(ctx context.Context, q storage.JobQuery) *storage.Subscription[models.Job]
	SubscribeJob(ctx context.Context, id string) *storage.Subscription[models.Job]
	SubscribeAccounts(ctx context.Context, q storage.AccountQuery) *storage.Subscription[models.Account]
	SubscribeAccount(ctx context.Context, id string) *storage.Subscription[models.Account]
	SubscribeMessages(ctx context.Context, jobID string) *storage.Subscription[models.Message]
}

// observation is the set of subscriptions backing one open screen.
type observation struct {
	param   string
	cancels []func()
	wg      sync.WaitGroup

	jobs     []models.Job
	accounts []models.Account
	job      *models.Job
	messages []models.Message
}

func (o *observation) stop() {
	for _, c := range o.cancels {
		c()
	}
	o.wg.Wait()
}

// Filters is the per-session filter state of the worker list and inbox.
type Filters struct {
	Workers     WorkerFilter `json:"workers"`
	InboxSearch string       `json:"inbox_search"`
}

// Session holds the live state of one connected user: the open screens, the
// filters, and the locally hidden, discarded and dismissed ids. It is safe
// for concurrent use.
type Session struct {
	src    Source
	selfID string
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	stopped   bool
	account   models.Account
	filters   Filters
	hidden    map[string]bool
	discarded map[string]bool
	dismissed map[string]bool
	names     map[string]string
	base      *observation
	screens   map[Screen]*observation
	presence  *PresenceOverlay

	updates chan struct{}
}

type SessionOption func(*Session)

// WithPresence overlays fresh presence reports on the live worker list.
func WithPresence(p *PresenceOverlay) SessionOption {
	return func(s *Session) { s.presence = p }
}

// NewSession starts observing the account document and its notifications.
func NewSession(ctx context.Context, src Source, self models.Account, logger *slog.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		src:       src,
		selfID:    self.ID,
		logger:    logger.With(slog.String("account_id", self.ID)),
		ctx:       sctx,
		cancel:    cancel,
		account:   self.Clone(),
		hidden:    make(map[string]bool),
		discarded: make(map[string]bool),
		dismissed: make(map[string]bool),
		names:     make(map[string]string),
		screens:   make(map[Screen]*observation),
		updates:   make(chan struct{}, 1),
	}
	s.filters.Workers.RadiusKm = models.DefaultWorkRadiusKm
	for _, opt := range opts {
		opt(s)
	}

	base := &observation{}
	accountSub := src.SubscribeAccount(sctx, self.ID)
	notifySub := src.SubscribeJobs(sctx, storage.JobQuery{
		ParticipantID: self.ID,
		Statuses:      []models.JobStatus{models.StatusAccepted, models.StatusPendingApproval},
	})
	watch(s, base, accountSub, func(o *observation, items []models.Account) {
		if len(items) == 1 {
			s.account = items[0]
		}
	})
	watch(s, base, notifySub, func(o *observation, items []models.Job) { o.jobs = items })
	s.base = base
	observability.LiveSessions.Inc()
	return s
}

// Updates signals that State changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Done is closed once Stop has been called.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// seqGate admits strictly increasing snapshot sequences, so a snapshot
// older than one already applied is never applied.
type seqGate struct{ last uint64 }

func (g *seqGate) admit(seq uint64) bool {
	if seq <= g.last {
		return false
	}
	g.last = seq
	return true
}

// watch pumps a subscription into the observation.
func watch[T any](s *Session, o *observation, sub *storage.Subscription[T], apply func(o *observation, items []T)) {
	o.cancels = append(o.cancels, sub.Cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		var gate seqGate
		for snap := range sub.C {
			if !gate.admit(snap.Seq) {
				continue
			}
			if snap.Err != nil {
				s.logger.Warn("live snapshot failed", slog.Any("error", snap.Err))
				continue
			}
			s.mu.Lock()
			if !s.stopped {
				apply(o, snap.Items)
			}
			s.mu.Unlock()
			s.signal()
		}
	}()
}

// Open starts observing a screen. Re-opening the chat with another job
// replaces the previous chat observation.
func (s *Session) Open(screen Screen, param string) error {
	if !screen.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown screen %q", screen))
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return apperrors.Conflict("session stopped")
	}
	role := s.account.Role
	if cur, ok := s.screens[screen]; ok && cur.param == param {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	switch screen {
	case ScreenDiscovery:
		if role != models.RoleWorker {
			return apperrors.Forbidden("Solo para trabajadores.")
		}
	case ScreenWorkers, ScreenFeed:
		if role != models.RoleClient {
			return apperrors.Forbidden("Solo para clientes.")
		}
	case ScreenChat:
		j, err := s.src.GetJob(s.ctx, param)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("El trabajo no existe.")
		}
		if err != nil {
			return apperrors.Internal(err, "No se pudo abrir el chat.")
		}
		if !j.IsParticipant(s.selfID) {
			return apperrors.Forbidden("No participas en este trabajo.")
		}
	}

	o := s.observe(screen, param)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		o.stop()
		return apperrors.Conflict("session stopped")
	}
	prev := s.screens[screen]
	s.screens[screen] = o
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	s.signal()
	return nil
}

func (s *Session) observe(screen Screen, param string) *observation {
	o := &observation{param: param}
	setJobs := func(o *observation, items []models.Job) { o.jobs = items }
	switch screen {
	case ScreenFeed:
		watch(s, o, s.src.SubscribeJobs(s.ctx, storage.JobQuery{CreatorID: s.selfID}), setJobs)
	case ScreenHistory:
		watch(s, o, s.src.SubscribeJobs(s.ctx, storage.JobQuery{
			ParticipantID: s.selfID,
			Statuses:      []models.JobStatus{models.StatusCompleted, models.StatusCancelled},
		}), setJobs)
	case ScreenDiscovery:
		watch(s, o, s.src.SubscribeJobs(s.ctx, storage.JobQuery{
			Statuses: []models.JobStatus{models.StatusOpen, models.StatusPendingApproval},
		}), setJobs)
	case ScreenInbox:
		sub := s.src.SubscribeJobs(s.ctx, storage.JobQuery{ParticipantID: s.selfID})
		o.cancels = append(o.cancels, sub.Cancel)
		o.wg.Add(1)
		go s.pumpInbox(o, sub)
	case ScreenWorkers:
		watch(s, o, s.src.SubscribeAccounts(s.ctx, storage.AccountQuery{Role: models.RoleWorker}),
			func(o *observation, items []models.Account) { o.accounts = items })
		watch(s, o, s.src.SubscribeJobs(s.ctx, storage.JobQuery{
			CreatorID: s.selfID,
			Statuses:  []models.JobStatus{models.StatusPendingApproval, models.StatusAccepted},
		}), setJobs)
	case ScreenChat:
		watch(s, o, s.src.SubscribeJob(s.ctx, param), func(o *observation, items []models.Job) {
			o.job = nil
			if len(items) == 1 {
				j := items[0]
				o.job = &j
			}
		})
		watch(s, o, s.src.SubscribeMessages(s.ctx, param),
			func(o *observation, items []models.Message) { o.messages = items })
	case ScreenProfile:
		watch(s, o, s.src.SubscribeJobs(s.ctx, storage.JobQuery{
			ParticipantID: s.selfID,
			Statuses:      []models.JobStatus{models.StatusCompleted},
		}), setJobs)
	}
	return o
}

// pumpInbox resolves counterpart names missing from the job snapshots
// before applying each inbox snapshot. A failed lookup only costs that name.
func (s *Session) pumpInbox(o *observation, sub *storage.Subscription[models.Job]) {
	defer o.wg.Done()
	var gate seqGate
	for snap := range sub.C {
		if !gate.admit(snap.Seq) {
			continue
		}
		if snap.Err != nil {
			s.logger.Warn("live snapshot failed", slog.Any("error", snap.Err))
			continue
		}
		s.resolveNames(snap.Items)
		s.mu.Lock()
		if !s.stopped {
			o.jobs = snap.Items
		}
		s.mu.Unlock()
		s.signal()
	}
}

func (s *Session) resolveNames(jobs []models.Job) {
	missing := make(map[string]bool)
	s.mu.Lock()
	for _, j := range jobs {
		id := j.CounterpartID(s.selfID)
		if id == "" || j.CounterpartName(s.selfID) != "" {
			continue
		}
		if _, ok := s.names[id]; !ok {
			missing[id] = true
		}
	}
	s.mu.Unlock()
	for id := range missing {
		a, err := s.src.GetAccount(s.ctx, id)
		if err != nil {
			s.logger.Warn("counterpart lookup failed", slog.String("counterpart_id", id), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		s.names[id] = a.DisplayName()
		s.mu.Unlock()
	}
}

// Close stops observing a screen.
func (s *Session) Close(screen Screen) {
	s.mu.Lock()
	o := s.screens[screen]
	delete(s.screens, screen)
	s.mu.Unlock()
	if o != nil {
		o.stop()
		s.signal()
	}
}

func (s *Session) SetFilters(f Filters) {
	s.mu.Lock()
	if f.Workers.RadiusKm <= 0 {
		f.Workers.RadiusKm = models.DefaultWorkRadiusKm
	}
	s.filters = f
	s.mu.Unlock()
	s.signal()
}

// Hide removes a chat from this session's inbox only.
func (s *Session) Hide(jobID string) {
	s.mu.Lock()
	s.hidden[jobID] = true
	s.mu.Unlock()
	s.signal()
}

// HideAll hides every chat currently in the inbox.
func (s *Session) HideAll() {
	s.mu.Lock()
	if o := s.screens[ScreenInbox]; o != nil {
		for _, j := range o.jobs {
			s.hidden[j.ID] = true
		}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Session) Discard(jobID string) {
	s.mu.Lock()
	s.discarded[jobID] = true
	s.mu.Unlock()
	s.signal()
}

func (s *Session) Restore(jobID string) {
	s.mu.Lock()
	delete(s.discarded, jobID)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) Dismiss(key string) {
	s.mu.Lock()
	s.dismissed[key] = true
	s.mu.Unlock()
	s.signal()
}

type ProfileView struct {
	Account models.Account      `json:"account"`
	Stats   models.ProfileStats `json:"stats"`
}

// State is everything the user currently sees. Only open screens are set.
type State struct {
	Account       models.Account           `json:"account"`
	Notifications []models.Notification    `json:"notifications"`
	Filters       Filters                  `json:"filters"`
	Feed          []models.Job             `json:"feed,omitempty"`
	History       []models.Job             `json:"history,omitempty"`
	Discovery     *DiscoveryView           `json:"discovery,omitempty"`
	Inbox         *InboxView               `json:"inbox,omitempty"`
	Workers       []models.WorkerCandidate `json:"workers,omitempty"`
	Chat          *ChatView                `json:"chat,omitempty"`
	Profile       *ProfileView             `json:"profile,omitempty"`
}

// State derives the current views from the latest applied snapshots.
func (s *Session) State() State {
	presence := s.nearbyWorkers()
	s.mu.Lock()
	defer s.mu.Unlock()
	self := s.account
	st := State{
		Account:       self.Clone(),
		Notifications: Notifications(s.base.jobs, self, s.dismissed),
		Filters:       s.filters,
	}
	for screen, o := range s.screens {
		switch screen {
		case ScreenFeed:
			st.Feed = Feed(o.jobs, self)
		case ScreenHistory:
			st.History = History(o.jobs, self)
		case ScreenDiscovery:
			v := Discovery(o.jobs, self, s.discarded)
			st.Discovery = &v
		case ScreenInbox:
			v := Inbox(o.jobs, self, s.names, s.filters.InboxSearch, s.hidden)
			st.Inbox = &v
		case ScreenWorkers:
			workers := make([]models.Account, len(o.accounts))
			for i, a := range o.accounts {
				workers[i] = a.Clone()
			}
			s.presence.Apply(workers, presence)
			st.Workers = Workers(workers, self, o.jobs, s.filters.Workers)
		case ScreenChat:
			if o.job != nil {
				v := Chat(*o.job, o.messages, self)
				st.Chat = &v
			}
		case ScreenProfile:
			st.Profile = &ProfileView{Account: self.Clone(), Stats: Stats(o.jobs, self)}
		}
	}
	return st
}

// nearbyWorkers reads presence around the user while the worker list is
// open. The lookup runs outside the session lock.
func (s *Session) nearbyWorkers() []models.Presence {
	s.mu.Lock()
	_, open := s.screens[ScreenWorkers]
	self, f := s.account, s.filters.Workers
	s.mu.Unlock()
	if !open {
		return nil
	}
	return s.presence.Nearby(self, f)
}

// Stop cancels every subscription and waits for the pumps to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	screens := s.screens
	s.screens = make(map[Screen]*observation)
	base := s.base
	s.mu.Unlock()

	s.cancel()
	for _, o := range screens {
		o.stop()
	}
	base.stop()
	observability.LiveSessions.Dec()
}
