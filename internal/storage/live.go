package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/observability"
)

type Collection string

const (
	CollectionAccounts Collection = "accounts"
	CollectionJobs     Collection = "jobs"
	CollectionMessages Collection = "messages"
)

// Change identifies a mutated document. For messages ID is the job id.
type Change struct {
	Collection Collection `json:"collection"`
	ID         string     `json:"id"`
	Origin     string     `json:"origin,omitempty"`
}

// ChangePublisher forwards local mutations to other server instances.
type ChangePublisher interface {
	PublishChange(ctx context.Context, c Change) error
}

// Snapshot is one result of a live query. Seq increases strictly per
// subscription; a reader may skip sequences when it falls behind.
type Snapshot[T any] struct {
	Seq   uint64
	Items []T
	Err   error
}

// Subscription delivers snapshots on C until Cancel is called, after which C
// is closed.
type Subscription[T any] struct {
	C      <-chan Snapshot[T]
	cancel func()
	once   sync.Once
}

// NewSubscription wraps a snapshot channel and the function that ends it.
// cancel must close c.
func NewSubscription[T any](c <-chan Snapshot[T], cancel func()) *Subscription[T] {
	return &Subscription[T]{C: c, cancel: cancel}
}

func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

type watcher struct {
	collection Collection
	// key limits refreshes to changes of one document; empty matches all.
	key     string
	refresh func(ctx context.Context)
}

// Live wraps a Backend and re-runs the affected live queries after every
// mutation made through it.
type Live struct {
	Backend

	logger    *slog.Logger
	publisher ChangePublisher
	origin    string

	mu       sync.Mutex
	next     uint64
	watchers map[uint64]*watcher
}

type LiveOption func(*Live)

func WithPublisher(p ChangePublisher, origin string) LiveOption {
	return func(l *Live) {
		l.publisher = p
		l.origin = origin
	}
}

func NewLive(b Backend, logger *slog.Logger, opts ...LiveOption) *Live {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Live{Backend: b, logger: logger, watchers: make(map[uint64]*watcher)}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Live) Origin() string { return l.origin }

func (l *Live) CreateAccount(ctx context.Context, a models.Account) error {
	if err := l.Backend.CreateAccount(ctx, a); err != nil {
		return err
	}
	l.changed(ctx, CollectionAccounts, a.ID)
	return nil
}

func (l *Live) UpdateAccount(ctx context.Context, a models.Account) error {
	if err := l.Backend.UpdateAccount(ctx, a); err != nil {
		return err
	}
	l.changed(ctx, CollectionAccounts, a.ID)
	return nil
}

func (l *Live) CreateJob(ctx context.Context, j models.Job) error {
	if err := l.Backend.CreateJob(ctx, j); err != nil {
		return err
	}
	l.changed(ctx, CollectionJobs, j.ID)
	return nil
}

func (l *Live) UpdateJob(ctx context.Context, j models.Job, expect models.JobStatus) error {
	if err := l.Backend.UpdateJob(ctx, j, expect); err != nil {
		return err
	}
	l.changed(ctx, CollectionJobs, j.ID)
	return nil
}

func (l *Live) SetReview(ctx context.Context, jobID string, by models.Role, r models.Review) (models.Job, error) {
	j, err := l.Backend.SetReview(ctx, jobID, by, r)
	if err != nil {
		return models.Job{}, err
	}
	l.changed(ctx, CollectionJobs, jobID)
	return j, nil
}

func (l *Live) DeleteJob(ctx context.Context, id string, expect models.JobStatus) error {
	if err := l.Backend.DeleteJob(ctx, id, expect); err != nil {
		return err
	}
	l.changed(ctx, CollectionJobs, id)
	l.changed(ctx, CollectionMessages, id)
	return nil
}

func (l *Live) AddMessage(ctx context.Context, m models.Message) error {
	if err := l.Backend.AddMessage(ctx, m); err != nil {
		return err
	}
	l.changed(ctx, CollectionMessages, m.JobID)
	return nil
}

func (l *Live) changed(ctx context.Context, coll Collection, id string) {
	ctx = context.WithoutCancel(ctx)
	l.Refresh(ctx, Change{Collection: coll, ID: id})
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishChange(ctx, Change{Collection: coll, ID: id, Origin: l.origin}); err != nil {
		l.logger.Warn("publish change failed", slog.String("collection", string(coll)), slog.String("id", id), slog.Any("error", err))
	}
}

// Refresh re-runs every live query affected by c. It is called after local
// writes and by the change consumer for writes made by other instances.
func (l *Live) Refresh(ctx context.Context, c Change) {
	l.mu.Lock()
	affected := make([]*watcher, 0, len(l.watchers))
	for _, w := range l.watchers {
		if w.collection == c.Collection && (w.key == "" || w.key == c.ID) {
			affected = append(affected, w)
		}
	}
	l.mu.Unlock()
	for _, w := range affected {
		w.refresh(ctx)
	}
}

func (l *Live) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers)
}

// SubscribeJobs observes the jobs matching q.
func (l *Live) SubscribeJobs(ctx context.Context, q JobQuery) *Subscription[models.Job] {
	return subscribe(ctx, l, CollectionJobs, "", func(ctx context.Context) ([]models.Job, error) {
		return l.Backend.ListJobs(ctx, q)
	})
}

// SubscribeJob observes a single job; a deleted job yields an empty snapshot.
func (l *Live) SubscribeJob(ctx context.Context, id string) *Subscription[models.Job] {
	return subscribe(ctx, l, CollectionJobs, id, func(ctx context.Context) ([]models.Job, error) {
		j, err := l.Backend.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []models.Job{j}, nil
	})
}

func (l *Live) SubscribeAccounts(ctx context.Context, q AccountQuery) *Subscription[models.Account] {
	return subscribe(ctx, l, CollectionAccounts, "", func(ctx context.Context) ([]models.Account, error) {
		return l.Backend.ListAccounts(ctx, q)
	})
}

func (l *Live) SubscribeAccount(ctx context.Context, id string) *Subscription[models.Account] {
	return subscribe(ctx, l, CollectionAccounts, id, func(ctx context.Context) ([]models.Account, error) {
		a, err := l.Backend.GetAccount(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []models.Account{a}, nil
	})
}

func (l *Live) SubscribeMessages(ctx context.Context, jobID string) *Subscription[models.Message] {
	return subscribe(ctx, l, CollectionMessages, jobID, func(ctx context.Context) ([]models.Message, error) {
		return l.Backend.ListMessages(ctx, jobID)
	})
}

// subscribe registers a live query and delivers its first snapshot before
// returning. Delivery goes through a one-slot channel: an undelivered
// snapshot is replaced by the newer one.
func subscribe[T any](ctx context.Context, l *Live, coll Collection, key string, query func(context.Context) ([]T, error)) *Subscription[T] {
	ch := make(chan Snapshot[T], 1)
	var (
		mu     sync.Mutex
		seq    uint64
		closed bool
	)
	refresh := func(ctx context.Context) {
		// held across the query so a later refresh never delivers an older result
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		items, err := query(ctx)
		if err != nil {
			l.logger.Warn("live query failed", slog.String("collection", string(coll)), slog.String("key", key), slog.Any("error", err))
		}
		seq++
		select {
		case <-ch:
		default:
		}
		ch <- Snapshot[T]{Seq: seq, Items: items, Err: err}
	}

	l.mu.Lock()
	l.next++
	id := l.next
	l.watchers[id] = &watcher{collection: coll, key: key, refresh: refresh}
	l.mu.Unlock()
	observability.LiveSubscriptions.Inc()

	refresh(context.WithoutCancel(ctx))

	return NewSubscription[T](ch, func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
		observability.LiveSubscriptions.Dec()
	})
}
