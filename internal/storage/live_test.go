package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/infrasalud/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (p *recordingPublisher) PublishChange(_ context.Context, c Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return p.err
}

func next[T any](t *testing.T, s *Subscription[T]) Snapshot[T] {
	t.Helper()
	select {
	case snap, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return snap
	default:
		t.Fatal("no snapshot pending")
	}
	return Snapshot[T]{}
}

func TestLiveInitialSnapshotAndRefresh(t *testing.T) {
	ctx := context.Background()
	l := NewLive(NewMemoryBackend(), nil)
	sub := l.SubscribeJobs(ctx, JobQuery{CreatorID: "c1"})
	defer sub.Cancel()

	first := next(t, sub)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Empty(t, first.Items)

	require.NoError(t, l.CreateJob(ctx, job("j1", "c1", models.StatusOpen, 0)))
	snap := next(t, sub)
	assert.Equal(t, uint64(2), snap.Seq)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "j1", snap.Items[0].ID)
}

func TestLiveCoalescesUnreadSnapshots(t *testing.T) {
	ctx := context.Background()
	l := NewLive(NewMemoryBackend(), nil)
	sub := l.SubscribeJobs(ctx, JobQuery{})
	defer sub.Cancel()

	require.NoError(t, l.CreateJob(ctx, job("j1", "c1", models.StatusOpen, 0)))
	require.NoError(t, l.CreateJob(ctx, job("j2", "c1", models.StatusOpen, 0)))

	snap := next(t, sub)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Len(t, snap.Items, 2)
	select {
	case <-sub.C:
		t.Fatal("expected a single coalesced snapshot")
	default:
	}
}

func TestLiveKeyedSubscriptions(t *testing.T) {
	ctx := context.Background()
	l := NewLive(NewMemoryBackend(), nil)
	require.NoError(t, l.CreateJob(ctx, job("j1", "c1", models.StatusAccepted, 0)))
	require.NoError(t, l.CreateJob(ctx, job("j2", "c1", models.StatusAccepted, 0)))

	msgs := l.SubscribeMessages(ctx, "j1")
	defer msgs.Cancel()
	one := l.SubscribeJob(ctx, "j1")
	defer one.Cancel()
	next(t, msgs)
	next(t, one)

	require.NoError(t, l.AddMessage(ctx, models.Message{ID: "m1", JobID: "j2", CreatedAt: t0}))
	select {
	case <-msgs.C:
		t.Fatal("message on another job must not refresh")
	default:
	}
	require.NoError(t, l.AddMessage(ctx, models.Message{ID: "m2", JobID: "j1", CreatedAt: t0}))
	assert.Len(t, next(t, msgs).Items, 1)

	require.NoError(t, l.Backend.DeleteJob(ctx, "j1", models.StatusAccepted))
	l.Refresh(ctx, Change{Collection: CollectionJobs, ID: "j1"})
	assert.Empty(t, next(t, one).Items)
}

func TestLiveCancelClosesChannel(t *testing.T) {
	ctx := context.Background()
	l := NewLive(NewMemoryBackend(), nil)
	sub := l.SubscribeAccount(ctx, "w1")
	next(t, sub)
	assert.Equal(t, 1, l.Subscriptions())

	sub.Cancel()
	sub.Cancel()
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, l.Subscriptions())

	require.NoError(t, l.CreateAccount(ctx, worker("w1", "w1@example.com")))
}

func TestLivePublishesChanges(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("broker down")}
	l := NewLive(NewMemoryBackend(), nil, WithPublisher(pub, "node-a"))

	require.NoError(t, l.CreateJob(ctx, job("j1", "c1", models.StatusOpen, 0)))
	require.NoError(t, l.DeleteJob(ctx, "j1", models.StatusOpen))

	require.Len(t, pub.changes, 3)
	assert.Equal(t, Change{Collection: CollectionJobs, ID: "j1", Origin: "node-a"}, pub.changes[0])
	assert.Equal(t, CollectionMessages, pub.changes[2].Collection)
}

func TestLiveFailedMutationDoesNotRefresh(t *testing.T) {
	ctx := context.Background()
	l := NewLive(NewMemoryBackend(), nil)
	require.NoError(t, l.CreateJob(ctx, job("j1", "c1", models.StatusAccepted, 0)))
	sub := l.SubscribeJobs(ctx, JobQuery{})
	defer sub.Cancel()
	next(t, sub)

	assert.ErrorIs(t, l.UpdateJob(ctx, job("j1", "c1", models.StatusCompleted, 0), models.StatusOpen), ErrConflict)
	select {
	case <-sub.C:
		t.Fatal("unexpected snapshot after rejected write")
	default:
	}
}
