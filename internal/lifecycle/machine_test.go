package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/storage"
)

type fakePhotos struct {
	err   error
	saved int
}

func (f *fakePhotos) SaveReportPhoto(_ context.Context, accountID string, raw []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved++
	return fmt.Sprintf("/files/reports/%s/%d.jpg", accountID, f.saved), nil
}

type sentNote struct {
	to string
	n  models.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNote
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, accountID string, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNote{accountID, n})
	return f.err
}

var (
	client = models.Account{ID: "c1", FirstName: "Clínica", LastName: "Norte", Role: models.RoleClient,
		Location: &models.Location{Address: "Av. Matta 100, Santiago", Coords: &models.Coord{Lat: -33.45, Lon: -70.66}}}
	worker = models.Account{ID: "w1", FirstName: "Juan", LastName: "Pérez", Role: models.RoleWorker,
		Worker: &models.WorkerProfile{Specialty: models.SpecialtyClinicalElectrical, Online: true}}
	other = models.Account{ID: "w2", FirstName: "Mario", LastName: "Gómez", Role: models.RoleWorker,
		Worker: &models.WorkerProfile{Specialty: models.SpecialtyPlumbing, Online: true}}
)

type fixture struct {
	m      *Machine
	store  *storage.MemoryBackend
	photos *fakePhotos
	notes  *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryBackend()
	ctx := context.Background()
	for _, a := range []models.Account{client, worker, other} {
		a.Email = a.ID + "@example.com"
		require.NoError(t, store.CreateAccount(ctx, a))
	}
	var seq atomic.Int64
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &fixture{store: store, photos: &fakePhotos{}, notes: &fakeNotifier{}}
	f.m = &Machine{
		Store:    store,
		Photos:   f.photos,
		Notifier: f.notes,
		Now:      func() time.Time { return base.Add(time.Duration(seq.Add(1)) * time.Second) },
	}
	return f
}

func (f *fixture) report(t *testing.T) models.Job {
	t.Helper()
	j, err := f.m.CreateReport(context.Background(), client, ReportInput{Description: "fuego en sala", Photo: []byte{0xff}})
	require.NoError(t, err)
	return j
}

func (f *fixture) accepted(t *testing.T) models.Job {
	t.Helper()
	j := f.report(t)
	j, err := f.m.Accept(context.Background(), worker, j.ID)
	require.NoError(t, err)
	return j
}

func (f *fixture) messages(t *testing.T, jobID string) []models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), jobID)
	require.NoError(t, err)
	return msgs
}

func TestCreateReport(t *testing.T) {
	f := newFixture(t)
	j := f.report(t)
	assert.Equal(t, models.StatusOpen, j.Status)
	assert.Equal(t, "fuego en sala", j.Description)
	assert.NotEmpty(t, j.PhotoURL)
	assert.Equal(t, "Emergencia Crítica", j.Triage.Category)
	assert.Equal(t, models.UrgencyHigh, j.Triage.Urgency)
	assert.Equal(t, "Clínica Norte", j.CreatorName)
	assert.Equal(t, client.Location.Address, j.Location.Address)

	stored, err := f.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, stored.ID)
}

func TestCreateReportValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.CreateReport(ctx, client, ReportInput{Description: "  ", Photo: []byte{1}})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.m.CreateReport(ctx, client, ReportInput{Description: "se cortó el agua"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, 0, f.photos.saved, "no collaborator call before validation")

	_, err = f.m.CreateReport(ctx, worker, ReportInput{Description: "x", Photo: []byte{1}})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	f.photos.err = errors.New("bucket unavailable")
	_, err = f.m.CreateReport(ctx, client, ReportInput{Description: "x", Photo: []byte{1}})
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
	jobs, _ := f.store.ListJobs(ctx, storage.JobQuery{})
	assert.Empty(t, jobs)
}

func TestCreateDirectHire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := f.m.CreateDirectHire(ctx, client, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, j.Status)
	assert.True(t, j.DirectHire)
	assert.Empty(t, j.PhotoURL)
	assert.Equal(t, "Contacto Directo", j.Triage.Category)
	assert.Equal(t, models.UrgencyMedium, j.Triage.Urgency)
	assert.Equal(t, "Juan Pérez", j.WorkerName)

	msgs := f.messages(t, j.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hola, me gustaría contratar tus servicios de Electricidad Clínica.", msgs[0].Body)
	assert.Equal(t, client.ID, msgs[0].SenderID)
	assert.False(t, msgs[0].System)

	require.Len(t, f.notes.sent, 1)
	assert.Equal(t, worker.ID, f.notes.sent[0].to)
	assert.Equal(t, "Nueva Solicitud", f.notes.sent[0].n.Title)

	_, err = f.m.CreateDirectHire(ctx, client, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.m.CreateDirectHire(ctx, client, client.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateDirectHireRejectsEngagedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, err := f.m.CreateDirectHire(ctx, client, worker.ID)
	require.NoError(t, err)

	_, err = f.m.CreateDirectHire(ctx, client, worker.ID)
	assert.ErrorIs(t, err, apperrors.ErrGuard)
	assert.Len(t, f.messages(t, pending.ID), 1)

	_, err = f.m.Decline(ctx, worker, pending.ID)
	require.NoError(t, err)
	_, err = f.m.CreateDirectHire(ctx, client, worker.ID)
	require.NoError(t, err, "a declined request frees the worker")

	g := newFixture(t)
	g.accepted(t)
	_, err = g.m.CreateDirectHire(ctx, client, worker.ID)
	assert.ErrorIs(t, err, apperrors.ErrGuard, "an accepted open job engages the worker too")
	_, err = g.m.CreateDirectHire(ctx, client, other.ID)
	require.NoError(t, err)
}

func TestAcceptOpenJob(t *testing.T) {
	f := newFixture(t)
	j := f.accepted(t)
	assert.Equal(t, models.StatusAccepted, j.Status)
	assert.Equal(t, worker.ID, j.WorkerID)
	assert.Equal(t, "Juan Pérez", j.WorkerName)

	msgs := f.messages(t, j.ID)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].System)
	assert.Equal(t, msgAcceptedOpen, msgs[0].Body)

	require.Len(t, f.notes.sent, 1)
	assert.Equal(t, client.ID, f.notes.sent[0].to)
	assert.Equal(t, "Tu solicitud de Emergencia Crítica ha sido aceptada.", f.notes.sent[0].n.Body)

	_, err := f.m.Accept(context.Background(), other, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrGuard)
}

func TestAcceptDirectHire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := f.m.CreateDirectHire(ctx, client, worker.ID)
	require.NoError(t, err)

	_, err = f.m.Accept(ctx, other, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = f.m.Accept(ctx, client, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	j, err = f.m.Accept(ctx, worker, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, j.Status)
	msgs := f.messages(t, j.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "✅ Solicitud aceptada por Juan Pérez.", msgs[1].Body)
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := f.m.CreateDirectHire(ctx, client, worker.ID)
	require.NoError(t, err)

	_, err = f.m.Decline(ctx, other, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	j, err = f.m.Decline(ctx, worker, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, j.Status)
	assert.Equal(t, models.DeclineReason, j.CancelReason)
	assert.Equal(t, worker.ID, j.CancelledBy)

	_, err = f.m.Decline(ctx, worker, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrGuard)
}

func TestFinishRequestAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.accepted(t)

	j, err := f.m.RequestFinish(ctx, worker, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinishRequested, j.Status)
	assert.Equal(t, worker.ID, j.FinishRequestedBy)
	msgs := f.messages(t, j.ID)
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.KindFinishRequest, last.Kind)
	assert.Equal(t, worker.ID, last.SenderID)
	assert.Contains(t, last.Body, "El trabajador ha solicitado finalizar")

	_, err = f.m.ConfirmFinish(ctx, worker, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrGuard, "requester cannot confirm")

	out, err := f.m.ConfirmFinish(ctx, client, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Job.Status)
	require.NotNil(t, out.Job.CompletedAt)
	assert.True(t, out.PromptRating)
}

func TestConfirmFinishIsIdempotentGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.accepted(t)
	_, err := f.m.RequestFinish(ctx, client, j.ID)
	require.NoError(t, err)
	first, err := f.m.ConfirmFinish(ctx, worker, j.ID)
	require.NoError(t, err)
	before := f.messages(t, j.ID)

	out, err := f.m.ConfirmFinish(ctx, worker, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrGuard)
	assert.False(t, out.PromptRating)

	after := f.messages(t, j.ID)
	assert.Len(t, after, len(before), "no duplicate completion message")
	stored, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.Job.CompletedAt, *stored.CompletedAt)
}

func TestConcurrentFinishRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.accepted(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []models.Account{client, worker} {
		wg.Add(1)
		go func(i int, actor models.Account) {
			defer wg.Done()
			_, errs[i] = f.m.RequestFinish(ctx, actor, j.ID)
		}(i, actor)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrGuard)
	}
	assert.Equal(t, 1, ok)

	finish := 0
	for _, m := range f.messages(t, j.ID) {
		if m.Kind == models.KindFinishRequest {
			finish++
		}
	}
	assert.Equal(t, 1, finish)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.accepted(t)

	_, err := f.m.Cancel(ctx, client, j.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.m.Cancel(ctx, other, j.ID, "Demora")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	j, err = f.m.Cancel(ctx, client, j.ID, "Demora")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, j.Status)
	assert.Equal(t, client.ID, j.CancelledBy)
	msgs := f.messages(t, j.ID)
	assert.Equal(t, "⚠️ CANCELADO POR Clínica Norte: Demora", msgs[len(msgs)-1].Body)

	_, err = f.m.Cancel(ctx, client, j.ID, "Otro")
	assert.ErrorIs(t, err, apperrors.ErrGuard)
}

func TestCancelOpenJobOnlyByCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.report(t)
	_, err := f.m.Cancel(ctx, worker, j.ID, "Otro")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = f.m.Cancel(ctx, client, j.ID, "Otra solución")
	require.NoError(t, err)
}

func TestRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.accepted(t)

	_, err := f.m.Rate(ctx, client, j.ID, models.Review{Stars: 5})
	assert.ErrorIs(t, err, apperrors.ErrGuard, "not completed yet")

	_, err = f.m.RequestFinish(ctx, worker, j.ID)
	require.NoError(t, err)
	_, err = f.m.ConfirmFinish(ctx, client, j.ID)
	require.NoError(t, err)

	_, err = f.m.Rate(ctx, client, j.ID, models.Review{Stars: 6})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	j, err = f.m.Rate(ctx, client, j.ID, models.Review{Stars: 4, Text: " buen trabajo "})
	require.NoError(t, err)
	require.NotNil(t, j.ClientReview)
	assert.Equal(t, "buen trabajo", j.ClientReview.Text)
	assert.Nil(t, j.WorkerReview)

	_, err = f.m.Rate(ctx, client, j.ID, models.Review{Stars: 1})
	var ae *apperrors.AppError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Ya calificaste este trabajo", ae.Message)

	j, err = f.m.Rate(ctx, worker, j.ID, models.Review{Stars: 5})
	require.NoError(t, err)
	require.NotNil(t, j.WorkerReview)
	assert.Equal(t, 4, j.ClientReview.Stars)
}

func TestCreateThenDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.report(t)

	assert.ErrorIs(t, f.m.Delete(ctx, worker, j.ID), apperrors.ErrForbidden)
	require.NoError(t, f.m.Delete(ctx, client, j.ID))

	jobs, err := f.store.ListJobs(ctx, storage.JobQuery{CreatorID: client.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.ErrorIs(t, f.m.Delete(ctx, client, j.ID), apperrors.ErrNotFound)

	taken := f.accepted(t)
	assert.ErrorIs(t, f.m.Delete(ctx, client, taken.ID), apperrors.ErrGuard)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.report(t)
	_, err := f.m.SendMessage(ctx, client, open.ID, "hola")
	assert.ErrorIs(t, err, apperrors.ErrGuard)

	j := f.accepted(t)
	_, err = f.m.SendMessage(ctx, client, j.ID, "   ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.m.SendMessage(ctx, other, j.ID, "hola")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	msg, err := f.m.SendMessage(ctx, worker, j.ID, "voy en camino")
	require.NoError(t, err)
	assert.Equal(t, "Juan Pérez", msg.SenderName)

	msgs, err := f.m.Messages(ctx, client, j.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "voy en camino", msgs[1].Body)
	_, err = f.m.Messages(ctx, other, j.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestNotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.notes.err = errors.New("push down")
	j := f.accepted(t)
	assert.Equal(t, models.StatusAccepted, j.Status)
}

// gatedStore holds every GetJob until n readers have loaded the job, so the
// callers act on the same snapshot.
type gatedStore struct {
	*storage.MemoryBackend
	arrived sync.WaitGroup
}

func newGatedStore(inner *storage.MemoryBackend, n int) *gatedStore {
	g := &gatedStore{MemoryBackend: inner}
	g.arrived.Add(n)
	return g
}

func (g *gatedStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, err := g.MemoryBackend.GetJob(ctx, id)
	g.arrived.Done()
	g.arrived.Wait()
	return j, err
}

func (f *fixture) completed(t *testing.T) models.Job {
	t.Helper()
	ctx := context.Background()
	j := f.accepted(t)
	_, err := f.m.RequestFinish(ctx, worker, j.ID)
	require.NoError(t, err)
	out, err := f.m.ConfirmFinish(ctx, client, j.ID)
	require.NoError(t, err)
	return out.Job
}

func rateConcurrently(m *Machine, jobID string, raters ...models.Account) []error {
	errs := make([]error, len(raters))
	var wg sync.WaitGroup
	for i, a := range raters {
		wg.Add(1)
		go func(i int, a models.Account) {
			defer wg.Done()
			_, errs[i] = m.Rate(context.Background(), a, jobID, models.Review{Stars: i + 3, Text: a.ID})
		}(i, a)
	}
	wg.Wait()
	return errs
}

func TestConcurrentRatingsKeepBothReviews(t *testing.T) {
	f := newFixture(t)
	j := f.completed(t)
	f.m.Store = newGatedStore(f.store, 2)

	errs := rateConcurrently(f.m, j.ID, client, worker)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, err := f.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ClientReview)
	require.NotNil(t, stored.WorkerReview)
	assert.Equal(t, client.ID, stored.ClientReview.Text)
	assert.Equal(t, worker.ID, stored.WorkerReview.Text)
}

func TestConcurrentSameSideRatingOnce(t *testing.T) {
	f := newFixture(t)
	j := f.completed(t)
	f.m.Store = newGatedStore(f.store, 2)

	errs := rateConcurrently(f.m, j.ID, client, client)
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var ae *apperrors.AppError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "Ya calificaste este trabajo", ae.Message)
	}
	assert.Equal(t, 1, wins)
}
