package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/infrasalud/internal/geo"
	"github.com/example/infrasalud/internal/models"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(lat, lon float64) *models.Location {
	return &models.Location{Address: "Santiago", Coords: &models.Coord{Lat: lat, Lon: lon}}
}

func mkJob(id string, status models.JobStatus, urgency models.Urgency) models.Job {
	return models.Job{ID: id, CreatorID: "c1", CreatorName: "Clínica Norte", Status: status,
		Triage:    models.Triage{Category: "Reparación", Urgency: urgency},
		Location:  *at(-33.45, -70.66),
		CreatedAt: base}
}

var (
	clientAcc = models.Account{ID: "c1", FirstName: "Clínica", LastName: "Norte", Role: models.RoleClient, Location: at(-33.45, -70.66)}
	workerAcc = models.Account{ID: "wk", FirstName: "Juan", LastName: "Soto", Role: models.RoleWorker, Location: at(-33.45, -70.66),
		Worker: &models.WorkerProfile{Specialty: models.SpecialtyClinicalElectrical, Online: true, RadiusKm: 3}}
)

func ids(jobs []models.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestFeedAndHistory(t *testing.T) {
	direct := mkJob("direct", models.StatusPendingApproval, models.UrgencyMedium)
	direct.DirectHire = true
	done := mkJob("done", models.StatusCompleted, models.UrgencyLow)
	foreign := mkJob("foreign", models.StatusOpen, models.UrgencyLow)
	foreign.CreatorID = "c2"
	jobs := []models.Job{mkJob("open", models.StatusOpen, models.UrgencyHigh), direct, done, foreign,
		mkJob("cancelled", models.StatusCancelled, models.UrgencyLow)}

	assert.Equal(t, []string{"open"}, ids(Feed(jobs, clientAcc)))
	assert.Equal(t, []string{"done", "cancelled"}, ids(History(jobs, clientAcc)))
}

func TestDiscoveryRadius(t *testing.T) {
	near := mkJob("near", models.StatusOpen, models.UrgencyMedium)
	near.Location = *at(-33.45+0.0225, -70.66) // ~2.5 km
	far := mkJob("far", models.StatusOpen, models.UrgencyMedium)
	far.Location = *at(-33.45+0.0459, -70.66) // ~5.1 km
	nowhere := mkJob("nowhere", models.StatusOpen, models.UrgencyHigh)
	nowhere.Location = models.Location{Address: "sin coordenadas"}

	view := Discovery([]models.Job{near, far, nowhere}, workerAcc, nil)
	assert.Equal(t, []string{"near"}, ids(view.Open))
}

func TestDiscoveryOrderingAndDiscard(t *testing.T) {
	pending := mkJob("pending", models.StatusPendingApproval, models.UrgencyMedium)
	pending.WorkerID = workerAcc.ID
	otherPending := mkJob("other-pending", models.StatusPendingApproval, models.UrgencyHigh)
	otherPending.WorkerID = "someone-else"
	jobs := []models.Job{
		mkJob("low", models.StatusOpen, models.UrgencyLow),
		mkJob("med-1", models.StatusOpen, models.UrgencyMedium),
		mkJob("odd", models.StatusOpen, models.Urgency("Urgente")),
		mkJob("high", models.StatusOpen, models.UrgencyHigh),
		mkJob("med-2", models.StatusOpen, models.UrgencyMedium),
		pending, otherPending,
		mkJob("taken", models.StatusAccepted, models.UrgencyHigh),
	}

	view := Discovery(jobs, workerAcc, map[string]bool{"med-2": true})
	assert.Equal(t, []string{"high", "med-1", "low", "odd"}, ids(view.Open))
	assert.Equal(t, []string{"pending"}, ids(view.Pending))
	assert.Equal(t, []string{"med-2"}, ids(view.Discarded))

	offline := workerAcc.Clone()
	offline.Worker.Online = false
	empty := Discovery(jobs, offline, nil)
	assert.Empty(t, empty.Open)
	assert.Empty(t, empty.Pending)
}

func TestSortByUrgencyNonIncreasing(t *testing.T) {
	jobs := []models.Job{
		mkJob("a", models.StatusOpen, models.UrgencyLow),
		mkJob("b", models.StatusOpen, models.UrgencyHigh),
		mkJob("c", models.StatusOpen, ""),
		mkJob("d", models.StatusOpen, models.UrgencyHigh),
		mkJob("e", models.StatusOpen, models.UrgencyMedium),
	}
	SortByUrgency(jobs)
	for i := 1; i < len(jobs); i++ {
		assert.GreaterOrEqual(t, jobs[i-1].Triage.Urgency.Rank(), jobs[i].Triage.Urgency.Rank())
	}
	assert.Equal(t, []string{"b", "d", "e", "a", "c"}, ids(jobs))
}

func TestInbox(t *testing.T) {
	pending := mkJob("p", models.StatusPendingApproval, models.UrgencyMedium)
	pending.WorkerID, pending.WorkerName = "w1", "Juan Pérez"
	active := mkJob("a", models.StatusFinishRequested, models.UrgencyMedium)
	active.WorkerID = "w2" // no snapshot name
	finished := mkJob("f", models.StatusCompleted, models.UrgencyMedium)
	finished.WorkerID = "w3"
	open := mkJob("o", models.StatusOpen, models.UrgencyMedium)
	jobs := []models.Job{pending, active, finished, open}
	names := map[string]string{"w2": "Mario Gómez"}

	view := Inbox(jobs, clientAcc, names, "", nil)
	require.Len(t, view.Pending, 1)
	require.Len(t, view.Active, 1)
	require.Len(t, view.Finished, 1)
	assert.Equal(t, "Mario Gómez", view.Active[0].CounterpartName)
	assert.Equal(t, "Usuario", view.Finished[0].CounterpartName)

	searched := Inbox(jobs, clientAcc, names, "GÓMEZ", nil)
	assert.Empty(t, searched.Pending)
	assert.Len(t, searched.Active, 1)

	hidden := Inbox(jobs, clientAcc, names, "", map[string]bool{"f": true})
	assert.Empty(t, hidden.Finished)

	// the worker sees the client as counterpart
	wv := Inbox(jobs, models.Account{ID: "w1", Role: models.RoleWorker}, nil, "", nil)
	require.Len(t, wv.Pending, 1)
	assert.Equal(t, "Clínica Norte", wv.Pending[0].CounterpartName)
}

func TestNotifications(t *testing.T) {
	accepted := mkJob("a", models.StatusAccepted, models.UrgencyMedium)
	accepted.WorkerID = "wk"
	request := mkJob("r", models.StatusPendingApproval, models.UrgencyMedium)
	request.WorkerID = "wk"

	cn := Notifications([]models.Job{accepted, request}, clientAcc, nil)
	require.Len(t, cn, 1)
	assert.Equal(t, "Solicitud Aceptada", cn[0].Title)
	assert.Equal(t, "Tu solicitud de Reparación ha sido aceptada.", cn[0].Body)

	wn := Notifications([]models.Job{accepted, request}, workerAcc, nil)
	require.Len(t, wn, 1)
	assert.Equal(t, "Clínica Norte te ha enviado una solicitud.", wn[0].Body)

	assert.Empty(t, Notifications([]models.Job{request}, workerAcc, map[string]bool{wn[0].Key(): true}))

	// a later transition of the same job notifies again
	request.Status = models.StatusAccepted
	assert.NotEqual(t, wn[0].Key(), models.Notification{JobID: "r", JobStatus: request.Status}.Key())
}

func TestWorkers(t *testing.T) {
	stored := models.Account{ID: "real", FirstName: "Rosa", LastName: "Díaz", Role: models.RoleWorker,
		Location: at(-33.451, -70.661),
		Worker:   &models.WorkerProfile{Specialty: models.SpecialtyNetworks, Online: false}}
	engagedJob := mkJob("j", models.StatusAccepted, models.UrgencyMedium)
	engagedJob.WorkerID = "w3"

	got := Workers([]models.Account{stored, clientAcc}, clientAcc, []models.Job{engagedJob}, WorkerFilter{RadiusKm: 10})
	var order []string
	for _, c := range got {
		order = append(order, c.Account.ID)
	}
	// online seeds first, offline afterwards in source order; w3 is engaged
	assert.Equal(t, []string{"w1", "real", "w2"}, order)

	onlyPlumbing := Workers(nil, clientAcc, nil, WorkerFilter{Specialty: models.SpecialtyPlumbing, RadiusKm: 10})
	require.Len(t, onlyPlumbing, 1)
	assert.Equal(t, "w2", onlyPlumbing[0].Account.ID)

	tight := Workers(nil, clientAcc, nil, WorkerFilter{RadiusKm: 0.5})
	for _, c := range tight {
		assert.LessOrEqual(t, c.DistanceKm, 0.5)
	}
}

func TestWorkersWithoutClientCoordinates(t *testing.T) {
	noLoc := models.Account{ID: "c9", Role: models.RoleClient}
	stored := models.Account{ID: "real", Role: models.RoleWorker, Location: at(-33.45, -70.66),
		Worker: &models.WorkerProfile{Specialty: models.SpecialtyNetworks, Online: true}}
	got := Workers([]models.Account{stored}, noLoc, nil, WorkerFilter{RadiusKm: 50})
	for _, c := range got {
		assert.NotEqual(t, "real", c.Account.ID, "unknown distance must fail the radius")
		assert.Less(t, c.DistanceKm, geo.UnknownDistanceKm)
	}
	assert.Len(t, got, 3)
}

func TestChat(t *testing.T) {
	j := mkJob("j", models.StatusFinishRequested, models.UrgencyMedium)
	j.WorkerID = "wk"
	j.FinishRequestedBy = "wk"
	assert.True(t, Chat(j, nil, clientAcc).CanConfirmFinish)
	assert.False(t, Chat(j, nil, workerAcc).CanConfirmFinish)
	assert.NotNil(t, Chat(j, nil, clientAcc).Messages)

	j.Status = models.StatusCompleted
	j.ClientReview = &models.Review{Stars: 5}
	assert.False(t, Chat(j, nil, clientAcc).PromptRating)
	assert.True(t, Chat(j, nil, workerAcc).PromptRating)
}

func TestStats(t *testing.T) {
	a := mkJob("a", models.StatusCompleted, models.UrgencyMedium)
	a.WorkerID = "wk"
	a.ClientReview = &models.Review{Stars: 5}
	b := mkJob("b", models.StatusCompleted, models.UrgencyMedium)
	b.WorkerID = "wk"
	b.ClientReview = &models.Review{Stars: 4}
	c := mkJob("c", models.StatusCompleted, models.UrgencyMedium)
	c.WorkerID = "wk"
	cancelled := mkJob("d", models.StatusCancelled, models.UrgencyMedium)
	cancelled.WorkerID = "wk"

	st := Stats([]models.Job{a, b, c, cancelled}, workerAcc)
	assert.Equal(t, 3, st.Jobs)
	require.NotNil(t, st.AverageRating)
	assert.InDelta(t, 4.5, *st.AverageRating, 1e-9)

	none := Stats([]models.Job{c}, clientAcc)
	assert.Equal(t, 1, none.Jobs)
	assert.Nil(t, none.AverageRating)
}
