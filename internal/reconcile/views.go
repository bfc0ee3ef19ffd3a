// Package reconcile derives the role-filtered views a connected user sees
// from live query snapshots, and keeps them current in a Session.
package reconcile

import (
	"sort"
	"strings"

	"github.com/example/infrasalud/internal/geo"
	"github.com/example/infrasalud/internal/models"
)

// Feed is the client's own work in progress. Direct-hire requests live in the
// inbox instead.
func Feed(jobs []models.Job, self models.Account) []models.Job {
	out := make([]models.Job, 0)
	for _, j := range jobs {
		if j.CreatorID != self.ID || j.Status.Terminal() || j.DirectHire {
			continue
		}
		out = append(out, j)
	}
	return out
}

func History(jobs []models.Job, self models.Account) []models.Job {
	out := make([]models.Job, 0)
	for _, j := range jobs {
		if j.IsParticipant(self.ID) && j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out
}

type DiscoveryView struct {
	Pending   []models.Job `json:"pending"`
	Open      []models.Job `json:"open"`
	Discarded []models.Job `json:"discarded"`
}

// Discovery lists what an online worker can take: open jobs within their
// radius and requests addressed to them, most urgent first. Jobs the worker
// discarded in this session are listed apart so they can be restored.
func Discovery(jobs []models.Job, self models.Account, discarded map[string]bool) DiscoveryView {
	view := DiscoveryView{Pending: []models.Job{}, Open: []models.Job{}, Discarded: []models.Job{}}
	if !self.Online() {
		return view
	}
	me := models.CoordsOf(self.Location)
	radius := self.RadiusKm()
	visible := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		switch {
		case j.Status == models.StatusOpen:
			if geo.DistanceKm(me, j.Location.Coords) > radius {
				continue
			}
		case j.Status == models.StatusPendingApproval && j.WorkerID == self.ID:
		default:
			continue
		}
		visible = append(visible, j)
	}
	SortByUrgency(visible)
	for _, j := range visible {
		switch {
		case discarded[j.ID]:
			view.Discarded = append(view.Discarded, j)
		case j.Status == models.StatusPendingApproval:
			view.Pending = append(view.Pending, j)
		default:
			view.Open = append(view.Open, j)
		}
	}
	return view
}

// SortByUrgency orders jobs by urgency rank, keeping source order on ties.
func SortByUrgency(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].Triage.Urgency.Rank() > jobs[k].Triage.Urgency.Rank()
	})
}

type InboxEntry struct {
	Job             models.Job `json:"job"`
	CounterpartID   string     `json:"counterpart_id"`
	CounterpartName string     `json:"counterpart_name"`
}

type InboxView struct {
	Pending  []InboxEntry `json:"pending"`
	Active   []InboxEntry `json:"active"`
	Finished []InboxEntry `json:"finished"`
}

const unknownName = "Usuario"

// CounterpartName resolves the other party's name: the snapshot on the job,
// then a looked-up account name, then a placeholder.
func CounterpartName(j models.Job, self string, names map[string]string) string {
	if n := j.CounterpartName(self); n != "" {
		return n
	}
	if n := names[j.CounterpartID(self)]; n != "" {
		return n
	}
	return unknownName
}

// Inbox buckets the user's conversations. Hidden ids are a per-session soft
// delete and never touch the stored job.
func Inbox(jobs []models.Job, self models.Account, names map[string]string, search string, hidden map[string]bool) InboxView {
	view := InboxView{Pending: []InboxEntry{}, Active: []InboxEntry{}, Finished: []InboxEntry{}}
	needle := strings.ToLower(strings.TrimSpace(search))
	for _, j := range jobs {
		if !j.IsParticipant(self.ID) || j.Status == models.StatusOpen || hidden[j.ID] {
			continue
		}
		name := CounterpartName(j, self.ID, names)
		if needle != "" && !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		e := InboxEntry{Job: j, CounterpartID: j.CounterpartID(self.ID), CounterpartName: name}
		switch {
		case j.Status == models.StatusPendingApproval:
			view.Pending = append(view.Pending, e)
		case j.Status.Active():
			view.Active = append(view.Active, e)
		case j.Status.Terminal():
			view.Finished = append(view.Finished, e)
		}
	}
	return view
}

// Notifications tells a client about accepted requests and a worker about
// requests addressed to them, minus the ones dismissed in this session.
func Notifications(jobs []models.Job, self models.Account, dismissed map[string]bool) []models.Notification {
	out := make([]models.Notification, 0)
	for _, j := range jobs {
		var n models.Notification
		switch {
		case self.Role == models.RoleClient && j.CreatorID == self.ID && j.Status == models.StatusAccepted:
			category := j.Triage.Category
			if category == "" {
				category = "servicio"
			}
			n = models.Notification{Title: "Solicitud Aceptada", Body: "Tu solicitud de " + category + " ha sido aceptada."}
		case self.Role == models.RoleWorker && j.WorkerID == self.ID && j.Status == models.StatusPendingApproval:
			n = models.Notification{Title: "Nueva Solicitud", Body: j.CreatorName + " te ha enviado una solicitud."}
		default:
			continue
		}
		n.JobID = j.ID
		n.JobStatus = j.Status
		if dismissed[n.Key()] {
			continue
		}
		out = append(out, n)
	}
	return out
}

type WorkerFilter struct {
	// Specialty empty means every specialty.
	Specialty models.Specialty `json:"specialty,omitempty"`
	RadiusKm  float64          `json:"radius_km,omitempty"`
}

func (f WorkerFilter) radius() float64 {
	if f.RadiusKm > 0 {
		return f.RadiusKm
	}
	return models.DefaultWorkRadiusKm
}

type seedWorker struct {
	account models.Account
	// nominalKm stands in for the distance when the client has no coordinates.
	nominalKm float64
}

var seedWorkers = []seedWorker{
	{seedAccount("w1", "Juan", "Pérez", models.SpecialtyClinicalElectrical, "+56 9 1111 2222", true, true, -33.45, -70.66), 2.5},
	{seedAccount("w2", "Mario", "Gómez", models.SpecialtyPlumbing, "+56 9 3333 4444", false, false, -33.46, -70.65), 5.1},
	{seedAccount("w3", "Ana", "López", models.SpecialtyHVAC, "+56 9 5555 6666", true, true, -33.44, -70.67), 1.2},
}

func seedAccount(id, first, last string, spec models.Specialty, phone string, showPhone, online bool, lat, lon float64) models.Account {
	return models.Account{
		ID: id, FirstName: first, LastName: last, Role: models.RoleWorker,
		Email: id + "@seed.infrasalud.local", Phone: phone, ShowPhone: showPhone,
		Location: &models.Location{Coords: &models.Coord{Lat: lat, Lon: lon}},
		Worker:   &models.WorkerProfile{Specialty: spec, Online: online, RadiusKm: models.DefaultWorkRadiusKm},
	}
}

// SeedWorkers returns the placeholder workers merged into every worker list.
func SeedWorkers() []models.Account {
	out := make([]models.Account, 0, len(seedWorkers))
	for _, s := range seedWorkers {
		out = append(out, s.account.Clone())
	}
	return out
}

func nominalDistance(id string) float64 {
	for _, s := range seedWorkers {
		if s.account.ID == id {
			return s.nominalKm
		}
	}
	return 0
}

// Workers lists the workers a client can hire: stored workers plus the seed
// list, filtered by specialty and distance, online first. Workers already
// engaged with this client are left out.
func Workers(accounts []models.Account, self models.Account, ownJobs []models.Job, f WorkerFilter) []models.WorkerCandidate {
	engaged := make(map[string]bool)
	for _, j := range ownJobs {
		if j.Engages(self.ID) {
			engaged[j.WorkerID] = true
		}
	}
	me := models.CoordsOf(self.Location)
	seen := make(map[string]bool)
	out := make([]models.WorkerCandidate, 0)
	for _, a := range append(append([]models.Account{}, accounts...), SeedWorkers()...) {
		if !a.IsWorker() || seen[a.ID] || a.ID == self.ID {
			continue
		}
		seen[a.ID] = true
		if f.Specialty != "" && a.Specialty() != f.Specialty {
			continue
		}
		dist := geo.DistanceKm(me, models.CoordsOf(a.Location))
		if dist == geo.UnknownDistanceKm {
			if n := nominalDistance(a.ID); n > 0 {
				dist = n
			}
		}
		if dist > f.radius() || engaged[a.ID] {
			continue
		}
		out = append(out, models.WorkerCandidate{Account: a, DistanceKm: dist})
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].Account.Online() && !out[k].Account.Online()
	})
	return out
}

type ChatView struct {
	Job      models.Job       `json:"job"`
	Messages []models.Message `json:"messages"`
	// CanConfirmFinish is set for the party that did not request the finish.
	CanConfirmFinish bool `json:"can_confirm_finish"`
	PromptRating     bool `json:"prompt_rating"`
}

func Chat(j models.Job, msgs []models.Message, self models.Account) ChatView {
	v := ChatView{Job: j, Messages: msgs}
	if v.Messages == nil {
		v.Messages = []models.Message{}
	}
	if !j.IsParticipant(self.ID) {
		return v
	}
	v.CanConfirmFinish = j.Status == models.StatusFinishRequested && j.FinishRequestedBy != self.ID
	v.PromptRating = j.Status == models.StatusCompleted && j.ReviewBy(self.ID) == nil
	return v
}

// Stats averages the ratings the account received from counterparts on
// completed jobs it took part in under its role.
func Stats(jobs []models.Job, self models.Account) models.ProfileStats {
	var stats models.ProfileStats
	total, rated := 0, 0
	for _, j := range jobs {
		if j.Status != models.StatusCompleted {
			continue
		}
		var received *models.Review
		switch {
		case self.Role == models.RoleWorker && j.WorkerID == self.ID:
			received = j.ClientReview
		case self.Role == models.RoleClient && j.CreatorID == self.ID:
			received = j.WorkerReview
		default:
			continue
		}
		stats.Jobs++
		if received != nil {
			total += received.Stars
			rated++
		}
	}
	if rated > 0 {
		avg := float64(total) / float64(rated)
		stats.AverageRating = &avg
	}
	return stats
}
