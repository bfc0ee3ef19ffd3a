package models

import "time"

type JobStatus string

const (
	StatusOpen            JobStatus = "open"
	StatusPendingApproval JobStatus = "pending_approval"
	StatusAccepted        JobStatus = "accepted"
	StatusFinishRequested JobStatus = "finish_requested"
	StatusCompleted       JobStatus = "completed"
	StatusCancelled       JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPendingApproval, StatusAccepted, StatusFinishRequested, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active covers the statuses in which both parties are working together.
func (s JobStatus) Active() bool { return s == StatusAccepted || s == StatusFinishRequested }

type Urgency string

const (
	UrgencyHigh   Urgency = "Alta"
	UrgencyMedium Urgency = "Media"
	UrgencyLow    Urgency = "Baja"
)

// Rank orders urgencies for sorting; unknown values rank lowest.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	}
	return 0
}

type Triage struct {
	Category   string  `json:"category"`
	Urgency    Urgency `json:"urgency"`
	Diagnostic string  `json:"diagnostic,omitempty"`
}

type Review struct {
	Stars int    `json:"stars"`
	Text  string `json:"text,omitempty"`
}

type Job struct {
	ID                string     `json:"id"`
	CreatorID         string     `json:"creator_id"`
	CreatorName       string     `json:"creator_name"`
	Description       string     `json:"description"`
	PhotoURL          string     `json:"photo_url,omitempty"`
	Location          Location   `json:"location"`
	Triage            Triage     `json:"triage"`
	Status            JobStatus  `json:"status"`
	DirectHire        bool       `json:"direct_hire"`
	CreatedAt         time.Time  `json:"created_at"`
	WorkerID          string     `json:"worker_id,omitempty"`
	WorkerName        string     `json:"worker_name,omitempty"`
	FinishRequestedBy string     `json:"finish_requested_by,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	CancelledBy       string     `json:"cancelled_by,omitempty"`
	ClientReview      *Review    `json:"client_review,omitempty"`
	WorkerReview      *Review    `json:"worker_review,omitempty"`
}

func (j Job) IsParticipant(accountID string) bool {
	return accountID != "" && (j.CreatorID == accountID || j.WorkerID == accountID)
}

// Engages reports whether the job ties clientID to its worker: a request or
// job the client created that is still pending approval or accepted.
func (j Job) Engages(clientID string) bool {
	return clientID != "" && j.CreatorID == clientID && j.WorkerID != "" &&
		(j.Status == StatusPendingApproval || j.Status == StatusAccepted)
}

// CounterpartID returns the id of the other party from the viewpoint of
// accountID.
func (j Job) CounterpartID(accountID string) string {
	if j.WorkerID == accountID {
		return j.CreatorID
	}
	return j.WorkerID
}

// CounterpartName returns the name snapshot of the other party, empty when the
// job carries none.
func (j Job) CounterpartName(accountID string) string {
	if j.WorkerID == accountID {
		return j.CreatorName
	}
	return j.WorkerName
}

// ReviewBy returns the review written by accountID, nil if none or if the
// account is not a participant.
func (j Job) ReviewBy(accountID string) *Review {
	switch accountID {
	case "":
		return nil
	case j.WorkerID:
		return j.WorkerReview
	case j.CreatorID:
		return j.ClientReview
	}
	return nil
}

// Clone returns a copy that shares no pointers with j.
func (j Job) Clone() Job {
	out := j
	if j.Location.Coords != nil {
		c := *j.Location.Coords
		out.Location.Coords = &c
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.ClientReview != nil {
		r := *j.ClientReview
		out.ClientReview = &r
	}
	if j.WorkerReview != nil {
		r := *j.WorkerReview
		out.WorkerReview = &r
	}
	return out
}

var CancelReasons = []string{
	"No acuerdo de precio",
	"Sin respuesta",
	"Otra solución",
	"Demora",
	"Actitud",
	"Otro",
}

const DeclineReason = "Solicitud rechazada"

func ValidCancelReason(reason string) bool {
	for _, r := range CancelReasons {
		if r == reason {
			return true
		}
	}
	return false
}
