package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is an address with optional coordinates. A nil Coords means the
// address was typed but never resolved to a point.
type Location struct {
	Address string `json:"address"`
	Coords  *Coord `json:"coords,omitempty"`
}

// CoordsOf returns the coordinates of a possibly nil location.
func CoordsOf(l *Location) *Coord {
	if l == nil {
		return nil
	}
	return l.Coords
}

// Presence is the last reported position and availability of a worker.
type Presence struct {
	WorkerID string    `json:"worker_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	JobID     string    `json:"job_id"`
	JobStatus JobStatus `json:"job_status"`
}

// Key identifies a notification for dismissal. A later transition of the same
// job produces a different key.
func (n Notification) Key() string { return n.JobID + ":" + string(n.JobStatus) }

type WorkerCandidate struct {
	Account    Account `json:"account"`
	DistanceKm float64 `json:"distance_km"`
}

type ProfileStats struct {
	// AverageRating is nil when the account has no completed jobs.
	AverageRating *float64 `json:"average_rating"`
	Jobs          int      `json:"jobs"`
}
