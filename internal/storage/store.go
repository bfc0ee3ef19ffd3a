package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/infrasalud/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrConflict  = errors.New("storage: status changed concurrently")
	ErrDuplicate = errors.New("storage: duplicate key")
	ErrReviewed  = errors.New("storage: review already recorded")
)

// Credential is the password record of an account, kept apart from the
// account document so it never reaches a subscriber.
type Credential struct {
	AccountID    string
	Email        string
	PasswordHash string
	UpdatedAt    time.Time
}

type AccountQuery struct {
	Role models.Role
}

func (q AccountQuery) Match(a models.Account) bool {
	return q.Role == "" || a.Role == q.Role
}

// JobQuery selects jobs; zero fields do not filter. Results are ordered by
// creation time, newest first.
type JobQuery struct {
	CreatorID     string
	WorkerID      string
	ParticipantID string
	Statuses      []models.JobStatus
}

func (q JobQuery) Match(j models.Job) bool {
	if q.CreatorID != "" && j.CreatorID != q.CreatorID {
		return false
	}
	if q.WorkerID != "" && j.WorkerID != q.WorkerID {
		return false
	}
	if q.ParticipantID != "" && !j.IsParticipant(q.ParticipantID) {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Backend defines persistence for accounts, jobs and chat messages.
// UpdateJob and DeleteJob only apply when the stored status still equals
// expect; otherwise they return ErrConflict. SetReview writes one side's
// review of a completed job and leaves the rest of the document alone; it
// returns ErrReviewed when that side already has one.
type Backend interface {
	CreateAccount(ctx context.Context, a models.Account) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (models.Account, error)
	UpdateAccount(ctx context.Context, a models.Account) error
	ListAccounts(ctx context.Context, q AccountQuery) ([]models.Account, error)

	SaveCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, email string) (Credential, error)

	CreateJob(ctx context.Context, j models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, j models.Job, expect models.JobStatus) error
	DeleteJob(ctx context.Context, id string, expect models.JobStatus) error
	SetReview(ctx context.Context, jobID string, by models.Role, r models.Review) (models.Job, error)
	ListJobs(ctx context.Context, q JobQuery) ([]models.Job, error)

	AddMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, jobID string) ([]models.Message, error)

	Close() error
}

func sortJobs(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

func sortAccounts(accounts []models.Account) {
	sort.SliceStable(accounts, func(i, k int) bool {
		if accounts[i].CreatedAt.Equal(accounts[k].CreatedAt) {
			return accounts[i].ID < accounts[k].ID
		}
		return accounts[i].CreatedAt.Before(accounts[k].CreatedAt)
	})
}

// applyReview sets the review written by the given side on a completed job.
func applyReview(j *models.Job, by models.Role, r models.Review) error {
	if j.Status != models.StatusCompleted {
		return ErrConflict
	}
	slot := &j.ClientReview
	if by == models.RoleWorker {
		slot = &j.WorkerReview
	}
	if *slot != nil {
		return ErrReviewed
	}
	*slot = &r
	return nil
}
