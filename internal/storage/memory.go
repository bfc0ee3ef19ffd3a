package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/example/infrasalud/internal/models"
)

type MemoryBackend struct {
	mu          sync.RWMutex
	accounts    map[string]models.Account
	emails      map[string]string
	credentials map[string]Credential
	jobs        map[string]models.Job
	messages    map[string][]models.Message
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		accounts:    make(map[string]models.Account),
		emails:      make(map[string]string),
		credentials: make(map[string]Credential),
		jobs:        make(map[string]models.Job),
		messages:    make(map[string][]models.Message),
	}
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func (m *MemoryBackend) CreateAccount(_ context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(a.Email)
	if _, ok := m.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.emails[email]; ok && email != "" {
		return ErrDuplicate
	}
	m.accounts[a.ID] = a.Clone()
	if email != "" {
		m.emails[email] = a.ID
	}
	return nil
}

func (m *MemoryBackend) GetAccount(_ context.Context, id string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryBackend) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	m.mu.RLock()
	id, ok := m.emails[normalizeEmail(email)]
	m.mu.RUnlock()
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return m.GetAccount(ctx, id)
}

// UpdateAccount replaces the account document. The email is immutable.
func (m *MemoryBackend) UpdateAccount(_ context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	a.Email = cur.Email
	m.accounts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryBackend) ListAccounts(_ context.Context, q AccountQuery) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if q.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *MemoryBackend) SaveCredential(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Email = normalizeEmail(c.Email)
	m.credentials[c.Email] = c
	return nil
}

func (m *MemoryBackend) GetCredential(_ context.Context, email string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[normalizeEmail(email)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryBackend) CreateJob(_ context.Context, j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrDuplicate
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryBackend) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryBackend) UpdateJob(_ context.Context, j models.Job, expect models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryBackend) SetReview(_ context.Context, jobID string, by models.Role, r models.Review) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	next := cur.Clone()
	if err := applyReview(&next, by, r); err != nil {
		return models.Job{}, err
	}
	m.jobs[jobID] = next
	return next.Clone(), nil
}

func (m *MemoryBackend) DeleteJob(_ context.Context, id string, expect models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	delete(m.jobs, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryBackend) ListJobs(_ context.Context, q JobQuery) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if q.Match(j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

// AddMessage appends to the job's chat; insertion order breaks timestamp ties.
func (m *MemoryBackend) AddMessage(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[msg.JobID]; !ok {
		return ErrNotFound
	}
	list := m.messages[msg.JobID]
	i := len(list)
	for i > 0 && list[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	list = append(list, models.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	m.messages[msg.JobID] = list
	return nil
}

func (m *MemoryBackend) ListMessages(_ context.Context, jobID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[jobID]
	out := make([]models.Message, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
