package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/example/infrasalud/internal/models"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLBackend stores each document as JSON next to the columns queries filter
// on. Queries are written with ? placeholders and rebound per dialect.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLBackend, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

func (s *SQLBackend) Close() error { return s.db.Close() }

func (s *SQLBackend) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLBackend) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLBackend) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *SQLBackend) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

// isUniqueViolation recognizes duplicate key errors from both drivers by
// message, which keeps driver packages out of the import graph.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func (s *SQLBackend) CreateAccount(ctx context.Context, a models.Account) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO accounts (id, email, role, created_at, doc) VALUES (?, ?, ?, ?, ?)`,
		a.ID, normalizeEmail(a.Email), string(a.Role), a.CreatedAt.UnixNano(), string(doc))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLBackend) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return s.scanAccount(s.queryRow(ctx, `SELECT doc FROM accounts WHERE id = ?`, id))
}

func (s *SQLBackend) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	return s.scanAccount(s.queryRow(ctx, `SELECT doc FROM accounts WHERE email = ?`, normalizeEmail(email)))
}

func (s *SQLBackend) scanAccount(row *sql.Row) (models.Account, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, ErrNotFound
		}
		return models.Account{}, err
	}
	var a models.Account
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return models.Account{}, fmt.Errorf("decode account: %w", err)
	}
	return a, nil
}

func (s *SQLBackend) UpdateAccount(ctx context.Context, a models.Account) error {
	cur, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		return err
	}
	a.Email = cur.Email
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE accounts SET role = ?, doc = ? WHERE id = ?`, string(a.Role), string(doc), a.ID)
	return err
}

func (s *SQLBackend) ListAccounts(ctx context.Context, q AccountQuery) ([]models.Account, error) {
	stmt := `SELECT doc FROM accounts`
	var args []any
	if q.Role != "" {
		stmt += ` WHERE role = ?`
		args = append(args, string(q.Role))
	}
	stmt += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Account, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a models.Account
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLBackend) SaveCredential(ctx context.Context, c Credential) error {
	_, err := s.exec(ctx, `INSERT INTO credentials (email, account_id, password_hash, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET account_id = excluded.account_id, password_hash = excluded.password_hash, updated_at = excluded.updated_at`,
		normalizeEmail(c.Email), c.AccountID, c.PasswordHash, c.UpdatedAt.UnixNano())
	return err
}

func (s *SQLBackend) GetCredential(ctx context.Context, email string) (Credential, error) {
	var c Credential
	var updated int64
	err := s.queryRow(ctx, `SELECT email, account_id, password_hash, updated_at FROM credentials WHERE email = ?`, normalizeEmail(email)).
		Scan(&c.Email, &c.AccountID, &c.PasswordHash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}

func (s *SQLBackend) CreateJob(ctx context.Context, j models.Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO jobs (id, creator_id, worker_id, status, created_at, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.CreatorID, j.WorkerID, string(j.Status), j.CreatedAt.UnixNano(), string(doc))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLBackend) GetJob(ctx context.Context, id string) (models.Job, error) {
	var doc string
	if err := s.queryRow(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, err
	}
	return decodeJob(doc)
}

func decodeJob(doc string) (models.Job, error) {
	var j models.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return models.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// UpdateJob writes j only if the row still has status expect.
func (s *SQLBackend) UpdateJob(ctx context.Context, j models.Job, expect models.JobStatus) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET worker_id = ?, status = ?, doc = ? WHERE id = ? AND status = ?`,
		j.WorkerID, string(j.Status), string(doc), j.ID, string(expect))
	if err != nil {
		return err
	}
	return s.checkCAS(ctx, res, j.ID)
}

// maxReviewAttempts bounds the retries when another write to the same job
// lands between the read and the conditional update.
const maxReviewAttempts = 5

// SetReview compares on the whole stored document, so a review is never
// written over a concurrent change to the job.
func (s *SQLBackend) SetReview(ctx context.Context, jobID string, by models.Role, r models.Review) (models.Job, error) {
	for attempt := 0; attempt < maxReviewAttempts; attempt++ {
		var prev string
		if err := s.queryRow(ctx, `SELECT doc FROM jobs WHERE id = ?`, jobID).Scan(&prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.Job{}, ErrNotFound
			}
			return models.Job{}, err
		}
		j, err := decodeJob(prev)
		if err != nil {
			return models.Job{}, err
		}
		if err := applyReview(&j, by, r); err != nil {
			return models.Job{}, err
		}
		doc, err := json.Marshal(j)
		if err != nil {
			return models.Job{}, err
		}
		res, err := s.exec(ctx, `UPDATE jobs SET doc = ? WHERE id = ? AND status = ? AND doc = ?`,
			string(doc), jobID, string(models.StatusCompleted), prev)
		if err != nil {
			return models.Job{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return models.Job{}, err
		}
		if n > 0 {
			return j, nil
		}
	}
	return models.Job{}, ErrConflict
}

func (s *SQLBackend) DeleteJob(ctx context.Context, id string, expect models.JobStatus) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ? AND status = ?`, id, string(expect))
	if err != nil {
		return err
	}
	return s.checkCAS(ctx, res, id)
}

func (s *SQLBackend) checkCAS(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *SQLBackend) ListJobs(ctx context.Context, q JobQuery) ([]models.Job, error) {
	var where []string
	var args []any
	if q.CreatorID != "" {
		where = append(where, `creator_id = ?`)
		args = append(args, q.CreatorID)
	}
	if q.WorkerID != "" {
		where = append(where, `worker_id = ?`)
		args = append(args, q.WorkerID)
	}
	if q.ParticipantID != "" {
		where = append(where, `(creator_id = ? OR worker_id = ?)`)
		args = append(args, q.ParticipantID, q.ParticipantID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, `status IN (`+strings.Join(marks, ", ")+`)`)
	}
	stmt := `SELECT doc FROM jobs`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, ` AND `)
	}
	stmt += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLBackend) AddMessage(ctx context.Context, m models.Message) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO messages (id, job_id, created_at, doc) VALUES (?, ?, ?, ?)`,
		m.ID, m.JobID, m.CreatedAt.UnixNano(), string(doc))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key") {
		return ErrNotFound
	}
	return err
}

func (s *SQLBackend) ListMessages(ctx context.Context, jobID string) ([]models.Message, error) {
	rows, err := s.query(ctx, `SELECT doc FROM messages WHERE job_id = ? ORDER BY created_at ASC, seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Message, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLBackend) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
