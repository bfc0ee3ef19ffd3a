// Package lifecycle owns every mutation of a job: creation, the status
// transitions between client and worker, ratings, deletion and chat. Each
// transition is a compare-and-set on the status the actor observed, so two
// racing actors never both succeed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/observability"
	"github.com/example/infrasalud/internal/storage"
	"github.com/example/infrasalud/internal/triage"
)

// Store is the subset of the document store the machine mutates.
type Store interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	CreateJob(ctx context.Context, j models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, j models.Job, expect models.JobStatus) error
	DeleteJob(ctx context.Context, id string, expect models.JobStatus) error
	ListJobs(ctx context.Context, q storage.JobQuery) ([]models.Job, error)
	SetReview(ctx context.Context, jobID string, by models.Role, r models.Review) (models.Job, error)
	AddMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, jobID string) ([]models.Message, error)
}

// PhotoStore persists a report photo and returns its public URL.
type PhotoStore interface {
	SaveReportPhoto(ctx context.Context, accountID string, raw []byte) (string, error)
}

// Notifier delivers a notification to one account, best effort.
type Notifier interface {
	Notify(ctx context.Context, accountID string, n models.Notification) error
}

type Machine struct {
	Store    Store
	Photos   PhotoStore
	Notifier Notifier // optional
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

const (
	msgAcceptedOpen   = "¡He aceptado tu solicitud! Estoy disponible para ayudarte."
	msgCompleted      = "🏁 Trabajo marcado como COMPLETADO."
	directDescription = "Solicitud de contacto directo"
	directAddress     = "Ubicación cliente"
)

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Machine) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

type ReportInput struct {
	Description string
	Photo       []byte
	// Location falls back to the creator's saved location when its address
	// is empty.
	Location models.Location
}

// CreateReport triages and stores an open job with its photo.
func (m *Machine) CreateReport(ctx context.Context, actor models.Account, in ReportInput) (models.Job, error) {
	desc := strings.TrimSpace(in.Description)
	if desc == "" || len(in.Photo) == 0 {
		return models.Job{}, apperrors.Validation("Falta descripción o foto.")
	}
	if actor.Role != models.RoleClient {
		return models.Job{}, m.rejected("create", apperrors.Forbidden("Solo los clientes pueden crear pedidos."))
	}
	loc := in.Location
	if strings.TrimSpace(loc.Address) == "" && actor.Location != nil {
		loc = *actor.Clone().Location
	}

	url, err := m.Photos.SaveReportPhoto(ctx, actor.ID, in.Photo)
	if err != nil {
		return models.Job{}, apperrors.Upstream(fmt.Errorf("save report photo: %w", err), "No se pudo subir la foto.")
	}

	j := models.Job{
		ID:          m.newID(),
		CreatorID:   actor.ID,
		CreatorName: actor.DisplayName(),
		Description: desc,
		PhotoURL:    url,
		Location:    loc,
		Triage:      triage.Classify(desc),
		Status:      models.StatusOpen,
		CreatedAt:   m.now(),
	}
	if err := m.Store.CreateJob(ctx, j); err != nil {
		return models.Job{}, apperrors.Internal(fmt.Errorf("create job: %w", err), "No se pudo crear el pedido.")
	}
	m.applied("create")
	return j, nil
}

// CreateDirectHire addresses a request to one worker and opens the chat with
// the client's greeting.
func (m *Machine) CreateDirectHire(ctx context.Context, actor models.Account, workerID string) (models.Job, error) {
	if actor.Role != models.RoleClient {
		return models.Job{}, m.rejected("direct_hire", apperrors.Forbidden("Solo los clientes pueden contratar."))
	}
	w, err := m.Store.GetAccount(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !w.IsWorker()) {
		return models.Job{}, apperrors.NotFound("Trabajador no encontrado.")
	}
	if err != nil {
		return models.Job{}, apperrors.Internal(fmt.Errorf("get worker: %w", err), "No se pudo enviar la solicitud.")
	}
	own, err := m.Store.ListJobs(ctx, storage.JobQuery{
		CreatorID: actor.ID,
		Statuses:  []models.JobStatus{models.StatusPendingApproval, models.StatusAccepted},
	})
	if err != nil {
		return models.Job{}, apperrors.Internal(fmt.Errorf("list own jobs: %w", err), "No se pudo enviar la solicitud.")
	}
	for _, o := range own {
		if o.Engages(actor.ID) && o.WorkerID == w.ID {
			return models.Job{}, m.rejected("direct_hire", apperrors.Guard("Ya tienes una solicitud activa con este trabajador."))
		}
	}

	loc := models.Location{Address: directAddress}
	if actor.Location != nil {
		loc = *actor.Clone().Location
	}
	now := m.now()
	j := models.Job{
		ID:          m.newID(),
		CreatorID:   actor.ID,
		CreatorName: actor.DisplayName(),
		Description: directDescription,
		Location:    loc,
		Triage:      triage.DirectHire(),
		Status:      models.StatusPendingApproval,
		DirectHire:  true,
		CreatedAt:   now,
		WorkerID:    w.ID,
		WorkerName:  w.DisplayName(),
	}
	if err := m.Store.CreateJob(ctx, j); err != nil {
		return models.Job{}, apperrors.Internal(fmt.Errorf("create job: %w", err), "No se pudo enviar la solicitud.")
	}
	greeting := fmt.Sprintf("Hola, me gustaría contratar tus servicios de %s.", w.Specialty())
	m.post(ctx, j.ID, actor, greeting, models.KindText, false)
	m.applied("direct_hire")
	m.notify(ctx, w.ID, models.Notification{
		Title:     "Nueva Solicitud",
		Body:      fmt.Sprintf("%s te ha enviado una solicitud.", actor.DisplayName()),
		JobID:     j.ID,
		JobStatus: j.Status,
	})
	return j, nil
}

// Accept handles both a worker taking an open job and the addressed worker
// approving a direct-hire request.
func (m *Machine) Accept(ctx context.Context, actor models.Account, jobID string) (models.Job, error) {
	const op = "accept"
	j, err := m.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !actor.IsWorker() {
		return models.Job{}, m.rejected(op, apperrors.Forbidden("Solo los trabajadores pueden aceptar."))
	}
	prev := j.Status
	var text string
	switch prev {
	case models.StatusOpen:
		j.WorkerID = actor.ID
		j.WorkerName = actor.DisplayName()
		text = msgAcceptedOpen
	case models.StatusPendingApproval:
		if j.WorkerID != actor.ID {
			return models.Job{}, m.rejected(op, apperrors.Forbidden("Esta solicitud es para otro trabajador."))
		}
		text = fmt.Sprintf("✅ Solicitud aceptada por %s.", actor.DisplayName())
	default:
		return models.Job{}, m.rejected(op, apperrors.Guard("El trabajo ya no está disponible."))
	}
	j.Status = models.StatusAccepted
	if err := m.commit(ctx, op, j, prev); err != nil {
		return models.Job{}, err
	}
	m.post(ctx, j.ID, models.Account{}, text, models.KindText, true)
	m.notify(ctx, j.CreatorID, models.Notification{
		Title:     "Solicitud Aceptada",
		Body:      fmt.Sprintf("Tu solicitud de %s ha sido aceptada.", j.Triage.Category),
		JobID:     j.ID,
		JobStatus: j.Status,
	})
	return j, nil
}

// Decline lets the addressed worker reject a direct-hire request.
func (m *Machine) Decline(ctx context.Context, actor models.Account, jobID string) (models.Job, error) {
	const op = "decline"
	j, err := m.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if j.Status != models.StatusPendingApproval {
		return models.Job{}, m.rejected(op, apperrors.Guard("La solicitud ya no está pendiente."))
	}
	if j.WorkerID != actor.ID {
		return models.Job{}, m.rejected(op, apperrors.Forbidden("Esta solicitud es para otro trabajador."))
	}
	j.Status = models.StatusCancelled
	j.CancelReason = models.DeclineReason
	j.CancelledBy = actor.ID
	if err := m.commit(ctx, op, j, models.StatusPendingApproval); err != nil {
		return models.Job{}, err
	}
	return j, nil
}

// RequestFinish asks the counterpart to confirm the job is done.
func (m *Machine) RequestFinish(ctx context.Context, actor models.Account, jobID string) (models.Job, error) {
	const op = "finish_request"
	j, err := m.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !j.IsParticipant(actor.ID) {
		return models.Job{}, m.rejected(op, apperrors.Forbidden("No participas en este trabajo."))
	}
	if j.Status != models.StatusAccepted {
		return models.Job{}, m.rejected(op, apperrors.Guard("El trabajo no está en curso."))
	}
	j.Status = models.StatusFinishRequested
	j.FinishRequestedBy = actor.ID
	if err := m.commit(ctx, op, j, models.StatusAccepted); err != nil {
		return models.Job{}, err
	}
	who := "El usuario"
	if actor.ID == j.WorkerID {
		who = "El trabajador"
	}
	text := fmt.Sprintf("🛑 %s ha solicitado finalizar el trabajo. ¿Confirmas que está listo?", who)
	m.post(ctx, j.ID, actor, text, models.KindFinishRequest, true)
	return j, nil
}

type FinishOutcome struct {
	Job models.Job `json:"job"`
	// PromptRating is set when the confirming party has not yet rated.
	PromptRating bool `json:"prompt_rating"`
}

// ConfirmFinish completes a job whose finish was requested by the other
// party. Confirming twice fails the guard and changes nothing.
func (m *Machine) ConfirmFinish(ctx context.Context, actor models.Account, jobID string) (FinishOutcome, error) {
	const op = "finish_confirm"
	j, err := m.load(ctx, jobID)
	if err != nil {
		return FinishOutcome{}, err
	}
	if !j.IsParticipant(actor.ID) {
		return FinishOutcome{}, m.rejected(op, apperrors.Forbidden("No participas en este trabajo."))
	}
	if j.Status != models.StatusFinishRequested {
		return FinishOutcome{}, m.rejected(op, apperrors.Guard("No hay una solicitud de término pendiente."))
	}
	if j.FinishRequestedBy == actor.ID {
		return FinishOutcome{}, m.rejected(op, apperrors.Guard("Debe confirmar la otra parte."))
	}
	now := m.now()
	j.Status = models.StatusCompleted
	j.CompletedAt = &now
	if err := m.commit(ctx, op, j, models.StatusFinishRequested); err != nil {
		return FinishOutcome{}, err
	}
	m.post(ctx, j.ID, models.Account{}, msgCompleted, models.KindText, true)
	return FinishOutcome{Job: j, PromptRating: j.ReviewBy(actor.ID) == nil}, nil
}

// Cancel ends a non-terminal job with one of the fixed reasons. Only the
// creator may cancel a job nobody has taken yet.
func (m *Machine) Cancel(ctx context.Context, actor models.Account, jobID, reason string) (models.Job, error) {
	const op = "cancel"
	if !models.ValidCancelReason(reason) {
		return models.Job{}, apperrors.Validation("Selecciona un motivo")
	}
	j, err := m.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !j.IsParticipant(actor.ID) || (j.Status == models.StatusOpen && j.CreatorID != actor.ID) {
		return models.Job{}, m.rejected(op, apperrors.Forbidden("No participas en este trabajo."))
	}
	if j.Status.Terminal() {
		return models.Job{}, m.rejected(op, apperrors.Guard("El trabajo ya terminó."))
	}
	prev := j.Status
	j.Status = models.StatusCancelled
	j.CancelReason = reason
	j.CancelledBy = actor.ID
	if err := m.commit(ctx, op, j, prev); err != nil {
		return models.Job{}, err
	}
	m.post(ctx, j.ID, models.Account{}, fmt.Sprintf("⚠️ CANCELADO POR %s: %s", actor.DisplayName(), reason), models.KindText, true)
	return j, nil
}

// Rate records the actor's review of a completed job, once per role.
func (m *Machine) Rate(ctx context.Context, actor models.Account, jobID string, review models.Review) (models.Job, error) {
	const op = "rate"
	if review.Stars < 1 || review.Stars > 5 {
		return models.Job{}, apperrors.Validation("La calificación debe ser entre 1 y 5 estrellas.")
	}
	j, err := m.load(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !j.IsParticipant(actor.ID) {
		return models.Job{}, m.rejected(op, apperrors.Forbidden("No participas en este trabajo."))
	}
	if j.Status != models.StatusCompleted {
		return models.Job{}, m.rejected(op, apperrors.Guard("Solo puedes calificar trabajos completados."))
	}
	if j.ReviewBy(actor.ID) != nil {
		return models.Job{}, m.rejected(op, apperrors.Guard("Ya calificaste este trabajo"))
	}
	review.Text = strings.TrimSpace(review.Text)
	by := models.RoleClient
	if actor.ID == j.WorkerID {
		by = models.RoleWorker
	}
	updated, err := m.Store.SetReview(ctx, j.ID, by, review)
	if errors.Is(err, storage.ErrReviewed) {
		return models.Job{}, m.rejected(op, apperrors.Guard("Ya calificaste este trabajo"))
	}
	if err != nil {
		return models.Job{}, m.storeErr(op, err)
	}
	m.applied(op)
	m.logger().Info("job rated", slog.String("job_id", j.ID), slog.String("by", string(by)), slog.Int("stars", review.Stars))
	return updated, nil
}

// Delete removes an open job; only its creator may do so.
func (m *Machine) Delete(ctx context.Context, actor models.Account, jobID string) error {
	const op = "delete"
	j, err := m.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.CreatorID != actor.ID {
		return m.rejected(op, apperrors.Forbidden("Solo el creador puede eliminar el pedido."))
	}
	if j.Status != models.StatusOpen {
		return m.rejected(op, apperrors.Guard("Solo se pueden eliminar pedidos abiertos."))
	}
	if err := m.Store.DeleteJob(ctx, jobID, models.StatusOpen); err != nil {
		return m.storeErr(op, err)
	}
	m.applied(op)
	return nil
}

// SendMessage appends a chat message. Chat is open once a worker is attached
// and until the job ends.
func (m *Machine) SendMessage(ctx context.Context, actor models.Account, jobID, body string) (models.Message, error) {
	const op = "send_message"
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, apperrors.Validation("El mensaje está vacío.")
	}
	j, err := m.load(ctx, jobID)
	if err != nil {
		return models.Message{}, err
	}
	if !j.IsParticipant(actor.ID) {
		return models.Message{}, m.rejected(op, apperrors.Forbidden("No participas en este trabajo."))
	}
	if j.Status == models.StatusOpen || j.Status.Terminal() {
		return models.Message{}, m.rejected(op, apperrors.Guard("El chat no está disponible."))
	}
	msg := m.message(j.ID, actor, body, models.KindText, false)
	if err := m.Store.AddMessage(ctx, msg); err != nil {
		return models.Message{}, m.storeErr(op, err)
	}
	observability.MessagesTotal.Inc()
	return msg, nil
}

// Messages returns the chat of a job to one of its participants.
func (m *Machine) Messages(ctx context.Context, actor models.Account, jobID string) ([]models.Message, error) {
	j, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.IsParticipant(actor.ID) {
		return nil, apperrors.Forbidden("No participas en este trabajo.")
	}
	msgs, err := m.Store.ListMessages(ctx, jobID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("list messages: %w", err), "No se pudo cargar el chat.")
	}
	return msgs, nil
}

func (m *Machine) load(ctx context.Context, jobID string) (models.Job, error) {
	j, err := m.Store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Job{}, apperrors.NotFound("El trabajo no existe.")
	}
	if err != nil {
		return models.Job{}, apperrors.Internal(fmt.Errorf("get job %s: %w", jobID, err), "No se pudo cargar el trabajo.")
	}
	return j, nil
}

func (m *Machine) commit(ctx context.Context, op string, j models.Job, expect models.JobStatus) error {
	if err := m.Store.UpdateJob(ctx, j, expect); err != nil {
		return m.storeErr(op, err)
	}
	m.applied(op)
	m.logger().Info("job transition",
		slog.String("op", op),
		slog.String("job_id", j.ID),
		slog.String("from", string(expect)),
		slog.String("to", string(j.Status)),
	)
	return nil
}

// storeErr maps store failures; a lost compare-and-set is a guard failure.
func (m *Machine) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrConflict):
		return m.rejected(op, apperrors.Guard("El trabajo cambió de estado. Actualiza e intenta de nuevo."))
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NotFound("El trabajo no existe.")
	}
	return apperrors.Internal(fmt.Errorf("%s: %w", op, err), "No se pudo guardar el cambio.")
}

func (m *Machine) rejected(op string, err *apperrors.AppError) error {
	observability.GuardRejectionsTotal.WithLabelValues(op).Inc()
	return err
}

func (m *Machine) applied(op string) {
	observability.TransitionsTotal.WithLabelValues(op).Inc()
}

func (m *Machine) message(jobID string, sender models.Account, body string, kind models.MessageKind, system bool) models.Message {
	return models.Message{
		ID:         m.newID(),
		JobID:      jobID,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName(),
		Body:       body,
		Kind:       kind,
		System:     system,
		CreatedAt:  m.now(),
	}
}

// post appends a message that accompanies a committed transition. The
// transition stands even if the message cannot be written.
func (m *Machine) post(ctx context.Context, jobID string, sender models.Account, body string, kind models.MessageKind, system bool) {
	msg := m.message(jobID, sender, body, kind, system)
	if err := m.Store.AddMessage(ctx, msg); err != nil {
		m.logger().Error("append transition message failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	observability.MessagesTotal.Inc()
}

func (m *Machine) notify(ctx context.Context, accountID string, n models.Notification) {
	if m.Notifier == nil || accountID == "" {
		return
	}
	if err := m.Notifier.Notify(ctx, accountID, n); err != nil {
		m.logger().Warn("notify failed", slog.String("account_id", accountID), slog.String("job_id", n.JobID), slog.Any("error", err))
	}
}
