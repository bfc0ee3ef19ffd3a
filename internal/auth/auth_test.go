package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/storage"
)

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *fakeMailer, *clock) {
	t.Helper()
	mailer := &fakeMailer{}
	clk := &clock{t: time.Now()}
	svc := NewService(storage.NewMemoryBackend(), mailer, []byte("test-secret"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Now = clk.now
	svc.ResetURL = "https://app.example/reset"
	return svc, mailer, clk
}

func clientSignUp() SignUpInput {
	return SignUpInput{
		Email: "Ana@Hospital.cl", Password: "Segura123", ConfirmPassword: "Segura123",
		FirstName: "Ana", LastName: "Soto", Phone: "+56 9 1234 5678", Role: models.RoleClient,
	}
}

func TestPasswordStrength(t *testing.T) {
	cases := map[string]int{
		"":          0,
		"abc":       0,
		"abcdef":    1,
		"abcdefgh":  2,
		"Abcdef":    2,
		"abc1":      1,
		"Abcdefg1":  4,
		"ABCDEFGH9": 4,
	}
	for pw, want := range cases {
		assert.Equal(t, want, PasswordStrength(pw), pw)
	}
}

func TestSignUpAndVerify(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)
	assert.Equal(t, "ana@hospital.cl", sess.Account.Email)
	assert.Nil(t, sess.Account.Worker)

	claims, err := svc.Verify(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.Account.ID, claims.AccountID)
	assert.Equal(t, models.RoleClient, claims.Role)
	assert.NotEmpty(t, claims.TokenID)
}

func TestSignUpWorker(t *testing.T) {
	svc, _, _ := newTestService(t)
	in := clientSignUp()
	in.Role = models.RoleWorker
	in.Specialty = models.SpecialtyHVAC

	sess, err := svc.SignUp(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, sess.Account.Worker)
	assert.Equal(t, models.SpecialtyHVAC, sess.Account.Worker.Specialty)
	assert.Equal(t, models.DefaultWorkRadiusKm, sess.Account.Worker.RadiusKm)
	assert.False(t, sess.Account.Worker.Online)
}

func TestSignUpRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SignUpInput)
		kind   error
	}{
		{"mismatch", func(in *SignUpInput) { in.ConfirmPassword = "Otra1234" }, apperrors.ErrValidation},
		{"weak", func(in *SignUpInput) { in.Password, in.ConfirmPassword = "abc", "abc" }, apperrors.ErrValidation},
		{"bad email", func(in *SignUpInput) { in.Email = "nope" }, apperrors.ErrValidation},
		{"no name", func(in *SignUpInput) { in.FirstName = " " }, apperrors.ErrValidation},
		{"worker without specialty", func(in *SignUpInput) { in.Role = models.RoleWorker }, apperrors.ErrValidation},
		{"unknown role", func(in *SignUpInput) { in.Role = "admin" }, apperrors.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			in := clientSignUp()
			tc.mutate(&in)
			_, err := svc.SignUp(context.Background(), in)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.SignUp(context.Background(), clientSignUp())
	require.NoError(t, err)
	in := clientSignUp()
	in.Email = "ana@hospital.cl"
	_, err = svc.SignUp(context.Background(), in)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestSignIn(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)

	_, err = svc.SignIn(ctx, "ana@hospital.cl", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	_, err = svc.SignIn(ctx, "nobody@hospital.cl", "Segura123")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	sess, err := svc.SignIn(ctx, " ANA@hospital.cl", "Segura123")
	require.NoError(t, err)
	assert.Equal(t, created.Account.ID, sess.Account.ID)
}

func TestSignOutRevokesToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sess, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)

	var events []SessionEvent
	cancel := svc.Subscribe(func(ev SessionEvent) { events = append(events, ev) })
	defer cancel()

	require.NoError(t, svc.SignOut(ctx, sess.Token))
	_, err = svc.Verify(ctx, sess.Token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	require.Len(t, events, 1)
	assert.Equal(t, SessionEvent{AccountID: sess.Account.ID, Kind: SignedOut}, events[0])

	other, err := svc.SignIn(ctx, "ana@hospital.cl", "Segura123")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, other.Token)
	assert.NoError(t, err, "a new session is unaffected")
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	sess, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)

	other := NewService(storage.NewMemoryBackend(), &fakeMailer{}, []byte("another-secret"), nil)
	_, err = other.Verify(ctx, sess.Token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	clk.t = clk.t.Add(DefaultTokenTTL + time.Minute)
	_, err = svc.Verify(ctx, sess.Token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func resetTokenFrom(t *testing.T, body string) string {
	t.Helper()
	i := strings.Index(body, "token=")
	require.GreaterOrEqual(t, i, 0)
	rest := body[i+len("token="):]
	raw := rest[:strings.Index(rest, `"`)]
	tok, err := url.QueryUnescape(raw)
	require.NoError(t, err)
	return tok
}

func TestPasswordReset(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)

	require.NoError(t, svc.RequestPasswordReset(ctx, "unknown@hospital.cl"))
	assert.Empty(t, mailer.sent)

	require.NoError(t, svc.RequestPasswordReset(ctx, "ana@hospital.cl"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ana@hospital.cl", mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].body, "https://app.example/reset?token=")
	tok := resetTokenFrom(t, mailer.sent[0].body)

	_, err = svc.Verify(ctx, tok)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "reset tokens are not access tokens")

	err = svc.ConfirmPasswordReset(ctx, tok, "Nueva1234", "Nueva999")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	require.NoError(t, svc.ConfirmPasswordReset(ctx, tok, "Nueva1234", "Nueva1234"))
	_, err = svc.SignIn(ctx, "ana@hospital.cl", "Segura123")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	_, err = svc.SignIn(ctx, "ana@hospital.cl", "Nueva1234")
	require.NoError(t, err)

	err = svc.ConfirmPasswordReset(ctx, tok, "Otra12345", "Otra12345")
	assert.ErrorIs(t, err, apperrors.ErrValidation, "a reset token works once")
}

func TestPasswordResetMailFailure(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)
	mailer.err = errors.New("smtp down")

	err = svc.RequestPasswordReset(ctx, "ana@hospital.cl")
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestUpdateProfile(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sess, err := svc.SignUp(ctx, clientSignUp())
	require.NoError(t, err)

	first, show := "  Anita ", true
	acc, err := svc.UpdateProfile(ctx, sess.Account.ID, ProfileUpdate{FirstName: &first, ShowPhone: &show})
	require.NoError(t, err)
	assert.Equal(t, "Anita Soto", acc.DisplayName())
	assert.True(t, acc.ShowPhone)
	assert.Equal(t, "+56 9 1234 5678", acc.Phone)

	blank := ""
	_, err = svc.UpdateProfile(ctx, sess.Account.ID, ProfileUpdate{FirstName: &blank})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = svc.UpdateProfile(ctx, "missing", ProfileUpdate{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryRevocationsExpire(t *testing.T) {
	r := NewMemoryRevocations()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, r.Revoke(ctx, "a", now.Add(time.Minute)))
	ok, err := r.Revoked(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = r.Revoked(ctx, "a")
	assert.False(t, ok)
	require.NoError(t, r.Revoke(ctx, "b", now.Add(time.Minute)))
	assert.Len(t, r.ids, 1, "expired ids are pruned")
}
