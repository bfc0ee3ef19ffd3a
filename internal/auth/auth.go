// Package auth handles sign-up, sign-in, password reset and access tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/storage"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	DefaultResetTTL = time.Hour

	purposeAccess = "access"
	purposeReset  = "reset"
)

// Store is the part of the document store auth needs.
type Store interface {
	CreateAccount(ctx context.Context, a models.Account) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	UpdateAccount(ctx context.Context, a models.Account) error
	SaveCredential(ctx context.Context, c storage.Credential) error
	GetCredential(ctx context.Context, email string) (storage.Credential, error)
}

type Service struct {
	Store       Store
	Mailer      Mailer
	Revocations Revocations
	Logger      *slog.Logger
	Secret      []byte
	TokenTTL    time.Duration
	ResetTTL    time.Duration
	// ResetURL receives the reset token as the "token" query parameter.
	ResetURL string
	Now      func() time.Time
	NewID    func() string

	events broadcaster
}

func NewService(store Store, mailer Mailer, secret []byte, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:       store,
		Mailer:      mailer,
		Revocations: NewMemoryRevocations(),
		Logger:      logger,
		Secret:      secret,
		TokenTTL:    DefaultTokenTTL,
		ResetTTL:    DefaultResetTTL,
		Now:         time.Now,
		NewID:       uuid.NewString,
	}
}

type SignUpInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	FirstName       string
	LastName        string
	Phone           string
	Role            models.Role
	Specialty       models.Specialty
}

// Session is an issued access token and the account it belongs to.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Account   models.Account `json:"account"`
}

type Claims struct {
	AccountID string
	Role      models.Role
	TokenID   string
	ExpiresAt time.Time
}

var errInvalidCredentials = apperrors.Unauthorized("Correo o contraseña incorrectos")

func (s *Service) SignUp(ctx context.Context, in SignUpInput) (Session, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, apperrors.Validation("Correo inválido")
	}
	if strings.TrimSpace(in.FirstName) == "" {
		return Session{}, apperrors.Validation("El nombre es obligatorio")
	}
	if err := checkNewPassword(in.Password, in.ConfirmPassword); err != nil {
		return Session{}, err
	}

	acc := models.Account{
		ID:        s.NewID(),
		Email:     email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Role:      in.Role,
		Phone:     strings.TrimSpace(in.Phone),
		CreatedAt: s.Now().UTC(),
	}
	if in.Role == models.RoleWorker {
		acc.Worker = &models.WorkerProfile{Specialty: in.Specialty, RadiusKm: models.DefaultWorkRadiusKm}
	}
	if err := acc.Validate(); err != nil {
		return Session{}, apperrors.Validation("Rol o especialidad inválidos").WithDetails(err.Error())
	}

	if _, err := s.Store.GetCredential(ctx, email); err == nil {
		return Session{}, apperrors.Conflict("El correo ya está registrado")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Session{}, apperrors.Internal(err, "failed to check credentials")
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return Session{}, apperrors.Internal(err, "failed to hash password")
	}
	if err := s.Store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return Session{}, apperrors.Conflict("El correo ya está registrado")
		}
		return Session{}, apperrors.Internal(err, "failed to create account")
	}
	if err := s.Store.SaveCredential(ctx, storage.Credential{AccountID: acc.ID, Email: email, PasswordHash: hash, UpdatedAt: s.Now().UTC()}); err != nil {
		return Session{}, apperrors.Internal(err, "failed to save credential")
	}
	s.Logger.Info("account created", slog.String("account_id", acc.ID), slog.String("role", string(acc.Role)))
	return s.issue(acc)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	cred, err := s.Store.GetCredential(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, errInvalidCredentials
	}
	if err != nil {
		return Session{}, apperrors.Internal(err, "failed to load credential")
	}
	if !CheckPassword(cred.PasswordHash, password) {
		return Session{}, errInvalidCredentials
	}
	acc, err := s.Store.GetAccount(ctx, cred.AccountID)
	if err != nil {
		return Session{}, apperrors.Internal(err, "failed to load account")
	}
	return s.issue(acc)
}

// SignOut revokes the token until it expires and tells listeners the
// account signed out.
func (s *Service) SignOut(ctx context.Context, token string) error {
	c, err := s.Verify(ctx, token)
	if err != nil {
		return err
	}
	if err := s.Revocations.Revoke(ctx, c.TokenID, c.ExpiresAt); err != nil {
		return apperrors.Internal(err, "failed to revoke token")
	}
	s.events.publish(SessionEvent{AccountID: c.AccountID, Kind: SignedOut})
	return nil
}

// Subscribe registers fn for sign-in and sign-out events. The returned
// function removes it.
func (s *Service) Subscribe(fn func(SessionEvent)) func() {
	return s.events.subscribe(fn)
}

// Verify parses an access token and rejects expired, foreign or revoked ones.
func (s *Service) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := s.parse(token, purposeAccess)
	if err != nil {
		return Claims{}, apperrors.Unauthorized("Sesión inválida o expirada")
	}
	c := Claims{
		AccountID: stringClaim(claims, "sub"),
		Role:      models.Role(stringClaim(claims, "role")),
		TokenID:   stringClaim(claims, "jti"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if c.AccountID == "" || c.TokenID == "" {
		return Claims{}, apperrors.Unauthorized("Sesión inválida o expirada")
	}
	revoked, err := s.Revocations.Revoked(ctx, c.TokenID)
	if err != nil {
		return Claims{}, apperrors.Internal(err, "failed to check token revocation")
	}
	if revoked {
		return Claims{}, apperrors.Unauthorized("Sesión cerrada")
	}
	return c, nil
}

type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Phone     *string
	ShowPhone *bool
}

// UpdateProfile edits the display name and contact fields of an account.
func (s *Service) UpdateProfile(ctx context.Context, accountID string, u ProfileUpdate) (models.Account, error) {
	acc, err := s.Store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, apperrors.NotFound("Cuenta no encontrada")
	}
	if err != nil {
		return models.Account{}, apperrors.Internal(err, "failed to load account")
	}
	if u.FirstName != nil {
		name := strings.TrimSpace(*u.FirstName)
		if name == "" {
			return models.Account{}, apperrors.Validation("El nombre es obligatorio")
		}
		acc.FirstName = name
	}
	if u.LastName != nil {
		acc.LastName = strings.TrimSpace(*u.LastName)
	}
	if u.Phone != nil {
		acc.Phone = strings.TrimSpace(*u.Phone)
	}
	if u.ShowPhone != nil {
		acc.ShowPhone = *u.ShowPhone
	}
	if err := s.Store.UpdateAccount(ctx, acc); err != nil {
		return models.Account{}, apperrors.Internal(err, "failed to update account")
	}
	return acc, nil
}

func (s *Service) issue(acc models.Account) (Session, error) {
	now := s.Now()
	exp := now.Add(s.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     acc.ID,
		"role":    string(acc.Role),
		"jti":     s.NewID(),
		"purpose": purposeAccess,
		"iat":     now.Unix(),
		"exp":     exp.Unix(),
	})
	signed, err := token.SignedString(s.Secret)
	if err != nil {
		return Session{}, apperrors.Internal(err, "failed to sign token")
	}
	s.events.publish(SessionEvent{AccountID: acc.ID, Kind: SignedIn})
	return Session{Token: signed, ExpiresAt: time.Unix(exp.Unix(), 0).UTC(), Account: acc}, nil
}

func (s *Service) parse(token, purpose string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.Secret, nil
	}, jwt.WithTimeFunc(s.Now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || stringClaim(claims, "purpose") != purpose {
		return nil, errors.New("invalid token purpose")
	}
	return claims, nil
}

func stringClaim(c jwt.MapClaims, key string) string {
	v, _ := c[key].(string)
	return v
}

// fingerprint binds a reset token to the password hash it was issued for,
// so the token stops working once the password changes.
func fingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}

func checkNewPassword(pw, confirm string) error {
	if pw != confirm {
		return apperrors.Validation("Las contraseñas no coinciden")
	}
	if PasswordStrength(pw) < MinPasswordStrength {
		return apperrors.Validation("La contraseña es demasiado débil")
	}
	return nil
}
