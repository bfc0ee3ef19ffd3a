package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/infrasalud/internal/apperrors"
	"github.com/example/infrasalud/internal/storage"
)

var errInvalidReset = apperrors.Validation("El enlace de restablecimiento no es válido o expiró")

// RequestPasswordReset mails a single-use reset link. Unknown addresses are
// accepted without a mail so callers cannot enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	cred, err := s.Store.GetCredential(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		s.Logger.Info("password reset for unknown email")
		return nil
	}
	if err != nil {
		return apperrors.Internal(err, "failed to load credential")
	}

	now := s.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     cred.AccountID,
		"email":   cred.Email,
		"fp":      fingerprint(cred.PasswordHash),
		"purpose": purposeReset,
		"iat":     now.Unix(),
		"exp":     now.Add(s.ResetTTL).Unix(),
	})
	signed, err := token.SignedString(s.Secret)
	if err != nil {
		return apperrors.Internal(err, "failed to sign reset token")
	}

	link := s.ResetURL + "?token=" + url.QueryEscape(signed)
	body := fmt.Sprintf(`<p>Recibimos una solicitud para restablecer tu contraseña.</p><p><a href="%s">Restablecer contraseña</a></p><p>Si no la solicitaste, ignora este correo.</p>`, link)
	if err := s.Mailer.Send(ctx, cred.Email, "Restablece tu contraseña de InfraSalud", body); err != nil {
		return apperrors.Upstream(err, "No se pudo enviar el correo")
	}
	s.Logger.Info("password reset mailed", slog.String("account_id", cred.AccountID))
	return nil
}

// ConfirmPasswordReset sets a new password for the account named by a reset
// token. A token only works against the password it was issued for.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, password, confirm string) error {
	claims, err := s.parse(token, purposeReset)
	if err != nil {
		return errInvalidReset
	}
	if err := checkNewPassword(password, confirm); err != nil {
		return err
	}
	cred, err := s.Store.GetCredential(ctx, stringClaim(claims, "email"))
	if errors.Is(err, storage.ErrNotFound) {
		return errInvalidReset
	}
	if err != nil {
		return apperrors.Internal(err, "failed to load credential")
	}
	if cred.AccountID != stringClaim(claims, "sub") || fingerprint(cred.PasswordHash) != stringClaim(claims, "fp") {
		return errInvalidReset
	}
	hash, err := HashPassword(password)
	if err != nil {
		return apperrors.Internal(err, "failed to hash password")
	}
	cred.PasswordHash = hash
	cred.UpdatedAt = s.Now().UTC()
	if err := s.Store.SaveCredential(ctx, cred); err != nil {
		return apperrors.Internal(err, "failed to save credential")
	}
	s.Logger.Info("password reset", slog.String("account_id", cred.AccountID))
	return nil
}
