package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/infrasalud/internal/models"
	"github.com/example/infrasalud/internal/observability"
)

// Fanout delivers to live sessions first and falls back to push when the
// account has none.
type Fanout struct {
	WS     *WSRegistry
	Push   Notifier
	Logger *slog.Logger
}

func (f *Fanout) Notify(ctx context.Context, accountID string, n models.Notification) error {
	if f.WS != nil {
		err := f.WS.Notify(accountID, n)
		if err == nil {
			observability.NotificationsTotal.WithLabelValues("ws", "ok").Inc()
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			observability.NotificationsTotal.WithLabelValues("ws", "error").Inc()
			f.Logger.Warn("ws notify failed, falling back to push", slog.String("account_id", accountID), slog.Any("error", err))
		}
	}
	if f.Push == nil {
		return nil
	}
	if err := f.Push.Notify(ctx, accountID, n); err != nil {
		observability.NotificationsTotal.WithLabelValues("push", "error").Inc()
		return err
	}
	observability.NotificationsTotal.WithLabelValues("push", "ok").Inc()
	return nil
}
