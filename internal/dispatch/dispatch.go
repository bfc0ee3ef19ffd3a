// Package dispatch delivers notifications to connected sessions and to
// mobile push.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/infrasalud/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, accountID string, n models.Notification) error
}

// LogNotifier only records the notification. Used as the push channel when
// no push endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (d *LogNotifier) Notify(_ context.Context, accountID string, n models.Notification) error {
	d.Logger.Info("notification", slog.String("account_id", accountID), slog.String("title", n.Title), slog.String("job_id", n.JobID))
	return nil
}
