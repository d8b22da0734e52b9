package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
)

const NotificationBatchSize = 200

// Releaser moves due notifications to the mailer's outbox.
type Releaser interface {
	ReleaseDue(ctx context.Context, limit int) (int, error)
}

// NotificationWorker polls the notification schedule and releases due
// entries.
type NotificationWorker struct {
	releaser Releaser
	interval time.Duration
	log      zerolog.Logger
}

// NewNotificationWorker creates a new NotificationWorker.
func NewNotificationWorker(releaser Releaser, interval time.Duration, log zerolog.Logger) *NotificationWorker {
	return &NotificationWorker{
		releaser: releaser,
		interval: interval,
		log:      logger.Component(log, "notification_worker"),
	}
}

// Start begins the polling loop. Call in a goroutine.
func (w *NotificationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("NotificationWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("NotificationWorker stopped")
			return
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Flush releases due notifications until a short batch shows the schedule
// has caught up.
func (w *NotificationWorker) Flush(ctx context.Context) int {
	total := 0
	for {
		n, err := w.releaser.ReleaseDue(ctx, NotificationBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Release due notifications failed")
			}
			return total
		}
		total += n
		if n < NotificationBatchSize {
			break
		}
	}
	if total > 0 {
		w.log.Info().Int("count", total).Msg("Released result notifications")
	}
	return total
}
