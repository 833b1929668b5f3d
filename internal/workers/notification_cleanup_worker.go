package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// NotificationCleanupWorker removes read notifications older than the
// configured retention period.
type NotificationCleanupWorker struct {
	DB             *sql.DB
	RetentionHours int           // how long to keep read notifications (default: 24)
	CheckInterval  time.Duration // how often to run cleanup (default: 1 hour)
}

func (w *NotificationCleanupWorker) Start(ctx context.Context) {
	if w.RetentionHours <= 0 {
		w.RetentionHours = 24
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = time.Hour
	}

	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	log.Printf("[NotificationCleanupWorker] started (retention=%dh, interval=%s)", w.RetentionHours, w.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[NotificationCleanupWorker] stopped")
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *NotificationCleanupWorker) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(w.RetentionHours) * time.Hour)

	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.notifications
		WHERE read_at IS NOT NULL
		AND read_at < $1
	`, cutoff)
	if err != nil {
		log.Printf("[NotificationCleanupWorker] error: %v", err)
		return
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		log.Printf("[NotificationCleanupWorker] error getting rows affected: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[NotificationCleanupWorker] deleted %d old read notifications", deleted)
	}
}
