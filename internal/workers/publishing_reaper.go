package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// PublishingReaper fails social posts stuck in 'publishing'. The automation
// webhook normally reports a terminal status via the callback endpoint; when
// that callback never arrives, rows would otherwise sit in 'publishing'
// forever and the UI would show a spinner that never resolves.
type PublishingReaper struct {
	DB            *sql.DB
	StuckAfter    time.Duration // how long a row may stay in 'publishing' (default: 30 min)
	CheckInterval time.Duration // how often to sweep (default: 5 min)
}

func (w *PublishingReaper) Start(ctx context.Context) {
	if w.StuckAfter <= 0 {
		w.StuckAfter = 30 * time.Minute
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	log.Printf("[PublishingReaper] started (stuckAfter=%s, interval=%s)", w.StuckAfter, w.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[PublishingReaper] stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *PublishingReaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.StuckAfter)

	result, err := w.DB.ExecContext(ctx, `
		UPDATE public.social_posts
		SET status = 'failed',
		    error_message = 'timed_out_waiting_for_automation',
		    updated_at = NOW()
		WHERE status = 'publishing'
		AND updated_at < $1
	`, cutoff)
	if err != nil {
		log.Printf("[PublishingReaper] error: %v", err)
		return
	}

	failed, err := result.RowsAffected()
	if err != nil {
		log.Printf("[PublishingReaper] error getting rows affected: %v", err)
		return
	}
	if failed > 0 {
		log.Printf("[PublishingReaper] marked %d stuck social posts as failed", failed)
	}
}
