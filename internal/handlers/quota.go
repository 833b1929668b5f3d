package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Assistant quota ceilings per plan. Pro is unlimited and bypasses window math
// entirely.
const (
	freeWeeklyCredits   = 3
	starterDailyCredits = 5
)

type quotaInfo struct {
	PlanType  string     `json:"planType"`
	Unlimited bool       `json:"unlimited"`
	Total     int        `json:"total"`
	Used      int        `json:"used"`
	Available int        `json:"available"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
	ResetIn   string     `json:"resetIn,omitempty"`
}

// planForUser resolves the user's active plan, defaulting to free when no
// active subscription row exists.
func (h *Handler) planForUser(ctx context.Context, userID string) (string, error) {
	var planID string
	err := h.db.QueryRowContext(ctx, `
		SELECT COALESCE(plan_id, 'free')
		FROM public.subscriptions
		WHERE user_id = $1 AND status = 'active'
	`, userID).Scan(&planID)
	if err == sql.ErrNoRows {
		return "free", nil
	}
	if err != nil {
		return "", err
	}
	return planID, nil
}

// quotaWindow computes the current usage window for a plan. The free window is
// anchored to the calendar week (next Monday 00:00 local, minus 7 days), not to
// the user's signup date; starter resets at the next local midnight.
func quotaWindow(planType string, now time.Time, loc *time.Location) (start, reset time.Time, total int, ok bool) {
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	switch planType {
	case "starter":
		return midnight, midnight.AddDate(0, 0, 1), starterDailyCredits, true
	case "free":
		days := (8 - int(now.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		reset = midnight.AddDate(0, 0, days)
		return reset.AddDate(0, 0, -7), reset, freeWeeklyCredits, true
	default:
		return time.Time{}, time.Time{}, 0, false
	}
}

func (h *Handler) usedCreditsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var used int
	err := h.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(credits_used), 0)
		FROM public.assistant_interactions
		WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&used)
	return used, err
}

func (h *Handler) quotaForUser(ctx context.Context, userID string, now time.Time) (quotaInfo, error) {
	planType, err := h.planForUser(ctx, userID)
	if err != nil {
		return quotaInfo{}, err
	}

	start, reset, total, windowed := quotaWindow(planType, now, h.cfg.quotaLocation())
	if !windowed {
		// pro (and any unknown paid tier) is unlimited.
		return quotaInfo{PlanType: planType, Unlimited: true}, nil
	}

	used, err := h.usedCreditsSince(ctx, userID, start)
	if err != nil {
		return quotaInfo{}, err
	}

	available := total - used
	if available < 0 {
		available = 0
	}
	return quotaInfo{
		PlanType:  planType,
		Total:     total,
		Used:      used,
		Available: available,
		ResetAt:   &reset,
		ResetIn:   formatResetIn(reset.Sub(now)),
	}, nil
}

// formatResetIn renders the remaining time to the window boundary for display.
// Not used for control flow.
func formatResetIn(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	rem := d % (24 * time.Hour)
	hours := int(rem / time.Hour)
	mins := int(rem % time.Hour / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func (h *Handler) GetAssistantQuota(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	q, err := h.quotaForUser(r.Context(), userID, time.Now())
	if err != nil {
		log.Printf("[Quota] read failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, q)
}

type consumeCreditRequest struct {
	// CreditsUsed is the declared weight of the interaction; defaults to 1.
	CreditsUsed int `json:"creditsUsed,omitempty"`
}

// ConsumeAssistantCredit reserves quota for one assistant interaction and logs
// it in a single guarded INSERT, so two concurrent requests cannot both slip
// under the ceiling. This deliberately closes the read-then-write race the
// product previously had; behavior under concurrent load is now exact.
func (h *Handler) ConsumeAssistantCredit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req consumeCreditRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.CreditsUsed <= 0 {
		req.CreditsUsed = 1
	}

	now := time.Now()
	planType, err := h.planForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id := fmt.Sprintf("ai_%s", randHex(12))
	start, reset, total, windowed := quotaWindow(planType, now, h.cfg.quotaLocation())

	if !windowed {
		_, err := h.db.ExecContext(r.Context(), `
			INSERT INTO public.assistant_interactions (id, user_id, credits_used, created_at)
			VALUES ($1, $2, $3, NOW())
		`, id, userID, req.CreditsUsed)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "planType": planType, "unlimited": true})
		return
	}

	// Guarded insert: the usage sum and the ceiling check happen inside one
	// statement, so the window can never be oversubscribed by racing calls.
	var insertedID string
	err = h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.assistant_interactions (id, user_id, credits_used, created_at)
		SELECT $1, $2, $3, NOW()
		 WHERE (
			SELECT COALESCE(SUM(credits_used), 0)
			FROM public.assistant_interactions
			WHERE user_id = $2 AND created_at >= $4
		 ) + $3 <= $5
		RETURNING id
	`, id, userID, req.CreditsUsed, start, total).Scan(&insertedID)
	if err == sql.ErrNoRows {
		log.Printf("[Quota] exhausted userId=%s plan=%s resetAt=%s", userID, planType, reset.Format(time.RFC3339))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "quota_exhausted",
			"planType": planType,
			"total":    total,
			"resetAt":  reset.Format(time.RFC3339),
			"resetIn":  formatResetIn(reset.Sub(now)),
			"message":  fmt.Sprintf("Assistant limit reached. Quota resets in %s.", formatResetIn(reset.Sub(now))),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q, err := h.quotaForUser(r.Context(), userID, now)
	if err != nil {
		// The credit was consumed; report success even if the summary read failed.
		log.Printf("[Quota] post-consume read failed userId=%s err=%v", userID, err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": insertedID, "planType": planType})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": insertedID, "quota": q})
}
