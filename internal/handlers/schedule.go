package handlers

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/lumeolabs/marketing-ops/backend/internal/automation"
	"github.com/lumeolabs/marketing-ops/backend/internal/models"
)

type scheduleTarget struct {
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
	TargetID  string `json:"targetId"`
}

type schedulePostRequest struct {
	Targets     []scheduleTarget `json:"targets"`
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
	Mode        string           `json:"mode,omitempty"` // schedule | publish_now
}

type scheduledSocialPost struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
	TargetID  string `json:"targetId"`
	Status    string `json:"status"`
}

// SchedulePostForUser fans one post out to a list of (provider, account,
// target) destinations: one tracking row per target, created in a single
// statement, then a single automation-webhook handoff for the whole batch.
//
// Ordering invariant: the account-health gate completes (and may abort the
// whole batch) before any tracking row is written. Duplicate batches from two
// concurrent calls for the same post are accepted best-effort; there is no
// uniqueness constraint on (post_id, provider, target_id, scheduled_at).
func (h *Handler) SchedulePostForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := strings.TrimSpace(pathVar(r, "userId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if userID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "userId and postId are required")
		return
	}

	var req schedulePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = "publish_now"
	}
	if mode != "schedule" && mode != "publish_now" {
		writeError(w, http.StatusBadRequest, "mode must be schedule or publish_now")
		return
	}
	if len(req.Targets) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "no_target_selected",
			"message": "Select at least one account to publish to.",
		})
		return
	}
	if mode == "schedule" && req.ScheduledAt == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "missing_schedule_time",
			"message": "A schedule time is required.",
		})
		return
	}
	for _, t := range req.Targets {
		if strings.TrimSpace(t.Provider) == "" || strings.TrimSpace(t.AccountID) == "" || strings.TrimSpace(t.TargetID) == "" {
			writeError(w, http.StatusBadRequest, "each target needs provider, accountId and targetId")
			return
		}
	}

	// Ownership check is folded into the content read; a post that exists but
	// belongs to someone else is indistinguishable from a missing one.
	var content sql.NullString
	var media []string
	err := h.db.QueryRowContext(r.Context(), `
		SELECT content, COALESCE(media, ARRAY[]::text[])
		FROM public.posts
		WHERE id = $1 AND user_id = $2
	`, postID, userID).Scan(&content, pq.Array(&media))
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	providers := distinctProviders(req.Targets)

	// Health gate: one stale provider rejects the entire batch before any
	// tracking row exists.
	staleRows, err := h.db.QueryContext(r.Context(), `
		SELECT DISTINCT provider
		FROM public.social_accounts
		WHERE user_id = $1 AND provider = ANY($2) AND needs_reconnect
		ORDER BY provider
	`, userID, pq.Array(providers))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var stale []string
	for staleRows.Next() {
		var p string
		if err := staleRows.Scan(&p); err != nil {
			staleRows.Close()
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stale = append(stale, p)
	}
	staleRows.Close()
	if len(stale) > 0 {
		log.Printf("[Schedule] rejected postId=%s userId=%s reason=needs_reconnect providers=%v", postID, userID, stale)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "needs_reconnect",
			"providers": stale,
			"message":   "Reconnect the affected accounts before publishing.",
		})
		return
	}

	status := models.SocialPostStatusScheduled
	if mode == "publish_now" {
		status = models.SocialPostStatusPublishing
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	var mediaURL *string
	if len(media) > 0 {
		// Only the first media URL is fanned out; multi-asset posts are not
		// split per asset.
		mediaURL = &media[0]
	}

	ids := make([]string, len(req.Targets))
	provs := make([]string, len(req.Targets))
	accounts := make([]string, len(req.Targets))
	targets := make([]string, len(req.Targets))
	for i, t := range req.Targets {
		ids[i] = fmt.Sprintf("sp_%s", randHex(12))
		provs[i] = t.Provider
		accounts[i] = t.AccountID
		targets[i] = t.TargetID
	}

	// Single multi-row insert: either every tracking row of the batch exists
	// or none does.
	rows, err := h.db.QueryContext(r.Context(), `
		INSERT INTO public.social_posts
		  (id, post_id, user_id, provider, account_id, target_id, status, scheduled_at, content_text, media_url, created_at, updated_at)
		SELECT unnest($1::text[]), $2, $3, unnest($4::text[]), unnest($5::text[]), unnest($6::text[]), $7, $8, $9, $10, NOW(), NOW()
		RETURNING id, provider, account_id, target_id, status
	`, pq.Array(ids), postID, userID, pq.Array(provs), pq.Array(accounts), pq.Array(targets), status, scheduledAt, content, mediaURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created := make([]scheduledSocialPost, 0, len(req.Targets))
	for rows.Next() {
		var sp scheduledSocialPost
		if err := rows.Scan(&sp.ID, &sp.Provider, &sp.AccountID, &sp.TargetID, &sp.Status); err != nil {
			rows.Close()
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		created = append(created, sp)
	}
	rows.Close()

	// Keep the parent post roughly in step; tracking rows are the source of
	// truth for per-target state.
	if _, err := h.db.ExecContext(r.Context(), `
		UPDATE public.posts
		   SET status = $3, scheduled_for = $4, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
	`, postID, userID, status, scheduledAt); err != nil {
		log.Printf("[Schedule] parent post update failed postId=%s err=%v", postID, err)
	}

	payload := automation.PublishPayload{
		PostID:      postID,
		UserID:      userID,
		Mode:        mode,
		ScheduledAt: scheduledAt,
		SocialPosts: make([]automation.PublishTarget, 0, len(created)),
	}
	for _, sp := range created {
		payload.SocialPosts = append(payload.SocialPosts, automation.PublishTarget{
			ID: sp.ID, Provider: sp.Provider, AccountID: sp.AccountID, TargetID: sp.TargetID,
		})
	}

	// Single-attempt handoff. On failure the batch is compensated: every row
	// just created flips to failed so nothing lingers in scheduled/publishing
	// with no actor responsible for advancing it.
	if err := h.automation.NotifyPublish(r.Context(), payload); err != nil {
		log.Printf("[Schedule] webhook dispatch failed postId=%s userId=%s targets=%d err=%v", postID, userID, len(created), err)
		errMsg := truncate(fmt.Sprintf("automation dispatch failed: %v", err), 300)
		if _, uerr := h.db.ExecContext(r.Context(), `
			UPDATE public.social_posts
			   SET status = 'failed', error_message = $2, updated_at = NOW()
			 WHERE id = ANY($1)
		`, pq.Array(ids), errMsg); uerr != nil {
			log.Printf("[Schedule] compensation update failed postId=%s err=%v", postID, uerr)
		}
		// Pull the parent post back too; it was flipped to scheduled/publishing
		// above and no batch is in flight for it anymore.
		if _, uerr := h.db.ExecContext(r.Context(), `
			UPDATE public.posts
			   SET status = 'failed', updated_at = NOW()
			 WHERE id = $1 AND user_id = $2
		`, postID, userID); uerr != nil {
			log.Printf("[Schedule] parent post compensation failed postId=%s err=%v", postID, uerr)
		}
		for i := range created {
			created[i].Status = models.SocialPostStatusFailed
			h.emitEvent(userID, realtimeEvent{Type: "social_post.updated", PostID: postID, SocialPostID: created[i].ID, Provider: created[i].Provider, Status: models.SocialPostStatusFailed})
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":       "webhook_dispatch_failed",
			"message":     "Publishing could not be handed off; the affected posts were marked failed.",
			"socialPosts": created,
		})
		return
	}

	log.Printf("[Schedule] enqueued postId=%s userId=%s mode=%s targets=%d scheduledAt=%s",
		postID, userID, mode, len(created), scheduledAt.Format(time.RFC3339))
	for _, sp := range created {
		h.emitEvent(userID, realtimeEvent{Type: "social_post.updated", PostID: postID, SocialPostID: sp.ID, Provider: sp.Provider, Status: sp.Status})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"postId":      postID,
		"mode":        mode,
		"scheduledAt": scheduledAt,
		"socialPosts": created,
	})
}

func distinctProviders(targets []scheduleTarget) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t.Provider]; ok {
			continue
		}
		seen[t.Provider] = struct{}{}
		out = append(out, t.Provider)
	}
	return out
}

func (h *Handler) ListSocialPostsForPost(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if userID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "userId and postId are required")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, post_id, user_id, provider, account_id, target_id, status, scheduled_at,
		       content_text, media_url, error_message, external_post_id, created_at, updated_at
		FROM public.social_posts
		WHERE post_id = $1 AND user_id = $2
		ORDER BY created_at ASC, provider, target_id
	`, postID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	items := make([]models.SocialPost, 0, 8)
	for rows.Next() {
		var sp models.SocialPost
		var contentText, mediaURL, errMsg, externalID sql.NullString
		var scheduledAt sql.NullTime
		if err := rows.Scan(&sp.ID, &sp.PostID, &sp.UserID, &sp.Provider, &sp.AccountID, &sp.TargetID, &sp.Status, &scheduledAt,
			&contentText, &mediaURL, &errMsg, &externalID, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if scheduledAt.Valid {
			sp.ScheduledAt = scheduledAt.Time
		}
		if contentText.Valid {
			sp.ContentText = &contentText.String
		}
		if mediaURL.Valid {
			sp.MediaURL = &mediaURL.String
		}
		if errMsg.Valid {
			sp.ErrorMessage = &errMsg.String
		}
		if externalID.Valid {
			sp.ExternalPostID = &externalID.String
		}
		items = append(items, sp)
	}

	writeJSON(w, http.StatusOK, items)
}

type socialPostUpdate struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	ExternalPostID *string `json:"externalPostId,omitempty"`
	ErrorMessage   *string `json:"errorMessage,omitempty"`
}

type automationCallbackRequest struct {
	Updates []socialPostUpdate `json:"updates"`
}

// AutomationSocialPostCallback is the write-back channel for the automation
// system: it advances tracking rows to published/failed (or publishing) as the
// external workflow proceeds. Terminal rows are never reopened.
func (h *Handler) AutomationSocialPostCallback(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !h.callbackAllowed(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req automationCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, http.StatusBadRequest, "updates is required")
		return
	}

	updated := 0
	for _, u := range req.Updates {
		switch u.Status {
		case models.SocialPostStatusPublishing, models.SocialPostStatusPublished, models.SocialPostStatusFailed:
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q for %s", u.Status, u.ID))
			return
		}

		var ownerID, postID, provider string
		err := h.db.QueryRowContext(r.Context(), `
			UPDATE public.social_posts
			   SET status = $2,
			       external_post_id = COALESCE($3, external_post_id),
			       error_message = $4,
			       updated_at = NOW()
			 WHERE id = $1
			   AND status NOT IN ('published', 'failed')
			RETURNING user_id, post_id, provider
		`, u.ID, u.Status, u.ExternalPostID, u.ErrorMessage).Scan(&ownerID, &postID, &provider)
		if err == sql.ErrNoRows {
			log.Printf("[AutomationCallback] skipped id=%s status=%s reason=missing_or_terminal", u.ID, u.Status)
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updated++
		h.emitEvent(ownerID, realtimeEvent{Type: "social_post.updated", PostID: postID, SocialPostID: u.ID, Provider: provider, Status: u.Status})
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

// callbackAllowed mirrors the realtime-WS gate: loopback is always allowed for
// local development, everything else must present the shared secret.
func (h *Handler) callbackAllowed(r *http.Request) bool {
	if isLocalhostRemoteAddr(r.RemoteAddr) {
		return true
	}
	sec := strings.TrimSpace(h.cfg.CallbackSecret)
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Automation-Secret")) == sec
}
