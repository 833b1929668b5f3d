package handlers

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/lumeolabs/marketing-ops/backend/internal/automation"
	"github.com/lumeolabs/marketing-ops/backend/internal/models"
)

// Approval workflow: pending -> approved | rejected. Both terminal states are
// final; re-deciding an already-decided record is rejected with
// invalid_state_transition rather than silently overwritten, so a
// rejected-then-approved race can't hide a reviewer disagreement.

type requestApprovalRequest struct {
	TeamID     string  `json:"teamId"`
	EntityType string  `json:"entityType"`
	EntityID   string  `json:"entityId"`
	AssignedTo string  `json:"assignedTo"`
	Comment    *string `json:"comment,omitempty"`
}

type decideApprovalRequest struct {
	Action  string  `json:"action"` // approve | reject
	Comment *string `json:"comment,omitempty"`
}

func validApprovalEntityType(t string) bool {
	switch t {
	case "post", "briefing", "branding", "planner":
		return true
	}
	return false
}

// planAllowsApprovals gates the team approval feature: free-tier users get a
// 403, never a silent downgrade.
func planAllowsApprovals(planType string) bool {
	return planType != "" && planType != "free"
}

func (h *Handler) RequestApprovalForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req requestApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.TeamID = strings.TrimSpace(req.TeamID)
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.AssignedTo = strings.TrimSpace(req.AssignedTo)
	if req.TeamID == "" || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "teamId and entityId are required")
		return
	}
	if !validApprovalEntityType(req.EntityType) {
		writeError(w, http.StatusBadRequest, "invalid_entity_type")
		return
	}

	planType, err := h.planForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !planAllowsApprovals(planType) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "feature_not_available",
			"message": "Team approvals are not included in your current plan.",
			"plan":    planType,
		})
		return
	}

	// The requester needs at least one eligible reviewer on the team.
	var reviewers int
	err = h.db.QueryRowContext(r.Context(), `
		SELECT COUNT(*)
		FROM public.team_members
		WHERE team_id = $1 AND role IN ('administrator', 'editor')
	`, req.TeamID).Scan(&reviewers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reviewers == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "no_reviewer_available",
			"message": "No administrator or editor is available to review this request.",
		})
		return
	}

	if req.AssignedTo != "" {
		var eligible bool
		err = h.db.QueryRowContext(r.Context(), `
			SELECT EXISTS (
				SELECT 1 FROM public.team_members
				WHERE team_id = $1 AND user_id = $2 AND role IN ('administrator', 'editor')
			)
		`, req.TeamID, req.AssignedTo).Scan(&eligible)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !eligible {
			writeError(w, http.StatusBadRequest, "assigned reviewer is not an administrator or editor of this team")
			return
		}
	} else {
		// Default to the longest-standing eligible reviewer.
		err = h.db.QueryRowContext(r.Context(), `
			SELECT user_id
			FROM public.team_members
			WHERE team_id = $1 AND role IN ('administrator', 'editor')
			ORDER BY created_at ASC
			LIMIT 1
		`, req.TeamID).Scan(&req.AssignedTo)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	var a models.Approval
	err = h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.approvals
		  (id, team_id, entity_type, entity_id, status, requested_by, assigned_to, comment, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, NOW())
		RETURNING id, team_id, entity_type, entity_id, status, requested_by, assigned_to, comment, decided_by, decided_at, created_at
	`, fmt.Sprintf("apr_%s", randHex(12)), req.TeamID, req.EntityType, req.EntityID, userID, req.AssignedTo, req.Comment).
		Scan(&a.ID, &a.TeamID, &a.EntityType, &a.EntityID, &a.Status, &a.RequestedBy, &a.AssignedTo, &a.Comment, &a.DecidedBy, &a.DecidedAt, &a.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Best-effort side effects: the approval record is already committed and
	// is not rolled back when notification delivery fails.
	body := fmt.Sprintf("A %s is waiting for your review.", a.EntityType)
	h.createNotification(a.AssignedTo, "approval_requested", "Approval requested", &body, nil)
	if err := h.automation.NotifyTeamEvent(r.Context(), automation.TeamEventPayload{
		Event:      "approval_requested",
		TeamID:     a.TeamID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		UserID:     a.RequestedBy,
		AssignedTo: a.AssignedTo,
	}); err != nil {
		log.Printf("[Approvals] team-event webhook failed approvalId=%s err=%v", a.ID, err)
	}
	h.emitEvent(a.AssignedTo, realtimeEvent{Type: "approval.updated", ApprovalID: a.ID, Status: a.Status})

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) DecideApprovalForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := strings.TrimSpace(pathVar(r, "userId"))
	approvalID := strings.TrimSpace(pathVar(r, "id"))
	if userID == "" || approvalID == "" {
		writeError(w, http.StatusBadRequest, "userId and id are required")
		return
	}

	var req decideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var newStatus string
	switch req.Action {
	case "approve":
		newStatus = models.ApprovalStatusApproved
	case "reject":
		newStatus = models.ApprovalStatusRejected
	default:
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	planType, err := h.planForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !planAllowsApprovals(planType) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "feature_not_available",
			"message": "Team approvals are not included in your current plan.",
			"plan":    planType,
		})
		return
	}

	// Only the assigned reviewer or a team administrator may decide.
	var a models.Approval
	err = h.db.QueryRowContext(r.Context(), `
		UPDATE public.approvals
		   SET status = $2,
		       comment = COALESCE($3, comment),
		       decided_by = $4,
		       decided_at = NOW()
		 WHERE id = $1
		   AND status = 'pending'
		   AND (
			assigned_to = $4
			OR EXISTS (
				SELECT 1 FROM public.team_members tm
				WHERE tm.team_id = public.approvals.team_id
				  AND tm.user_id = $4 AND tm.role = 'administrator'
			)
		   )
		RETURNING id, team_id, entity_type, entity_id, status, requested_by, assigned_to, comment, decided_by, decided_at, created_at
	`, approvalID, newStatus, req.Comment, userID).
		Scan(&a.ID, &a.TeamID, &a.EntityType, &a.EntityID, &a.Status, &a.RequestedBy, &a.AssignedTo, &a.Comment, &a.DecidedBy, &a.DecidedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		// Zero rows means missing, already decided, or not this user's call.
		// Run a follow-up read to answer with the right status code.
		var status, assignedTo string
		e2 := h.db.QueryRowContext(r.Context(), `
			SELECT status, assigned_to FROM public.approvals WHERE id = $1
		`, approvalID).Scan(&status, &assignedTo)
		if e2 == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if e2 == nil && status != models.ApprovalStatusPending {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   "invalid_state_transition",
				"status":  status,
				"message": "This request has already been decided.",
			})
			return
		}
		// Hide reviewer identity from callers without rights.
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Approvals] decided approvalId=%s status=%s by=%s", a.ID, a.Status, userID)

	body := fmt.Sprintf("Your %s was %s.", a.EntityType, a.Status)
	h.createNotification(a.RequestedBy, "approval_decided", "Approval "+a.Status, &body, nil)
	if err := h.automation.NotifyTeamEvent(r.Context(), automation.TeamEventPayload{
		Event:      "approval_" + a.Status,
		TeamID:     a.TeamID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		UserID:     userID,
	}); err != nil {
		log.Printf("[Approvals] team-event webhook failed approvalId=%s err=%v", a.ID, err)
	}
	h.emitEvent(a.RequestedBy, realtimeEvent{Type: "approval.updated", ApprovalID: a.ID, Status: a.Status})

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) ListApprovalsForTeam(w http.ResponseWriter, r *http.Request) {
	teamID := strings.TrimSpace(pathVar(r, "teamId"))
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "teamId is required")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	switch status {
	case "", models.ApprovalStatusPending, models.ApprovalStatusApproved, models.ApprovalStatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	query := `
		SELECT id, team_id, entity_type, entity_id, status, requested_by, assigned_to, comment, decided_by, decided_at, created_at
		FROM public.approvals
		WHERE team_id = $1
	`
	args := []any{teamID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := h.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	approvals := make([]models.Approval, 0, 16)
	for rows.Next() {
		var a models.Approval
		var comment, decidedBy sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TeamID, &a.EntityType, &a.EntityID, &a.Status, &a.RequestedBy, &a.AssignedTo, &comment, &decidedBy, &decidedAt, &a.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if comment.Valid {
			a.Comment = &comment.String
		}
		if decidedBy.Valid {
			a.DecidedBy = &decidedBy.String
		}
		a.DecidedAt = nullTimePtr(decidedAt)
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, approvals)
}
