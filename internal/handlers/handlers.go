package handlers

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/lumeolabs/marketing-ops/backend/internal/automation"
	"github.com/lumeolabs/marketing-ops/backend/internal/models"
)

// Config carries everything the handlers need from the environment. It is
// built once in main and injected here so components can be exercised in tests
// with fake endpoints instead of reading process state ad hoc.
type Config struct {
	// Automation webhook (n8n-style) that performs the actual publishing and
	// delivers team notifications.
	AutomationWebhookURL string
	AutomationSecret     string

	// Shared secret the automation system must present on status callbacks.
	CallbackSecret string

	// Meta OAuth app credentials and endpoints. GraphBaseURL/AuthBaseURL are
	// overridable so tests can point them at a local server.
	MetaAppID        string
	MetaAppSecret    string
	MetaAPIVersion   string
	MetaGraphBaseURL string
	MetaAuthBaseURL  string

	// OAuthStateSecret signs the state payload carried across the redirect.
	OAuthStateSecret string
	// OAuthRedirectURL is the absolute URL of our /oauth/meta/callback.
	OAuthRedirectURL string
	// IntegrationsURL is where the browser is sent back after the callback.
	IntegrationsURL string

	// InternalWSSecret gates the internal realtime websocket endpoint.
	InternalWSSecret string

	StripeSecretKey     string
	StripeWebhookSecret string

	// QuotaLocation anchors assistant-quota windows (weekly/daily boundaries).
	// Defaults to time.Local.
	QuotaLocation *time.Location
}

func (c Config) quotaLocation() *time.Location {
	if c.QuotaLocation != nil {
		return c.QuotaLocation
	}
	return time.Local
}

type Handler struct {
	db         *sql.DB
	rt         *realtimeHub
	cfg        Config
	automation *automation.Client
	httpClient *http.Client
}

func New(db *sql.DB, cfg Config) *Handler {
	if cfg.MetaAPIVersion == "" {
		cfg.MetaAPIVersion = "v19.0"
	}
	if cfg.MetaGraphBaseURL == "" {
		cfg.MetaGraphBaseURL = "https://graph.facebook.com"
	}
	if cfg.MetaAuthBaseURL == "" {
		cfg.MetaAuthBaseURL = "https://www.facebook.com"
	}
	return &Handler{
		db:  db,
		rt:  newRealtimeHub(),
		cfg: cfg,
		automation: automation.NewClient(automation.Options{
			WebhookURL: cfg.AutomationWebhookURL,
			Secret:     cfg.AutomationSecret,
		}),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := `
		INSERT INTO public.users (id, email, name, image_url, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			-- Avoid clobbering existing values when callers don't know them (e.g. OAuth-only sign-ins)
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), public.users.name),
			image_url = COALESCE(EXCLUDED.image_url, public.users.image_url)
		RETURNING id, email, name, image_url, created_at
	`

	err := h.db.QueryRow(query, user.ID, user.Email, user.Name, user.ImageURL).
		Scan(&user.ID, &user.Email, &user.Name, &user.ImageURL, &user.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var user models.User
	query := `SELECT id, email, name, image_url, created_at FROM public.users WHERE id = $1`

	err := h.db.QueryRow(query, id).Scan(&user.ID, &user.Email, &user.Name, &user.ImageURL, &user.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var team models.Team
	if err := decodeJSON(r, &team); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(team.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	if strings.TrimSpace(team.ID) == "" {
		team.ID = fmt.Sprintf("team_%s", randHex(12))
	}

	query := `
		INSERT INTO public.teams (id, owner_id, name, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, owner_id, name, created_at
	`
	err := h.db.QueryRow(query, team.ID, team.OwnerID, team.Name).
		Scan(&team.ID, &team.OwnerID, &team.Name, &team.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The owner is always an administrator; the approval reviewer check
	// depends on this membership existing.
	_, err = h.db.Exec(`
		INSERT INTO public.team_members (id, team_id, user_id, role, created_at)
		VALUES ($1, $2, $3, 'administrator', NOW())
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, fmt.Sprintf("tm_%s", randHex(12)), team.ID, team.OwnerID)
	if err != nil {
		log.Printf("[Teams] owner membership insert failed teamId=%s err=%v", team.ID, err)
	}

	writeJSON(w, http.StatusOK, team)
}

func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var team models.Team
	err := h.db.QueryRow(`SELECT id, owner_id, name, created_at FROM public.teams WHERE id = $1`, id).
		Scan(&team.ID, &team.OwnerID, &team.Name, &team.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Team not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, team)
}

func (h *Handler) GetUserTeams(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")

	rows, err := h.db.Query(`
		SELECT DISTINCT t.id, t.owner_id, t.name, t.created_at
		FROM public.teams t
		LEFT JOIN public.team_members tm ON t.id = tm.team_id
		WHERE t.owner_id = $1 OR tm.user_id = $1
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	var teams []models.Team
	for rows.Next() {
		var team models.Team
		if err := rows.Scan(&team.ID, &team.OwnerID, &team.Name, &team.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		teams = append(teams, team)
	}

	writeJSON(w, http.StatusOK, teams)
}

type addTeamMemberRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (h *Handler) AddTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID := pathVar(r, "id")

	var req addTeamMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	switch req.Role {
	case "administrator", "editor", "viewer":
	case "":
		req.Role = "viewer"
	default:
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	var m models.TeamMember
	err := h.db.QueryRow(`
		INSERT INTO public.team_members (id, team_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING id, team_id, user_id, role, created_at
	`, fmt.Sprintf("tm_%s", randHex(12)), teamID, req.UserID, req.Role).
		Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ListTeamMembers(w http.ResponseWriter, r *http.Request) {
	teamID := pathVar(r, "id")

	rows, err := h.db.Query(`
		SELECT id, team_id, user_id, role, created_at
		FROM public.team_members
		WHERE team_id = $1
		ORDER BY created_at ASC
	`, teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	var members []models.TeamMember
	for rows.Next() {
		var m models.TeamMember
		if err := rows.Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		members = append(members, m)
	}

	writeJSON(w, http.StatusOK, members)
}

func (h *Handler) ListSocialAccountsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, provider, account_id, account_name, token_expires_at,
		       COALESCE(scopes, ARRAY[]::text[]), needs_reconnect, created_at, updated_at
		FROM public.social_accounts
		WHERE user_id = $1
		ORDER BY provider, account_id
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	accounts := make([]models.SocialAccount, 0, 8)
	for rows.Next() {
		var a models.SocialAccount
		var name sql.NullString
		var expires sql.NullTime
		var scopes []string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.AccountID, &name, &expires, pq.Array(&scopes), &a.NeedsReconnect, &a.CreatedAt, &a.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if name.Valid {
			a.AccountName = &name.String
		}
		a.TokenExpiresAt = nullTimePtr(expires)
		a.Scopes = scopes
		accounts = append(accounts, a)
	}

	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) ListSocialTargetsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, provider, account_id, target_id, name, kind, created_at, updated_at
		FROM public.social_targets
		WHERE user_id = $1
		ORDER BY provider, target_id
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	targets := make([]models.SocialTarget, 0, 8)
	for rows.Next() {
		var t models.SocialTarget
		var name sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Provider, &t.AccountID, &t.TargetID, &name, &t.Kind, &t.CreatedAt, &t.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if name.Valid {
			t.Name = &name.String
		}
		targets = append(targets, t)
	}

	writeJSON(w, http.StatusOK, targets)
}

type createPostRequest struct {
	// Optional. If empty on create, the server will generate one.
	ID *string `json:"id,omitempty"`

	TeamID       *string    `json:"teamId,omitempty"`
	Content      *string    `json:"content,omitempty"`
	Media        []string   `json:"media,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

func (h *Handler) CreatePostForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := ""
	if req.ID != nil {
		id = strings.TrimSpace(*req.ID)
	}
	if id == "" {
		id = fmt.Sprintf("post_%s", randHex(12))
	}

	var p models.Post
	var media []string
	err := h.db.QueryRow(`
		INSERT INTO public.posts (id, user_id, team_id, content, media, status, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'draft', $6, NOW(), NOW())
		RETURNING id, user_id, team_id, content, COALESCE(media, ARRAY[]::text[]), status, scheduled_for, published_at, created_at, updated_at
	`, id, userID, req.TeamID, req.Content, pq.Array(req.Media), req.ScheduledFor).
		Scan(&p.ID, &p.UserID, &p.TeamID, &p.Content, pq.Array(&media), &p.Status, &p.ScheduledFor, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p.Media = media

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListPostsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := parseLimit(r, 50, 1, 200)
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, team_id, content, COALESCE(media, ARRAY[]::text[]), status, scheduled_for, published_at, created_at, updated_at
		FROM public.posts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	posts := make([]models.Post, 0, limit)
	for rows.Next() {
		var p models.Post
		var media []string
		if err := rows.Scan(&p.ID, &p.UserID, &p.TeamID, &p.Content, pq.Array(&media), &p.Status, &p.ScheduledFor, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		p.Media = media
		posts = append(posts, p)
	}

	writeJSON(w, http.StatusOK, posts)
}

type notificationRow struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      *string    `json:"body,omitempty"`
	URL       *string    `json:"url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

func (h *Handler) ListNotificationsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := parseLimit(r, 50, 1, 200)
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, type, title, body, url, created_at, read_at
		FROM public.notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	items := make([]notificationRow, 0, limit)
	for rows.Next() {
		var n notificationRow
		var body, urlStr sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &body, &urlStr, &n.CreatedAt, &readAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if body.Valid {
			n.Body = &body.String
		}
		if urlStr.Valid {
			n.URL = &urlStr.String
		}
		n.ReadAt = nullTimePtr(readAt)
		items = append(items, n)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func (h *Handler) MarkNotificationReadForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	id := strings.TrimSpace(pathVar(r, "id"))
	if userID == "" || id == "" {
		writeError(w, http.StatusBadRequest, "userId and id are required")
		return
	}

	res, err := h.db.Exec(`
		UPDATE public.notifications
		   SET read_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND read_at IS NULL
	`, id, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, _ := res.RowsAffected()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": n})
}

// createNotification is best-effort: failures are logged, never surfaced,
// because notifications decorate a flow that already succeeded.
func (h *Handler) createNotification(userID, typ, title string, body *string, urlStr *string) string {
	id := fmt.Sprintf("ntf_%s", randHex(12))
	_, err := h.db.Exec(`
		INSERT INTO public.notifications (id, user_id, type, title, body, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, id, userID, typ, title, body, urlStr)
	if err != nil {
		log.Printf("[Notifications] insert failed userId=%s type=%s err=%v", userID, typ, err)
		return ""
	}
	return id
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func parseLimit(r *http.Request, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func hmacSHA256Hex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func randHex(n int) string {
	if n <= 0 {
		n = 8
	}
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)[:n]
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
