package handlers

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Meta (Facebook/Instagram) OAuth: authorization-code exchange, long-lived
// token upgrade, and discovery of publishable targets (pages and linked
// Instagram business accounts).
//
// The state carried across the redirect is HMAC-signed: a bare base64 blob
// would let an attacker forge account linking onto another user.

const (
	oauthStateMaxAge = 15 * time.Minute
	metaOAuthScopes  = "pages_show_list,pages_manage_posts,pages_read_engagement,instagram_basic,instagram_content_publish,business_management"
)

type oauthStatePayload struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"iat"`
}

func encodeOAuthState(secret []byte, userID, provider string) (string, error) {
	payload := oauthStatePayload{
		UserID:   userID,
		Provider: provider,
		Nonce:    randHex(16),
		IssuedAt: time.Now().Unix(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(b)
	return encoded + "." + hmacSHA256Hex(secret, encoded), nil
}

func decodeOAuthState(secret []byte, state string) (oauthStatePayload, error) {
	var payload oauthStatePayload

	parts := strings.SplitN(strings.TrimSpace(state), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return payload, fmt.Errorf("malformed state")
	}
	want := hmacSHA256Hex(secret, parts[0])
	if !hmac.Equal([]byte(want), []byte(parts[1])) {
		return payload, fmt.Errorf("state signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return payload, fmt.Errorf("state decode: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("state unmarshal: %w", err)
	}
	if payload.UserID == "" || payload.Provider == "" {
		return payload, fmt.Errorf("state missing fields")
	}
	age := time.Since(time.Unix(payload.IssuedAt, 0))
	if age < 0 || age > oauthStateMaxAge {
		return payload, fmt.Errorf("state expired")
	}
	return payload, nil
}

// StartMetaOAuth builds the provider authorize URL with a signed state. The
// SPA redirects the browser to the returned URL.
func (h *Handler) StartMetaOAuth(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	if provider != "facebook" && provider != "instagram" {
		writeError(w, http.StatusBadRequest, "provider must be facebook or instagram")
		return
	}
	if h.cfg.MetaAppID == "" || h.cfg.OAuthStateSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "Meta OAuth not configured")
		return
	}

	state, err := encodeOAuthState([]byte(h.cfg.OAuthStateSecret), userID, provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q := url.Values{}
	q.Set("client_id", h.cfg.MetaAppID)
	q.Set("redirect_uri", h.cfg.OAuthRedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", metaOAuthScopes)
	q.Set("state", state)
	authURL := fmt.Sprintf("%s/%s/dialog/oauth?%s", h.cfg.MetaAuthBaseURL, h.cfg.MetaAPIVersion, q.Encode())

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "url": authURL})
}

type metaTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type metaPage struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	AccessToken string  `json:"access_token"`
}

type metaPagesResponse struct {
	Data   []metaPage `json:"data"`
	Paging *struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type metaIGLinkResponse struct {
	InstagramBusinessAccount *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"instagram_business_account"`
}

func (h *Handler) graphGET(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("graph API status %d: %s", resp.StatusCode, extractGraphErrorMessage(body, truncate(string(body), 200)))
	}
	return json.Unmarshal(body, out)
}

func extractGraphErrorMessage(body []byte, fallback string) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fallback
}

func (h *Handler) exchangeCodeForToken(ctx context.Context, code string) (metaTokenResponse, error) {
	q := url.Values{}
	q.Set("client_id", h.cfg.MetaAppID)
	q.Set("client_secret", h.cfg.MetaAppSecret)
	q.Set("redirect_uri", h.cfg.OAuthRedirectURL)
	q.Set("code", code)

	var tok metaTokenResponse
	err := h.graphGET(ctx, fmt.Sprintf("%s/%s/oauth/access_token?%s", h.cfg.MetaGraphBaseURL, h.cfg.MetaAPIVersion, q.Encode()), &tok)
	if err != nil {
		return tok, err
	}
	if tok.AccessToken == "" {
		return tok, fmt.Errorf("token exchange returned empty access_token")
	}
	return tok, nil
}

// exchangeForLongLivedToken upgrades a short-lived user token. The platform
// can reject the second exchange while the first token is still usable, so a
// failure here falls back to the short-lived token instead of aborting.
func (h *Handler) exchangeForLongLivedToken(ctx context.Context, shortLived metaTokenResponse) metaTokenResponse {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", h.cfg.MetaAppID)
	q.Set("client_secret", h.cfg.MetaAppSecret)
	q.Set("fb_exchange_token", shortLived.AccessToken)

	var tok metaTokenResponse
	err := h.graphGET(ctx, fmt.Sprintf("%s/%s/oauth/access_token?%s", h.cfg.MetaGraphBaseURL, h.cfg.MetaAPIVersion, q.Encode()), &tok)
	if err != nil || tok.AccessToken == "" {
		log.Printf("[MetaOAuth] long-lived exchange failed, keeping short-lived token err=%v", err)
		return shortLived
	}
	return tok
}

func (h *Handler) discoverPages(ctx context.Context, userToken string) ([]metaPage, error) {
	q := url.Values{}
	q.Set("fields", "id,name,access_token")
	q.Set("limit", "50")
	q.Set("access_token", userToken)
	next := fmt.Sprintf("%s/%s/me/accounts?%s", h.cfg.MetaGraphBaseURL, h.cfg.MetaAPIVersion, q.Encode())

	pages := make([]metaPage, 0, 8)
	for i := 0; next != "" && i < 10; i++ {
		var resp metaPagesResponse
		if err := h.graphGET(ctx, next, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Data...)
		next = ""
		if resp.Paging != nil {
			next = resp.Paging.Next
		}
	}
	return pages, nil
}

func (h *Handler) lookupInstagramBusinessAccount(ctx context.Context, pageID, pageToken string) (id, username string, err error) {
	q := url.Values{}
	q.Set("fields", "instagram_business_account{id,username}")
	q.Set("access_token", pageToken)

	var resp metaIGLinkResponse
	if err := h.graphGET(ctx, fmt.Sprintf("%s/%s/%s?%s", h.cfg.MetaGraphBaseURL, h.cfg.MetaAPIVersion, pageID, q.Encode()), &resp); err != nil {
		return "", "", err
	}
	if resp.InstagramBusinessAccount == nil {
		return "", "", nil
	}
	return resp.InstagramBusinessAccount.ID, resp.InstagramBusinessAccount.Username, nil
}

// upsertSocialAccount is keyed by (user, provider, account): re-running the
// OAuth flow refreshes tokens and clears needs_reconnect instead of creating
// duplicates.
func (h *Handler) upsertSocialAccount(ctx context.Context, userID, provider, accountID string, accountName *string, accessToken string, expiresAt *time.Time, scopes []string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO public.social_accounts
		  (id, user_id, provider, account_id, account_name, access_token, token_expires_at, scopes, needs_reconnect, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, NOW(), NOW())
		ON CONFLICT (user_id, provider, account_id) DO UPDATE SET
			account_name = COALESCE(EXCLUDED.account_name, public.social_accounts.account_name),
			access_token = EXCLUDED.access_token,
			token_expires_at = EXCLUDED.token_expires_at,
			scopes = EXCLUDED.scopes,
			needs_reconnect = false,
			updated_at = NOW()
	`, fmt.Sprintf("sa_%s", randHex(12)), userID, provider, accountID, accountName, accessToken, expiresAt, pq.Array(scopes))
	return err
}

func (h *Handler) upsertSocialTarget(ctx context.Context, userID, provider, accountID, targetID string, name *string, kind string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO public.social_targets
		  (id, user_id, provider, account_id, target_id, name, kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id, provider, target_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			name = COALESCE(EXCLUDED.name, public.social_targets.name),
			kind = EXCLUDED.kind,
			updated_at = NOW()
	`, fmt.Sprintf("st_%s", randHex(12)), userID, provider, accountID, targetID, name, kind)
	return err
}

func (h *Handler) redirectIntegrations(w http.ResponseWriter, r *http.Request, params url.Values) {
	base := h.cfg.IntegrationsURL
	if base == "" {
		base = "/integrations"
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	http.Redirect(w, r, base+sep+params.Encode(), http.StatusFound)
}

// MetaOAuthCallback completes the OAuth flow: verifies the signed state,
// exchanges the code, discovers publishable targets and upserts account +
// target records. Any failure redirects back to the integrations surface with
// an error indicator rather than surfacing an opaque 500 to the browser.
func (h *Handler) MetaOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if provErr := strings.TrimSpace(r.URL.Query().Get("error")); provErr != "" {
		log.Printf("[MetaOAuth] provider error=%s reason=%s", provErr, r.URL.Query().Get("error_reason"))
		h.redirectIntegrations(w, r, url.Values{"error": {"oauth_denied"}})
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if code == "" || state == "" {
		h.redirectIntegrations(w, r, url.Values{"error": {"missing_code_or_state"}})
		return
	}

	payload, err := decodeOAuthState([]byte(h.cfg.OAuthStateSecret), state)
	if err != nil {
		log.Printf("[MetaOAuth] state rejected err=%v", err)
		h.redirectIntegrations(w, r, url.Values{"error": {"invalid_state"}})
		return
	}

	ctx := r.Context()
	shortLived, err := h.exchangeCodeForToken(ctx, code)
	if err != nil {
		log.Printf("[MetaOAuth] code exchange failed userId=%s err=%v", payload.UserID, err)
		h.redirectIntegrations(w, r, url.Values{"error": {"token_exchange_failed"}})
		return
	}
	tok := h.exchangeForLongLivedToken(ctx, shortLived)

	var expiresAt *time.Time
	if tok.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	scopes := strings.Split(metaOAuthScopes, ",")

	pages, err := h.discoverPages(ctx, tok.AccessToken)
	if err != nil {
		log.Printf("[MetaOAuth] page discovery failed userId=%s err=%v", payload.UserID, err)
		h.redirectIntegrations(w, r, url.Values{"error": {"discovery_failed"}})
		return
	}

	connected := 0
	for _, page := range pages {
		if page.ID == "" || page.AccessToken == "" {
			continue
		}
		if err := h.upsertSocialAccount(ctx, payload.UserID, "facebook", page.ID, page.Name, page.AccessToken, expiresAt, scopes); err != nil {
			log.Printf("[MetaOAuth] account upsert failed userId=%s pageId=%s err=%v", payload.UserID, page.ID, err)
			continue
		}
		if err := h.upsertSocialTarget(ctx, payload.UserID, "facebook", page.ID, page.ID, page.Name, "page"); err != nil {
			log.Printf("[MetaOAuth] target upsert failed userId=%s pageId=%s err=%v", payload.UserID, page.ID, err)
			continue
		}
		connected++

		if payload.Provider != "instagram" {
			continue
		}
		igID, igUsername, err := h.lookupInstagramBusinessAccount(ctx, page.ID, page.AccessToken)
		if err != nil {
			log.Printf("[MetaOAuth] IG linkage lookup failed pageId=%s err=%v", page.ID, err)
			continue
		}
		if igID == "" {
			// A page without a linked Instagram business account yields no
			// Instagram target.
			continue
		}
		var igName *string
		if igUsername != "" {
			igName = &igUsername
		}
		if err := h.upsertSocialAccount(ctx, payload.UserID, "instagram", igID, igName, page.AccessToken, expiresAt, scopes); err != nil {
			log.Printf("[MetaOAuth] IG account upsert failed userId=%s igId=%s err=%v", payload.UserID, igID, err)
			continue
		}
		if err := h.upsertSocialTarget(ctx, payload.UserID, "instagram", igID, igID, igName, "business_account"); err != nil {
			log.Printf("[MetaOAuth] IG target upsert failed userId=%s igId=%s err=%v", payload.UserID, igID, err)
			continue
		}
		connected++
	}

	log.Printf("[MetaOAuth] completed userId=%s provider=%s pages=%d connected=%d",
		payload.UserID, payload.Provider, len(pages), connected)
	h.redirectIntegrations(w, r, url.Values{
		"connected": {payload.Provider},
		"accounts":  {fmt.Sprintf("%d", connected)},
	})
}
