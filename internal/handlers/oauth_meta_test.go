package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
)

func TestOAuthState_RoundTrip(t *testing.T) {
	secret := []byte("state-secret")

	state, err := encodeOAuthState(secret, "u1", "facebook")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, err := decodeOAuthState(secret, state)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.UserID != "u1" || payload.Provider != "facebook" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Nonce == "" {
		t.Fatalf("expected nonce")
	}
}

func TestOAuthState_TamperedSignatureRejected(t *testing.T) {
	secret := []byte("state-secret")

	state, err := encodeOAuthState(secret, "u1", "facebook")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Flip the last signature character.
	last := state[len(state)-1]
	flipped := "0"
	if last == '0' {
		flipped = "1"
	}
	if _, err := decodeOAuthState(secret, state[:len(state)-1]+flipped); err == nil {
		t.Fatalf("expected signature rejection")
	}

	// A payload signed with a different key must also fail.
	other, err := encodeOAuthState([]byte("other-secret"), "u1", "facebook")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeOAuthState(secret, other); err == nil {
		t.Fatalf("expected cross-key rejection")
	}
}

func TestOAuthState_ExpiredRejected(t *testing.T) {
	secret := []byte("state-secret")

	payload := oauthStatePayload{
		UserID:   "u1",
		Provider: "facebook",
		Nonce:    "n",
		IssuedAt: time.Now().Add(-time.Hour).Unix(),
	}
	b, _ := json.Marshal(payload)
	encoded := base64.RawURLEncoding.EncodeToString(b)
	state := encoded + "." + hmacSHA256Hex(secret, encoded)

	if _, err := decodeOAuthState(secret, state); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}

func TestStartMetaOAuth_BuildsAuthorizeURL(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{
		MetaAppID:        "app123",
		OAuthStateSecret: "state-secret",
		OAuthRedirectURL: "https://api.example.com/oauth/meta/callback",
	})

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/oauth/meta/start/user/u1?provider=facebook", nil),
		map[string]string{"userId": "u1"})
	rr := httptest.NewRecorder()
	h.StartMetaOAuth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rawURL, _ := resp["url"].(string)
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawURL, err)
	}
	if !strings.Contains(u.Path, "/dialog/oauth") {
		t.Fatalf("expected dialog/oauth path, got %s", u.Path)
	}
	q := u.Query()
	if q.Get("client_id") != "app123" {
		t.Fatalf("expected client_id, got %q", q.Get("client_id"))
	}
	payload, err := decodeOAuthState([]byte("state-secret"), q.Get("state"))
	if err != nil {
		t.Fatalf("state must verify: %v", err)
	}
	if payload.UserID != "u1" || payload.Provider != "facebook" {
		t.Fatalf("unexpected state payload: %+v", payload)
	}
}

func TestStartMetaOAuth_InvalidProvider(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{MetaAppID: "app123", OAuthStateSecret: "s"})

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/oauth/meta/start/user/u1?provider=myspace", nil),
		map[string]string{"userId": "u1"})
	rr := httptest.NewRecorder()
	h.StartMetaOAuth(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMetaOAuthCallback_InvalidStateRedirects(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{
		OAuthStateSecret: "state-secret",
		IntegrationsURL:  "https://app.example.com/integrations",
	})

	req := httptest.NewRequest(http.MethodGet, "/oauth/meta/callback?code=c&state=bogus", nil)
	rr := httptest.NewRecorder()
	h.MetaOAuthCallback(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.Contains(loc, "error=invalid_state") {
		t.Fatalf("expected invalid_state redirect, got %s", loc)
	}
}

// fakeGraph serves the subset of the Graph API the callback touches.
func fakeGraph(t *testing.T, withIG bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/oauth/access_token"):
			expires := int64(3600)
			if r.URL.Query().Get("grant_type") == "fb_exchange_token" {
				expires = 5184000
			}
			fmt.Fprintf(w, `{"access_token":"tok-%s","token_type":"bearer","expires_in":%d}`,
				r.URL.Query().Get("grant_type"), expires)
		case strings.HasSuffix(r.URL.Path, "/me/accounts"):
			fmt.Fprint(w, `{"data":[{"id":"pg1","name":"Page One","access_token":"pgtok"}]}`)
		case strings.HasSuffix(r.URL.Path, "/pg1"):
			if withIG {
				fmt.Fprint(w, `{"instagram_business_account":{"id":"ig9","username":"brandco"}}`)
			} else {
				fmt.Fprint(w, `{}`)
			}
		default:
			t.Errorf("unexpected graph call: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
}

func TestMetaOAuthCallback_ConnectsFacebookPage(t *testing.T) {
	graph := fakeGraph(t, false)
	defer graph.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{
		MetaAppID:        "app123",
		MetaAppSecret:    "shh",
		MetaGraphBaseURL: graph.URL,
		OAuthStateSecret: "state-secret",
		OAuthRedirectURL: "https://api.example.com/oauth/meta/callback",
		IntegrationsURL:  "https://app.example.com/integrations",
	})

	mock.ExpectExec(`INSERT INTO public\.social_accounts`).
		WithArgs(sqlmock.AnyArg(), "u1", "facebook", "pg1", sqlmock.AnyArg(), "pgtok", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO public\.social_targets`).
		WithArgs(sqlmock.AnyArg(), "u1", "facebook", "pg1", "pg1", sqlmock.AnyArg(), "page").
		WillReturnResult(sqlmock.NewResult(1, 1))

	state, err := encodeOAuthState([]byte("state-secret"), "u1", "facebook")
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/meta/callback?code=authcode&state="+url.QueryEscape(state), nil)
	rr := httptest.NewRecorder()
	h.MetaOAuthCallback(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d body=%s", rr.Code, rr.Body.String())
	}
	loc := rr.Header().Get("Location")
	if !strings.Contains(loc, "connected=facebook") || !strings.Contains(loc, "accounts=1") {
		t.Fatalf("unexpected redirect: %s", loc)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestMetaOAuthCallback_LinksInstagramBusinessAccount(t *testing.T) {
	graph := fakeGraph(t, true)
	defer graph.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{
		MetaAppID:        "app123",
		MetaAppSecret:    "shh",
		MetaGraphBaseURL: graph.URL,
		OAuthStateSecret: "state-secret",
		OAuthRedirectURL: "https://api.example.com/oauth/meta/callback",
		IntegrationsURL:  "https://app.example.com/integrations",
	})

	mock.ExpectExec(`INSERT INTO public\.social_accounts`).
		WithArgs(sqlmock.AnyArg(), "u1", "facebook", "pg1", sqlmock.AnyArg(), "pgtok", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO public\.social_targets`).
		WithArgs(sqlmock.AnyArg(), "u1", "facebook", "pg1", "pg1", sqlmock.AnyArg(), "page").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO public\.social_accounts`).
		WithArgs(sqlmock.AnyArg(), "u1", "instagram", "ig9", sqlmock.AnyArg(), "pgtok", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO public\.social_targets`).
		WithArgs(sqlmock.AnyArg(), "u1", "instagram", "ig9", "ig9", sqlmock.AnyArg(), "business_account").
		WillReturnResult(sqlmock.NewResult(1, 1))

	state, err := encodeOAuthState([]byte("state-secret"), "u1", "instagram")
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/meta/callback?code=authcode&state="+url.QueryEscape(state), nil)
	rr := httptest.NewRecorder()
	h.MetaOAuthCallback(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.Contains(loc, "connected=instagram") || !strings.Contains(loc, "accounts=2") {
		t.Fatalf("unexpected redirect: %s", loc)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestMetaOAuthCallback_ProviderDenialRedirects(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{IntegrationsURL: "https://app.example.com/integrations"})

	req := httptest.NewRequest(http.MethodGet, "/oauth/meta/callback?error=access_denied&error_reason=user_denied", nil)
	rr := httptest.NewRecorder()
	h.MetaOAuthCallback(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Location"), "error=oauth_denied") {
		t.Fatalf("unexpected redirect: %s", rr.Header().Get("Location"))
	}
}
