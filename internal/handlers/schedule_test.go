package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
)

func scheduleRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/p1/schedule/user/u1", bytes.NewBufferString(body))
	return mux.SetURLVars(req, map[string]string{"userId": "u1", "postId": "p1"})
}

func TestSchedulePost_NoTargetSelected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{})

	rr := httptest.NewRecorder()
	h.SchedulePostForUser(rr, scheduleRequest(t, `{"targets":[]}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] != "no_target_selected" {
		t.Fatalf("expected no_target_selected, got %v", resp["error"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSchedulePost_MissingScheduleTime(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{})

	rr := httptest.NewRecorder()
	h.SchedulePostForUser(rr, scheduleRequest(t,
		`{"mode":"schedule","targets":[{"provider":"facebook","accountId":"a1","targetId":"pg1"}]}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] != "missing_schedule_time" {
		t.Fatalf("expected missing_schedule_time, got %v", resp["error"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSchedulePost_PostNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{})

	mock.ExpectQuery(`SELECT content, COALESCE\(media`).
		WithArgs("p1", "u1").
		WillReturnError(sql.ErrNoRows)

	rr := httptest.NewRecorder()
	h.SchedulePostForUser(rr, scheduleRequest(t,
		`{"targets":[{"provider":"facebook","accountId":"a1","targetId":"pg1"}]}`))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSchedulePost_NeedsReconnectAbortsBeforeInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{})

	mock.ExpectQuery(`SELECT content, COALESCE\(media`).
		WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"content", "media"}).
			AddRow(sql.NullString{Valid: true, String: "hello"}, "{}"))
	mock.ExpectQuery(`SELECT DISTINCT provider`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("instagram"))

	rr := httptest.NewRecorder()
	h.SchedulePostForUser(rr, scheduleRequest(t,
		`{"targets":[{"provider":"facebook","accountId":"a1","targetId":"pg1"},{"provider":"instagram","accountId":"a2","targetId":"ig1"}]}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] != "needs_reconnect" {
		t.Fatalf("expected needs_reconnect, got %v", resp["error"])
	}
	providers, _ := resp["providers"].([]any)
	if len(providers) != 1 || providers[0] != "instagram" {
		t.Fatalf("expected stale instagram, got %v", resp["providers"])
	}

	// No social_posts insert may have been attempted.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSchedulePost_FanOutBatch(t *testing.T) {
	var webhookCalls int
	var webhookSecret string
	var payload map[string]any
	automationSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalls++
		webhookSecret = r.Header.Get("X-Automation-Secret")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer automationSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{AutomationWebhookURL: automationSrv.URL, AutomationSecret: "s3cret"})

	mock.ExpectQuery(`SELECT content, COALESCE\(media`).
		WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"content", "media"}).
			AddRow(sql.NullString{Valid: true, String: "hello"}, "{}"))
	mock.ExpectQuery(`SELECT DISTINCT provider`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}))
	mock.ExpectQuery(`INSERT INTO public\.social_posts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "account_id", "target_id", "status"}).
			AddRow("sp_1", "facebook", "a1", "pg1", "publishing").
			AddRow("sp_2", "instagram", "a2", "ig1", "publishing"))
	mock.ExpectExec(`UPDATE public\.posts`).
		WithArgs("p1", "u1", "publishing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rr := httptest.NewRecorder()
	h.SchedulePostForUser(rr, scheduleRequest(t,
		`{"targets":[{"provider":"facebook","accountId":"a1","targetId":"pg1"},{"provider":"instagram","accountId":"a2","targetId":"ig1"}]}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	socialPosts, _ := resp["socialPosts"].([]any)
	if len(socialPosts) != 2 {
		t.Fatalf("expected 2 social posts, got %v", resp["socialPosts"])
	}

	if webhookCalls != 1 {
		t.Fatalf("expected one webhook call per batch, got %d", webhookCalls)
	}
	if webhookSecret != "s3cret" {
		t.Fatalf("expected automation secret header, got %q", webhookSecret)
	}
	batch, _ := payload["socialPosts"].([]any)
	if len(batch) != 2 || payload["postId"] != "p1" {
		t.Fatalf("unexpected webhook payload: %v", payload)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSchedulePost_WebhookFailureCompensates(t *testing.T) {
	automationSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer automationSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{AutomationWebhookURL: automationSrv.URL})

	mock.ExpectQuery(`SELECT content, COALESCE\(media`).
		WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"content", "media"}).
			AddRow(sql.NullString{Valid: true, String: "hello"}, "{}"))
	mock.ExpectQuery(`SELECT DISTINCT provider`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}))
	mock.ExpectQuery(`INSERT INTO public\.social_posts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "account_id", "target_id", "status"}).
			AddRow("sp_1", "facebook", "a1", "pg1", "publishing"))
	mock.ExpectExec(`UPDATE public\.posts`).
		WithArgs("p1", "u1", "publishing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Every row of the failed batch flips to failed, then the parent post too.
	mock.ExpectExec(`UPDATE public\.social_posts`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.posts`).
		WithArgs("p1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rr := httptest.NewRecorder()
	h.SchedulePostForUser(rr, scheduleRequest(t,
		`{"targets":[{"provider":"facebook","accountId":"a1","targetId":"pg1"}]}`))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] != "webhook_dispatch_failed" {
		t.Fatalf("expected webhook_dispatch_failed, got %v", resp["error"])
	}
	socialPosts, _ := resp["socialPosts"].([]any)
	if len(socialPosts) != 1 {
		t.Fatalf("expected failed rows in body, got %v", resp["socialPosts"])
	}
	first, _ := socialPosts[0].(map[string]any)
	if first["status"] != "failed" {
		t.Fatalf("expected failed status, got %v", first)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestListSocialPostsForPost_NullScheduledAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{})
	now := time.Now()

	// Immediate publishes have no scheduled_at.
	mock.ExpectQuery(`SELECT id, post_id, user_id`).
		WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "post_id", "user_id", "provider", "account_id", "target_id", "status", "scheduled_at",
			"content_text", "media_url", "error_message", "external_post_id", "created_at", "updated_at",
		}).AddRow("sp_1", "p1", "u1", "facebook", "a1", "pg1", "publishing", nil, "hello", nil, nil, nil, now, now))

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/social-posts/post/p1/user/u1", nil),
		map[string]string{"userId": "u1", "postId": "p1"})
	rr := httptest.NewRecorder()
	h.ListSocialPostsForPost(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var items []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0]["status"] != "publishing" {
		t.Fatalf("unexpected items: %v", items)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAutomationCallback_AdvancesAndSkipsTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{CallbackSecret: "cb"})

	mock.ExpectQuery(`UPDATE public\.social_posts`).
		WithArgs("sp_1", "published", "fb_123", nil).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "post_id", "provider"}).AddRow("u1", "p1", "facebook"))
	// Terminal rows match zero rows and are skipped, not errored.
	mock.ExpectQuery(`UPDATE public\.social_posts`).
		WithArgs("sp_2", "failed", nil, "boom").
		WillReturnError(sql.ErrNoRows)

	body := bytes.NewBufferString(`{"updates":[
		{"id":"sp_1","status":"published","externalPostId":"fb_123"},
		{"id":"sp_2","status":"failed","errorMessage":"boom"}
	]}`)
	req := httptest.NewRequest(http.MethodPost, "/callback/automation/social-posts", body)
	req.Header.Set("X-Automation-Secret", "cb")
	rr := httptest.NewRecorder()
	h.AutomationSocialPostCallback(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["updated"] != float64(1) {
		t.Fatalf("expected 1 update, got %v", resp["updated"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAutomationCallback_RejectsWithoutSecret(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{CallbackSecret: "cb"})

	body := bytes.NewBufferString(`{"updates":[{"id":"sp_1","status":"published"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/callback/automation/social-posts", body)
	req.RemoteAddr = "203.0.113.9:4711"
	rr := httptest.NewRecorder()
	h.AutomationSocialPostCallback(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestDistinctProviders(t *testing.T) {
	got := distinctProviders([]scheduleTarget{
		{Provider: "facebook"}, {Provider: "instagram"}, {Provider: "facebook"},
	})
	if len(got) != 2 || got[0] != "facebook" || got[1] != "instagram" {
		t.Fatalf("unexpected providers: %v", got)
	}
}

func TestListSocialPostsForPost(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db, Config{})
	now := time.Now()

	mock.ExpectQuery(`SELECT id, post_id, user_id`).
		WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "post_id", "user_id", "provider", "account_id", "target_id", "status", "scheduled_at",
			"content_text", "media_url", "error_message", "external_post_id", "created_at", "updated_at",
		}).AddRow("sp_1", "p1", "u1", "facebook", "a1", "pg1", "published", now, "hello", nil, nil, "fb_1", now, now))

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/social-posts/post/p1/user/u1", nil),
		map[string]string{"userId": "u1", "postId": "p1"})
	rr := httptest.NewRecorder()
	h.ListSocialPostsForPost(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var items []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0]["externalPostId"] != "fb_1" {
		t.Fatalf("unexpected items: %v", items)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
