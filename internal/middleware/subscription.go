package middleware

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// PlanLimits defines the ceilings enforced per plan. -1 means unlimited.
type PlanLimits struct {
	SocialAccounts int  `json:"socialAccounts"`
	PostsPerMonth  int  `json:"postsPerMonth"`
	TeamApprovals  bool `json:"teamApprovals"`
}

// SubscriptionEnforcer rejects requests that would exceed the caller's plan
// ceilings before they reach the handlers.
type SubscriptionEnforcer struct {
	DB     *sql.DB
	Limits map[string]PlanLimits
}

func NewSubscriptionEnforcer(db *sql.DB) *SubscriptionEnforcer {
	limits := map[string]PlanLimits{
		"free": {
			SocialAccounts: 3,
			PostsPerMonth:  10,
			TeamApprovals:  false,
		},
		"starter": {
			SocialAccounts: 5,
			PostsPerMonth:  100,
			TeamApprovals:  true,
		},
		"pro": {
			SocialAccounts: -1,
			PostsPerMonth:  -1,
			TeamApprovals:  true,
		},
	}

	return &SubscriptionEnforcer{
		DB:     db,
		Limits: limits,
	}
}

func (se *SubscriptionEnforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if se.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}

		userID := se.extractUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		planID, err := se.getUserPlan(userID)
		if err != nil {
			planID = "free"
		}

		if !se.checkLimits(r, userID, planID) {
			se.respondLimitExceeded(w, planID)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// shouldSkip exempts routes that must stay reachable regardless of plan:
// account management, billing itself, health and the realtime surface.
func (se *SubscriptionEnforcer) shouldSkip(r *http.Request) bool {
	skipPaths := []string{
		"/api/users",
		"/api/teams",
		"/api/billing",
		"/webhook/stripe",
		"/callback/",
		"/oauth/",
		"/health",
		"/api/events",
	}
	for _, path := range skipPaths {
		if strings.HasPrefix(r.URL.Path, path) {
			return true
		}
	}
	return false
}

func (se *SubscriptionEnforcer) extractUserID(r *http.Request) string {
	// Routes carry the user as /user/{userId} path segments.
	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (se *SubscriptionEnforcer) getUserPlan(userID string) (string, error) {
	var planID string
	err := se.DB.QueryRow(`
		SELECT COALESCE(plan_id, 'free')
		FROM public.subscriptions
		WHERE user_id = $1 AND status = 'active'
	`, userID).Scan(&planID)
	if err == sql.ErrNoRows {
		return "free", nil
	}
	return planID, err
}

func (se *SubscriptionEnforcer) checkLimits(r *http.Request, userID, planID string) bool {
	limits, ok := se.Limits[planID]
	if !ok {
		limits = se.Limits["free"]
	}

	// New social account connections count against the plan ceiling. Reconnects
	// of an existing account upsert in place and never add a row, so counting
	// rows is accurate.
	if strings.HasPrefix(r.URL.Path, "/api/oauth/") && strings.Contains(r.URL.Path, "/start/") {
		if limits.SocialAccounts >= 0 {
			var count int
			if err := se.DB.QueryRow(`
				SELECT COUNT(*) FROM public.social_accounts WHERE user_id = $1
			`, userID).Scan(&count); err == nil && count >= limits.SocialAccounts {
				return false
			}
		}
	}

	// Post creation is capped per calendar month.
	if strings.HasPrefix(r.URL.Path, "/api/posts/user/") && r.Method == http.MethodPost {
		if limits.PostsPerMonth >= 0 {
			now := time.Now()
			monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
			var count int
			if err := se.DB.QueryRow(`
				SELECT COUNT(*) FROM public.posts
				WHERE user_id = $1 AND created_at >= $2
			`, userID, monthStart).Scan(&count); err == nil && count >= limits.PostsPerMonth {
				return false
			}
		}
	}

	return true
}

func (se *SubscriptionEnforcer) respondLimitExceeded(w http.ResponseWriter, planID string) {
	limits, ok := se.Limits[planID]
	if !ok {
		limits = se.Limits["free"]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "subscription_limit_exceeded",
		"message":    "Your current plan has reached its limits",
		"plan":       planID,
		"limits":     limits,
		"upgradeUrl": "/account/billing",
	})
}
