package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/lumeolabs/marketing-ops/backend/internal/handlers"
	"github.com/lumeolabs/marketing-ops/backend/internal/middleware"
	"github.com/lumeolabs/marketing-ops/backend/internal/workers"
)

func main() {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = "postgres://localhost/marketing_ops?sslmode=disable"
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance(migrationsSource(), "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	cfg := configFromEnv()
	handler := handlers.New(db, cfg)

	router := mux.NewRouter()
	registerRoutes(handler, router)

	enforcer := middleware.NewSubscriptionEnforcer(db)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Automation-Secret", "X-Internal-WS-Secret"},
		AllowCredentials: true,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}
	server := &http.Server{
		Addr:    ":" + port,
		Handler: corsHandler.Handler(enforcer.Middleware(router)),
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if os.Getenv("DISABLE_WORKERS") != "true" {
		go (&workers.PublishingReaper{DB: db}).Start(workerCtx)
		go (&workers.NotificationCleanupWorker{DB: db}).Start(workerCtx)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-done
	log.Println("Server shutting down...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func configFromEnv() handlers.Config {
	cfg := handlers.Config{
		AutomationWebhookURL: os.Getenv("AUTOMATION_WEBHOOK_URL"),
		AutomationSecret:     os.Getenv("AUTOMATION_SECRET"),
		CallbackSecret:       os.Getenv("AUTOMATION_CALLBACK_SECRET"),
		MetaAppID:            os.Getenv("META_APP_ID"),
		MetaAppSecret:        os.Getenv("META_APP_SECRET"),
		MetaAPIVersion:       os.Getenv("META_API_VERSION"),
		OAuthStateSecret:     os.Getenv("OAUTH_STATE_SECRET"),
		OAuthRedirectURL:     os.Getenv("OAUTH_REDIRECT_URL"),
		IntegrationsURL:      os.Getenv("INTEGRATIONS_URL"),
		InternalWSSecret:     os.Getenv("INTERNAL_WS_SECRET"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
	}

	if tz := os.Getenv("QUOTA_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Fatalf("Invalid QUOTA_TIMEZONE %q: %v", tz, err)
		}
		cfg.QuotaLocation = loc
	}
	return cfg
}

func migrationsSource() string {
	if src := os.Getenv("MIGRATIONS_SOURCE"); src != "" {
		return src
	}
	return "file://db/migrations"
}

func allowedOrigins() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func registerRoutes(h *handlers.Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Users and teams
	r.HandleFunc("/api/users", h.CreateUser).Methods("POST")
	r.HandleFunc("/api/users/{id}", h.GetUser).Methods("GET")
	r.HandleFunc("/api/teams", h.CreateTeam).Methods("POST")
	r.HandleFunc("/api/teams/{id}", h.GetTeam).Methods("GET")
	r.HandleFunc("/api/teams/{id}/members", h.ListTeamMembers).Methods("GET")
	r.HandleFunc("/api/teams/{id}/members", h.AddTeamMember).Methods("POST")
	r.HandleFunc("/api/teams/user/{userId}", h.GetUserTeams).Methods("GET")

	// Assistant quota
	r.HandleFunc("/api/assistant/quota/user/{userId}", h.GetAssistantQuota).Methods("GET")
	r.HandleFunc("/api/assistant/consume/user/{userId}", h.ConsumeAssistantCredit).Methods("POST")

	// Approvals
	r.HandleFunc("/api/approvals/user/{userId}", h.RequestApprovalForUser).Methods("POST")
	r.HandleFunc("/api/approvals/{id}/decision/user/{userId}", h.DecideApprovalForUser).Methods("POST")
	r.HandleFunc("/api/approvals/team/{teamId}", h.ListApprovalsForTeam).Methods("GET")

	// Social accounts and publishing
	r.HandleFunc("/api/social-accounts/user/{userId}", h.ListSocialAccountsForUser).Methods("GET")
	r.HandleFunc("/api/social-targets/user/{userId}", h.ListSocialTargetsForUser).Methods("GET")
	r.HandleFunc("/api/posts/user/{userId}", h.CreatePostForUser).Methods("POST")
	r.HandleFunc("/api/posts/user/{userId}", h.ListPostsForUser).Methods("GET")
	r.HandleFunc("/api/posts/{postId}/schedule/user/{userId}", h.SchedulePostForUser).Methods("POST")
	r.HandleFunc("/api/social-posts/post/{postId}/user/{userId}", h.ListSocialPostsForPost).Methods("GET")
	r.HandleFunc("/callback/automation/social-posts", h.AutomationSocialPostCallback).Methods("POST")

	// Meta OAuth
	r.HandleFunc("/api/oauth/meta/start/user/{userId}", h.StartMetaOAuth).Methods("GET")
	r.HandleFunc("/oauth/meta/callback", h.MetaOAuthCallback).Methods("GET")

	// Notifications
	r.HandleFunc("/api/notifications/user/{userId}", h.ListNotificationsForUser).Methods("GET")
	r.HandleFunc("/api/notifications/{id}/read/user/{userId}", h.MarkNotificationReadForUser).Methods("POST")

	// Realtime
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
	r.HandleFunc("/api/events/ping", h.EventsPing).Methods("GET")

	handlers.RegisterBillingRoutes(h, r)
}
