package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	log.Println("App environment:", env)

	maxRequests := parseEnvInt("RATE_LIMIT_MAX_REQUESTS", 100)
	windowSeconds := parseEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	initialBalance := parseEnvInt("LEDGER_INITIAL_BALANCE", 1000)
	allowedOrigin := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGIN"))
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	log.Printf("Rate limit: %d requests per %ds window", maxRequests, windowSeconds)

	// Database
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal("failed to open database:", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatal("failed to ping database:", err)
	}
	log.Println("Connected to PostgreSQL")

	if err := ensureSchema(db); err != nil {
		log.Fatal("Failed to ensure schema:", err)
	}

	// Core components
	clock := quartz.NewReal()
	store := newPostgresStore(db)
	limiter := newRateLimiter(maxRequests, time.Duration(windowSeconds)*time.Second, clock)
	limiter.startReaper(context.Background())
	coordinator := NewProgressCoordinator(store, clock)
	registry := newLedgerRegistry(int64(initialBalance), clock, store)
	verifier := newSessionVerifier(db)
	replies := NewReplyFallback()

	// HTTP server
	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(db)).Methods(http.MethodGet)

	api := router.PathPrefix("/").Subrouter()
	attachAdmissionChain(api, limiter, verifier)
	registerRoutes(api, coordinator, registry, store, replies, clock)

	handler := corsMiddleware(allowedOrigin)(router)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	addr := "0.0.0.0:" + port
	log.Println("Listening on", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatal("server failed:", err)
	}
}

func registerRoutes(
	api *mux.Router,
	coordinator *ProgressCoordinator,
	registry *ledgerRegistry,
	store *postgresStore,
	replies *ReplyFallback,
	clock quartz.Clock,
) {
	api.HandleFunc("/progress/update", updateProgressHandler(coordinator)).Methods(http.MethodPost)
	api.HandleFunc("/progress/achievements", unlockAchievementHandler(coordinator)).Methods(http.MethodPost)
	api.HandleFunc("/progress/milestones", unlockMilestoneHandler(coordinator)).Methods(http.MethodPost)
	api.HandleFunc("/progress/memories", saveMemoryHandler(coordinator)).Methods(http.MethodPost)
	api.HandleFunc("/leaderboard", leaderboardHandler(store)).Methods(http.MethodGet)
	api.HandleFunc("/ledger/credit", creditHandler(registry)).Methods(http.MethodPost)
	api.HandleFunc("/ledger/spend", spendHandler(registry)).Methods(http.MethodPost)
	api.HandleFunc("/ledger/summary", ledgerSummaryHandler(registry, clock)).Methods(http.MethodGet)
	api.HandleFunc("/reply", replyHandler(replies)).Methods(http.MethodPost)
}

func parseEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
