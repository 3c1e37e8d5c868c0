package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/contestwatch/proctor-engine/internal/api"
	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/internal/source"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

const (
	dbConnectAttempts  = 5
	dbConnectBaseDelay = 2 * time.Second
	dbConnectMaxDelay  = 30 * time.Second
)

func main() {
	log.Println("Starting ContestWatch Proctor Engine...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbURL := requireEnv("DATABASE_URL")
	store := connectStore(dbURL)
	defer store.Close()

	auth := api.NewAuthenticator(api.AuthConfig{
		JWTSecret:         []byte(requireEnv("JWT_SECRET")),
		AdminUsername:     getEnvOrDefault("ADMIN_USERNAME", "admin"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
	})

	wsHub := api.NewHub()

	alerts := heuristics.NewAlertManager(func(alert models.Alert) {
		wsHub.BroadcastAlert(alert)
	})
	if webhookURL := os.Getenv("ALERT_WEBHOOK_URL"); webhookURL != "" {
		alerts.RegisterWebhook("default", webhookURL,
			getEnvOrDefault("ALERT_WEBHOOK_MIN_SEVERITY", models.AlertWarning), nil)
	}
	if smtpHost := os.Getenv("SMTP_HOST"); smtpHost != "" {
		alerts.ConfigureSMTP(heuristics.SMTPConfig{
			Host: smtpHost,
			Port: getEnvOrDefault("SMTP_PORT", "587"),
			From: requireEnv("SMTP_FROM"),
			To:   strings.Split(requireEnv("SMTP_TO"), ","),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repository monitoring only runs when a source-host token is present.
	var sourceHandlers *api.SourceHandlers
	if token := os.Getenv("SOURCE_TOKEN"); token != "" {
		remote := source.NewClient(os.Getenv("SOURCE_API_BASE"), token)
		scheduler := source.NewScheduler(
			store, remote,
			envFloat("SIMILARITY_THRESHOLD", 0),
			envInt("SYNC_INTERVAL_MIN", 0),
			wsHub.BroadcastSourceAnalysis,
			alerts.Emit,
		)
		go scheduler.Run(ctx)
		sourceHandlers = api.NewSourceHandlers(store, scheduler)
	} else {
		log.Println("SOURCE_TOKEN not set; repository monitoring disabled")
	}

	ingestor := api.NewIngestor(store, wsHub, alerts, api.NewIngestLimiter())
	r := api.SetupRouter(store, wsHub, auth, ingestor, alerts, sourceHandlers)

	port := getEnvOrDefault("PORT", "5330")
	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// connectStore retries the database connection with exponential backoff and
// exits when every attempt fails. The engine cannot run without its store.
func connectStore(dbURL string) db.Store {
	delay := dbConnectBaseDelay
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		store, err := db.Connect(dbURL)
		if err == nil {
			if err := store.InitSchema(); err != nil {
				log.Fatalf("FATAL: DB schema init failed: %v", err)
			}
			return store
		}
		log.Printf("Database connect attempt %d/%d failed: %v", attempt, dbConnectAttempts, err)
		if attempt < dbConnectAttempts {
			time.Sleep(delay)
			delay *= 2
			if delay > dbConnectMaxDelay {
				delay = dbConnectMaxDelay
			}
		}
	}
	log.Fatal("FATAL: Could not connect to PostgreSQL, giving up")
	return nil
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("Ignoring invalid %s=%q", key, val)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("Ignoring invalid %s=%q", key, val)
	}
	return fallback
}
