package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/leafguard/backend/docs"
	"github.com/leafguard/backend/internal/config"
	"github.com/leafguard/backend/internal/database"
	"github.com/leafguard/backend/internal/handlers"
	"github.com/leafguard/backend/internal/ml"
	mW "github.com/leafguard/backend/internal/middleware"
	"github.com/leafguard/backend/internal/services"
)

// @title LeafGuard Backend API
// @version 1.0
// @description Credit-metered crop disease scanning backend
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("auth.session_key", "AUTH_SESSION_KEY")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")

	viper.BindEnv("ml.classifier_endpoint", "ML_CLASSIFIER_ENDPOINT")
	viper.BindEnv("ml.classifier_api_key", "ML_CLASSIFIER_API_KEY")
	viper.BindEnv("ml.advisor_endpoint", "ML_ADVISOR_ENDPOINT")
	viper.BindEnv("ml.advisor_api_key", "ML_ADVISOR_API_KEY")
	viper.BindEnv("ml.advisor_model", "ML_ADVISOR_MODEL")

	viper.BindEnv("ledger.scan_cost", "LEDGER_SCAN_COST")
	viper.BindEnv("ledger.signup_bonus", "LEDGER_SIGNUP_BONUS")
	viper.BindEnv("ledger.reservation_ttl", "LEDGER_RESERVATION_TTL")
	viper.BindEnv("ledger.sweep_interval", "LEDGER_SWEEP_INTERVAL")
	viper.BindEnv("ledger.share_base_url", "LEDGER_SHARE_BASE_URL")

	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "LeafGuard Backend API"
	docs.SwaggerInfo.Description = "Credit-metered crop disease scanning backend"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize infrastructure
	db := database.InitDatabase()
	defer db.Close()

	if err := database.RunMigrations(context.Background(), db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerCfg := config.LoadLedgerConfig()
	mlCfg := config.LoadMLConfig()

	classifier := ml.NewHTTPClassifier(mlCfg.ClassifierEndpoint, mlCfg.ClassifierAPIKey, mlCfg.ClassifierTimeout)
	advisor := ml.NewHTTPAdvisor(mlCfg.AdvisorEndpoint, mlCfg.AdvisorAPIKey, mlCfg.AdvisorModel, mlCfg.AdvisorTimeout)

	// Ledger core
	store := services.NewBalanceStore(db)
	reservationService := services.NewReservationService(db, store, ledgerCfg.ReservationTTL, ledgerCfg.ReserveRetries)
	settlementService := services.NewSettlementService(db, store, reservationService)
	topUpService := services.NewTopUpService(db, store, redisClient, ledgerCfg.TopUpRetries)
	accountService := services.NewAccountService(db, store, topUpService, ledgerCfg.SignupBonus)

	// Application services
	scanService := services.NewScanService(db, redisClient, reservationService, settlementService, classifier, advisor, ledgerCfg.ScanCost)
	teamService := services.NewTeamService(db, services.NewProcPermissionChecker(db))
	shareService := services.NewShareService(db, redisClient, ledgerCfg.ShareBaseURL, ledgerCfg.ShareTTL)
	catalogService := services.NewCatalogService()
	shareHandler := handlers.NewShareHandler(shareService)
	webhookHandler := handlers.NewWebhookHandler(topUpService)

	// Reclaim reservations stranded by crashed callers
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	settlementService.StartSweeper(sweepCtx, ledgerCfg.SweepInterval)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for crop reference images
	r.Handle("/static/crop-images/*", http.StripPrefix("/static/crop-images/",
		mW.StaticFileServer("./static/crop-images")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Get("/crops", catalogService.GetSupportedCrops)
		r.Post("/webhooks/payment", webhookHandler.HandlePaymentCaptured)
		r.Get("/shares/{code}", shareHandler.ResolveShare)

		// Protected endpoints (session token or shared API key)
		r.Group(func(r chi.Router) {
			r.Use(mW.APIKeyOrSession(teamService))

			r.Post("/accounts/ensure", accountService.Onboard)
			r.Get("/accounts/balance", accountService.BalanceEnquiry)
			r.Get("/accounts/ledger", accountService.LedgerHistory)
			r.Get("/accounts/top-ups", accountService.TopUpHistory)
			r.Get("/accounts/reconcile", accountService.Reconcile)

			r.Get("/scans", scanService.ListScans)
			r.Post("/scans", scanService.CreateScan)
			r.Get("/scans/{scanId}", scanService.GetScan)
			r.Delete("/scans/{scanId}", scanService.DeleteScan)

			r.Post("/shares", shareHandler.CreateShare)
			r.Delete("/shares/{code}", shareHandler.RevokeShare)

			r.Post("/teams", teamService.CreateTeam)
			r.Post("/teams/{teamId}/members", teamService.AddMember)
			r.Delete("/teams/{teamId}/members/{accountId}", teamService.RemoveMember)
			r.Post("/teams/{teamId}/keys", teamService.CreateAPIKey)
			r.Delete("/teams/{teamId}/keys/{keyId}", teamService.RevokeAPIKey)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // scans wait on the inference call
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
