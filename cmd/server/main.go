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

	"github.com/captionhub/backend/internal/audit"
	"github.com/captionhub/backend/internal/config"
	"github.com/captionhub/backend/internal/database"
	"github.com/captionhub/backend/internal/handlers"
	mW "github.com/captionhub/backend/internal/middleware"
	"github.com/captionhub/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

// requestTimeout bounds each handler; the server's WriteTimeout leaves room
// for chi's 503 to be written once it fires.
const requestTimeout = 15 * time.Second

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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("credits.base_rate", "CREDITS_BASE_RATE")
	viper.BindEnv("credits.translation_rate", "CREDITS_TRANSLATION_RATE")
	viper.BindEnv("credits.reservation_ttl", "CREDITS_RESERVATION_TTL")
	viper.BindEnv("credits.sweep_interval", "CREDITS_SWEEP_INTERVAL")
	viper.BindEnv("credits.sweep_batch_size", "CREDITS_SWEEP_BATCH_SIZE")
	viper.BindEnv("credits.guard", "CREDITS_GUARD")
	viper.BindEnv("credits.history_default_limit", "CREDITS_HISTORY_DEFAULT_LIMIT")
	viper.BindEnv("credits.history_max_limit", "CREDITS_HISTORY_MAX_LIMIT")
	viper.BindEnv("credits.internal_token", "CREDITS_INTERNAL_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	creditsConfig := config.LoadCreditsConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize services
	db, err := database.InitDB(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	var guard services.IdempotencyGuard
	if creditsConfig.Guard == config.GuardRedis {
		if redisClient := database.InitRedis(ctx); redisClient != nil {
			defer redisClient.Close()
			guard = services.NewRedisIdempotencyGuard(redisClient)
		}
	}
	if guard == nil {
		log.Println("Using in-process idempotency guard")
		guard = services.NewMemoryIdempotencyGuard()
	}

	store := database.NewPostgresLedgerStore(db)
	creditService := services.NewCreditService(store, guard, creditsConfig, audit.NewAuditLogger())
	creditHandler := handlers.NewCreditHandler(creditService)

	sweeper := services.NewExpirySweeper(creditService, creditsConfig)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(ctx)
	}()

	if creditsConfig.InternalToken == "" {
		log.Println("Warning: credits.internal_token is empty, settlement endpoints are unprotected")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(mW.Metrics)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.DeviceIDHeader, mW.InternalTokenHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/credits", creditHandler.Routes(creditsConfig.InternalToken))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := newServer(":"+port, r)

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	<-sweeperDone

	log.Println("Server stopped")
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
