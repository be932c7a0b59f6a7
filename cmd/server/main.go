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

	"github.com/clubpoints/backend/internal/config"
	"github.com/clubpoints/backend/internal/database"
	"github.com/clubpoints/backend/internal/handlers"
	mW "github.com/clubpoints/backend/internal/middleware"
	"github.com/clubpoints/backend/internal/provider"
	"github.com/clubpoints/backend/internal/services"
)

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

	viper.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	viper.BindEnv("provider.api_key", "PROVIDER_API_KEY")
	viper.BindEnv("provider.timeout", "PROVIDER_TIMEOUT")

	viper.BindEnv("sync.max_attempts", "SYNC_MAX_ATTEMPTS")
	viper.BindEnv("sync.base_delay", "SYNC_BASE_DELAY")
	viper.BindEnv("sync.settle_delay", "SYNC_SETTLE_DELAY")
	viper.BindEnv("sync.attempt_timeout", "SYNC_ATTEMPT_TIMEOUT")
	viper.BindEnv("reconcile.batch_size", "RECONCILE_BATCH_SIZE")
	viper.BindEnv("lock.ttl", "LOCK_TTL")
	viper.BindEnv("lock.wait", "LOCK_WAIT")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize engine
	engineCfg := config.LoadEngineConfig()
	providerClient := provider.NewHTTPClient(config.LoadProviderConfig())

	locker := services.NewAccountLocker(redisClient, engineCfg.LockTTL, engineCfg.LockWait)
	ledger := services.NewLedgerStore(db)
	accounts := services.NewAccountService(db)
	syncService := services.NewSyncService(db, providerClient, engineCfg)
	rewardService := services.NewRewardService(db, ledger, accounts, syncService, locker)
	reconcileService := services.NewReconcileService(db, ledger, locker, engineCfg)
	mergeService := services.NewMergeService(db, ledger, accounts, locker)

	rewardHandler := handlers.NewRewardHandler(rewardService)
	accountHandler := handlers.NewAccountHandler(accounts, ledger)
	adminHandler := handlers.NewAdminHandler(reconcileService, mergeService, syncService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/rewards", rewardHandler.Award)

		r.Get("/accounts/{accountId}/balances", accountHandler.GetBalances)
		r.Get("/accounts/{accountId}/ledger", accountHandler.GetLedger)

		// Operator endpoints: repair paths that rewrite balances, always
		// authenticated and always audited.
		r.Group(func(r chi.Router) {
			r.Use(mW.OperatorAuth)

			r.Post("/admin/reconcile/{accountId}", adminHandler.ReconcileAccount)
			r.Post("/admin/reconcile", adminHandler.ReconcileAll)
			r.Get("/admin/duplicates", adminHandler.ScanDuplicates)
			r.Post("/admin/merge", adminHandler.Merge)
			r.Post("/admin/sync/reprocess", adminHandler.Reprocess)
			r.Get("/admin/sync/pending", adminHandler.PendingSyncs)
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
		WriteTimeout: 15 * time.Second,
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
