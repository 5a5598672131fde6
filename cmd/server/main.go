package main

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/teamloop/teamloop-backend/internal/config"
	"github.com/teamloop/teamloop-backend/internal/database"
	"github.com/teamloop/teamloop-backend/internal/handlers"
	"github.com/teamloop/teamloop-backend/internal/matrix"
	"github.com/teamloop/teamloop-backend/internal/middleware"
	"github.com/teamloop/teamloop-backend/internal/routes"
	"github.com/teamloop/teamloop-backend/internal/services"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	// Load configuration
	cfg := config.Load()

	// The chat subsystem cannot run without its remote settings and the
	// vault master key; fail at startup, not per request.
	if err := cfg.ValidateChat(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	// Connect to PostgreSQL
	log.Printf("Connecting to PostgreSQL...")
	if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}
	defer database.DisconnectPostgres()

	// Connect to Redis
	log.Printf("Connecting to Redis...")
	if err := database.ConnectRedis(cfg.RedisURI); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer database.DisconnectRedis()

	// Matrix admin client
	matrixClient, err := matrix.NewClient(matrix.Config{
		HomeserverURL: cfg.MatrixHomeserverURL,
		ServerName:    cfg.MatrixServerName,
		AdminToken:    cfg.MatrixAdminToken,
		SharedSecret:  cfg.MatrixSharedSecret,
		AdminUser:     cfg.MatrixAdminUser,
	})
	if err != nil {
		log.Fatal("Failed to create Matrix client: ", err)
	}

	// Credential vault
	vault, err := services.NewVault(cfg.ChatMasterKey)
	if err != nil {
		log.Fatal("Failed to create credential vault: ", err)
	}

	store := database.NewChatStore(database.PostgresDB)
	handlers.InitChatService(services.NewChatService(store, matrixClient, vault))
	log.Println("✅ Chat provisioning service initialized")

	// Setup router
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.IsProduction() {
		r.Use(middleware.SecurityHeaders)
		log.Println("✅ Production security headers enabled")
	}
	r.Use(middleware.RateLimitMiddleware)

	// Health check (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// Setup routes
	routes.SetupRoutes(r)

	log.Printf("🚀 Teamloop chat backend running on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
