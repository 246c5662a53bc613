package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/joho/godotenv"

	"github.com/AnshRaj112/serenify-sync/internal/authority"
	"github.com/AnshRaj112/serenify-sync/internal/config"
	"github.com/AnshRaj112/serenify-sync/internal/database"
	"github.com/AnshRaj112/serenify-sync/internal/handlers"
	"github.com/AnshRaj112/serenify-sync/internal/middleware"
	"github.com/AnshRaj112/serenify-sync/internal/routes"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

func main() {
	// Load env
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}
	// Load configuration
	cfg := config.Load()

	// Connect to MongoDB. Without it the server falls back to an
	// in-memory store, which is fine for development but loses
	// everything on restart.
	var store authority.RecordStore
	if cfg.MongoURI != "" {
		// Mask password in log for security
		maskedURI := cfg.MongoURI
		if strings.Contains(maskedURI, "@") {
			parts := strings.Split(maskedURI, "@")
			if len(parts) > 0 && strings.Contains(parts[0], ":") {
				userPass := strings.Split(parts[0], ":")
				if len(userPass) >= 3 {
					maskedURI = strings.Replace(maskedURI, userPass[2], "***", 1)
				}
			}
		}
		log.Printf("Connecting to MongoDB: %s", maskedURI)

		if err := database.Connect(cfg.MongoURI); err != nil {
			log.Fatal("Failed to connect to MongoDB:", err)
		}
		defer database.Disconnect()

		mongoStore := authority.NewMongoStore(database.DB)
		if err := mongoStore.EnsureIndexes(context.Background()); err != nil {
			log.Printf("⚠️  WARNING: failed to ensure MongoDB indexes: %v", err)
		} else {
			log.Println("✅ MongoDB indexes ensured")
		}
		store = mongoStore
	} else {
		log.Println("⚠️  WARNING: MONGODB_URI not set. Using in-memory record store; records will not survive restarts.")
		store = authority.NewMemStore()
	}

	// Connect to PostgreSQL for the audit trail. Optional: without it
	// batches still process, just without an audit record.
	var audit *authority.AuditLog
	if cfg.PostgresURI != "" {
		log.Printf("Connecting to PostgreSQL...")
		if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
			log.Fatal("Failed to connect to PostgreSQL:", err)
		}
		defer database.DisconnectPostgres()

		audit, err = authority.NewAuditLog(database.PostgresDB)
		if err != nil {
			log.Fatal("Failed to initialize audit log:", err)
		}
		log.Println("✅ Sync audit log initialized")
	} else {
		log.Println("⚠️  WARNING: POSTGRES_URI not set. Sync audit trail disabled.")
	}

	// Connect to Redis for rate limiting. Optional: without it the
	// batch endpoint is unthrottled.
	if cfg.RedisURI != "" {
		log.Printf("Connecting to Redis...")
		if err := database.ConnectRedis(cfg.RedisURI); err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer database.DisconnectRedis()
	} else {
		log.Println("⚠️  WARNING: REDIS_URI not set. Batch rate limiting disabled.")
	}

	processor := authority.NewProcessor(store, audit, nil)
	handlers.InitSync(processor, store)

	// Setup router
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Device-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.BatchRateLimit(database.RedisClient))

	// Health check (no rate limit)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// Setup routes
	routes.SetupRoutes(r)

	// Log registered routes for debugging
	log.Println("📋 Registered routes:")
	log.Println("  GET  /health")
	log.Println("  POST /api/sync/batch")
	log.Println("  GET  /api/sync/record")
	log.Println("  GET  /api/sync/records")

	log.Printf("🚀 Serenify sync server running on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
