package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/AnshRaj112/converse-backend/internal/config"
	"github.com/AnshRaj112/converse-backend/internal/database"
	"github.com/AnshRaj112/converse-backend/internal/handlers"
	"github.com/AnshRaj112/converse-backend/internal/middleware"
	"github.com/AnshRaj112/converse-backend/internal/routes"
	"github.com/AnshRaj112/converse-backend/internal/services"
	"github.com/AnshRaj112/converse-backend/pkg/auth"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	if cfg.JWTSecret == "your-secret-key-change-in-production" && cfg.IsProduction() {
		log.Println("⚠️  WARNING: JWT_SECRET is the default value in production.")
	}

	// Connect to Redis (presence registry + event bus + cache)
	log.Printf("Connecting to Redis...")
	if err := database.ConnectRedis(cfg.RedisURI); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer database.DisconnectRedis()

	// Connect to MongoDB (document store for chats and messages)
	log.Printf("Connecting to MongoDB...")
	if err := database.Connect(cfg.MongoURI); err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer database.Disconnect()

	store := services.NewMongoChatStore(database.DB)
	if err := store.EnsureChatIndexes(context.Background()); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure MongoDB chat indexes: %v", err)
	} else {
		log.Println("✅ MongoDB chat indexes ensured")
	}

	// Wire the delivery core. All cross-instance state lives in Redis and
	// Mongo; the hub only tracks this instance's sockets.
	hub := services.NewHub()
	bridge := services.NewBridge(database.RedisClient, hub)
	presence := services.NewPresence(services.NewRedisKV(database.RedisClient), cfg.PresenceTTL)
	cache := services.NewRecentCache(database.RedisClient)
	ledger := services.NewLedger(store, bridge)
	notifier := services.LogNotifier{}
	delivery := services.NewDelivery(store, presence, ledger, bridge, notifier, cache)
	reconciler := services.NewReconciler(store, bridge)
	calls := services.NewCallRelay(store, presence, bridge)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	bridge.StartSubscriber(context.Background())

	gateway := handlers.NewGateway(verifier, hub, presence, delivery, ledger, reconciler, calls, bridge)
	api := handlers.NewChatAPI(verifier, store, cache, delivery, reconciler)

	// Setup router
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	routes.SetupRoutes(r, gateway, api)

	log.Println("📋 Registered routes:")
	log.Println("  GET  /health")
	log.Println("  GET  /api/chat/history")
	log.Println("  POST /api/chat/send")
	log.Println("  GET  /api/chat/chats")
	log.Println("  GET  /ws/chat")

	log.Printf("🚀 Converse gateway %s running on :%s", cfg.GatewayID, cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
