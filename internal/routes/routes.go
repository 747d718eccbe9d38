package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/AnshRaj112/converse-backend/internal/handlers"
)

func SetupRoutes(r *chi.Mux, gateway *handlers.Gateway, api *handlers.ChatAPI) {
	// Realtime chat API (MongoDB history + Redis Pub/Sub)
	r.Get("/api/chat/history", api.History)
	r.Post("/api/chat/send", api.Send)
	r.Get("/api/chat/chats", api.Chats)

	// WebSocket endpoint for the realtime delivery gateway
	r.Get("/ws/chat", gateway.ServeWS)
}
