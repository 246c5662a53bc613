package routes

import (
	"github.com/AnshRaj112/serenify-sync/internal/handlers"
	"github.com/go-chi/chi/v5"
)

func SetupRoutes(r *chi.Mux) {
	// Sync routes
	r.Post("/api/sync/batch", handlers.SyncBatch)
	r.Get("/api/sync/record", handlers.GetRecord)
	r.Get("/api/sync/records", handlers.GetRecords)
}
