package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/AnshRaj112/serenify-sync/internal/config"
	"github.com/AnshRaj112/serenify-sync/internal/localstore"
	"github.com/AnshRaj112/serenify-sync/internal/models"
	"github.com/AnshRaj112/serenify-sync/internal/outbox"
	"github.com/AnshRaj112/serenify-sync/internal/sync"
)

// The agent is the device-side half: it owns the local store and the
// outbox, and flushes queued mutations to the sync server on a timer.

func main() {
	// Load env
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory:", err)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = loadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			log.Fatal("Failed to establish device identity:", err)
		}
	}
	log.Printf("Device ID: %s", deviceID)

	store, err := localstore.Open(filepath.Join(cfg.DataDir, "records.db"))
	if err != nil {
		log.Fatal("Failed to open local store:", err)
	}
	defer store.Close()
	log.Println("✅ Local store opened")

	queue, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		log.Fatal("Failed to open outbox:", err)
	}
	defer queue.Close()
	log.Println("✅ Outbox opened")

	transport := sync.NewHTTPTransport(cfg.SyncServerURL, &http.Client{Timeout: cfg.FlushTimeout})

	coordinator, err := sync.NewCoordinator(sync.Config{
		Store:        store,
		Outbox:       queue,
		Transport:    transport,
		DeviceID:     deviceID,
		BatchSize:    cfg.SyncBatchSize,
		MaxAttempts:  cfg.SyncMaxAttempts,
		FlushTimeout: cfg.FlushTimeout,
	})
	if err != nil {
		log.Fatal("Failed to build coordinator:", err)
	}

	coordinator.OnDeadLetter(func(action models.QueuedAction) {
		log.Printf("⚠️  Action %s (%s %s %s) gave up after %d attempts: %s",
			action.ActionID, action.Operation, action.EntityType, action.EntityID,
			action.Attempts, action.LastError)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One immediate flush so a restart drains whatever the previous run
	// left behind, then the ticker takes over.
	if report, err := coordinator.Flush(ctx); err != nil {
		log.Printf("⚠️  Startup flush failed: %v", err)
	} else if report.Attempted > 0 {
		log.Printf("Startup flush: %d synced, %d failed, %d conflicted",
			len(report.Synced), len(report.Failed), len(report.Conflicted))
	}

	log.Printf("🚀 Sync agent running, flushing every %s to %s", cfg.FlushInterval, cfg.SyncServerURL)
	if err := coordinator.Run(ctx, cfg.FlushInterval); err != nil && ctx.Err() == nil {
		log.Fatal("Sync loop stopped:", err)
	}
	log.Println("Sync agent shutting down")
}

// loadOrCreateDeviceID keeps the device identity stable across restarts.
// Losing it would orphan every record this device owns.
func loadOrCreateDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
