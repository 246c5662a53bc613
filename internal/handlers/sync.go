package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/AnshRaj112/serenify-sync/internal/authority"
	"github.com/AnshRaj112/serenify-sync/internal/models"
)

var syncProcessor *authority.Processor
var recordStore authority.RecordStore

// InitSync wires the batch processor and record store into the handlers.
// Must be called before the routes are mounted.
func InitSync(processor *authority.Processor, store authority.RecordStore) {
	syncProcessor = processor
	recordStore = store
}

// GetRecordResponse represents the response for fetching a single record
type GetRecordResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Record  *models.Payload `json:"record,omitempty"`
}

// GetRecordsResponse represents the response for listing records
type GetRecordsResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Records []models.Payload `json:"records"`
	Total   int              `json:"total"`
}

// SyncBatch handles a batch of queued actions from a device. The response
// body is the bare batch result so offline agents can decode it directly.
func SyncBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "Invalid request body",
		})
		return
	}

	if req.DeviceID == "" {
		req.DeviceID = r.Header.Get("X-Device-ID")
	}
	if req.DeviceID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "Device ID is required",
		})
		return
	}

	if len(req.Actions) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(models.BatchResponse{
			Synced:    []string{},
			Failed:    []models.BatchFailure{},
			Conflicts: []models.BatchConflict{},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	resp := syncProcessor.ProcessBatch(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// GetRecord handles fetching the authoritative copy of a single record.
// Devices call this to replace stale local copies after a conflict.
func GetRecord(w http.ResponseWriter, r *http.Request) {
	entityType := models.EntityType(r.URL.Query().Get("type"))
	recordID := r.URL.Query().Get("id")

	if !entityType.Valid() || recordID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(GetRecordResponse{
			Success: false,
			Message: "Valid type and id are required",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	record, err := recordStore.Get(ctx, entityType, recordID)
	if err != nil {
		if errors.Is(err, authority.ErrNotFound) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(GetRecordResponse{
				Success: false,
				Message: "Record not found",
			})
			return
		}
		log.Printf("⚠️ Failed to fetch record %s/%s: %v", entityType, recordID, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(GetRecordResponse{
			Success: false,
			Message: "Failed to fetch record",
		})
		return
	}

	payload := models.NewPayload(record)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GetRecordResponse{
		Success: true,
		Record:  &payload,
	})
}

// GetRecords handles listing records of one type, newest first.
func GetRecords(w http.ResponseWriter, r *http.Request) {
	entityType := models.EntityType(r.URL.Query().Get("type"))
	if !entityType.Valid() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(GetRecordsResponse{
			Success: false,
			Message: "Valid type is required",
			Records: []models.Payload{},
		})
		return
	}

	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	records, err := recordStore.List(ctx, entityType, deviceID, limit)
	if err != nil {
		log.Printf("⚠️ Failed to list %s records: %v", entityType, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(GetRecordsResponse{
			Success: false,
			Message: "Failed to fetch records",
			Records: []models.Payload{},
		})
		return
	}

	payloads := make([]models.Payload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, models.NewPayload(record))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GetRecordsResponse{
		Success: true,
		Records: payloads,
		Total:   len(payloads),
	})
}
