package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/reportoor/pkg/server/store"
	"github.com/go-chi/chi/v5"
)

const uuidBytes = 16

type errorResponse struct {
	Error string `json:"error"`
}

type idResponse struct {
	ID string `json:"id"`
}

type startLaunchRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Mode        string   `json:"mode"`
	StartTime   int64    `json:"start_time"`
}

type finishRequest struct {
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}

type startItemRequest struct {
	LaunchID  string   `json:"launch_id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Path      string   `json:"path"`
	Tags      []string `json:"tags"`
	StartTime int64    `json:"start_time"`
}

type logEntryRequest struct {
	ItemID  string `json:"item_id"`
	Time    int64  `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// handleHealth reports liveness.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartLaunch creates a new running launch.
func (s *server) handleStartLaunch(w http.ResponseWriter, r *http.Request) {
	var req startLaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"launch name is required"})

		return
	}

	uuid, err := generateUUID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"generating identifier"})

		return
	}

	launch := &store.Launch{
		UUID:        uuid,
		Project:     chi.URLParam(r, "project"),
		Name:        req.Name,
		Description: req.Description,
		Tags:        strings.Join(req.Tags, ","),
		Mode:        req.Mode,
		Status:      store.StatusRunning,
		StartTime:   time.UnixMilli(req.StartTime),
	}

	if err := s.store.CreateLaunch(r.Context(), launch); err != nil {
		s.log.WithError(err).Error("Failed to create launch")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"creating launch"})

		return
	}

	writeJSON(w, http.StatusCreated, idResponse{ID: uuid})
}

// handleGetLaunch returns one launch by UUID.
func (s *server) handleGetLaunch(w http.ResponseWriter, r *http.Request) {
	launch, err := s.store.GetLaunch(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"launch not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get launch")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting launch"})

		return
	}

	writeJSON(w, http.StatusOK, launch)
}

// handleFinishLaunch marks a launch finished.
func (s *server) handleFinishLaunch(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	err := s.store.FinishLaunch(r.Context(), chi.URLParam(r, "uuid"), req.Status, time.UnixMilli(req.EndTime))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"launch not found"})

			return
		}

		s.log.WithError(err).Error("Failed to finish launch")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"finishing launch"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// handleStartItem creates a suite or test item, optionally under a
// parent item.
func (s *server) handleStartItem(w http.ResponseWriter, r *http.Request) {
	var req startItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.LaunchID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"launch_id and name are required"})

		return
	}

	if _, err := s.store.GetLaunch(r.Context(), req.LaunchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"launch not found"})

			return
		}

		s.log.WithError(err).Error("Failed to resolve launch")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"resolving launch"})

		return
	}

	uuid, err := generateUUID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"generating identifier"})

		return
	}

	item := &store.Item{
		UUID:       uuid,
		LaunchUUID: req.LaunchID,
		ParentUUID: chi.URLParam(r, "parent"),
		Name:       req.Name,
		Kind:       req.Kind,
		Path:       req.Path,
		Tags:       strings.Join(req.Tags, ","),
		Status:     store.StatusRunning,
		StartTime:  time.UnixMilli(req.StartTime),
	}

	if err := s.store.CreateItem(r.Context(), item); err != nil {
		s.log.WithError(err).Error("Failed to create item")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"creating item"})

		return
	}

	writeJSON(w, http.StatusCreated, idResponse{ID: uuid})
}

// handleFindItem looks an item up by hierarchy path within a launch.
// Followers use it to discover suites already started elsewhere.
func (s *server) handleFindItem(w http.ResponseWriter, r *http.Request) {
	launchUUID := r.URL.Query().Get("launch")
	path := r.URL.Query().Get("path")

	if launchUUID == "" || path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"launch and path are required"})

		return
	}

	item, err := s.store.FindItemByPath(r.Context(), launchUUID, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"item not found"})

			return
		}

		s.log.WithError(err).Error("Failed to find item")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"finding item"})

		return
	}

	writeJSON(w, http.StatusOK, idResponse{ID: item.UUID})
}

// handleFinishItem marks an item finished.
func (s *server) handleFinishItem(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	err := s.store.FinishItem(r.Context(), chi.URLParam(r, "uuid"), req.Status, time.UnixMilli(req.EndTime))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"item not found"})

			return
		}

		s.log.WithError(err).Error("Failed to finish item")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"finishing item"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// handleLogBatch inserts a batch of log entries. The whole batch
// belongs to a single item.
func (s *server) handleLogBatch(w http.ResponseWriter, r *http.Request) {
	var batch []logEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if len(batch) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"inserted": 0})

		return
	}

	itemUUID := batch[0].ItemID

	item, err := s.store.GetItem(r.Context(), itemUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"item not found"})

			return
		}

		s.log.WithError(err).Error("Failed to resolve log item")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"resolving item"})

		return
	}

	entries := make([]store.LogEntry, 0, len(batch))

	for _, e := range batch {
		if e.ItemID != itemUUID {
			writeJSON(w, http.StatusBadRequest, errorResponse{"batch mixes records from multiple items"})

			return
		}

		entries = append(entries, store.LogEntry{
			ItemUUID:   e.ItemID,
			LaunchUUID: item.LaunchUUID,
			Level:      e.Level,
			Message:    e.Message,
			Time:       time.UnixMilli(e.Time),
		})
	}

	if err := s.store.InsertLogs(r.Context(), entries); err != nil {
		s.log.WithError(err).Error("Failed to insert logs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"inserting logs"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"inserted": len(entries)})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// generateUUID creates a random hex identifier.
func generateUUID() (string, error) {
	b := make([]byte, uuidBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}
