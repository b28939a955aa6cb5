package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/sync"
)

// Handler exposes the engine to the desktop application over HTTP.
type Handler struct {
	orchestrator *sync.Orchestrator
}

func NewHandler(orchestrator *sync.Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/mutations", h.EnqueueMutation)

		r.Post("/sync/full", h.TriggerFullSync)
		r.Post("/sync/delta", h.TriggerDeltaSync)
		r.Get("/sync/status", h.GetSyncStatus)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/backups", h.ListBackups)
		r.Post("/backups/{id}/restore", h.RestoreBackup)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// EnqueueMutation records a local create/update/delete and marks it dirty for
// the next push. It returns as soon as the local write lands.
func (h *Handler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Table     string          `json:"table"`
		Operation string          `json:"operation"`
		Payload   json.RawMessage `json:"payload"`
		LocalID   string          `json:"local_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	localID, err := h.orchestrator.EnqueueMutation(r.Context(), body.Table, sync.Operation(body.Operation), body.Payload, body.LocalID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"local_id": localID})
}

// TriggerFullSync starts a full cycle in the background. The caller gets an
// immediate answer; progress is observable through the status endpoint.
func (h *Handler) TriggerFullSync(w http.ResponseWriter, r *http.Request) {
	status := h.orchestrator.GetStatus(r.Context())
	if status.State == sync.StateSyncing {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_syncing"})
		return
	}

	go func() {
		if _, err := h.orchestrator.FullSync(); err != nil && !errors.Is(err, sync.ErrAlreadySyncing) {
			logger.Log.Warn("Full sync failed", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) TriggerDeltaSync(w http.ResponseWriter, r *http.Request) {
	var tables []string
	if t := r.URL.Query().Get("table"); t != "" {
		tables = append(tables, t)
	}

	go func() {
		if _, err := h.orchestrator.DeltaCycle(tables...); err != nil && !errors.Is(err, sync.ErrAlreadySyncing) {
			logger.Log.Warn("Delta sync failed", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.GetStatus(r.Context()))
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	conflicts, err := h.orchestrator.ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Strategy string          `json:"strategy"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := h.orchestrator.ResolveConflict(r.Context(), id, body.Strategy, body.Data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.orchestrator.ListBackups(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid backup id", http.StatusBadRequest)
		return
	}

	if err := h.orchestrator.RestoreBackup(r.Context(), id); err != nil {
		if errors.Is(err, sync.ErrAlreadySyncing) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "already_syncing"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to encode response", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}
