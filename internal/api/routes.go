package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pos-sync-client/internal/config"
	"pos-sync-client/internal/sync"
)

// Handler exposes the operator surface: sync triggers, outbox
// inspection, conflict resolution and storage management.
type Handler struct {
	cfg       config.ServerConfig
	manager   *sync.Manager
	service   *sync.Service
	outbox    *sync.Outbox
	conflicts *sync.Conflicts
	syncer    *sync.Syncer
	quota     *sync.Quota
	budget    config.QuotaConfig
}

func NewHandler(cfg config.ServerConfig, manager *sync.Manager, service *sync.Service, outbox *sync.Outbox, conflicts *sync.Conflicts, syncer *sync.Syncer, quota *sync.Quota, budget config.QuotaConfig) *Handler {
	return &Handler{
		cfg:       cfg,
		manager:   manager,
		service:   service,
		outbox:    outbox,
		conflicts: conflicts,
		syncer:    syncer,
		quota:     quota,
		budget:    budget,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/flush", h.TriggerFlush)
		r.Post("/sync/down", h.TriggerSyncDown)
		r.Get("/sync/status", h.GetSyncStatus)

		r.Get("/outbox", h.ListOutbox)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/collections/{name}", h.ListCollection)
		r.Get("/collections/{name}/snapshot", h.GetCachedSnapshot)

		r.Get("/storage/usage", h.GetUsage)
		r.Post("/storage/evict", h.Evict)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// TriggerFlush delegates to the manager rather than flushing inline:
// this endpoint may be hit from contexts without remote credentials.
func (h *Handler) TriggerFlush(w http.ResponseWriter, r *http.Request) {
	h.manager.RequestFlush()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (h *Handler) TriggerSyncDown(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncer.SyncDown(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sync.ErrOffline) || errors.Is(err, sync.ErrSyncInFlight) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": h.manager.Status()})
}

func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.outbox.ListPending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.conflicts.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Outcome string                      `json:"outcome"`
	Merge   map[string]sync.MergeChoice `json:"merge,omitempty"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := sync.ParseOutcome(req.Outcome)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.conflicts.Resolve(r.Context(), id, outcome, req.Merge); err != nil {
		status := http.StatusBadGateway
		var netErr *sync.NetworkError
		if !errors.As(err, &netErr) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "outcome": req.Outcome})
}

func (h *Handler) ListCollection(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.List(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) GetCachedSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := h.service.CachedSnapshot(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if body == nil {
		http.Error(w, "no cached snapshot", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.quota.EstimateUsage(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) Evict(w http.ResponseWriter, r *http.Request) {
	target := h.budget.BudgetBytes
	if q := r.URL.Query().Get("target_bytes"); q != "" {
		t, err := strconv.ParseInt(q, 10, 64)
		if err != nil || t < 0 {
			http.Error(w, "target_bytes must be a non-negative integer", http.StatusBadRequest)
			return
		}
		target = t
	}

	report, err := h.quota.EvictToBudget(r.Context(), target, h.budget.PriorityOrder)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Middleware

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

// AuthMiddleware enforces a static bearer token. An empty configured
// token disables the check (local development).
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
