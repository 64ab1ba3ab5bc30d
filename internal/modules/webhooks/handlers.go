package webhooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
)

// Handler provides HTTP handlers for webhook registration endpoints
type Handler struct {
	repo       *Repository
	dispatcher *Dispatcher
	log        zerolog.Logger
}

// NewHandler creates a new webhooks handler
func NewHandler(repo *Repository, dispatcher *Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{
		repo:       repo,
		dispatcher: dispatcher,
		log:        log.With().Str("handler", "webhooks").Logger(),
	}
}

type createWebhookRequest struct {
	OwnerID string   `json:"owner_id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
}

// HandleCreate handles POST /api/webhooks
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
		http.Error(w, "url must be http or https", http.StatusBadRequest)
		return
	}

	hook := &domain.Webhook{OwnerID: req.OwnerID, URL: req.URL, Events: req.Events}
	if err := h.repo.Create(hook); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusCreated, hook)
}

// HandleList handles GET /api/webhooks?owner_id=
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	hooks, err := h.repo.ListByOwner(ownerID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list webhooks")
		http.Error(w, "Failed to list webhooks", http.StatusInternalServerError)
		return
	}
	if hooks == nil {
		hooks = []*domain.Webhook{}
	}
	h.writeJSON(w, http.StatusOK, hooks)
}

// HandleDelete handles DELETE /api/webhooks/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err, "Failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnable handles POST /api/webhooks/{id}/enable
func (h *Handler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.SetEnabled(chi.URLParam(r, "id"), true); err != nil {
		h.writeError(w, err, "Failed to enable webhook")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

// HandleTest handles POST /api/webhooks/{id}/test.
// Sends a synchronous probe event to the registered URL.
func (h *Handler) HandleTest(w http.ResponseWriter, r *http.Request) {
	hook, err := h.repo.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "Failed to load webhook")
		return
	}

	if err := h.dispatcher.TestEndpoint(r.Context(), hook.URL); err != nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ErrWebhookNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}
