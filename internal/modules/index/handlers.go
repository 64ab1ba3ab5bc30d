package index

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cryptoindex/rebalancer/internal/domain"
)

// Handler provides HTTP handlers for index endpoints
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a new index handler
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "index").Logger(),
	}
}

type createIndexRequest struct {
	AccountID        string                   `json:"account_id"`
	OwnerID          string                   `json:"owner_id"`
	Name             string                   `json:"name"`
	BaseSymbol       string                   `json:"base_symbol"`
	TargetAllocation []domain.AssetAllocation `json:"target_allocation"`
	Method           string                   `json:"rebalancing_method"`
	DriftThreshold   float64                  `json:"drift_threshold"`
	MinIntervalSecs  int64                    `json:"min_interval_secs"`
}

func (req createIndexRequest) toParams() CreateParams {
	return CreateParams{
		AccountID:        req.AccountID,
		OwnerID:          req.OwnerID,
		Name:             req.Name,
		BaseSymbol:       req.BaseSymbol,
		TargetAllocation: req.TargetAllocation,
		Policy: domain.RebalancingPolicy{
			Method:         domain.RebalancingMethod(req.Method),
			DriftThreshold: req.DriftThreshold,
			MinInterval:    time.Duration(req.MinIntervalSecs) * time.Second,
		},
	}
}

// HandleCreate handles POST /api/indexes
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.OwnerID == "" || req.Name == "" {
		http.Error(w, "account_id, owner_id and name are required", http.StatusBadRequest)
		return
	}

	idx, err := h.service.Create(r.Context(), req.toParams())
	if err != nil {
		h.writeError(w, err, "Failed to create index")
		return
	}
	h.writeJSON(w, http.StatusCreated, idx)
}

// HandleList handles GET /api/indexes?owner_id=
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	indexes, err := h.service.List(r.Context(), ownerID)
	if err != nil {
		h.writeError(w, err, "Failed to list indexes")
		return
	}
	if indexes == nil {
		indexes = []*domain.Index{}
	}
	h.writeJSON(w, http.StatusOK, indexes)
}

// HandleGet handles GET /api/indexes/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	idx, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "Failed to get index")
		return
	}
	h.writeJSON(w, http.StatusOK, idx)
}

// HandleUpdate handles PUT /api/indexes/{id}
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	idx, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req.toParams())
	if err != nil {
		h.writeError(w, err, "Failed to update index")
		return
	}
	h.writeJSON(w, http.StatusOK, idx)
}

// HandleDelete handles DELETE /api/indexes/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err, "Failed to delete index")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConstruct handles POST /api/indexes/{id}/construct
func (h *Handler) HandleConstruct(w http.ResponseWriter, r *http.Request) {
	reb, err := h.service.ConstructInitialPortfolio(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "Construction failed")
		return
	}
	h.writeJSON(w, http.StatusOK, reb)
}

// HandleRebalance handles POST /api/indexes/{id}/rebalance
func (h *Handler) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	reb, analysis, err := h.service.ExecuteRebalancing(r.Context(), chi.URLParam(r, "id"), TriggerManual)
	if err != nil {
		h.writeError(w, err, "Rebalancing failed")
		return
	}

	resp := map[string]interface{}{"analysis": analysis}
	if reb != nil {
		resp["rebalance"] = reb
	} else {
		resp["message"] = "drift below threshold, no rebalance needed"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDrift handles GET /api/indexes/{id}/drift
func (h *Handler) HandleDrift(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.service.CalculateCurrentDrift(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "Drift computation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, analysis)
}

// HandlePause handles POST /api/indexes/{id}/pause
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err, "Pause failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.IndexStatusPaused)})
}

// HandleResume handles POST /api/indexes/{id}/resume
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err, "Resume failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.IndexStatusActive)})
}

// HandleRebalanceHistory handles GET /api/indexes/{id}/rebalances
func (h *Handler) HandleRebalanceHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.service.RebalanceHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, err, "Failed to get rebalance history")
		return
	}
	if history == nil {
		history = []*domain.Rebalance{}
	}
	h.writeJSON(w, http.StatusOK, history)
}

// HandleTradeHistory handles GET /api/indexes/{id}/trades
func (h *Handler) HandleTradeHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.service.TradeHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, err, "Failed to get trade history")
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps domain errors onto HTTP status codes
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrIndexNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidAllocation),
		errors.Is(err, domain.ErrUnsupportedAsset):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
