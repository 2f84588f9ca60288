package policy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Handler serves the settings endpoints consumed by the dashboard.
type Handler struct {
	store *Store
}

// NewHandler creates a settings handler backed by store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// HandleGet returns the current policy.
// GET /api/settings
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.LoadPolicy(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading settings failed"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleUpdate replaces the current policy. Fields omitted from the body
// keep their current values.
// PUT /api/settings
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	cfg, err := h.store.LoadPolicy(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading settings failed"})
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := h.store.Update(cfg); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "updating settings failed"})
		return
	}

	slog.Info("policy updated via api",
		"auto_approval_threshold", cfg.AutoApprovalThreshold,
		"manual_review_threshold", cfg.ManualReviewThreshold,
		"custom_rules", len(cfg.CustomRules),
	)
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
