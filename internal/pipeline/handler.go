package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/store"
)

// Handler serves the /api/moderate endpoints.
type Handler struct {
	pipeline *Pipeline
	results  store.Store
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p, results: p.results}
}

// MaxLatency is the longest a moderation request can take to answer.
func (h *Handler) MaxLatency() time.Duration { return h.pipeline.MaxLatency() }

type moderateRequest struct {
	Content string             `json:"content"`
	Type    string             `json:"type"`
	Context map[string]any     `json:"context,omitempty"`
	Options moderation.Options `json:"options"`
}

// HandleModerate accepts a JSON body or a multipart upload with a file field.
// POST /api/moderate
func (h *Handler) HandleModerate(w http.ResponseWriter, r *http.Request) {
	limits := h.pipeline.Limits()
	// base64 inflates images by a third; leave room for the JSON envelope.
	r.Body = http.MaxBytesReader(w, r.Body, int64(limits.MaxImageBytes)*4/3+64<<10)

	var (
		req moderation.Request
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = decodeMultipart(r, limits)
	} else {
		req, err = decodeJSON(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.pipeline.Moderate(r.Context(), req)
	if err != nil {
		if moderation.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		slog.Error("moderation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "moderation failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleGetResult returns a stored result.
// GET /api/moderate/result/{id}
func (h *Handler) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.results.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "result not found"})
			return
		}
		slog.Error("loading result failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading result failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleStats returns aggregate counts over stored results.
// GET /api/moderate/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.results.Stats(r.Context())
	if err != nil {
		slog.Error("loading stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decodeJSON(r *http.Request) (moderation.Request, error) {
	var body moderateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return moderation.Request{}, errors.New("invalid request body")
	}
	return moderation.Request{
		Content: []byte(body.Content),
		Type:    moderation.ContentType(strings.ToLower(strings.TrimSpace(body.Type))),
		Context: body.Context,
		Options: body.Options,
	}, nil
}

func decodeMultipart(r *http.Request, limits moderation.Limits) (moderation.Request, error) {
	if err := r.ParseMultipartForm(int64(limits.MaxImageBytes)); err != nil {
		return moderation.Request{}, errors.New("invalid multipart form")
	}

	req := moderation.Request{Type: moderation.TypeImage}
	if t := strings.TrimSpace(r.FormValue("type")); t != "" {
		req.Type = moderation.ContentType(strings.ToLower(t))
	}
	if raw := r.FormValue("context"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Context); err != nil {
			return moderation.Request{}, errors.New("context must be a JSON object")
		}
	}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			return moderation.Request{}, errors.New("options must be a JSON object")
		}
	}

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// Text and URL submissions may use a plain content field.
		req.Content = []byte(r.FormValue("content"))
		return req, nil
	case err != nil:
		return moderation.Request{}, errors.New("reading upload failed")
	}
	defer file.Close()

	data, err := readUpload(file, limits.MaxImageBytes)
	if err != nil {
		return moderation.Request{}, err
	}
	req.Content = data
	req.Filename = header.Filename
	return req, nil
}

func readUpload(f multipart.File, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, errors.New("reading upload failed")
	}
	return data, nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
