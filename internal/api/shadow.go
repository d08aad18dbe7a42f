package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/services"
)

func (h *Handler) getShadow(w http.ResponseWriter, r *http.Request) {
	doc, err := h.shadows.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// patchRequest is the body of a desired or reported patch. A null property
// removes it.
type patchRequest struct {
	State       models.Properties `json:"state"`
	Version     int64             `json:"version,omitempty"`
	ClientToken string            `json:"clientToken,omitempty"`
}

func (h *Handler) patchDesired(w http.ResponseWriter, r *http.Request) {
	h.patch(w, r, func(p models.Properties) *models.ShadowState {
		return &models.ShadowState{Desired: p}
	})
}

func (h *Handler) patchReported(w http.ResponseWriter, r *http.Request) {
	h.patch(w, r, func(p models.Properties) *models.ShadowState {
		return &models.ShadowState{Reported: p}
	})
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request, section func(models.Properties) *models.ShadowState) {
	var req patchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.shadows.Update(r.Context(), chi.URLParam(r, "name"), services.UpdateRequest{
		State:       section(req.State),
		Version:     req.Version,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Current)
}

func (h *Handler) deleteShadow(w http.ResponseWriter, r *http.Request) {
	doc, err := h.shadows.Delete(r.Context(), chi.URLParam(r, "name"), r.URL.Query().Get("clientToken"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) shadowHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, services.ErrInvalidRequest)
			return
		}
		limit = n
	}
	events, err := h.shadows.History(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.ShadowEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
