package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/services"
)

func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	presence, err := h.presence.GetPresence(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presence)
}

// bulkPresence answers GET /presence?device=a&device=b. Devices the caller
// may not read are left out of the result.
func (h *Handler) bulkPresence(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	names := r.URL.Query()["device"]

	allowed := make([]string, 0, len(names))
	for _, name := range names {
		err := h.credentials.AuthorizeTopic(r.Context(), claims.Subject, "things/"+name+"/presence", false)
		if errors.Is(err, services.ErrForbidden) {
			continue
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		allowed = append(allowed, name)
	}

	presence, err := h.presence.GetBulkPresence(r.Context(), allowed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if presence == nil {
		presence = map[string]models.Presence{}
	}
	writeJSON(w, http.StatusOK, presence)
}
