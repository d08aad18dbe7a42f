package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/prudhvinik1/edgeshadow/internal/logger"
	"github.com/prudhvinik1/edgeshadow/internal/services"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code. Internal errors are logged and not
// shown to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := services.StatusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Errorw("request failed", "error", err)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}
