package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/saturn/internal/apperr"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeServiceError maps a service error onto a status and message.
// Errors without a classification are logged and reported as 500.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind != apperr.KindInternal {
		if appErr.Err != nil {
			r.logger.Debug("request failed", "path", req.URL.Path, "kind", appErr.Kind.String(), "error", appErr.Err)
		}
		writeError(w, appErr.Kind.HTTPStatus(), appErr.Message)
		return
	}
	r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error.")
}
