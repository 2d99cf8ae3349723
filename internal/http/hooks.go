package httpx

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/splax/saturn/internal/service/deploy"
	"github.com/splax/saturn/internal/service/webhook"
)

func (r *Router) handleBuilderCallback(w http.ResponseWriter, req *http.Request) {
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var payload deploy.CallbackPayload
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if err := r.deploy.HandleCallback(req.Context(), payload); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (r *Router) handleGitWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body.")
		return
	}
	entry, err := r.webhook.Handle(req.Context(), chi.URLParam(req, "uuid"), body, req.Header.Get(webhook.SignatureHeader))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":         "Deployment request queued.",
		"resource_uuid":   entry.ResourceUUID,
		"deployment_uuid": entry.DeploymentUUID,
	})
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if err := r.webhook.SetSecret(req.Context(), caps, chi.URLParam(req, "uuid"), payload.Secret); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Webhook secret saved."})
}
