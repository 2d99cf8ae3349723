package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/service/deploy"
	"github.com/splax/saturn/internal/service/resolve"
)

const maxBodyBytes = 1 << 20

type deployBody struct {
	UUID   string `json:"uuid"`
	Tag    string `json:"tag"`
	Force  *bool  `json:"force"`
	PR     *int   `json:"pr"`
	Commit string `json:"commit"`
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	criteria, err := parseDeployCriteria(req)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	result, err := r.deploy.Deploy(req.Context(), caps, criteria)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := map[string]any{"deployments": result.Deployments}
	if len(result.Skipped) > 0 {
		payload["skipped"] = result.Skipped
	}
	writeJSON(w, http.StatusOK, payload)
}

// parseDeployCriteria reads uuid, tag, force and pr from the query string,
// with a JSON body filling in whatever the query leaves out.
func parseDeployCriteria(req *http.Request) (resolve.Criteria, error) {
	query := req.URL.Query()
	criteria := resolve.Criteria{
		UUIDs:     query.Get("uuid"),
		Tag:       query.Get("tag"),
		CommitSHA: query.Get("commit"),
	}
	if raw := query.Get("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			return resolve.Criteria{}, apperr.Validation("The force field must be a boolean.")
		}
		criteria.ForceRebuild = force
	}
	if raw := query.Get("pr"); raw != "" {
		pr, err := strconv.Atoi(raw)
		if err != nil {
			return resolve.Criteria{}, apperr.Validation("The pr field must be an integer.")
		}
		criteria.PullRequestID = pr
	}

	if req.Method != http.MethodPost || req.Body == nil {
		return criteria, nil
	}
	var body deployBody
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return criteria, nil
		}
		return resolve.Criteria{}, apperr.Wrap(apperr.KindInvalidRequest, "Invalid JSON body.", err)
	}
	if criteria.UUIDs == "" {
		criteria.UUIDs = body.UUID
	}
	if criteria.Tag == "" {
		criteria.Tag = body.Tag
	}
	if criteria.CommitSHA == "" {
		criteria.CommitSHA = body.Commit
	}
	if query.Get("force") == "" && body.Force != nil {
		criteria.ForceRebuild = *body.Force
	}
	if query.Get("pr") == "" && body.PR != nil {
		criteria.PullRequestID = *body.PR
	}
	return criteria, nil
}

func (r *Router) handleListActive(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	entries, err := r.deploy.ListActive(req.Context(), caps)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntries(entries, caps))
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	entry, err := r.deploy.Get(req.Context(), caps, chi.URLParam(req, "uuid"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntry(*entry, caps))
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	entry, err := r.deploy.Cancel(req.Context(), caps, chi.URLParam(req, "uuid"))
	if err != nil && !errors.Is(err, deploy.ErrStopSignalPending) {
		r.writeServiceError(w, req, err)
		return
	}
	payload := map[string]any{
		"message":         deploy.MsgCancelled,
		"deployment_uuid": entry.DeploymentUUID,
		"status":          entry.Status,
	}
	if err != nil {
		r.logger.Warn("cancelled deployment still running", "deployment_uuid", entry.DeploymentUUID, "error", err)
		payload["message"] = deploy.MsgStopPending
		writeJSON(w, http.StatusAccepted, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleListByApplication(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	skip, err := queryInt(req, "skip")
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	take, err := queryInt(req, "take")
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	page, err := r.deploy.ListByApplication(req.Context(), caps, chi.URLParam(req, "uuid"), skip, take)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       page.Count,
		"deployments": viewEntries(page.Deployments, caps),
	})
}

func (r *Router) handleRevokeToken(w http.ResponseWriter, req *http.Request) {
	caps, _ := capsFromContext(req.Context())
	if err := r.auth.RevokeToken(req.Context(), caps, chi.URLParam(req, "id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Token revoked."})
}

func queryInt(req *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperr.Validation("The " + key + " field must be a non-negative integer.")
	}
	return value, nil
}
