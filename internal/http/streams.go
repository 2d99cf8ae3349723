package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/service/logs"
	"github.com/splax/saturn/internal/ws"
)

const sseHeartbeatInterval = 15 * time.Second

// loadStreamTarget resolves the entry a log stream is opened for, writing the error response itself.
func (r *Router) loadStreamTarget(w http.ResponseWriter, req *http.Request) (*domain.QueueEntry, bool) {
	caps, _ := capsFromContext(req.Context())
	entry, err := r.deploy.Get(req.Context(), caps, chi.URLParam(req, "uuid"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	if r.logs.Hub() == nil {
		writeError(w, http.StatusServiceUnavailable, "Log streaming is disabled.")
		return nil, false
	}
	return entry, true
}

func backlog(entry *domain.QueueEntry) []byte {
	if entry.Logs == "" {
		return nil
	}
	data, err := logs.MarshalChunk(entry.DeploymentUUID, entry.Logs, entry.UpdatedAt)
	if err != nil {
		return nil
	}
	return data
}

func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request) {
	entry, ok := r.loadStreamTarget(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.wsBuffer, r.logger)
	hub := r.logs.Hub()
	hub.Register(entry.DeploymentUUID, client)
	defer hub.Unregister(entry.DeploymentUUID, client)
	if data := backlog(entry); data != nil {
		_ = client.Send(data)
	}
	if status, settled := r.settledStatus(req, entry); settled {
		r.endStream(client, entry.DeploymentUUID, status)
	}
	client.ReadLoop()
}

func (r *Router) handleLogEvents(w http.ResponseWriter, req *http.Request) {
	entry, ok := r.loadStreamTarget(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported.")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, entry.DeploymentUUID, r.logger)
	defer client.Close()
	if data := backlog(entry); data != nil {
		if err := client.Send(data); err != nil {
			return
		}
	} else {
		flusher.Flush()
	}
	if entry.Status.Terminal() {
		r.endStream(client, entry.DeploymentUUID, entry.Status)
		return
	}

	hub := r.logs.Hub()
	hub.Register(entry.DeploymentUUID, client)
	defer hub.Unregister(entry.DeploymentUUID, client)
	// the deployment may have settled before the client was registered
	if status, settled := r.settledStatus(req, entry); settled {
		r.endStream(client, entry.DeploymentUUID, status)
		return
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// settledStatus reloads entry and reports its status when it is terminal.
func (r *Router) settledStatus(req *http.Request, entry *domain.QueueEntry) (domain.DeploymentStatus, bool) {
	if entry.Status.Terminal() {
		return entry.Status, true
	}
	caps, _ := capsFromContext(req.Context())
	current, err := r.deploy.Get(req.Context(), caps, entry.DeploymentUUID)
	if err != nil || !current.Status.Terminal() {
		return "", false
	}
	return current.Status, true
}

func (r *Router) endStream(client ws.Ender, deploymentUUID string, status domain.DeploymentStatus) {
	data, err := logs.MarshalEnd(deploymentUUID, status)
	if err != nil {
		r.logger.Warn("failed to marshal stream end", "deployment_uuid", deploymentUUID, "error", err)
		return
	}
	_ = client.End(data)
}
