package httpx

import (
	"time"

	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
)

// entryView is the wire shape of a queue entry. Logs is only set for
// callers allowed to read sensitive data, so the key is absent otherwise.
type entryView struct {
	ID              int64      `json:"id"`
	DeploymentUUID  string     `json:"deployment_uuid"`
	ApplicationUUID string     `json:"application_uuid"`
	ResourceKind    string     `json:"resource_kind"`
	ServerID        string     `json:"server_id"`
	Status          string     `json:"status"`
	ForceRebuild    bool       `json:"force_rebuild"`
	PullRequestID   int        `json:"pull_request_id"`
	Commit          string     `json:"commit,omitempty"`
	Logs            *string    `json:"logs,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func viewEntry(entry domain.QueueEntry, caps authz.Capabilities) entryView {
	view := entryView{
		ID:              entry.ID,
		DeploymentUUID:  entry.DeploymentUUID,
		ApplicationUUID: entry.ResourceUUID,
		ResourceKind:    string(entry.ResourceKind),
		ServerID:        entry.ServerID,
		Status:          string(entry.Status),
		ForceRebuild:    entry.ForceRebuild,
		PullRequestID:   entry.PullRequestID,
		Commit:          entry.CommitSHA,
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
		StartedAt:       entry.StartedAt,
		FinishedAt:      entry.FinishedAt,
	}
	if caps.CanReadSensitive {
		logs := entry.Logs
		view.Logs = &logs
	}
	return view
}

func viewEntries(entries []domain.QueueEntry, caps authz.Capabilities) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, viewEntry(entry, caps))
	}
	return out
}
