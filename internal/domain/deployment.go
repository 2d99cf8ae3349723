package domain

import (
	"errors"
	"fmt"
	"time"
)

// DeploymentStatus is the lifecycle state of a queue entry.
type DeploymentStatus string

const (
	StatusQueued          DeploymentStatus = "queued"
	StatusInProgress      DeploymentStatus = "in_progress"
	StatusFinished        DeploymentStatus = "finished"
	StatusFailed          DeploymentStatus = "failed"
	StatusCancelledByUser DeploymentStatus = "cancelled-by-user"
)

// ErrInvalidTransition is returned when a status change is not an allowed edge.
var ErrInvalidTransition = errors.New("domain: invalid deployment status transition")

var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusQueued:     {StatusInProgress, StatusCancelledByUser},
	StatusInProgress: {StatusFinished, StatusFailed, StatusCancelledByUser},
}

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusFinished, StatusFailed, StatusCancelledByUser:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelledByUser:
		return true
	}
	return false
}

// Active reports whether s is queued or in progress.
func (s DeploymentStatus) Active() bool {
	return s == StatusQueued || s == StatusInProgress
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for edges outside the table.
func ValidateTransition(from, to DeploymentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// QueueEntry is a durable record of one deployment attempt.
type QueueEntry struct {
	ID              int64
	DeploymentUUID  string
	ResourceID      string
	ResourceUUID    string
	ResourceKind    ResourceKind
	ServerID        string
	TeamID          string
	Status          DeploymentStatus
	ForceRebuild    bool
	PullRequestID   int
	CommitSHA       string
	Logs            string
	DispatchToken   string
	DispatchedAt    *time.Time
	StopRequested   bool
	StopSignalledAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Lane returns the admission key of the entry.
func (e QueueEntry) Lane() Lane {
	return Lane{ResourceID: e.ResourceID, PullRequestID: e.PullRequestID, ServerID: e.ServerID}
}

// Lane identifies a serialized admission queue. PR previews get their own lane.
type Lane struct {
	ResourceID    string
	PullRequestID int
	ServerID      string
}

// DeployTarget is a resolved resource ready to be queued.
type DeployTarget struct {
	Resource      Resource
	PullRequestID int
	ForceRebuild  bool
	CommitSHA     string
}
