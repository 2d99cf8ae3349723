// Package executortest provides an in-memory execution backend for tests.
package executortest

import (
	"context"
	"sync"
	"testing"

	"github.com/splax/saturn/internal/service/executor"
)

// Recorder captures jobs and stop signals.
type Recorder struct {
	mu       sync.Mutex
	enqueued []executor.Job
	stopped  []string

	// EnqueueErr and StopErr, when set, are returned instead of recording.
	EnqueueErr error
	StopErr    error
}

var _ executor.Backend = (*Recorder)(nil)

// Enqueue records job.
func (r *Recorder) Enqueue(_ context.Context, job executor.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EnqueueErr != nil {
		return r.EnqueueErr
	}
	r.enqueued = append(r.enqueued, job)
	return nil
}

// Stop records a stop signal.
func (r *Recorder) Stop(_ context.Context, deploymentUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StopErr != nil {
		return r.StopErr
	}
	r.stopped = append(r.stopped, deploymentUUID)
	return nil
}

// SetEnqueueErr swaps the enqueue failure under the lock.
func (r *Recorder) SetEnqueueErr(err error) {
	r.mu.Lock()
	r.EnqueueErr = err
	r.mu.Unlock()
}

// SetStopErr swaps the stop failure under the lock.
func (r *Recorder) SetStopErr(err error) {
	r.mu.Lock()
	r.StopErr = err
	r.mu.Unlock()
}

// Jobs returns a copy of the recorded jobs.
func (r *Recorder) Jobs() []executor.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executor.Job(nil), r.enqueued...)
}

// Stopped returns a copy of the recorded stop signals.
func (r *Recorder) Stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

// EnqueuedCount returns how many jobs were recorded for deploymentUUID.
func (r *Recorder) EnqueuedCount(deploymentUUID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, job := range r.enqueued {
		if job.DeploymentUUID == deploymentUUID {
			count++
		}
	}
	return count
}

// AssertEnqueued fails t unless exactly one job was recorded for deploymentUUID.
func (r *Recorder) AssertEnqueued(t testing.TB, deploymentUUID string) executor.Job {
	t.Helper()
	var found []executor.Job
	for _, job := range r.Jobs() {
		if job.DeploymentUUID == deploymentUUID {
			found = append(found, job)
		}
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly one enqueue for %s, got %d", deploymentUUID, len(found))
	}
	return found[0]
}

// AssertNotEnqueued fails t if any job was recorded for deploymentUUID.
func (r *Recorder) AssertNotEnqueued(t testing.TB, deploymentUUID string) {
	t.Helper()
	if n := r.EnqueuedCount(deploymentUUID); n != 0 {
		t.Fatalf("expected no enqueue for %s, got %d", deploymentUUID, n)
	}
}
