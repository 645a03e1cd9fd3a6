package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ActiveRun is an execution currently in flight.
type ActiveRun struct {
	ID        string             `json:"id"`
	Language  string             `json:"language"`
	Transport string             `json:"transport"` // "http" or "websocket"
	StartedAt time.Time          `json:"startedAt"`
	Cancel    context.CancelFunc `json:"-"`
}

// RunTracker tracks in-flight executions so they can be listed and cancelled.
type RunTracker struct {
	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

// NewRunTracker creates a new RunTracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{
		runs: make(map[string]*ActiveRun),
	}
}

// Add registers a run. An existing run with the same id is replaced.
func (rt *RunTracker) Add(run *ActiveRun) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	rt.runs[run.ID] = run
}

// Get returns an active run if it exists.
func (rt *RunTracker) Get(id string) (*ActiveRun, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	run, ok := rt.runs[id]
	return run, ok
}

// List returns a snapshot of the active runs, oldest first.
func (rt *RunTracker) List() []ActiveRun {
	rt.mu.RLock()
	out := make([]ActiveRun, 0, len(rt.runs))
	for _, run := range rt.runs {
		out = append(out, *run)
	}
	rt.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Remove forgets a run without cancelling it.
func (rt *RunTracker) Remove(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.runs, id)
}

// Cancel cancels a run and reports whether it was found.
func (rt *RunTracker) Cancel(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	run, ok := rt.runs[id]
	if !ok {
		return false
	}
	if run.Cancel != nil {
		run.Cancel()
	}
	delete(rt.runs, id)
	return true
}

// CancelAll cancels every active run.
func (rt *RunTracker) CancelAll() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, run := range rt.runs {
		if run.Cancel != nil {
			run.Cancel()
		}
		delete(rt.runs, id)
	}
}
