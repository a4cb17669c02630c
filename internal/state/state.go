// Package state tracks the daemon's lifecycle for health and status
// endpoints.
package state

import (
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusStopping Status = "stopping"
)

// State holds the minimal in-memory daemon status.
type State struct {
	startedAt time.Time
	status    atomic.Value // Status
}

func New() *State {
	s := &State{startedAt: time.Now()}
	s.status.Store(StatusStarting)
	return s
}

func (s *State) SetReady()    { s.status.Store(StatusReady) }
func (s *State) SetStopping() { s.status.Store(StatusStopping) }

func (s *State) Status() Status {
	v := s.status.Load()
	if v == nil {
		return StatusStarting
	}
	return v.(Status)
}

// Uptime reports how long the daemon has been running.
func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
