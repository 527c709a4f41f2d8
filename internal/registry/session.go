// Package registry holds the authoritative mapping from a client-visible
// public session id to the ChildDriver backing it, and reaps sessions idle
// beyond their TTL.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessiondriver/sessiondriver/internal/childdriver"
)

// State is a Session's lifecycle stage. Terminal transitions are one-way;
// re-entry is impossible.
type State int

const (
	StateStarting State = iota
	StateReady
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Session is one live W3C WebDriver session as seen by a client.
type Session struct {
	PublicID  string
	ChildID   string
	Child     *childdriver.Child
	CreatedAt time.Time
	TTL       time.Duration

	mu    sync.RWMutex
	state State

	// lastActivity stores the time of the last successfully proxied
	// request as a nanosecond offset from CreatedAt, measured on the
	// monotonic clock. Used by the Reaper to detect idle sessions.
	lastActivity atomic.Int64
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState transitions the session to a new state.
func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Touch updates last_activity to the current time. I4: monotonically
// non-decreasing per Session — storing the current clock reading is always
// non-decreasing from the caller's perspective since time.Now() itself
// never goes backwards within a process.
func (s *Session) Touch() {
	s.lastActivity.Store(int64(time.Since(s.CreatedAt)))
}

// LastActivity returns the time of the last touch, or CreatedAt if the
// session has never been touched.
func (s *Session) LastActivity() time.Time {
	return s.CreatedAt.Add(time.Duration(s.lastActivity.Load()))
}

// Idle reports how long the session has gone without activity.
func (s *Session) Idle() time.Duration {
	return time.Since(s.LastActivity())
}
