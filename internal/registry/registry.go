package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessiondriver/sessiondriver/internal/childdriver"
	"github.com/sessiondriver/sessiondriver/internal/portpool"
)

// ErrNotFound is returned by Lookup and Terminate when the public id does
// not name a live (non-Terminated, non-Draining) session.
var ErrNotFound = errors.New("session not found")

// ErrMalformedCreateResponse is returned when the child's POST /session
// response does not carry a recognizable sessionId.
var ErrMalformedCreateResponse = errors.New("malformed create response")

// ErrNoPortAvailable is returned when the port allocator cannot bind any
// ephemeral loopback port.
var ErrNoPortAvailable = errors.New("no port available")

// CreateRejectedError mirrors the child driver's refusal of a session
// create request: its status and body are bubbled upstream verbatim.
type CreateRejectedError struct {
	StatusCode int
	Body       []byte
}

func (e *CreateRejectedError) Error() string {
	return fmt.Sprintf("child rejected session create with status %d", e.StatusCode)
}

// CreateFunc spawns a ChildDriver on the given port and performs the
// initial POST /session against it, returning the driver-assigned child id,
// the raw response body, and the HTTP status code. Supplied by the
// Dispatcher, which alone knows the webdriver executable, its arguments,
// and how to parse the create response body.
type CreateFunc func(port int) (child *childdriver.Child, childID string, body []byte, status int, err error)

// CreateResult is what a successful Create call hands back to the
// Dispatcher so it can rewrite the response body before it reaches the
// client.
type CreateResult struct {
	Session      *Session
	ResponseBody []byte
	StatusCode   int
}

// Registry is the authoritative mapping from public session id to
// Session, protected by a coarse map lock. Per-session mutation goes
// through the Session's own lock, not this one.
type Registry struct {
	logger *slog.Logger
	ports  *portpool.Allocator

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty session registry backed by the given port
// allocator.
func New(ports *portpool.Allocator, logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "registry"),
		ports:    ports,
		sessions: make(map[string]*Session),
	}
}

// Create acquires a port, spawns a child via spawn, and — on success —
// registers a new Session in the Ready state. On any failure the port is
// released and the (possibly partially started) child is shut down; no
// Session is left behind.
func (r *Registry) Create(ttl time.Duration, spawn CreateFunc) (*CreateResult, error) {
	port, err := r.ports.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoPortAvailable, err)
	}

	child, childID, body, status, err := spawn(port)
	if err != nil {
		r.ports.Release(port)
		return nil, err
	}

	if status < 200 || status >= 300 {
		if child != nil {
			child.Shutdown()
		}
		r.ports.Release(port)
		return nil, &CreateRejectedError{StatusCode: status, Body: body}
	}
	if childID == "" {
		if child != nil {
			child.Shutdown()
		}
		r.ports.Release(port)
		return nil, ErrMalformedCreateResponse
	}

	sess := &Session{
		PublicID:  uuid.NewString(),
		ChildID:   childID,
		Child:     child,
		CreatedAt: time.Now(),
		TTL:       ttl,
		state:     StateReady,
	}

	r.mu.Lock()
	r.sessions[sess.PublicID] = sess
	r.mu.Unlock()

	r.logger.Info("session created", "public_id", sess.PublicID, "child_id", childID, "port", port)

	return &CreateResult{Session: sess, ResponseBody: body, StatusCode: status}, nil
}

// Lookup returns the live Session for a public id, or ErrNotFound if it
// does not exist or has begun draining/terminating.
func (r *Registry) Lookup(publicID string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[publicID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if st := sess.State(); st == StateDraining || st == StateTerminated {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Terminate transitions a session to Draining, shuts down its child, and
// removes it from the registry. Idempotent: the map entry is removed under
// the registry lock before any slow shutdown work begins, so a concurrent
// second Terminate call on the same id observes it gone and returns
// ErrNotFound — at most one caller ever shuts the child down.
func (r *Registry) Terminate(publicID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[publicID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, publicID)
	r.mu.Unlock()

	sess.setState(StateDraining)

	if sess.Child != nil {
		sess.Child.Shutdown()
		r.ports.Release(sess.Child.Port)
	}

	sess.setState(StateTerminated)

	r.logger.Info("session terminated", "public_id", publicID)
	return nil
}

// TerminateAll terminates every session currently in the registry. Used
// during graceful shutdown.
func (r *Registry) TerminateAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Terminate(id); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("error terminating session during shutdown", "public_id", id, "error", err)
		}
	}

	r.logger.Info("all sessions terminated", "count", len(ids))
}

// Count returns the number of sessions currently tracked, including ones
// mid-drain.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionSnapshot is a point-in-time view of a Session for the Reaper,
// captured without holding the registry lock while the Reaper decides
// what to do with it.
type SessionSnapshot struct {
	PublicID string
	Idle     time.Duration
	TTL      time.Duration
	State    State
}

// Snapshot returns a point-in-time view of every tracked session.
func (r *Registry) Snapshot() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, SessionSnapshot{
			PublicID: sess.PublicID,
			Idle:     sess.Idle(),
			TTL:      sess.TTL,
			State:    sess.State(),
		})
	}
	return out
}
