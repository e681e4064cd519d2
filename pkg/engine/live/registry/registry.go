// Package registry tracks live connections. It is the only shared mutable
// state in the engine: an arena of connections keyed by session id plus a
// secondary user index for broadcast, pruned together in one step.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/medchat-go/consult/pkg/engine/live/protocol"
)

// Endpoint is the registry's view of one live connection.
type Endpoint interface {
	// Deliver enqueues a frame for the connection's writer. It reports
	// false instead of failing when the connection is gone or saturated.
	Deliver(frame protocol.Frame) bool
	// Close tears the connection down; used by the idle sweeper.
	Close()
	LastActivity() time.Time
}

type entry struct {
	ep     Endpoint
	userID string
}

type Registry struct {
	mu        sync.Mutex
	bySession map[string]*entry
	byUser    map[string]map[string]struct{}
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bySession: make(map[string]*entry),
		byUser:    make(map[string]map[string]struct{}),
		logger:    logger,
	}
}

// Register installs the connection for a session and indexes it under the
// owning user. A newer connection for the same session replaces the entry;
// the displaced handler keeps running until its own socket closes. The
// returned function removes the entry from both indices in one step, and
// only if it still points at this connection.
func (r *Registry) Register(sessionID, userID string, ep Endpoint) (unregister func()) {
	e := &entry{ep: ep, userID: userID}

	r.mu.Lock()
	r.bySession[sessionID] = e
	sessions, ok := r.byUser[userID]
	if !ok {
		sessions = make(map[string]struct{})
		r.byUser[userID] = sessions
	}
	sessions[sessionID] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if current, ok := r.bySession[sessionID]; !ok || current != e {
				return
			}
			delete(r.bySession, sessionID)
			if sessions, ok := r.byUser[userID]; ok {
				delete(sessions, sessionID)
				if len(sessions) == 0 {
					delete(r.byUser, userID)
				}
			}
		})
	}
}

// Send delivers one frame to the session's live connection. It returns
// false rather than an error when no connection is registered or the
// connection cannot accept the frame, so callers never guard sends.
func (r *Registry) Send(sessionID string, frame protocol.Frame) bool {
	r.mu.Lock()
	e, ok := r.bySession[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return e.ep.Deliver(frame)
}

// Broadcast fans one frame out to every connection the user currently has
// and reports how many deliveries succeeded.
func (r *Registry) Broadcast(userID string, frame protocol.Frame) int {
	r.mu.Lock()
	var targets []Endpoint
	for sessionID := range r.byUser[userID] {
		if e, ok := r.bySession[sessionID]; ok {
			targets = append(targets, e.ep)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, ep := range targets {
		if ep.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}

// Sweep closes connections idle past idleAfter. It runs until ctx is
// cancelled; the server owns the goroutine, so no timer outlives the
// process lifecycle (or a test).
func (r *Registry) Sweep(ctx context.Context, interval, idleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(idleAfter)
		}
	}
}

func (r *Registry) sweepOnce(idleAfter time.Duration) {
	cutoff := time.Now().Add(-idleAfter)

	r.mu.Lock()
	var idle []Endpoint
	var idleSessions []string
	for sessionID, e := range r.bySession {
		if e.ep.LastActivity().Before(cutoff) {
			idle = append(idle, e.ep)
			idleSessions = append(idleSessions, sessionID)
		}
	}
	r.mu.Unlock()

	for i, ep := range idle {
		r.logger.Info("closing idle connection", "session_id", idleSessions[i])
		ep.Close()
	}
}
