// Package ws is the live-connection registry: one bidirectional channel
// per authenticated identity, liveness probing, and best-effort delivery.
// Nothing here is persisted and nothing here is authoritative; the ride
// workflow must stay correct if every send is dropped.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	// DefaultProbeInterval is how often the sweep pings each connection.
	DefaultProbeInterval = 30 * time.Second

	// writeWait bounds every write so a stalled peer cannot block a
	// broadcast.
	writeWait = 5 * time.Second

	// maxMissedProbes: one missed probe marks the connection suspect, a
	// second consecutive miss forces termination.
	maxMissedProbes = 2
)

// Conn is the subset of *websocket.Conn the registry touches; tests
// substitute a fake.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type session struct {
	id   string
	role models.Role
	conn Conn

	mu     sync.Mutex // serializes writes
	alive  bool       // pong seen since the last probe
	missed int
}

func (s *session) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// DriverDownFunc is invoked synchronously when a driver's connection is
// removed, so presence can be flipped unavailable before the next
// dispatch reads a snapshot.
type DriverDownFunc func(driverID string)

// Registry holds at most one live session per identity.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	probeInterval time.Duration
	onDriverDown  DriverDownFunc
	logger        *slog.Logger
}

func NewRegistry(probeInterval time.Duration, onDriverDown DriverDownFunc, logger *slog.Logger) *Registry {
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}
	if onDriverDown == nil {
		onDriverDown = func(string) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:      make(map[string]*session),
		probeInterval: probeInterval,
		onDriverDown:  onDriverDown,
		logger:        logger,
	}
}

// Register installs a verified connection. A second handshake for the same
// identity wins: the superseded channel is closed and replaced.
func (r *Registry) Register(id string, role models.Role, conn Conn) {
	s := &session{id: id, role: role, conn: conn, alive: true}

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
		r.logger.Info("connection replaced", "user_id", id)
	}
	r.logger.Debug("connection registered", "user_id", id, "role", string(role))
}

// Unregister removes the identity's session if conn still owns it. The
// ownership check keeps a finished handler from tearing down the
// replacement that superseded it.
func (r *Registry) Unregister(id string, conn Conn) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && (conn == nil || s.conn == conn) {
		delete(r.sessions, id)
	} else {
		s = nil
	}
	r.mu.Unlock()

	if s == nil {
		return
	}
	_ = s.conn.Close()
	if s.role == models.RoleDriver {
		r.onDriverDown(id)
	}
	r.logger.Debug("connection unregistered", "user_id", id)
}

// MarkAlive records a pong (or any traffic) so the next sweep does not
// count the connection as suspect.
func (r *Registry) MarkAlive(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.alive = true
	s.missed = 0
	s.mu.Unlock()
}

// Connected reports whether the identity has a live session.
func (r *Registry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send delivers one event fire-and-forget. No live connection, or a failed
// write, is a silent no-op with delivered=false; there is no queue and no
// retry.
func (r *Registry) Send(id string, event string, payload any) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.write(Envelope{Type: event, Data: payload}); err != nil {
		r.logger.Warn("send failed", "user_id", id, "event", event, "error", err)
		return false
	}
	return true
}

// Broadcast fans one event out to every listed identity, best-effort, and
// returns how many were delivered.
func (r *Registry) Broadcast(ids []string, event string, payload any) int {
	delivered := 0
	for _, id := range ids {
		if r.Send(id, event, payload) {
			delivered++
		}
	}
	return delivered
}

// SweepDeadConnections probes every session once. A session that produced
// no traffic since the previous probe is suspect; a second consecutive
// miss forces termination, which synchronously flips a driver unavailable.
// Returns the ids that were terminated.
func (r *Registry) SweepDeadConnections() []string {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var dead []string
	for _, s := range all {
		s.mu.Lock()
		if !s.alive {
			s.missed++
		}
		missed := s.missed
		s.alive = false
		s.mu.Unlock()

		if missed >= maxMissedProbes {
			r.logger.Info("connection failed liveness probes", "user_id", s.id, "missed", missed)
			r.Unregister(s.id, s.conn)
			dead = append(dead, s.id)
			continue
		}
		if err := s.ping(); err != nil {
			r.logger.Info("ping write failed", "user_id", s.id, "error", err)
			r.Unregister(s.id, s.conn)
			dead = append(dead, s.id)
		}
	}
	return dead
}

// Run drives the sweep on a fixed interval, independent of message
// traffic, until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dead := r.SweepDeadConnections(); len(dead) > 0 {
				observability.ConnectionsSwept.Add(float64(len(dead)))
			}
		}
	}
}
