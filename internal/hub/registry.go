// Package hub is the server-side relay between edge participants and
// observers: a connection registry with liveness tracking, an artifact
// cache for late joiners, and fan-out of alerts and frames.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snrraptopack/fatigue/internal/idgen"
	"github.com/snrraptopack/fatigue/internal/protocol"
)

// State of a single socket connection.
type State int

const (
	StateConnecting State = iota // accepted, not yet identified
	StateIdentified              // role known, not yet serving traffic
	StateActive                  // fully joined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sender delivers an encoded frame to the peer. Implementations must bound
// Send so one slow peer cannot stall the callers; the websocket transport
// does this with a buffered outbound queue and a write deadline.
type Sender interface {
	Send(msg protocol.Message) error
	Close() error
}

// Conn is one registered socket connection.
type Conn struct {
	ID string

	mu            sync.Mutex
	state         State
	role          protocol.Role
	participantID string
	name          string
	sender        Sender
	lastSeen      time.Time
	awaitingPong  bool
}

// State returns the connection's lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the connection's identified role; empty while connecting.
func (c *Conn) Role() protocol.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ParticipantID returns the edge participant behind this connection, if any.
func (c *Conn) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Send forwards to the underlying transport. Safe on a closed connection;
// the transport reports the error.
func (c *Conn) Send(msg protocol.Message) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	return sender.Send(msg)
}

// participant is edge-side state that outlives any single connection, so a
// reconnect resumes where the previous socket left off.
type participant struct {
	name      string
	connID    string
	scenario  string
	streaming bool
	lastSeen  time.Time
}

// SweepConfig configures the idle-participant sweep.
type SweepConfig struct {
	// IdleThreshold is how long a participant may be silent before its
	// state and cached artifacts are dropped. Default: 15 minutes.
	IdleThreshold time.Duration

	// Interval between sweeps. Default: 60 seconds.
	Interval time.Duration

	// OnPurged is called for each purged participant, outside the lock.
	OnPurged func(participantID string)
}

// Registry tracks every live connection and per-participant state. A
// heartbeat loop pings connections and closes the unresponsive; a slower
// sweep purges participants gone idle.
type Registry struct {
	logger *slog.Logger

	mu           sync.RWMutex
	conns        map[string]*Conn
	participants map[string]*participant

	stop chan struct{}
	done sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:       logger,
		conns:        make(map[string]*Conn),
		participants: make(map[string]*participant),
		stop:         make(chan struct{}),
	}
}

// Add registers a freshly accepted transport in the Connecting state.
func (r *Registry) Add(sender Sender) *Conn {
	c := &Conn{
		ID:       idgen.NewConnectionID(),
		state:    StateConnecting,
		sender:   sender,
		lastSeen: time.Now(),
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return c
}

// IdentifyEdge binds a connection to an edge participant and activates it.
// If the participant already has a connection the old transport is closed
// and replaced; scenario and streaming state carry over.
func (r *Registry) IdentifyEdge(c *Conn, participantID, name string) {
	now := time.Now()

	r.mu.Lock()
	var stale *Conn
	p, ok := r.participants[participantID]
	if !ok {
		p = &participant{}
		r.participants[participantID] = p
	} else if p.connID != "" && p.connID != c.ID {
		stale = r.conns[p.connID]
		delete(r.conns, p.connID)
	}
	p.connID = c.ID
	p.lastSeen = now
	if name != "" {
		p.name = name
	}

	c.mu.Lock()
	c.state = StateActive
	c.role = protocol.RoleEdge
	c.participantID = participantID
	c.name = name
	c.lastSeen = now
	c.mu.Unlock()
	r.mu.Unlock()

	if stale != nil {
		stale.mu.Lock()
		stale.state = StateClosed
		sender := stale.sender
		stale.mu.Unlock()
		sender.Close()
		r.logger.Info("edge reconnected, replaced stale connection",
			"participant_id", participantID, "old_conn", stale.ID, "new_conn", c.ID)
	}
}

// IdentifyObserver activates a connection as an observer.
func (r *Registry) IdentifyObserver(c *Conn) {
	c.mu.Lock()
	c.state = StateActive
	c.role = protocol.RoleObserver
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Remove closes a connection and detaches it from its participant. The
// participant's state stays behind for a possible reconnect; the sweep
// drops it later.
func (r *Registry) Remove(c *Conn) {
	c.mu.Lock()
	c.state = StateClosed
	participantID := c.participantID
	sender := c.sender
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, c.ID)
	if participantID != "" {
		if p, ok := r.participants[participantID]; ok && p.connID == c.ID {
			p.connID = ""
		}
	}
	r.mu.Unlock()

	sender.Close()
}

// Touch records inbound activity: the traffic doubles as a pong.
func (r *Registry) Touch(c *Conn) {
	now := time.Now()
	c.mu.Lock()
	c.lastSeen = now
	c.awaitingPong = false
	participantID := c.participantID
	c.mu.Unlock()

	if participantID != "" {
		r.mu.Lock()
		if p, ok := r.participants[participantID]; ok {
			p.lastSeen = now
		}
		r.mu.Unlock()
	}
}

// Observers returns a snapshot of active observer connections.
func (r *Registry) Observers() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.State() == StateActive && c.Role() == protocol.RoleObserver {
			out = append(out, c)
		}
	}
	return out
}

// Edge returns the active connection for a participant, if one exists.
func (r *Registry) Edge(participantID string) (*Conn, bool) {
	r.mu.RLock()
	p, ok := r.participants[participantID]
	if !ok || p.connID == "" {
		r.mu.RUnlock()
		return nil, false
	}
	c, ok := r.conns[p.connID]
	r.mu.RUnlock()
	if !ok || c.State() != StateActive {
		return nil, false
	}
	return c, true
}

// SetScenario records the participant's active monitoring scenario.
// Conflicting observer commands resolve last-write-wins.
func (r *Registry) SetScenario(participantID, scenario string) {
	r.mu.Lock()
	if p, ok := r.participants[participantID]; ok {
		p.scenario = scenario
	}
	r.mu.Unlock()
}

// SetStreaming records whether the participant's frame stream is on.
func (r *Registry) SetStreaming(participantID string, active bool) {
	r.mu.Lock()
	if p, ok := r.participants[participantID]; ok {
		p.streaming = active
	}
	r.mu.Unlock()
}

// LiveState returns the carried-over scenario and streaming flag.
func (r *Registry) LiveState(participantID string) (scenario string, streaming bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[participantID]; ok {
		return p.scenario, p.streaming
	}
	return "", false
}

// Drivers returns the participant roster for observers, most recently
// active first. Participants without a live connection are included until
// the sweep evicts them.
func (r *Registry) Drivers() []protocol.DriverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.DriverInfo, 0, len(r.participants))
	for id, p := range r.participants {
		out = append(out, protocol.DriverInfo{
			ParticipantID: id,
			Name:          p.name,
			Scenario:      p.scenario,
			Streaming:     p.streaming,
			LastSeenAt:    p.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StartHeartbeat pings every connection each interval. A connection that
// never answered the previous ping is closed and purged.
func (r *Registry) StartHeartbeat(interval time.Duration) {
	r.done.Add(1)
	go func() {
		defer r.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.pingAll()
			}
		}
	}()
	r.logger.Info("heartbeat started", "interval", interval)
}

func (r *Registry) pingAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		dead := c.awaitingPong
		if !dead {
			c.awaitingPong = true
		}
		c.mu.Unlock()

		if dead {
			r.logger.Info("connection missed heartbeat, closing", "conn", c.ID)
			r.Remove(c)
			continue
		}
		if err := c.Send(protocol.Ping{}); err != nil {
			r.logger.Info("heartbeat send failed, closing", "conn", c.ID, "error", err)
			r.Remove(c)
		}
	}
}

// StartSweep purges participants idle past the threshold, together with
// whatever the caller keeps per participant (cached artifacts).
func (r *Registry) StartSweep(cfg *SweepConfig) {
	if cfg == nil {
		cfg = &SweepConfig{}
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 15 * time.Minute
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}

	r.done.Add(1)
	go func() {
		defer r.done.Done()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep(cfg)
			}
		}
	}()
	r.logger.Info("participant sweep started",
		"idle_threshold", cfg.IdleThreshold, "interval", cfg.Interval)
}

func (r *Registry) sweep(cfg *SweepConfig) {
	now := time.Now()
	var purged []string

	r.mu.Lock()
	for id, p := range r.participants {
		if p.connID != "" {
			continue // still connected
		}
		if now.Sub(p.lastSeen) > cfg.IdleThreshold {
			delete(r.participants, id)
			purged = append(purged, id)
		}
	}
	r.mu.Unlock()

	for _, id := range purged {
		r.logger.Info("purged idle participant", "participant_id", id)
		if cfg.OnPurged != nil {
			cfg.OnPurged(id)
		}
	}
}

// Stop shuts down the heartbeat and sweep goroutines.
func (r *Registry) Stop() {
	close(r.stop)
	r.done.Wait()
}
