package hub

import (
	"testing"
	"time"

	"github.com/snrraptopack/fatigue/internal/protocol"
)

func TestHeartbeatClosesSilentConnection(t *testing.T) {
	r := NewRegistry(nil)
	sender := &fakeSender{}
	c := r.Add(sender)

	r.pingAll() // sends ping, marks awaiting
	if got := r.Len(); got != 1 {
		t.Fatalf("registry size = %d after first ping, want 1", got)
	}

	r.pingAll() // no pong arrived in between
	if got := r.Len(); got != 0 {
		t.Errorf("registry size = %d after missed heartbeat, want 0", got)
	}
	if !sender.isClosed() {
		t.Error("silent connection's transport not closed")
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}

func TestHeartbeatSparedByInboundTraffic(t *testing.T) {
	r := NewRegistry(nil)
	c := r.Add(&fakeSender{})

	r.pingAll()
	r.Touch(c) // any parsed frame counts as a pong
	r.pingAll()

	if got := r.Len(); got != 1 {
		t.Errorf("registry size = %d, want 1 for responsive connection", got)
	}
}

func TestSweepPurgesIdleParticipantAndCache(t *testing.T) {
	r := NewRegistry(nil)
	cache := NewArtifactCache(3)

	c := r.Add(&fakeSender{})
	r.IdentifyEdge(c, "drv-1", "Ada")
	cache.Put(protocol.VideoFrame{ParticipantID: "drv-1", Payload: "x"})
	r.Remove(c)

	// Backdate the participant past the idle threshold.
	r.mu.Lock()
	r.participants["drv-1"].lastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	var purged []string
	r.sweep(&SweepConfig{
		IdleThreshold: 15 * time.Minute,
		OnPurged: func(id string) {
			purged = append(purged, id)
			cache.Drop(id)
		},
	})

	if len(purged) != 1 || purged[0] != "drv-1" {
		t.Fatalf("purged = %v, want [drv-1]", purged)
	}
	if got := len(r.Drivers()); got != 0 {
		t.Errorf("roster size = %d after sweep, want 0", got)
	}
	if got := cache.Len(); got != 0 {
		t.Errorf("cache size = %d after sweep, want 0", got)
	}
}

func TestSweepKeepsConnectedParticipant(t *testing.T) {
	r := NewRegistry(nil)
	c := r.Add(&fakeSender{})
	r.IdentifyEdge(c, "drv-1", "")

	r.mu.Lock()
	r.participants["drv-1"].lastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.sweep(&SweepConfig{IdleThreshold: 15 * time.Minute})

	if got := len(r.Drivers()); got != 1 {
		t.Errorf("connected participant swept despite live socket")
	}
}

func TestRegistryReturnsToPreConnectionSize(t *testing.T) {
	r := NewRegistry(nil)

	var conns []*Conn
	for i := 0; i < 5; i++ {
		conns = append(conns, r.Add(&fakeSender{}))
	}
	r.IdentifyEdge(conns[0], "drv-1", "")
	r.IdentifyObserver(conns[1])

	for _, c := range conns {
		r.Remove(c)
	}

	if got := r.Len(); got != 0 {
		t.Errorf("registry size = %d after closing all, want 0", got)
	}
	if got := len(r.Observers()); got != 0 {
		t.Errorf("observer count = %d after closing all, want 0", got)
	}
}

func TestEdgeLookupIgnoresClosedConnections(t *testing.T) {
	r := NewRegistry(nil)
	c := r.Add(&fakeSender{})
	r.IdentifyEdge(c, "drv-1", "")
	r.Remove(c)

	if _, ok := r.Edge("drv-1"); ok {
		t.Error("closed connection still resolvable as edge")
	}
}

func TestArtifactCacheFIFOEviction(t *testing.T) {
	cache := NewArtifactCache(2)
	for _, payload := range []string{"a", "b", "c"} {
		cache.Put(protocol.VideoFrame{ParticipantID: "drv-1", Payload: payload})
	}

	frame, ok := cache.Latest("drv-1")
	if !ok {
		t.Fatal("no cached frame")
	}
	if frame.Payload != "c" {
		t.Errorf("latest = %q, want c", frame.Payload)
	}

	cache.mu.RLock()
	depth := len(cache.frames["drv-1"])
	cache.mu.RUnlock()
	if depth != 2 {
		t.Errorf("window depth = %d, want 2", depth)
	}
}

func TestArtifactCacheMissForUnknownParticipant(t *testing.T) {
	cache := NewArtifactCache(2)
	if _, ok := cache.Latest("nobody"); ok {
		t.Error("cache hit for participant never seen")
	}
}
