package hub

import (
	"sync"

	"github.com/snrraptopack/fatigue/internal/protocol"
)

// defaultCacheDepth is how many recent frames are kept per participant.
const defaultCacheDepth = 8

// ArtifactCache keeps the last N frames per participant, FIFO by arrival,
// so a late-joining observer can be shown something immediately instead of
// waiting for the next frame.
type ArtifactCache struct {
	depth int

	mu     sync.RWMutex
	frames map[string][]protocol.VideoFrame
}

// NewArtifactCache creates a cache keeping depth frames per participant;
// depth <= 0 uses the default.
func NewArtifactCache(depth int) *ArtifactCache {
	if depth <= 0 {
		depth = defaultCacheDepth
	}
	return &ArtifactCache{
		depth:  depth,
		frames: make(map[string][]protocol.VideoFrame),
	}
}

// Put appends a frame, evicting the oldest once the participant's window
// is full.
func (c *ArtifactCache) Put(frame protocol.VideoFrame) {
	if frame.ParticipantID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.frames[frame.ParticipantID]
	window = append(window, frame)
	if len(window) > c.depth {
		window = window[len(window)-c.depth:]
	}
	c.frames[frame.ParticipantID] = window
}

// Latest returns the most recent cached frame for a participant.
func (c *ArtifactCache) Latest(participantID string) (protocol.VideoFrame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	window := c.frames[participantID]
	if len(window) == 0 {
		return protocol.VideoFrame{}, false
	}
	return window[len(window)-1], true
}

// Drop removes every cached frame for a participant. Called by the idle
// sweep and when an edge connection is purged.
func (c *ArtifactCache) Drop(participantID string) {
	c.mu.Lock()
	delete(c.frames, participantID)
	c.mu.Unlock()
}

// Len reports how many participants currently have cached frames.
func (c *ArtifactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}
