package sync

import (
	"sync"
	"time"

	"easel/api/internal/scene"
)

// The components in this file run on the client side of the channel.
// They encode the broadcast discipline every participant must follow:
// don't echo received deltas back, don't spam micro-edits, and don't
// let a remote delta truncate an in-progress gesture.

// Coalescer batches outgoing scene broadcasts. A change is only worth
// sending when the content digest moved (camera and tool changes don't
// move it), and real changes are debounced so a burst of micro-edits
// becomes one message.
type Coalescer struct {
	mu         sync.Mutex
	delay      time.Duration
	emit       func(scene.Delta)
	lastDigest string
	pending    *scene.Delta
	timer      *time.Timer
}

func NewCoalescer(delay time.Duration, emit func(scene.Delta)) *Coalescer {
	return &Coalescer{delay: delay, emit: emit}
}

// Observe is called from the local change-detection path on every scene
// mutation. The latest snapshot wins; older pending ones are replaced.
func (c *Coalescer) Observe(snap scene.Snapshot) {
	digest := snap.Digest()
	c.mu.Lock()
	defer c.mu.Unlock()
	if digest == c.lastDigest {
		return
	}
	delta := snap.Delta()
	c.pending = &delta
	c.lastDigest = digest
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, c.fire)
	} else {
		c.timer.Reset(c.delay)
	}
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	delta := c.pending
	c.pending = nil
	c.mu.Unlock()
	if delta != nil {
		c.emit(*delta)
	}
}

// Flush emits any pending delta immediately. Used on page unload.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.fire()
}

// SuppressGate breaks echo loops. Applying a remote delta trips the same
// change detection that normally triggers a broadcast; the gate holds
// outgoing traffic for a short window after each remote apply so the
// relay is not bounced straight back.
type SuppressGate struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func NewSuppressGate() *SuppressGate {
	return &SuppressGate{now: time.Now}
}

// Suppress opens the window. Called immediately after applying a remote
// delta.
func (g *SuppressGate) Suppress(window time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if deadline := g.now().Add(window); deadline.After(g.until) {
		g.until = deadline
	}
}

// Suppressed reports whether outgoing broadcasts are currently held.
func (g *SuppressGate) Suppressed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.until)
}

// DeferredApplier holds back remote deltas while the local user is
// mid-gesture, since replacing the element collection under an active
// drag or text edit truncates it. Only the newest pending delta is kept;
// Merge makes intermediate ones redundant.
type DeferredApplier struct {
	mu      sync.Mutex
	pending *scene.Delta
	busy    func() bool
	apply   func(scene.Delta)
}

// NewDeferredApplier wires the gesture probe and the apply sink. busy
// reports whether a gesture (draw, drag, resize, rotate, text edit) is
// in progress.
func NewDeferredApplier(busy func() bool, apply func(scene.Delta)) *DeferredApplier {
	return &DeferredApplier{busy: busy, apply: apply}
}

// Receive handles an incoming remote delta: applied immediately when
// idle, otherwise queued as the single pending delta.
func (d *DeferredApplier) Receive(delta scene.Delta) {
	d.mu.Lock()
	if d.busy() {
		d.pending = &delta
		d.mu.Unlock()
		return
	}
	d.pending = nil
	d.mu.Unlock()
	d.apply(delta)
}

// Tick is the periodic idle check. It applies the pending delta once the
// gesture has ended.
func (d *DeferredApplier) Tick() {
	d.mu.Lock()
	if d.pending == nil || d.busy() {
		d.mu.Unlock()
		return
	}
	delta := *d.pending
	d.pending = nil
	d.mu.Unlock()
	d.apply(delta)
}

// RemoteCursor is a peer's pointer as last seen locally.
type RemoteCursor struct {
	ParticipantID string
	DisplayName   string
	Position      CursorPosition
	seenAt        time.Time
}

// CursorTracker keeps remote cursors for display and expires ones that
// have gone quiet.
type CursorTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	cursors map[string]RemoteCursor
	now     func() time.Time
}

func NewCursorTracker(ttl time.Duration) *CursorTracker {
	return &CursorTracker{ttl: ttl, cursors: make(map[string]RemoteCursor), now: time.Now}
}

func (t *CursorTracker) Observe(participantID, displayName string, pos CursorPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[participantID] = RemoteCursor{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Position:      pos,
		seenAt:        t.now(),
	}
}

// Active prunes stale cursors and returns the live ones.
func (t *CursorTracker) Active() []RemoteCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	out := make([]RemoteCursor, 0, len(t.cursors))
	for id, c := range t.cursors {
		if c.seenAt.Before(cutoff) {
			delete(t.cursors, id)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Drop removes a cursor when its participant leaves.
func (t *CursorTracker) Drop(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, participantID)
}
