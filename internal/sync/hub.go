package sync

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultCursorTTL = 5 * time.Second

// outbox delivers frames to one participant. Implementations must not
// block: a false return means the participant cannot keep up and will be
// removed from the board.
type outbox interface {
	deliver(Frame) bool
}

type member struct {
	id   string
	name string
	out  outbox
}

// board is one broadcast domain. Each board has its own lock, so
// traffic on different boards never contends. A board whose last member
// left is pruned from the hub; pruned marks the orphaned struct so a
// joiner holding a stale pointer retries against the registry.
type board struct {
	mu      sync.Mutex
	members map[string]*member
	cursors *CursorTracker
	pruned  bool
}

// Hub routes channel events between participants of the same board.
// Scene deltas are fanned out verbatim; merging is the receiver's job.
type Hub struct {
	mu        sync.Mutex
	boards    map[string]*board
	bridge    *Bridge
	cursorTTL time.Duration
}

func NewHub() *Hub {
	return &Hub{boards: make(map[string]*board), cursorTTL: defaultCursorTTL}
}

// WithBridge attaches a cross-instance relay. Frames broadcast locally
// are republished through it, and relayed frames re-enter via Relay.
func (h *Hub) WithBridge(b *Bridge) *Hub {
	h.bridge = b
	return h
}

// WithCursorTTL overrides how long a quiet cursor stays visible.
func (h *Hub) WithCursorTTL(ttl time.Duration) *Hub {
	if ttl > 0 {
		h.cursorTTL = ttl
	}
	return h
}

func (h *Hub) board(boardID string) *board {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.boards[boardID]
	if !ok {
		b = &board{members: make(map[string]*member), cursors: NewCursorTracker(h.cursorTTL)}
		h.boards[boardID] = b
	}
	return b
}

// lookup returns the board's entry without creating one. Leave, Count
// and fan-out use it so traffic for an empty board never resurrects it.
func (h *Hub) lookup(boardID string) (*board, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.boards[boardID]
	return b, ok
}

// prune drops the registry entry once the board has no members left.
func (h *Hub) prune(boardID string, b *board) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b.mu.Lock()
	if len(b.members) == 0 && h.boards[boardID] == b {
		b.pruned = true
		delete(h.boards, boardID)
	}
	b.mu.Unlock()
}

// Join adds a participant and pushes the updated count to every member
// of the board, the joiner included. The joiner is also sent the cursors
// still live on the board so it does not start blind.
func (h *Hub) Join(boardID, participantID, displayName string, out outbox) {
	for {
		b := h.board(boardID)
		b.mu.Lock()
		if b.pruned {
			// Lost a race with prune; the registry entry is gone.
			b.mu.Unlock()
			continue
		}
		b.members[participantID] = &member{id: participantID, name: displayName, out: out}
		b.pushCountLocked(boardID)
		for _, cur := range b.cursors.Active() {
			if cur.ParticipantID == participantID {
				continue
			}
			pos := cur.Position
			out.deliver(Frame{
				Type:          EventCursor,
				BoardID:       boardID,
				ParticipantID: cur.ParticipantID,
				DisplayName:   cur.DisplayName,
				Cursor:        &pos,
			})
		}
		b.mu.Unlock()
		return
	}
}

// Leave removes a participant and pushes the updated count. Transport
// failures funnel into the same path, so an unclean disconnect is
// indistinguishable from an explicit leave.
func (h *Hub) Leave(boardID, participantID string) {
	b, ok := h.lookup(boardID)
	if !ok {
		return
	}
	b.mu.Lock()
	if _, ok := b.members[participantID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.members, participantID)
	b.cursors.Drop(participantID)
	b.pushCountLocked(boardID)
	empty := len(b.members) == 0
	b.mu.Unlock()
	if empty {
		h.prune(boardID, b)
	}
}

// Count reports the current number of participants on a board.
func (h *Hub) Count(boardID string) int {
	b, ok := h.lookup(boardID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Broadcast fans a scene-delta or cursor frame out to every member of
// the board except the sender. When a bridge is attached the frame is
// also republished for peers on other instances.
func (h *Hub) Broadcast(ctx context.Context, frame Frame) {
	h.fanOut(frame.BoardID, frame.ParticipantID, frame)
	if h.bridge != nil {
		if err := h.bridge.Publish(ctx, frame); err != nil {
			log.Printf("sync: bridge publish for board %s: %v", frame.BoardID, err)
		}
	}
}

// Relay injects a frame that arrived from another instance. The original
// sender is never a local member, so exclusion by participant ID is
// still correct.
func (h *Hub) Relay(frame Frame) {
	h.fanOut(frame.BoardID, frame.ParticipantID, frame)
}

func (h *Hub) fanOut(boardID, senderID string, frame Frame) {
	b, ok := h.lookup(boardID)
	if !ok {
		return
	}
	b.mu.Lock()
	if frame.Type == EventCursor && frame.Cursor != nil {
		b.cursors.Observe(frame.ParticipantID, frame.DisplayName, *frame.Cursor)
	}
	var dropped []string
	for id, m := range b.members {
		if id == senderID {
			continue
		}
		if !m.out.deliver(frame) {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		log.Printf("sync: dropping slow participant %s on board %s", id, boardID)
		delete(b.members, id)
	}
	if len(dropped) > 0 {
		b.pushCountLocked(boardID)
	}
	empty := len(b.members) == 0
	b.mu.Unlock()
	if empty {
		h.prune(boardID, b)
	}
}

// pushCountLocked sends the membership count to all members. Callers
// hold b.mu.
func (b *board) pushCountLocked(boardID string) {
	frame := countFrame(boardID, len(b.members))
	for _, m := range b.members {
		m.out.deliver(frame)
	}
}
