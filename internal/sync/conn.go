package sync

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 1 << 20
	sendQueueSize  = 64

	// Cursor events are high-frequency and individually worthless, so
	// the server enforces its own ceiling on top of client throttling.
	cursorRate  = 25
	cursorBurst = 5
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn is one websocket participant. A single reader goroutine and a
// single writer goroutine per connection give per-sender FIFO delivery.
type conn struct {
	hub           *Hub
	ws            *websocket.Conn
	sendq         chan Frame
	boardID       string
	participantID string
	cursorLimit   *rate.Limiter
}

func (c *conn) deliver(f Frame) bool {
	select {
	case c.sendq <- f:
		return true
	default:
		return false
	}
}

// ServeWS upgrades the request and runs the connection until the client
// leaves or the transport fails. The participant identity comes from the
// authenticated session, not from the socket payload.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, participantID, displayName string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sync: upgrade failed for %s: %v", participantID, err)
		return
	}

	c := &conn{
		hub:           h,
		ws:            ws,
		sendq:         make(chan Frame, sendQueueSize),
		participantID: participantID,
		cursorLimit:   rate.NewLimiter(rate.Limit(cursorRate), cursorBurst),
	}

	go c.writePump()
	c.readPump(displayName)
}

func (c *conn) readPump(displayName string) {
	defer func() {
		if c.boardID != "" {
			c.hub.Leave(c.boardID, c.participantID)
		}
		close(c.sendq)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			// Unclean disconnect: the deferred Leave covers it.
			return
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			log.Printf("sync: bad frame from %s: %v", c.participantID, err)
			continue
		}
		// The session identity wins over whatever the payload claims.
		frame.ParticipantID = c.participantID
		frame.DisplayName = displayName

		switch frame.Type {
		case EventJoin:
			if c.boardID != "" {
				c.hub.Leave(c.boardID, c.participantID)
			}
			c.boardID = frame.BoardID
			c.hub.Join(frame.BoardID, c.participantID, displayName, c)
		case EventLeave:
			return
		case EventSceneDelta:
			if c.boardID == "" {
				continue
			}
			frame.BoardID = c.boardID
			c.hub.Broadcast(context.Background(), frame)
		case EventCursor:
			if c.boardID == "" || !c.cursorLimit.Allow() {
				continue
			}
			frame.BoardID = c.boardID
			c.hub.Broadcast(context.Background(), frame)
		case EventParticipantCount:
			// Rejected at decode time; nothing to do.
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sendq:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
