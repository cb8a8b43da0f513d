package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 16 * 1024

	// Outbound queue depth per connection.
	sendDepth = 256
)

// Transport-level flood guard, independent of the per-courier business
// limiter. Generous enough that a legal client never hits it.
const (
	floodRate  = 50
	floodBurst = 100
)

type role int

const (
	roleUnclassified role = iota
	roleCourier
	roleDashboard
)

// Conn is one websocket connection. A connection carries no state until
// its first application message classifies it as a courier or a
// dashboard. Handlers for one connection run one at a time off readPump;
// writes are serialized through the send channel.
type Conn struct {
	id   string
	sock *websocket.Conn
	hub  *Hub
	log  zerolog.Logger

	// ambient context of the underlying HTTP request; store calls hang
	// off it so a closed connection cannot wedge a handler
	ctx context.Context

	ip      string
	send    chan []byte
	kill    chan struct{}
	flood   *rate.Limiter
	closing sync.Once

	// owned by readPump, no lock needed
	role      role
	courierID string
	branchID  string
}

func newConn(ctx context.Context, sock *websocket.Conn, h *Hub, ip string) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:    id,
		sock:  sock,
		hub:   h,
		log:   h.log.With().Str("conn", id).Logger(),
		ctx:   ctx,
		ip:    ip,
		send:  make(chan []byte, sendDepth),
		kill:  make(chan struct{}),
		flood: rate.NewLimiter(rate.Limit(floodRate), floodBurst),
	}
}

func (c *Conn) run() {
	go c.writePump()
	c.readPump()
}

// sendEvent queues an envelope for the client. A full queue drops the
// event rather than stalling the hub; the feed is best-effort.
func (c *Conn) sendEvent(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode payload")
		return
	}
	b, err := json.Marshal(&Envelope{Event: event, Data: data})
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode envelope")
		return
	}
	c.sendRaw(b)
}

func (c *Conn) sendRaw(b []byte) {
	select {
	case c.send <- b:
	default:
		c.log.Warn().Msg("send queue full, dropping event")
	}
}

func (c *Conn) sendError(message string) {
	c.sendEvent(EventError, &ErrorNotice{Message: message})
}

// close tears the connection down once. The hub's disconnect handling
// runs on the readPump exit path instead, so close only stops the pumps.
func (c *Conn) close() {
	c.closing.Do(func() {
		close(c.kill)
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.handleDisconnect(c, "transport closed")
		c.close()
		c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		if !c.flood.Allow() {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.sendError("malformed message")
			continue
		}

		c.hub.dispatch(c, &env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case <-c.kill:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case b := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
