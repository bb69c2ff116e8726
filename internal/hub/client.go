package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// A peer that sends nothing (not even a pong) for this long is dropped.
	idleTimeout  = 60 * time.Second
	pingInterval = idleTimeout * 9 / 10

	// Final surges carry free text, so frames can be larger than a pulse.
	maxFrameBytes = 64 * 1024

	outboxSize = 256
)

// Client is a websocket connection from a host page or a controller page.
type Client struct {
	id     string
	conn   *websocket.Conn
	outbox chan []byte
	hub    *Hub

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient wraps an upgraded connection.
func NewClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		hub:    h,
	}
}

// ID identifies the connection in logs.
func (c *Client) ID() string { return c.id }

// Deliver queues data for the writer. Slow clients lose frames rather than
// stalling the hub.
func (c *Client) Deliver(data []byte) (queued bool) {
	// Close can race the closed check; a send on the closed outbox panics.
	defer func() {
		if recover() != nil {
			queued = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

// Close stops the writer. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.outbox)
	})
}

// Serve registers the client and starts its reader and writer. It returns
// immediately.
func (c *Client) Serve() {
	if !c.hub.attach(c) {
		c.hub.log.Debug().Str("id", c.id).Msg("hub stopped, refusing connection")
		_ = c.conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	log := c.hub.log.With().Str("id", c.id).Logger()
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.extendDeadline()

		msg := new(protocol.Message)
		if err := json.Unmarshal(frame, msg); err != nil {
			log.Warn().Err(err).Msg("discarding malformed frame")
			c.hub.Send(c, protocol.TypeError, protocol.ErrorPayload{Message: "malformed message"})
			continue
		}
		c.hub.Submit(c, msg)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		var (
			kind  = websocket.TextMessage
			frame []byte
		)
		select {
		case data, open := <-c.outbox:
			if !open {
				kind = websocket.CloseMessage
			}
			frame = data
		case <-ping.C:
			kind = websocket.PingMessage
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, frame); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}
