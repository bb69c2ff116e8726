// Package hub is the real-time publish/subscribe fabric. Members join rooms
// keyed by host identity ("host:<uid>") and session slug ("session:<slug>");
// publishing to a room delivers to whoever is in it at that instant.
package hub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Inbound queue size - large enough to buffer bursts of typed pulses
	inboundQueueSize = 1024

	// Panic recovery delay before restarting
	panicRecoveryDelay = 100 * time.Millisecond
)

// Member is anything that can sit in a room.
type Member interface {
	ID() string
	// Deliver queues an encoded event. Returns false if the member is gone
	// or its buffer is full.
	Deliver(data []byte) bool
}

// Handler receives inbound events and departures. Both are called from the
// hub's run loop, one at a time.
type Handler interface {
	HandleMessage(ctx context.Context, from Member, msg *protocol.Message)
	// HandleLeave is called after a member is removed from all rooms.
	// emptied lists the rooms it left behind with no members.
	HandleLeave(ctx context.Context, m Member, emptied []string)
}

type inbound struct {
	from Member
	msg  *protocol.Message
}

// Hub maintains room membership and routes inbound events to the handler.
type Hub struct {
	log     zerolog.Logger
	handler Handler

	// Channels for registration/unregistration
	register   chan *Client
	unregister chan Member

	// Events from clients, processed in order by the run loop
	inbound chan inbound

	// Closed when Run returns; nothing receives on register/unregister after.
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.RWMutex
	rooms   map[string]map[Member]struct{}
	joined  map[Member]map[string]struct{}
	clients map[*Client]struct{}
}

// New creates a new Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		register:   make(chan *Client),
		unregister: make(chan Member),
		inbound:    make(chan inbound, inboundQueueSize),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[Member]struct{}),
		joined:     make(map[Member]map[string]struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// SetHandler wires the event handler. Must be called before Run.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// Run starts the hub's main loop with panic recovery and context support.
func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		if err := h.runLoop(ctx); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				h.log.Info().Msg("hub shutting down gracefully")
				return
			}
			h.log.Error().Err(err).Msg("hub loop crashed, restarting...")
			time.Sleep(panicRecoveryDelay)
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.log.Debug().Str("id", client.ID()).Msg("client registered")

		case m := <-h.unregister:
			h.Leave(ctx, m)

		case in := <-h.inbound:
			if h.handler != nil {
				h.handler.HandleMessage(ctx, in.from, in.msg)
			}
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(m Member) {
	select {
	case h.unregister <- m:
	case <-h.done:
	}
}

// Leave removes m from every room and reports the rooms it emptied.
func (h *Hub) Leave(ctx context.Context, m Member) {
	h.mu.Lock()
	var emptied []string
	for topic := range h.joined[m] {
		room := h.rooms[topic]
		delete(room, m)
		if len(room) == 0 {
			delete(h.rooms, topic)
			emptied = append(emptied, topic)
		}
	}
	delete(h.joined, m)
	client, isClient := m.(*Client)
	if isClient {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	// Close outside the lock
	if isClient {
		client.Close()
	}

	h.log.Debug().Str("id", m.ID()).Strs("emptied", emptied).Msg("member left")

	if h.handler != nil {
		h.handler.HandleLeave(ctx, m, emptied)
	}
}

// Join adds m to each topic.
func (h *Hub) Join(m Member, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.joined[m] == nil {
		h.joined[m] = make(map[string]struct{})
	}
	for _, topic := range topics {
		room := h.rooms[topic]
		if room == nil {
			room = make(map[Member]struct{})
			h.rooms[topic] = room
		}
		room[m] = struct{}{}
		h.joined[m][topic] = struct{}{}
	}
}

// RoomSize returns the number of members currently in topic.
func (h *Hub) RoomSize(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// Publish delivers an event to every current member of topic.
func (h *Hub) Publish(topic, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	members := make([]Member, 0, len(h.rooms[topic]))
	for m := range h.rooms[topic] {
		members = append(members, m)
	}
	h.mu.RUnlock()

	for _, m := range members {
		if !m.Deliver(data) {
			h.log.Debug().Str("topic", topic).Str("id", m.ID()).Msg("member not accepting events")
		}
	}
}

// Send delivers an event to a single member. A nil member is ignored.
func (h *Hub) Send(to Member, msgType string, payload any) {
	if to == nil {
		return
	}
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode event")
		return
	}
	to.Deliver(data)
}

// Submit queues an inbound event for the run loop. Drops with a warning if
// the queue is full.
func (h *Hub) Submit(from Member, msg *protocol.Message) {
	select {
	case h.inbound <- inbound{from: from, msg: msg}:
	default:
		h.log.Warn().Str("id", from.ID()).Str("type", msg.Type).Msg("inbound queue full, dropping event")
	}
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
