package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-booking/internal/metrics"
)

// Client is one authenticated socket in a room.
type Client struct {
	ID     string
	RoomID string
	Send   chan []byte
}

func NewClient(id, roomID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{ID: id, RoomID: roomID, Send: make(chan []byte, buffer)}
}

// roomState is the live membership of one room. mu serialises every
// broadcast into the room.
type roomState struct {
	mu      sync.Mutex
	members map[string]*Client
}

// Hub tracks live rooms. Rooms share nothing but the map that finds them.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*roomState
	logger  zerolog.Logger
	metrics *metrics.RelayMetrics
}

func NewHub(logger zerolog.Logger, m *metrics.RelayMetrics) *Hub {
	return &Hub{
		rooms:   make(map[string]*roomState),
		logger:  logger.With().Str("component", "relay").Logger(),
		metrics: m,
	}
}

// Join adds c to its room, tells the members already there, and queues
// room:joined for c with the ids of those members.
func (h *Hub) Join(c *Client) []string {
	h.mu.Lock()
	r, ok := h.rooms[c.RoomID]
	if !ok {
		r = &roomState{members: make(map[string]*Client)}
		h.rooms[c.RoomID] = r
	}
	r.mu.Lock()
	h.mu.Unlock()
	defer r.mu.Unlock()

	peers := make([]string, 0, len(r.members))
	if joined, err := encode(TypePeerJoined, "", PeerData{PeerID: c.ID}); err == nil {
		for id, m := range r.members {
			peers = append(peers, id)
			h.deliver(m, TypePeerJoined, joined)
		}
	}
	r.members[c.ID] = c

	if welcome, err := encode(TypeRoomJoined, "", RoomJoinedData{PeerID: c.ID, Peers: peers}); err == nil {
		h.deliver(c, TypeRoomJoined, welcome)
	}
	return peers
}

// Leave removes c, tells the remaining members, and closes c.Send. Calling it
// twice is harmless.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[c.RoomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	if _, member := r.members[c.ID]; !member {
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(r.members, c.ID)
	if len(r.members) == 0 {
		delete(h.rooms, c.RoomID)
	}
	h.mu.Unlock()
	defer r.mu.Unlock()

	close(c.Send)

	left, err := encode(TypePeerLeft, "", PeerData{PeerID: c.ID})
	if err != nil {
		return
	}
	for _, m := range r.members {
		h.deliver(m, TypePeerLeft, left)
	}
}

// Forward sends frame to every member of from's room except from itself.
func (h *Hub) Forward(from *Client, eventType string, frame []byte) int {
	h.mu.Lock()
	r, ok := h.rooms[from.RoomID]
	h.mu.Unlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, member := r.members[from.ID]; !member {
		return 0
	}

	sent := 0
	for id, m := range r.members {
		if id == from.ID {
			continue
		}
		if h.deliver(m, eventType, frame) {
			sent++
		}
	}
	return sent
}

// deliver never blocks: a full queue means the frame is lost for that member.
func (h *Hub) deliver(c *Client, eventType string, frame []byte) bool {
	select {
	case c.Send <- frame:
		h.metrics.ObserveFrame(eventType, "forwarded")
		return true
	default:
		h.metrics.ObserveFrame(eventType, "dropped")
		h.logger.Warn().
			Str("room_id", c.RoomID).
			Str("peer_id", c.ID).
			Str("type", eventType).
			Msg("send queue full, frame dropped")
		return false
	}
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) MemberCount(roomID string) int {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
