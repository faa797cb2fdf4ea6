package ws

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultPeerBuffer is the number of messages queued for a peer before it
// is considered too slow and disconnected.
const DefaultPeerBuffer = 256

// HubOptions configures a Hub.
type HubOptions struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// HistoryLimit caps the number of messages replayed to new peers; zero
	// keeps everything. Peers publish their whole log when they connect,
	// so a trimmed history heals once the writers reconnect.
	HistoryLimit int
	// PeerBuffer defaults to DefaultPeerBuffer.
	PeerBuffer int
}

// Hub is an http.Handler that relays operations between websocket peers.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	limit    int
	buffer   int

	mu      sync.Mutex
	peers   map[uuid.UUID]*peer
	history []Message
	closed  bool
}

type peer struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan Message
	// set under Hub.mu once send is closed
	gone bool
}

// NewHub returns a Hub; nil opts means all defaults.
func NewHub(opts *HubOptions) *Hub {
	if opts == nil {
		opts = &HubOptions{}
	}
	h := &Hub{
		log:    opts.Logger,
		limit:  opts.HistoryLimit,
		buffer: opts.PeerBuffer,
		peers:  map[uuid.UUID]*peer{},
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.buffer <= 0 {
		h.buffer = DefaultPeerBuffer
	}
	return h
}

// ServeHTTP upgrades the connection and serves the peer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrading connection to websocket", zap.Error(err))
		return
	}
	p := &peer{id: uuid.New(), conn: conn, send: make(chan Message, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	backlog := append([]Message(nil), h.history...)
	h.peers[p.id] = p
	h.mu.Unlock()
	log := h.log.With(zap.Stringer("peer", p.id), zap.String("remote", r.RemoteAddr))
	log.Info("peer connected", zap.Int("backlog", len(backlog)))

	go h.write(p, backlog, log)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("reading from peer", zap.Error(err))
			}
			break
		}
		if msg.Type != OpsMessage {
			log.Debug("ignoring message", zap.String("type", string(msg.Type)))
			continue
		}
		msg.Replica = p.id
		if !h.broadcast(p, msg) {
			break
		}
	}
	h.drop(p)
	log.Info("peer disconnected")
}

func (h *Hub) write(p *peer, backlog []Message, log *zap.Logger) {
	defer p.conn.Close()
	if err := p.conn.WriteJSON(Message{Type: WelcomeMessage, Replica: p.id}); err != nil {
		log.Warn("writing to peer", zap.Error(err))
		return
	}
	for _, msg := range backlog {
		if err := p.conn.WriteJSON(msg); err != nil {
			log.Warn("writing to peer", zap.Error(err))
			return
		}
	}
	for msg := range p.send {
		if err := p.conn.WriteJSON(msg); err != nil {
			log.Warn("writing to peer", zap.Error(err))
			return
		}
	}
}

// broadcast records msg and queues it for every peer but its sender. It
// reports false if the sender has already been dropped.
func (h *Hub) broadcast(from *peer, msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from.gone {
		return false
	}
	h.history = append(h.history, msg)
	if h.limit > 0 && len(h.history) > h.limit {
		h.history = append([]Message(nil), h.history[len(h.history)-h.limit:]...)
	}
	for id, p := range h.peers {
		if id == msg.Replica {
			continue
		}
		select {
		case p.send <- msg:
		default:
			h.log.Warn("dropping slow peer", zap.Stringer("peer", id))
			h.dropLocked(p)
		}
	}
	return true
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	h.dropLocked(p)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(p *peer) {
	if p.gone {
		return
	}
	p.gone = true
	delete(h.peers, p.id)
	close(p.send)
	// unblocks the peer's reader and any write in progress
	p.conn.Close()
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, p := range h.peers {
		h.dropLocked(p)
	}
}
