package transport

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// Default hub constants.
const (
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 4 * 1024 * 1024
	DefaultPingPeriod      = 30 * time.Second
	DefaultOutboxSize      = 64
)

// ErrPeerUnknown is returned when sending to a peer with no open connection.
var ErrPeerUnknown = errors.New("peer has no open connection")

// ErrOutboxFull is returned when a peer is not draining its frames. The
// peer is disconnected.
var ErrOutboxFull = errors.New("peer outbox full")

// Handler receives peer events. Calls come from per-connection goroutines;
// implementations hand them to a single consumer.
type Handler interface {
	PeerConnected(peer string)
	PeerDisconnected(peer string)
	PeerFrame(peer string, f Frame)
}

// HubConfig tunes a Hub. Zero values pick defaults.
type HubConfig struct {
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	PingPeriod      time.Duration
	OutboxSize      int
}

func (c *HubConfig) defaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
}

// Hub accepts worker connections and routes frames to and from them.
type Hub struct {
	cfg      HubConfig
	handler  Handler
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peerConn
}

type peerConn struct {
	id     string
	conn   *websocket.Conn
	outbox chan Frame
	done   chan struct{}
	once   sync.Once
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// NewHub creates a hub delivering peer events to h.
func NewHub(h Handler, cfg HubConfig) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:     cfg,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
}

// ServeHTTP upgrades a worker connection. The peer id comes from the
// "peer" query parameter and must not already be connected.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "peer query parameter is required", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	_, taken := h.peers[peer]
	h.mu.Unlock()
	if taken {
		http.Error(w, fmt.Sprintf("peer %q already connected", peer), http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[transport] upgrade %s: %v", peer, err)
		return
	}
	pc := &peerConn{id: peer, conn: conn, outbox: make(chan Frame, h.cfg.OutboxSize), done: make(chan struct{})}

	h.mu.Lock()
	if _, taken := h.peers[peer]; taken {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "peer already connected"))
		conn.Close()
		return
	}
	h.peers[peer] = pc
	h.mu.Unlock()

	log.Printf("[transport] peer %s connected from %s", peer, r.RemoteAddr)
	h.handler.PeerConnected(peer)
	go h.writeLoop(pc)
	h.readLoop(pc)
}

func (h *Hub) readLoop(pc *peerConn) {
	defer func() {
		pc.close()
		h.mu.Lock()
		if h.peers[pc.id] == pc {
			delete(h.peers, pc.id)
		}
		h.mu.Unlock()
		log.Printf("[transport] peer %s disconnected", pc.id)
		h.handler.PeerDisconnected(pc.id)
	}()

	pc.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	readWait := 2 * h.cfg.PingPeriod
	pc.conn.SetReadDeadline(time.Now().Add(readWait))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var f Frame
		if err := pc.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[transport] read %s: %v", pc.id, err)
			}
			return
		}
		pc.conn.SetReadDeadline(time.Now().Add(readWait))
		metrics.TransportMessages.WithLabelValues(string(f.Type)).Inc()
		h.handler.PeerFrame(pc.id, f)
	}
}

func (h *Hub) writeLoop(pc *peerConn) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-pc.outbox:
			pc.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := pc.conn.WriteJSON(f); err != nil {
				metrics.TransportSendFailures.WithLabelValues(string(f.Type)).Inc()
				log.Printf("[transport] write %s to %s: %v", f.Type, pc.id, err)
				pc.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				pc.close()
				return
			}
		case <-pc.done:
			return
		}
	}
}

// Send queues a frame for a peer without blocking. A peer whose outbox is
// full is disconnected, which hands its tasks back to the orchestrator.
func (h *Hub) Send(peer string, f Frame) error {
	h.mu.Lock()
	pc, ok := h.peers[peer]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peer)
	}
	select {
	case pc.outbox <- f:
		return nil
	case <-pc.done:
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peer)
	default:
		log.Printf("[transport] peer %s is not draining frames, disconnecting", peer)
		pc.close()
		return fmt.Errorf("%w: %s", ErrOutboxFull, peer)
	}
}

// Execute delivers network actions. Failures are logged and counted. A
// payload lost to a full outbox or a closed connection is recovered through
// that peer's disconnect, which requeues its tasks.
func (h *Hub) Execute(actions []domain.NetworkAction) int {
	failed := 0
	for _, a := range actions {
		f, err := FrameFor(a)
		if err == nil {
			err = h.Send(a.Peer, f)
		}
		if err != nil {
			failed++
			metrics.TransportSendFailures.WithLabelValues(string(a.Kind)).Inc()
			log.Printf("[transport] %s to %s: %v", a.Kind, a.Peer, err)
		}
	}
	return failed
}

// Connected reports whether peer has an open connection.
func (h *Hub) Connected(peer string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[peer]
	return ok
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close drops every connection. Each drop is reported to the handler.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peerConn, 0, len(h.peers))
	for _, pc := range h.peers {
		peers = append(peers, pc)
	}
	h.mu.Unlock()
	for _, pc := range peers {
		pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "node shutting down"),
			time.Now().Add(time.Second))
		pc.close()
	}
}
