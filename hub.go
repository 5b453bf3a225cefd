package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pixelverse-relay/protocol"
)

const (
	inboundQueue  = 1024
	persistQueue  = 256
	sweepInterval = 5 * time.Second
)

var errHubClosed = errors.New("hub is shutting down")

type inboundFrame struct {
	client *Client
	data   []byte
}

// Hub owns the registry and runs every session transition and inbound
// message on a single goroutine, so a message is fully handled (merged and
// fanned out) before the next one starts.
type Hub struct {
	cfg       Config
	logger    *log.Logger
	registry  *Registry
	out       *Broadcaster
	router    *Router
	resume    *ResumeStore
	auth      *Auth
	db        *DB
	analytics *Analytics

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	kick       chan kickRequest
	stopping   chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	persist    chan func(*DB)
	persistWG  sync.WaitGroup

	// clients is owned by the Run goroutine
	clients map[*Client]bool

	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
	closing    atomic.Bool

	startedAt time.Time
}

type kickRequest struct {
	id    string
	reply chan bool
}

// NewHub creates a hub. db may be nil, in which case nothing is persisted.
func NewHub(cfg Config, db *DB, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	registry := NewRegistry()
	out := NewBroadcaster(registry, logger)
	analytics := NewAnalytics(db)
	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		out:        out,
		router:     NewRouter(registry, out, analytics, logger, cfg.MaxSpeed),
		resume:     NewResumeStore(cfg.ResumeGrace),
		auth:       NewAuth(db, cfg.AdminPasswordHash),
		db:         db,
		analytics:  analytics,
		register:   make(chan *Client),
		unregister: make(chan *Client, 64),
		inbound:    make(chan inboundFrame, inboundQueue),
		kick:       make(chan kickRequest),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		persist:    make(chan func(*DB), persistQueue),
		clients:    make(map[*Client]bool),
		ipConns:    make(map[string]int),
		startedAt:  time.Now(),
	}
	if db != nil {
		h.persistWG.Add(1)
		go h.persistLoop()
	}
	return h
}

// TryAcquire reserves a connection slot for ip. It fails while shutting
// down or when the per-IP or total limit is reached. A successful call must
// be paired with TrackDisconnect.
func (h *Hub) TryAcquire(ip string) bool {
	if h.closing.Load() {
		return false
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= h.cfg.MaxTotalConns || h.ipConns[ip] >= h.cfg.MaxConnsPerIP {
		return false
	}
	h.ipConns[ip]++
	h.totalConns++
	return true
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}

// Join hands a freshly upgraded connection to the hub. It returns once the
// hub has taken c; start the pumps after Join.
func (h *Hub) Join(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return errHubClosed
	}
}

// deliver queues an inbound frame. It returns false once the hub is gone.
func (h *Hub) deliver(c *Client, data []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Kick force-closes a session. It reports whether the session existed.
func (h *Hub) Kick(id string) bool {
	req := kickRequest{id: id, reply: make(chan bool, 1)}
	select {
	case h.kick <- req:
		return <-req.reply
	case <-h.done:
		return false
	}
}

// Run processes lifecycle events and inbound messages until Shutdown has
// closed every connection.
func (h *Hub) Run() {
	defer close(h.done)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	stopping := h.stopping
	for {
		select {
		case c := <-h.register:
			if stopping == nil {
				c.closeWith(websocket.CloseGoingAway, "server shutting down")
				continue
			}
			h.activate(c)

		case c := <-h.unregister:
			h.deactivate(c)
			if stopping == nil && len(h.clients) == 0 {
				return
			}

		case f := <-h.inbound:
			if f.client.state.Load() != stateActive || f.client.id == "" {
				continue
			}
			h.router.Route(f.client.id, f.data)

		case req := <-h.kick:
			p, ok := h.registry.Peer(req.id)
			if ok {
				h.logger.Printf("relay: kicking %s", req.id)
				p.Conn.Close()
			}
			req.reply <- ok

		case <-sweep.C:
			if n := h.resume.Sweep(); n > 0 {
				h.logger.Printf("relay: expired %d parked sessions", n)
			}

		case <-stopping:
			stopping = nil
			h.logger.Printf("relay: closing %d connections", len(h.clients))
			for c := range h.clients {
				c.closeWith(websocket.CloseGoingAway, "server shutting down")
			}
			if len(h.clients) == 0 {
				return
			}
		}
	}
}

// Shutdown closes every connection with a close frame and waits for their
// sessions to end, or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closing.Store(true)
	h.stopOnce.Do(func() { close(h.stopping) })

	select {
	case <-h.done:
	case <-ctx.Done():
		h.analytics.Stop()
		return ctx.Err()
	}
	h.analytics.Stop()
	if h.db != nil {
		close(h.persist)
		h.persistWG.Wait()
	}
	return nil
}

// activate moves a connection from CONNECTING to ACTIVE: the client gets a
// welcome with the current snapshot and every peer gets player_joined.
func (h *Hub) activate(c *Client) {
	h.clients[c] = true

	var view protocol.PlayerView
	resumed := false
	if c.resumeID != "" {
		if parked, ok := h.resume.Claim(c.resumeID); ok && h.registry.Restore(c, parked) {
			view, _ = h.registry.Get(parked.ID)
			resumed = true
		}
	}
	if !resumed {
		id := h.registry.Register(c, c.name)
		view, _ = h.registry.Get(id)
	}
	c.id = view.ID
	c.state.Store(stateActive)

	welcome := protocol.WelcomeMsg{
		PlayerID:        view.ID,
		ProtocolVersion: protocol.Version,
		Players:         h.registry.Others(view.ID),
		Resumed:         resumed,
	}
	if h.resume.Enabled() {
		token, err := h.auth.IssueResumeToken(view.ID, h.cfg.ResumeGrace+h.cfg.PongWait)
		if err != nil {
			h.logger.Printf("relay: resume token for %s: %v", view.ID, err)
		}
		welcome.ResumeToken = token
	}
	h.out.SendTo(view.ID, protocol.Envelope{Type: protocol.MsgWelcome, Data: welcome})
	h.out.Broadcast(protocol.Envelope{Type: protocol.MsgPlayerJoined, Data: protocol.PlayerJoinedMsg{
		PlayerID:  view.ID,
		Name:      view.Name,
		Character: view.Character,
		Position:  view.Position,
		Rotation:  view.Rotation,
		State:     view.State,
		Equipment: view.Equipment,
	}}, view.ID)

	evt := EvtSessionStart
	if resumed {
		evt = EvtSessionResume
	}
	h.track(evt, view.ID)
	h.logger.Printf("relay: %s connected as %s (%s, %s, resumed=%v)", c.remoteAddr, view.ID, view.Name, c.codec.Name(), resumed)

	remote, codec := c.remoteAddr, c.codec.Name()
	h.store(func(db *DB) error {
		return db.RecordSessionStart(view, remote, codec, resumed)
	})
}

// deactivate moves a connection to CLOSED. player_left is broadcast before
// the session is parked, so its id can only come back after peers have
// dropped it.
func (h *Hub) deactivate(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.state.Store(stateClosed)
	c.outbox.Close()

	if c.id == "" {
		return
	}
	view, ok := h.registry.Remove(c.id)
	if !ok {
		return
	}
	h.out.Broadcast(protocol.Envelope{Type: protocol.MsgPlayerLeft, Data: protocol.PlayerLeftMsg{PlayerID: view.ID}}, "")
	h.resume.Park(view)
	h.track(EvtSessionEnd, view.ID)
	h.logger.Printf("relay: %s disconnected", view.ID)

	at := time.Now()
	h.store(func(db *DB) error {
		return db.RecordSessionEnd(view, at)
	})
}

func (h *Hub) track(evt, sessionID string) {
	h.analytics.Track(evt, sessionID, "")
}

// store queues a history write so the hub goroutine never waits on disk.
func (h *Hub) store(fn func(*DB) error) {
	if h.db == nil {
		return
	}
	select {
	case h.persist <- func(db *DB) {
		if err := fn(db); err != nil {
			h.logger.Printf("relay: history write: %v", err)
		}
	}:
	default:
		h.logger.Printf("relay: history queue full, dropping write")
	}
}

func (h *Hub) persistLoop() {
	defer h.persistWG.Done()
	for fn := range h.persist {
		fn(h.db)
	}
}

// Registry exposes the session registry for read-only HTTP views.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// dropCounter is implemented by connections with a bounded outbound queue.
type dropCounter interface {
	Dropped() uint64
}

// QueueDrops returns the overflowed frame count of every live session that
// has dropped at least one frame.
func (h *Hub) QueueDrops() map[string]uint64 {
	drops := make(map[string]uint64)
	for _, p := range h.registry.Peers() {
		dc, ok := p.Conn.(dropCounter)
		if !ok {
			continue
		}
		if n := dc.Dropped(); n > 0 {
			drops[p.ID] = n
		}
	}
	return drops
}
