package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/origin"
	"github.com/wilsonzlin/quickdrop/internal/ratelimit"
	"github.com/wilsonzlin/quickdrop/internal/store"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultStoreTimeout         = 5 * time.Second
)

// Config wires the relay's runtime dependencies.
type Config struct {
	Store   *store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Origins gates the WebSocket upgrade for browser clients.
	Origins origin.Policy

	MaxMessageBytes      int64
	MaxMessagesPerSecond int // 0 disables rate limiting

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// StoreTimeout bounds each session store call.
	StoreTimeout time.Duration

	// Clock drives the per-connection rate limiter.
	Clock clock.Clock
}

// Server is the signaling relay.
type Server struct {
	cfg      Config
	store    *store.Store
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*wsConn
	groups map[string]map[string]*wsConn
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond < 0 {
		cfg.MaxMessagesPerSecond = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Server{
		cfg:     cfg,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		conns:   make(map[string]*wsConn),
		groups:  make(map[string]map[string]*wsConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := s.cfg.Origins.Check(r)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close drops every live connection. Hijacked WebSockets are not covered by
// http.Server.Shutdown, so callers run this during shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

// ConnectionCount returns the number of live WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	id := uuid.NewString()
	c := &wsConn{
		srv:  s,
		id:   id,
		conn: conn,
		log:  s.log.With("endpoint_id", id),
		done: make(chan struct{}),
	}
	if n := s.cfg.MaxMessagesPerSecond; n > 0 {
		c.limiter = ratelimit.NewTokenBucket(s.cfg.Clock, int64(n), int64(n))
	}

	if !s.register(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}
	c.run()
}

func (s *Server) register(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) lookup(id string) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// joinGroup records c as a member of code's broadcast group. The endpoint
// that created the session joins as its sender.
func (s *Server) joinGroup(code string, c *wsConn, sender bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(code, c)
	c.isSender = sender
}

// joinLive adds c to code's group only while the session's sender is still
// connected and in that group.
func (s *Server) joinLive(code, senderID string, c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender := s.conns[senderID]
	if sender == nil || sender.sessionCode != code || !sender.isSender {
		return false
	}
	s.addLocked(code, c)
	c.isSender = false
	return true
}

func (s *Server) addLocked(code string, c *wsConn) {
	g := s.groups[code]
	if g == nil {
		g = make(map[string]*wsConn)
		s.groups[code] = g
	}
	g[c.id] = c
	c.sessionCode = code
}

func (s *Server) sessionOf(c *wsConn) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.sessionCode
}

// members returns the group for code, excluding the connection with id
// except when except is empty.
func (s *Server) members(code, except string) []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[code]
	out := make([]*wsConn, 0, len(g))
	for id, c := range g {
		if id != except {
			out = append(out, c)
		}
	}
	return out
}

// unregister removes c from the connection table and its group. It returns
// the session code c belonged to and the members still in the group. A
// departing sender dissolves the group, so those members are free to create
// or join another session.
func (s *Server) unregister(c *wsConn) (string, []*wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
	code := c.sessionCode
	c.sessionCode = ""
	if code == "" {
		return "", nil
	}

	g := s.groups[code]
	delete(g, c.id)
	peers := make([]*wsConn, 0, len(g))
	for _, m := range g {
		peers = append(peers, m)
		if c.isSender {
			m.sessionCode = ""
		}
	}
	if len(g) == 0 || c.isSender {
		delete(s.groups, code)
	}
	c.isSender = false
	return code, peers
}

func (s *Server) broadcast(code, except string, env Envelope) {
	for _, m := range s.members(code, except) {
		if err := m.send(env); err != nil {
			m.log.Debug("broadcast failed", "event", env.Event, "err", err)
		}
	}
}

func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
}

func mustEnvelope(event string, ack uint64, data any) Envelope {
	env, err := NewEnvelope(event, ack, data)
	if err != nil {
		// Every payload type here is a plain struct of strings and raw JSON.
		panic(err)
	}
	return env
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}
