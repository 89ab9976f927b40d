package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blocktest.dev/internal/protocol"
	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/session"
	"blocktest.dev/internal/sim/tuning"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

// Policy may veto an otherwise valid edit by returning an error code.
// current is the block the cell holds before the edit.
type Policy func(clientID string, in intent.Intent, current string) string

type Config struct {
	// Token, when set, must match the token in every HELLO.
	Token    string
	Tuning   tuning.Tuning
	Registry *blocks.Registry
	// World nil starts from the default flat world.
	World     *grid.Grid
	SessionID string

	OutQueue     int
	PingInterval time.Duration
	Policy       Policy
	Logger       *log.Logger
}

type Stats struct {
	Clients  int
	Edits    uint64
	Accepted uint64
	Rejected uint64
	Resyncs  uint64
	Kicked   uint64
	// Duplicates counts edits re-acked without being applied again.
	Duplicates uint64
}

// Server is a development relay: it owns one authoritative world, applies
// EDITs in arrival order and fans the result out to every connected client.
// Ticks are never shared between clients; each UPDATE and WORLD is stamped
// with the recipient's own last edit tick.
type Server struct {
	cfg       Config
	log       *log.Logger
	reg       *blocks.Registry
	sessionID string

	upgrader websocket.Upgrader

	mu      sync.Mutex
	world   *grid.Grid
	clients map[string]*client
	// lastTicks remembers departed clients so a reconnect resumes its tick domain.
	lastTicks map[string]uint64
	stats     Stats
}

type client struct {
	id       string
	name     string
	out      chan []byte
	kick     context.CancelFunc
	lastTick uint64
	// applied holds the edits accepted at lastTick, keyed by cell.
	applied map[grid.Cell]intent.Intent
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("relay: nil registry")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if cfg.OutQueue <= 0 {
		cfg.OutQueue = 1024
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	world := cfg.World
	if world == nil {
		var err error
		if world, err = session.DefaultWorld(cfg.Registry, cfg.Tuning); err != nil {
			return nil, err
		}
	} else {
		world = world.Clone()
	}
	if world.MaxX() != cfg.Tuning.MaxX || world.MaxY() != cfg.Tuning.MaxY {
		return nil, fmt.Errorf("relay: world is %dx%d, tuning wants %dx%d", world.MaxX(), world.MaxY(), cfg.Tuning.MaxX, cfg.Tuning.MaxY)
	}

	id := cfg.SessionID
	if id == "" {
		id = newID()
	}
	return &Server{
		cfg:       cfg,
		log:       logger,
		reg:       cfg.Registry,
		sessionID: id,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		world:     world,
		clients:   map[string]*client{},
		lastTicks: map[string]uint64{},
	}, nil
}

func (s *Server) SessionID() string { return s.sessionID }

// Digest is the digest of the authoritative world.
func (s *Server) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.Digest()
}

// World returns a copy of the authoritative world.
func (s *Server) World() *grid.Grid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.Clone()
}

func (s *Server) BlockAt(layer grid.Layer, pos grid.Vec2i) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.world.Get(layer, pos)
	if err != nil {
		return ""
	}
	return s.reg.UID(id)
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Clients = len(s.clients)
	return st
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := s.handshake(conn, cancel)
		if c == nil {
			return
		}
		s.log.Printf("client %s (%s) joined at tick %d", c.id, c.name, c.lastTick)

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(ctx, conn, c)
		}()

		// Reader loop.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleMessage(c, msg)
		}
		cancel()
		<-writerDone

		// Cleanup.
		s.mu.Lock()
		if s.clients[c.id] == c {
			delete(s.clients, c.id)
			s.lastTicks[c.id] = c.lastTick
		}
		s.mu.Unlock()
		s.log.Printf("client %s left", c.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn, kick context.CancelFunc) *client {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return nil
	}
	if !protocol.IsSupportedVersion(hello.ProtocolVersion) {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if s.cfg.Token != "" {
		token := ""
		if hello.Auth != nil {
			token = strings.TrimSpace(hello.Auth.Token)
		}
		if token != s.cfg.Token {
			_ = writeJSON(conn, errorMsg(protocol.ErrBadAuth, "invalid token"))
			closeWith(conn, websocket.ClosePolicyViolation, "bad auth")
			return nil
		}
	}

	c := &client{
		id:       strings.TrimSpace(hello.ClientID),
		name:     hello.ClientName,
		out:      make(chan []byte, s.cfg.OutQueue),
		kick:     kick,
		lastTick: hello.LastTick,
		applied:  map[grid.Cell]intent.Intent{},
	}
	if c.id == "" {
		c.id = newID()
	}
	if c.name == "" {
		c.name = "client"
	}

	s.mu.Lock()
	if t := s.lastTicks[c.id]; t > c.lastTick {
		c.lastTick = t
	}
	if old := s.clients[c.id]; old != nil {
		// Same client reconnecting before the old socket timed out.
		old.kick()
		if old.lastTick > c.lastTick {
			c.lastTick = old.lastTick
		}
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.sessionID,
		ClientID:        c.id,
		PaletteDigest:   s.reg.PaletteDigest(),
		BlockCount:      s.reg.Len(),
		MaxX:            s.cfg.Tuning.MaxX,
		MaxY:            s.cfg.Tuning.MaxY,
		GridSize:        s.cfg.Tuning.GridSize,
		TickRateHz:      s.cfg.Tuning.TickRateHz,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.mu.Lock()
		if s.clients[c.id] == c {
			delete(s.clients, c.id)
		}
		s.mu.Unlock()
		return nil
	}
	return c
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks the reader when the client is kicked.
			_ = conn.Close()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.kick()
				return
			}
		case b := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.kick()
				return
			}
		}
	}
}

func (s *Server) handleMessage(c *client, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.mu.Lock()
		s.send(c, errorMsg(protocol.ErrProtoBadRequest, "bad json"))
		s.mu.Unlock()
		return
	}
	if !protocol.IsSupportedVersion(base.ProtocolVersion) {
		s.mu.Lock()
		s.send(c, errorMsg(protocol.ErrProtoBadRequest, "bad protocol_version"))
		s.mu.Unlock()
		return
	}
	switch base.Type {
	case protocol.TypeEdit:
		var m protocol.EditMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.mu.Lock()
			s.send(c, errorMsg(protocol.ErrProtoBadRequest, "bad EDIT"))
			s.mu.Unlock()
			return
		}
		s.handleEdit(c, m)
	case protocol.TypeResyncReq:
		s.mu.Lock()
		s.stats.Resyncs++
		s.send(c, protocol.NewWorld(c.lastTick, s.world, s.reg.PaletteDigest()))
		s.mu.Unlock()
	default:
		s.mu.Lock()
		s.send(c, errorMsg(protocol.ErrProtoBadRequest, "unexpected "+base.Type))
		s.mu.Unlock()
	}
}

func (s *Server) handleEdit(c *client, m protocol.EditMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Edits++

	in, err := m.Intent()
	if err != nil {
		s.stats.Rejected++
		s.send(c, errorMsg(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if !s.world.InBounds(in.Pos) {
		s.stats.Rejected++
		s.send(c, errorMsg(protocol.ErrOutOfBounds, fmt.Sprintf("(%d,%d)", in.Pos.X, in.Pos.Y)))
		return
	}
	cell := in.Cell()
	cur, _ := s.world.Get(in.Layer, in.Pos)
	curUID := s.reg.UID(cur)

	reject := func(code string, tick uint64) {
		s.stats.Rejected++
		s.send(c, protocol.NewUpdate(tick, cell, curUID, false, code))
	}
	if in.Tick < c.lastTick {
		reject(protocol.ErrStale, in.Tick)
		return
	}
	if in.Tick > c.lastTick {
		c.lastTick = in.Tick
		clear(c.applied)
	}

	id := blocks.AirID
	if in.Kind == intent.KindPlace {
		if id, err = s.reg.ID(in.BlockUID); err != nil {
			reject(protocol.ErrUnknownBlock, in.Tick)
			return
		}
		in.BlockUID = s.reg.UID(id)
	}
	// A retransmit of an edit already applied at this tick is acked with the
	// current value and not applied twice.
	if prev, ok := c.applied[cell]; ok && prev == in {
		s.stats.Duplicates++
		s.send(c, protocol.NewUpdate(in.Tick, cell, curUID, true, ""))
		return
	}
	if s.cfg.Policy != nil {
		if code := s.cfg.Policy(c.id, in, curUID); code != "" {
			reject(code, in.Tick)
			return
		}
	}

	if err := s.world.Set(in.Layer, in.Pos, id); err != nil {
		reject(protocol.ErrInternal, in.Tick)
		return
	}
	s.stats.Accepted++
	c.applied[cell] = in
	uid := s.reg.UID(id)
	s.send(c, protocol.NewUpdate(in.Tick, cell, uid, true, ""))
	for _, o := range s.clients {
		if o != c {
			s.send(o, protocol.NewUpdate(o.lastTick, cell, uid, true, ""))
		}
	}
}

// send queues v for c. Callers hold s.mu so every client sees updates in the
// order they were applied. A client whose queue is full is disconnected and
// recovers through a resync.
func (s *Server) send(c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal: %v", err)
		return
	}
	select {
	case c.out <- b:
	default:
		s.stats.Kicked++
		s.log.Printf("client %s: out queue full, disconnecting", c.id)
		c.kick()
	}
}

func errorMsg(code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	}
}

func newID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
