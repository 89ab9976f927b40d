package netclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"blocktest.dev/internal/protocol"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/tuning"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	URL        string
	Token      string
	ClientName string
	// PaletteDigest, when set, must equal the digest in the server's WELCOME.
	PaletteDigest string

	SendQueue      int
	SendRatePerSec float64
	SendBurst      int
	InboundQueue   int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	CloseFlush   time.Duration

	Logger *log.Logger
}

func ConfigFromTuning(t tuning.Tuning, paletteDigest string) Config {
	return Config{
		URL:            t.ServerURL,
		Token:          t.AuthToken,
		PaletteDigest:  paletteDigest,
		SendQueue:      t.SendQueue,
		SendRatePerSec: float64(t.SendRatePerSec),
		SendBurst:      t.SendBurst,
		InboundQueue:   t.InboundQueue,
		ReconnectMin:   t.ReconnectMin(),
		ReconnectMax:   t.ReconnectMax(),
		CloseFlush:     t.CloseFlush(),
	}
}

// Inbound is one authoritative message waiting for the simulation goroutine.
// Exactly one field is set.
type Inbound struct {
	Update *protocol.UpdateMsg
	World  *protocol.WorldMsg
}

// Client keeps a websocket session to the relay alive and moves edits out and
// authoritative updates in. It never touches the world itself.
type Client struct {
	cfg      Config
	logger   *log.Logger
	clientID string
	limiter  *rate.Limiter

	state     atomic.Int32
	lastAcked atomic.Uint64
	// synced is false from connect until the first WORLD of that connection.
	synced atomic.Bool

	mu      sync.RWMutex
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg
	lastErr error

	writeMu sync.Mutex

	sendq   chan protocol.EditMsg
	inbound chan Inbound

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(cfg Config) *Client {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 1024
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 200 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 5 * time.Second
	}
	if cfg.CloseFlush <= 0 {
		cfg.CloseFlush = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	limit := rate.Inf
	if cfg.SendRatePerSec > 0 {
		limit = rate.Limit(cfg.SendRatePerSec)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		clientID: id.String(),
		limiter:  rate.NewLimiter(limit, cfg.SendBurst),
		sendq:    make(chan protocol.EditMsg, cfg.SendQueue),
		inbound:  make(chan Inbound, cfg.InboundQueue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close stops reconnecting, gives queued edits up to CloseFlush to reach the
// wire and then drops whatever is left.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
	})
	return nil
}

func (c *Client) ClientID() string { return c.clientID }

func (c *Client) State() State { return State(c.state.Load()) }

// Ready reports whether SendIntent currently accepts edits.
func (c *Client) Ready() bool { return c.State() == Connected && c.synced.Load() }

// LastAcked is the highest tick any UPDATE or WORLD has reported on.
func (c *Client) LastAcked() uint64 { return c.lastAcked.Load() }

func (c *Client) Inbound() <-chan Inbound { return c.inbound }

func (c *Client) Welcome() (protocol.WelcomeMsg, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.welcome, c.welcome.Type != ""
}

// Err returns the error that ended the most recent connection attempt.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SendIntent queues in for transmission without blocking. Edits are refused
// with ErrResyncing until the WORLD answering the connect resync has arrived;
// the caller keeps them and sends them again afterwards.
func (c *Client) SendIntent(in intent.Intent) error {
	st := c.State()
	if st != Connected {
		return &ConnectionError{Op: "send", State: st, Err: ErrNotConnected}
	}
	if !c.synced.Load() {
		return &ConnectionError{Op: "send", State: st, Err: ErrResyncing}
	}
	select {
	case <-c.stop:
		return &ConnectionError{Op: "send", State: st, Err: ErrClosed}
	default:
	}
	select {
	case c.sendq <- protocol.NewEdit(in):
		return nil
	default:
		return &ConnectionError{Op: "send", State: st, Err: ErrQueueFull}
	}
}

// RequestResync asks the server for a full WORLD.
func (c *Client) RequestResync(reason string) error {
	st := c.State()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || st != Connected {
		return &ConnectionError{Op: "resync", State: st, Err: ErrNotConnected}
	}
	req := protocol.ResyncReqMsg{
		Type:            protocol.TypeResyncReq,
		ProtocolVersion: protocol.Version,
		Reason:          reason,
	}
	if err := c.writeJSON(conn, req, time.Now().Add(writeTimeout)); err != nil {
		return &ConnectionError{Op: "resync", State: st, Err: err}
	}
	return nil
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Printf("state %s -> %s", old, s)
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) observeTick(t uint64) {
	for {
		cur := c.lastAcked.Load()
		if t <= cur || c.lastAcked.CompareAndSwap(cur, t) {
			return
		}
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) run() {
	defer close(c.done)

	backoff := c.cfg.ReconnectMin
	for {
		if c.stopping() {
			return
		}
		welcomed, err := c.serve()
		if c.stopping() {
			return
		}
		if welcomed {
			backoff = c.cfg.ReconnectMin
		}
		if err != nil {
			c.setErr(err)
			c.logger.Printf("connection ended: %v", err)
			if fatal(err) {
				return
			}
		}
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < c.cfg.ReconnectMax {
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
		}
	}
}

// serve runs one connection from dial to close.
func (c *Client) serve() (welcomed bool, err error) {
	c.setState(Connecting)
	defer c.setState(Disconnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := d.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// Edits queued for a previous connection are retransmitted after the resync.
	c.drainSendQueue()

	quit := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn, quit)
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		close(quit)
		<-writerDone
		_ = conn.Close()
	}()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientID:        c.clientID,
		ClientName:      c.cfg.ClientName,
		LastTick:        c.lastAcked.Load(),
	}
	if c.cfg.Token != "" {
		hello.Auth = &protocol.HelloAuth{Token: c.cfg.Token}
	}
	if err := c.writeJSON(conn, hello, time.Now().Add(writeTimeout)); err != nil {
		return false, err
	}
	if err := c.awaitWelcome(conn); err != nil {
		return false, err
	}

	c.synced.Store(false)
	c.setState(Connected)
	if err := c.RequestResync("connect"); err != nil {
		return true, err
	}
	return true, c.readLoop(conn)
}

func (c *Client) awaitWelcome(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				return fmt.Errorf("decode welcome: %w", err)
			}
			if !protocol.IsSupportedVersion(w.ProtocolVersion) {
				return fmt.Errorf("%w: protocol version %q", ErrRejected, w.ProtocolVersion)
			}
			if c.cfg.PaletteDigest != "" && w.PaletteDigest != c.cfg.PaletteDigest {
				return fmt.Errorf("%w: server %s, local %s", ErrPaletteMismatch, w.PaletteDigest, c.cfg.PaletteDigest)
			}
			c.mu.Lock()
			c.welcome = w
			c.lastErr = nil
			c.mu.Unlock()
			return nil
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			return fmt.Errorf("%w: %s %s", ErrRejected, e.Code, e.Message)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.stopping() {
				return nil
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			c.logger.Printf("bad frame: %v", err)
			continue
		}
		if base.ProtocolVersion != "" && !protocol.IsSupportedVersion(base.ProtocolVersion) {
			c.logger.Printf("drop %s with protocol_version %q", base.Type, base.ProtocolVersion)
			continue
		}

		var in Inbound
		switch base.Type {
		case protocol.TypeUpdate:
			var u protocol.UpdateMsg
			if err := json.Unmarshal(msg, &u); err != nil {
				c.logger.Printf("bad UPDATE: %v", err)
				continue
			}
			c.observeTick(u.Tick)
			in.Update = &u
		case protocol.TypeWorld:
			var w protocol.WorldMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				c.logger.Printf("bad WORLD: %v", err)
				continue
			}
			c.observeTick(w.Tick)
			c.synced.Store(true)
			in.World = &w
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			c.logger.Printf("server error %s: %s", e.Code, e.Message)
			if e.Code == protocol.ErrBadAuth || e.Code == protocol.ErrPaletteMismatch {
				return fmt.Errorf("%w: %s %s", ErrRejected, e.Code, e.Message)
			}
			continue
		default:
			continue
		}

		select {
		case c.inbound <- in:
		case <-c.stop:
			return nil
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, quit <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
		case <-c.stop:
		case <-ctx.Done():
		}
		cancel()
	}()

	for {
		select {
		case <-quit:
			return
		case <-c.stop:
			c.flush(conn)
			return
		case m := <-c.sendq:
			if c.stale(m) {
				continue
			}
			if err := c.limiter.Wait(ctx); err != nil {
				if c.stopping() {
					c.flush(conn, m)
				}
				return
			}
			if err := c.writeJSON(conn, m, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Printf("write EDIT: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// flush writes pending and whatever is queued until the CloseFlush deadline,
// then closes the connection.
func (c *Client) flush(conn *websocket.Conn, pending ...protocol.EditMsg) {
	deadline := time.Now().Add(c.cfg.CloseFlush)
	sent, ok := 0, true
	send := func(m protocol.EditMsg) {
		if !ok || c.stale(m) {
			return
		}
		if err := c.writeJSON(conn, m, deadline); err != nil {
			ok = false
			return
		}
		sent++
	}
	for _, m := range pending {
		send(m)
	}
	for ok {
		select {
		case m := <-c.sendq:
			send(m)
			continue
		default:
		}
		break
	}
	if left := c.drainSendQueue(); left > 0 || !ok {
		c.logger.Printf("close: flushed %d edits, abandoned %d", sent, left)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) stale(m protocol.EditMsg) bool {
	acked := c.lastAcked.Load()
	if m.Tick < acked {
		c.logger.Printf("drop stale EDIT tick=%d acked=%d", m.Tick, acked)
		return true
	}
	return false
}

func (c *Client) drainSendQueue() int {
	n := 0
	for {
		select {
		case <-c.sendq:
			n++
		default:
			return n
		}
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(v)
}
