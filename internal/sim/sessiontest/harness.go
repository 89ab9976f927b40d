package sessiontest

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/session"
	"blocktest.dev/internal/sim/tuning"
	"blocktest.dev/internal/transport/netclient"
	"blocktest.dev/internal/transport/ws"
)

// Harness is a small black-box helper that runs a dev relay and any number
// of online sessions against it:
// - the relay and every network client run on their own goroutines
// - sessions are stepped in lock-step from the test goroutine, which is
//   therefore their simulation goroutine
//
// It only uses exported APIs so tests can live outside the session package.
type Harness struct {
	T      *testing.T
	Reg    *blocks.Registry
	Tuning tuning.Tuning
	Relay  *ws.Server
	URL    string

	clients []*Client
}

type Client struct {
	Name string
	Net  *netclient.Client
	S    *session.Session
}

// DefaultTuning is a 16x16 world with the surface at y=8.
func DefaultTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.MaxX, t.MaxY, t.GroundY = 15, 15, 8
	return t
}

func NewHarness(t *testing.T, tu tuning.Tuning, relayCfg ws.Config) *Harness {
	t.Helper()

	reg, err := blocks.Load("../../../configs")
	if err != nil {
		t.Fatalf("load blocks: %v", err)
	}
	relayCfg.Registry = reg
	relayCfg.Tuning = tu
	if relayCfg.Token == "" {
		relayCfg.Token = tu.AuthToken
	}
	relay, err := ws.NewServer(relayCfg)
	if err != nil {
		t.Fatalf("ws.NewServer: %v", err)
	}
	hs := httptest.NewServer(relay.Handler())
	t.Cleanup(hs.Close)

	return &Harness{
		T:      t,
		Reg:    reg,
		Tuning: tu,
		Relay:  relay,
		URL:    "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

// Join connects a new session and steps until its first WORLD has been applied.
// cfg may carry a Journal, an Index or a SnapshotPath; the rest is filled in.
func (h *Harness) Join(name string, cfg session.Config) *Client {
	h.T.Helper()

	ncfg := netclient.ConfigFromTuning(h.Tuning, h.Reg.PaletteDigest())
	ncfg.URL = h.URL
	ncfg.ClientName = name
	ncfg.CloseFlush = 200 * time.Millisecond
	nc := netclient.New(ncfg)

	cfg.Tuning = h.Tuning
	cfg.Registry = h.Reg
	cfg.Transport = nc
	s, err := session.New(cfg)
	if err != nil {
		h.T.Fatalf("session.New: %v", err)
	}
	nc.Start()
	h.T.Cleanup(func() { _ = nc.Close() })

	c := &Client{Name: name, Net: nc, S: s}
	h.clients = append(h.clients, c)
	h.StepUntil(name+" resynced", func() bool { return s.Stats().Resyncs > 0 })
	return c
}

func (h *Harness) Clients() []*Client { return h.clients }

// Step advances every session by one tick. inputs maps a client to the
// input it issues on this tick.
func (h *Harness) Step(inputs map[*Client][]session.Input) {
	for _, c := range h.clients {
		c.S.Step(inputs[c])
	}
}

// StepUntil steps all sessions until cond holds, failing after 5s.
func (h *Harness) StepUntil(what string, cond func() bool) {
	h.T.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.T.Fatalf("timeout waiting for %s", what)
		}
		h.Step(nil)
		time.Sleep(2 * time.Millisecond)
	}
}

// Settle steps until every session has no unreported edits and predicts
// exactly the relay's world.
func (h *Harness) Settle() {
	h.T.Helper()
	h.StepUntil("convergence", h.Converged)
}

func (h *Harness) Converged() bool {
	want := h.Relay.Digest()
	for _, c := range h.clients {
		if c.S.Buffer().Len() != 0 || c.S.ResyncPending() || c.S.World().Digest() != want {
			return false
		}
	}
	return true
}

// Do issues one input from c and steps everybody once.
func (h *Harness) Do(c *Client, in session.Input) {
	h.Step(map[*Client][]session.Input{c: {in}})
}
