package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blocktest.dev/internal/protocol"
	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/tuning"
)

func testTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.MaxX, t.MaxY, t.GroundY = 15, 15, 8
	return t
}

func startRelay(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	reg, err := blocks.Load("../../../configs")
	if err != nil {
		t.Fatalf("load blocks: %v", err)
	}
	cfg.Registry = reg
	cfg.Tuning = testTuning()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, hello protocol.HelloMsg) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func join(t *testing.T, url, id string, lastTick uint64) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn := dial(t, url, protocol.HelloMsg{ClientID: id, LastTick: lastTick, Auth: &protocol.HelloAuth{Token: "testKey"}})
	var w protocol.WelcomeMsg
	read(t, conn, protocol.TypeWelcome, &w)
	return conn, w
}

func read(t *testing.T, c *websocket.Conn, wantType string, v any) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read %s: %v", wantType, err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != wantType {
		t.Fatalf("expected %s, got %s (%v)", wantType, string(msg), err)
	}
	if v != nil {
		if err := json.Unmarshal(msg, v); err != nil {
			t.Fatalf("decode %s: %v", wantType, err)
		}
	}
}

func sendEdit(t *testing.T, c *websocket.Conn, in intent.Intent) {
	t.Helper()
	if err := c.WriteJSON(protocol.NewEdit(in)); err != nil {
		t.Fatalf("write edit: %v", err)
	}
}

func TestServer_WelcomeAndWorld(t *testing.T) {
	srv, url := startRelay(t, Config{Token: "testKey", SessionID: "S1"})
	conn, w := join(t, url, "A", 3)

	if w.SessionID != "S1" || w.ClientID != "A" || w.MaxX != 15 || w.MaxY != 15 {
		t.Fatalf("unexpected welcome: %+v", w)
	}
	if w.PaletteDigest != srv.reg.PaletteDigest() || w.BlockCount != srv.reg.Len() {
		t.Fatalf("welcome palette mismatch: %+v", w)
	}

	if err := conn.WriteJSON(protocol.ResyncReqMsg{Type: protocol.TypeResyncReq, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("write resync: %v", err)
	}
	var world protocol.WorldMsg
	read(t, conn, protocol.TypeWorld, &world)
	if world.Tick != 3 {
		t.Fatalf("expected world at the client's last tick 3, got %d", world.Tick)
	}
	fg, bg, err := world.Layers(15, 15)
	if err != nil {
		t.Fatalf("Layers: %v", err)
	}
	got, _ := grid.New(15, 15)
	_ = got.Load(grid.Foreground, fg)
	_ = got.Load(grid.Background, bg)
	if got.Digest() != srv.Digest() {
		t.Fatalf("WORLD does not match the relay world")
	}
	if srv.BlockAt(grid.Foreground, grid.Vec2i{X: 0, Y: 8}) != "GRASS" {
		t.Fatalf("expected grass surface at ground_y")
	}
}

func TestServer_BadTokenRejected(t *testing.T) {
	_, url := startRelay(t, Config{Token: "testKey"})
	conn := dial(t, url, protocol.HelloMsg{ClientID: "A", Auth: &protocol.HelloAuth{Token: "nope"}})

	var e protocol.ErrorMsg
	read(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrBadAuth {
		t.Fatalf("expected %s, got %+v", protocol.ErrBadAuth, e)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the relay to close the connection")
	}
}

func TestServer_BroadcastUsesRecipientTick(t *testing.T) {
	srv, url := startRelay(t, Config{Token: "testKey"})
	b, _ := join(t, url, "B", 4)
	a, _ := join(t, url, "A", 0)

	pos := grid.Vec2i{X: 1, Y: 12}
	sendEdit(t, a, intent.Place(7, pos, grid.Foreground, " STONE "))

	var ack protocol.UpdateMsg
	read(t, a, protocol.TypeUpdate, &ack)
	if ack.Tick != 7 || !ack.Accepted || ack.BlockUID != "STONE" || ack.Coord != protocol.CoordOf(pos) {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	var remote protocol.UpdateMsg
	read(t, b, protocol.TypeUpdate, &remote)
	if remote.Tick != 4 || !remote.Accepted || remote.BlockUID != "STONE" {
		t.Fatalf("unexpected remote update: %+v", remote)
	}
	if srv.BlockAt(grid.Foreground, pos) != "STONE" {
		t.Fatalf("relay world not updated")
	}

	sendEdit(t, b, intent.Break(9, pos, grid.Foreground))
	read(t, b, protocol.TypeUpdate, &ack)
	if ack.Tick != 9 || ack.BlockUID != "" {
		t.Fatalf("unexpected break ack: %+v", ack)
	}
	read(t, a, protocol.TypeUpdate, &remote)
	if remote.Tick != 7 || remote.BlockUID != "" {
		t.Fatalf("expected AIR at A's tick 7, got %+v", remote)
	}

	st := srv.Stats()
	if st.Clients != 2 || st.Accepted != 2 || st.Rejected != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestServer_RetransmitAppliedOnce(t *testing.T) {
	srv, url := startRelay(t, Config{Token: "testKey"})
	b, _ := join(t, url, "B", 4)
	a, _ := join(t, url, "A", 0)
	pos := grid.Vec2i{X: 5, Y: 12}

	sendEdit(t, a, intent.Place(7, pos, grid.Foreground, "STONE"))
	var ack protocol.UpdateMsg
	read(t, a, protocol.TypeUpdate, &ack)
	var remote protocol.UpdateMsg
	read(t, b, protocol.TypeUpdate, &remote)

	// Resent after a reconnect, before the client saw the ack.
	sendEdit(t, a, intent.Place(7, pos, grid.Foreground, " STONE "))
	read(t, a, protocol.TypeUpdate, &ack)
	if ack.Tick != 7 || !ack.Accepted || ack.BlockUID != "STONE" {
		t.Fatalf("unexpected re-ack: %+v", ack)
	}

	// A different edit on the same cell and tick still applies.
	sendEdit(t, a, intent.Place(7, pos, grid.Foreground, "DIRT"))
	read(t, a, protocol.TypeUpdate, &ack)
	read(t, b, protocol.TypeUpdate, &remote)
	if remote.BlockUID != "DIRT" || remote.Tick != 4 {
		t.Fatalf("expected the DIRT edit as the next broadcast, got %+v", remote)
	}

	st := srv.Stats()
	if st.Edits != 3 || st.Accepted != 2 || st.Duplicates != 1 || st.Rejected != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if srv.BlockAt(grid.Foreground, pos) != "DIRT" {
		t.Fatalf("relay world not updated")
	}
}

func TestServer_Rejections(t *testing.T) {
	policy := func(clientID string, in intent.Intent, current string) string {
		if current == "GRASS" {
			return protocol.ErrConflict
		}
		return ""
	}
	srv, url := startRelay(t, Config{Token: "testKey", Policy: policy})
	a, _ := join(t, url, "A", 0)

	sendEdit(t, a, intent.Place(7, grid.Vec2i{X: 2, Y: 12}, grid.Foreground, "DIRT"))
	read(t, a, protocol.TypeUpdate, nil)

	var u protocol.UpdateMsg
	sendEdit(t, a, intent.Place(8, grid.Vec2i{X: 3, Y: 12}, grid.Foreground, "UNOBTAINIUM"))
	read(t, a, protocol.TypeUpdate, &u)
	if u.Accepted || u.Code != protocol.ErrUnknownBlock || u.BlockUID != "" || u.Tick != 8 {
		t.Fatalf("unexpected unknown-block reply: %+v", u)
	}

	sendEdit(t, a, intent.Break(2, grid.Vec2i{X: 2, Y: 12}, grid.Foreground))
	read(t, a, protocol.TypeUpdate, &u)
	if u.Accepted || u.Code != protocol.ErrStale || u.BlockUID != "DIRT" {
		t.Fatalf("unexpected stale reply: %+v", u)
	}

	sendEdit(t, a, intent.Break(9, grid.Vec2i{X: 0, Y: 8}, grid.Foreground))
	read(t, a, protocol.TypeUpdate, &u)
	if u.Accepted || u.Code != protocol.ErrConflict || u.BlockUID != "GRASS" {
		t.Fatalf("unexpected policy reply: %+v", u)
	}

	sendEdit(t, a, intent.Break(10, grid.Vec2i{X: 99, Y: 0}, grid.Foreground))
	var e protocol.ErrorMsg
	read(t, a, protocol.TypeError, &e)
	if e.Code != protocol.ErrOutOfBounds {
		t.Fatalf("unexpected out-of-bounds reply: %+v", e)
	}

	if srv.BlockAt(grid.Foreground, grid.Vec2i{X: 2, Y: 12}) != "DIRT" || srv.BlockAt(grid.Foreground, grid.Vec2i{X: 0, Y: 8}) != "GRASS" {
		t.Fatalf("rejected edits changed the relay world")
	}
	if st := srv.Stats(); st.Edits != 5 || st.Accepted != 1 || st.Rejected != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestServer_ReconnectKeepsTickDomain(t *testing.T) {
	srv, url := startRelay(t, Config{Token: "testKey"})
	a, _ := join(t, url, "A", 0)
	sendEdit(t, a, intent.Place(12, grid.Vec2i{X: 4, Y: 12}, grid.Foreground, "SAND"))
	read(t, a, protocol.TypeUpdate, nil)
	_ = a.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Stats().Clients != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay kept the closed client")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The client only saw tick 5 acknowledged; the relay already holds 12.
	a2, _ := join(t, url, "A", 5)
	if err := a2.WriteJSON(protocol.ResyncReqMsg{Type: protocol.TypeResyncReq, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("write resync: %v", err)
	}
	var world protocol.WorldMsg
	read(t, a2, protocol.TypeWorld, &world)
	if world.Tick != 12 {
		t.Fatalf("expected WORLD at tick 12, got %d", world.Tick)
	}
}

func TestServer_BadRequests(t *testing.T) {
	_, url := startRelay(t, Config{Token: "testKey"})
	a, _ := join(t, url, "A", 0)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"EDIT","protocol_version":"0.9"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var e protocol.ErrorMsg
	read(t, a, protocol.TypeError, &e)
	if e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("unexpected reply: %+v", e)
	}

	bad := protocol.NewEdit(intent.Break(1, grid.Vec2i{}, grid.Foreground))
	bad.Layer = "middle"
	if err := a.WriteJSON(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	read(t, a, protocol.TypeError, &e)
	if e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("unexpected reply: %+v", e)
	}
}
