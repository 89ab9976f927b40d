package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	persistlog "blocktest.dev/internal/persistence/log"
	"blocktest.dev/internal/persistence/snapshot"
	"blocktest.dev/internal/protocol"
	"blocktest.dev/internal/sim/blocks"
	simenc "blocktest.dev/internal/sim/encoding"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/tickbuf"
	"blocktest.dev/internal/sim/tuning"
	"blocktest.dev/internal/transport/netclient"
)

// Transport is the network side of a session. *netclient.Client satisfies it.
type Transport interface {
	SendIntent(in intent.Intent) error
	RequestResync(reason string) error
	Inbound() <-chan netclient.Inbound
}

type Journal interface {
	WriteEntry(e persistlog.Entry) error
}

type Index interface {
	WriteEntry(e persistlog.Entry) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1, digest string)
}

type Config struct {
	Tuning   tuning.Tuning
	Registry *blocks.Registry

	// World is the initial world. When nil the snapshot at SnapshotPath is
	// used if it matches the registry, otherwise DefaultWorld.
	World *grid.Grid
	// Transport nil runs the session offline.
	Transport Transport

	Journal      Journal
	Index        Index
	SnapshotPath string

	SessionID string
	// StartTick is the first local tick. Zero means 1: tick 0 is reserved for
	// "nothing acknowledged yet", which is what a fresh HELLO carries.
	StartTick uint64
	Logger    *log.Logger

	// AfterStep runs on the simulation goroutine at the end of every Step.
	AfterStep func(s *Session)
	// DirtySink, when set, is notified of every visible cell change in
	// addition to the set drained by DirtyCells.
	DirtySink grid.DirtySink
}

type Stats struct {
	Recorded    uint64 `json:"recorded"`
	Rejected    uint64 `json:"rejected"`
	Stale       uint64 `json:"stale"`
	SendFailed  uint64 `json:"send_failed"`
	Updates     uint64 `json:"updates"`
	Corrections uint64 `json:"corrections"`
	Gaps        uint64 `json:"gaps"`
	Resyncs     uint64 `json:"resyncs"`
	Retried     uint64 `json:"retried"`
}

// Session is the single owner of the world, the tick buffer and the dirty
// set. Every method must be called from the simulation goroutine.
type Session struct {
	cfg    Config
	id     string
	reg    *blocks.Registry
	buf    *tickbuf.Buffer
	dirty  *grid.DirtySet
	logger *log.Logger

	transport Transport
	journal   Journal
	index     Index

	buildMode     bool
	selected      int
	resyncPending bool

	stats Stats
}

func New(cfg Config) (*Session, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session: nil registry")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.StartTick == 0 {
		cfg.StartTick = 1
	}
	id := cfg.SessionID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			u = uuid.New()
		}
		id = u.String()
	}

	world := cfg.World
	if world == nil {
		var err error
		if world, err = initialWorld(cfg, logger); err != nil {
			return nil, err
		}
	}
	if world.MaxX() != cfg.Tuning.MaxX || world.MaxY() != cfg.Tuning.MaxY {
		return nil, fmt.Errorf("session: world is %dx%d, tuning wants %dx%d", world.MaxX(), world.MaxY(), cfg.Tuning.MaxX, cfg.Tuning.MaxY)
	}

	s := &Session{
		cfg:       cfg,
		id:        id,
		reg:       cfg.Registry,
		dirty:     grid.NewDirtySet(),
		logger:    logger,
		transport: cfg.Transport,
		journal:   cfg.Journal,
		index:     cfg.Index,
		buildMode: true,
		selected:  cfg.Registry.Next(0),
	}
	s.buf = tickbuf.New(cfg.Registry, world, tickbuf.Config{StartTick: cfg.StartTick, MaxHistory: cfg.Tuning.MaxHistory})
	var sink grid.DirtySink = s.dirty
	if cfg.DirtySink != nil {
		sink = grid.MultiSink{s.dirty, cfg.DirtySink}
	}
	world.SetDirtySink(sink)

	s.record(persistlog.Entry{
		Kind:       persistlog.KindStart,
		Tick:       cfg.StartTick,
		MaxHistory: cfg.Tuning.MaxHistory,
		Foreground: simenc.EncodeRLE(world.Layer(grid.Foreground)),
		Background: simenc.EncodeRLE(world.Layer(grid.Background)),
	})
	return s, nil
}

// DefaultWorld is the flat offline world: grass at ground_y over dirt and stone.
func DefaultWorld(reg *blocks.Registry, t tuning.Tuning) (*grid.Grid, error) {
	lookup := func(uid string) uint16 {
		id, err := reg.ID(uid)
		if err != nil {
			return blocks.AirID
		}
		return id
	}
	return grid.FlatGen{
		GroundY: t.GroundY,
		Grass:   lookup("GRASS"),
		Dirt:    lookup("DIRT"),
		Stone:   lookup("STONE"),
	}.Generate(t.MaxX, t.MaxY)
}

func initialWorld(cfg Config, logger *log.Logger) (*grid.Grid, error) {
	if cfg.SnapshotPath != "" {
		snap, err := snapshot.ReadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			g, gerr := snap.Grid(cfg.Registry)
			if gerr == nil && g.MaxX() == cfg.Tuning.MaxX && g.MaxY() == cfg.Tuning.MaxY {
				logger.Printf("world from snapshot %s (tick %d)", cfg.SnapshotPath, snap.Header.Tick)
				return g, nil
			}
			logger.Printf("ignore snapshot %s: %v", cfg.SnapshotPath, gerr)
		case !errors.Is(err, os.ErrNotExist):
			logger.Printf("ignore snapshot %s: %v", cfg.SnapshotPath, err)
		}
	}
	return DefaultWorld(cfg.Registry, cfg.Tuning)
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Registry() *blocks.Registry { return s.reg }
func (s *Session) CurrentTick() uint64       { return s.buf.CurrentTick() }
func (s *Session) Buffer() *tickbuf.Buffer   { return s.buf }
func (s *Session) World() *grid.Grid         { return s.buf.World() }
func (s *Session) Stats() Stats              { return s.stats }
func (s *Session) Online() bool              { return s.transport != nil }

// ResyncPending reports whether a RESYNC_REQ is outstanding.
func (s *Session) ResyncPending() bool { return s.resyncPending }

// BlockAt returns the predicted block UID of a cell, or "" when out of bounds.
func (s *Session) BlockAt(layer grid.Layer, pos grid.Vec2i) string {
	id, err := s.buf.World().Get(layer, pos)
	if err != nil {
		return ""
	}
	return s.reg.UID(id)
}

// DirtyCells returns and clears the cells changed since the last call.
func (s *Session) DirtyCells() []grid.Cell { return s.dirty.Drain() }

// Step runs one simulation step: authoritative updates first, then local
// input, then the tick advances.
func (s *Session) Step(inputs []Input) {
	s.drainInbound()
	s.retryUnsent()
	for _, in := range inputs {
		if err := s.apply(in); err != nil {
			s.logger.Printf("tick %d: %s: %v", s.buf.CurrentTick(), in, err)
		}
	}
	s.buf.AdvanceTick()
	if s.cfg.AfterStep != nil {
		s.cfg.AfterStep(s)
	}
}

// Run steps the session at the tuned tick rate until ctx is done. Inputs
// received between two ticks are applied together on the next tick.
func (s *Session) Run(ctx context.Context, inputs <-chan Input) error {
	ticker := time.NewTicker(s.cfg.Tuning.TickInterval())
	defer ticker.Stop()

	var pending []Input
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inputs:
			if !ok {
				inputs = nil
				continue
			}
			pending = append(pending, in)
		case <-ticker.C:
			s.Step(pending)
			pending = pending[:0]
		}
	}
}

func (s *Session) RequestPlace(pos grid.Vec2i, uid string, layer grid.Layer) error {
	return s.request(intent.Place(s.buf.CurrentTick(), pos, layer, blocks.Normalize(uid)))
}

func (s *Session) RequestBreak(pos grid.Vec2i, layer grid.Layer) error {
	return s.request(intent.Break(s.buf.CurrentTick(), pos, layer))
}

// request predicts in locally and hands it to the transport. A stale intent
// keeps its local effect but is never sent.
func (s *Session) request(in intent.Intent) error {
	err := s.buf.RecordIntent(in)
	var stale *tickbuf.StaleIntentError
	switch {
	case err == nil:
	case errors.As(err, &stale):
		s.stats.Stale++
		s.journalIntent(in, true, false)
		return err
	default:
		s.stats.Rejected++
		return err
	}
	s.stats.Recorded++

	unsent := false
	if s.transport != nil {
		if err := s.transport.SendIntent(in); err != nil {
			// Kept out of reconciliation until a later Step reissues it.
			s.stats.SendFailed++
			unsent = s.buf.MarkUnsent(in)
		}
	}
	s.journalIntent(in, false, unsent)
	return nil
}

// retryUnsent reissues edits whose send failed at the current tick, oldest
// first, and stops at the first one the transport still refuses. An edit that
// a later edit on the same cell already overrides is dropped unsent.
func (s *Session) retryUnsent() {
	if s.transport == nil {
		return
	}
	tick := s.buf.CurrentTick()
	for _, in := range s.buf.Unsent() {
		if !s.buf.Overridden(in) {
			next := in
			next.Tick = tick
			if err := s.transport.SendIntent(next); err != nil {
				return
			}
			s.stats.Retried++
		}
		s.buf.Reissue(in, tick)
		e := intentEntry(in)
		e.Kind = persistlog.KindRetry
		e.Tick = tick
		e.RetryOf = in.Tick
		s.record(e)
	}
}

func (s *Session) BuildMode() bool { return s.buildMode }

func (s *Session) ToggleBuildMode() bool {
	s.buildMode = !s.buildMode
	return s.buildMode
}

// SelectedBlock is the block Use places in build mode.
func (s *Session) SelectedBlock() string { return s.reg.UID(uint16(s.selected)) }

// CycleBlock selects the next placeable block, skipping AIR.
func (s *Session) CycleBlock() string {
	s.selected = s.reg.Next(s.selected)
	return s.SelectedBlock()
}

// Use is a pointer action: it places the selected block in build mode and
// breaks otherwise. pos is clamped into the world first.
func (s *Session) Use(pos grid.Vec2i, foreground bool) error {
	layer := grid.Background
	if foreground {
		layer = grid.Foreground
	}
	pos = s.buf.World().Clamp(pos)
	if s.buildMode {
		return s.RequestPlace(pos, s.SelectedBlock(), layer)
	}
	return s.RequestBreak(pos, layer)
}

// Checkpoint writes the confirmed world to SnapshotPath.
func (s *Session) Checkpoint() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	confirmed := s.buf.Confirmed()
	snap := snapshot.FromGrid(s.id, s.buf.LastAcked(), confirmed, s.reg)
	if err := snapshot.WriteSnapshot(s.cfg.SnapshotPath, snap); err != nil {
		return err
	}
	if s.index != nil {
		s.index.RecordSnapshot(s.cfg.SnapshotPath, snap, confirmed.Digest())
	}
	return nil
}

func (s *Session) drainInbound() {
	if s.transport == nil {
		return
	}
	ch := s.transport.Inbound()
	for n := len(ch); n > 0; n-- {
		in := <-ch
		switch {
		case in.Update != nil:
			s.applyUpdate(*in.Update)
		case in.World != nil:
			s.applyWorld(*in.World)
		}
	}
}

func (s *Session) applyUpdate(m protocol.UpdateMsg) {
	u, err := m.Update()
	if err != nil {
		s.logger.Printf("bad UPDATE: %v", err)
		return
	}
	if err := s.buf.Reconcile(u); err != nil {
		if errors.Is(err, tickbuf.ErrReconciliationGap) {
			s.stats.Gaps++
			s.requestResync("gap")
			return
		}
		s.logger.Printf("reconcile tick %d: %v", u.Tick, err)
		return
	}
	s.stats.Updates++
	if !m.Accepted {
		s.stats.Corrections++
	}
	s.record(persistlog.Entry{
		Kind:     persistlog.KindUpdate,
		Tick:     u.Tick,
		Layer:    u.Layer.String(),
		X:        u.Pos.X,
		Y:        u.Pos.Y,
		BlockUID: u.BlockUID,
		Accepted: m.Accepted,
		Code:     m.Code,
	})
}

func (s *Session) applyWorld(m protocol.WorldMsg) {
	if m.PaletteDigest != "" && m.PaletteDigest != s.reg.PaletteDigest() {
		s.logger.Printf("drop WORLD tick %d: palette %s, local %s", m.Tick, m.PaletteDigest, s.reg.PaletteDigest())
		return
	}
	fg, bg, err := m.Layers(s.cfg.Tuning.MaxX, s.cfg.Tuning.MaxY)
	if err != nil {
		s.logger.Printf("bad WORLD: %v", err)
		return
	}
	pending, err := s.buf.Rebase(m.Tick, fg, bg)
	if err != nil {
		s.logger.Printf("rebase tick %d: %v", m.Tick, err)
		return
	}
	s.resyncPending = false
	s.stats.Resyncs++
	s.record(persistlog.Entry{
		Kind:       persistlog.KindWorld,
		Tick:       m.Tick,
		Foreground: m.Foreground,
		Background: m.Background,
	})

	for _, in := range pending {
		if err := s.transport.SendIntent(in); err != nil {
			s.stats.SendFailed++
			if s.buf.MarkUnsent(in) {
				e := intentEntry(in)
				e.Kind = persistlog.KindUnsent
				s.record(e)
			}
		}
	}
	if len(pending) > 0 {
		s.logger.Printf("resync tick %d: retransmitted %d pending edits", m.Tick, len(pending))
	}
	if err := s.Checkpoint(); err != nil {
		s.logger.Printf("checkpoint: %v", err)
	}
}

func (s *Session) requestResync(reason string) {
	if s.resyncPending || s.transport == nil {
		return
	}
	if err := s.transport.RequestResync(reason); err != nil {
		// The client resyncs on its own after reconnecting.
		s.logger.Printf("resync: %v", err)
		return
	}
	s.resyncPending = true
}

func (s *Session) journalIntent(in intent.Intent, stale, unsent bool) {
	e := intentEntry(in)
	e.Stale = stale
	e.Unsent = unsent
	s.record(e)
}

func intentEntry(in intent.Intent) persistlog.Entry {
	e := persistlog.Entry{
		Kind:  persistlog.KindIntent,
		Tick:  in.Tick,
		Layer: in.Layer.String(),
		X:     in.Pos.X,
		Y:     in.Pos.Y,
		Op:    in.Kind.String(),
	}
	if in.Kind == intent.KindPlace {
		e.BlockUID = in.BlockUID
	}
	return e
}

func (s *Session) record(e persistlog.Entry) {
	if s.journal == nil && s.index == nil {
		return
	}
	e.SessionID = s.id
	e.Digest = s.buf.World().Digest()
	if s.journal != nil {
		if err := s.journal.WriteEntry(e); err != nil {
			s.logger.Printf("journal: %v", err)
		}
	}
	if s.index != nil {
		_ = s.index.WriteEntry(e)
	}
}
