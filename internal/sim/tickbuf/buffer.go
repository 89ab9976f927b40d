package tickbuf

import (
	"fmt"
	"slices"
	"sync/atomic"

	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
)

const DefaultMaxHistory = 4096

// Entry is one recorded intent. Block is the resolved palette id of the
// intent's result. An Unsent entry never reached the transport: it is not
// folded by Reconcile, Rebase or eviction until it has been reissued.
type Entry struct {
	Tick      uint64
	Intent    intent.Intent
	Block     uint16
	LocalOnly bool
	Unsent    bool
}

// Update is the authoritative value of one cell as of Tick, expressed in this
// client's tick domain. An acknowledgement carries the value the client
// predicted; a correction carries a different one. Empty BlockUID means AIR.
type Update struct {
	Tick     uint64
	Layer    grid.Layer
	Pos      grid.Vec2i
	BlockUID string
}

func (u Update) Cell() grid.Cell { return grid.Cell{Layer: u.Layer, Pos: u.Pos} }

type Config struct {
	StartTick  uint64
	MaxHistory int
}

// Buffer owns the local tick counter and the history of predicted edits.
//
// The visible world is predicted = confirmed ⊕ history, where confirmed is the
// last server-authoritative state and history holds every intent the server
// has not yet reported on. Buffer is driven by a single simulation goroutine;
// only CurrentTick and LastAcked may be read from other goroutines.
type Buffer struct {
	reg       *blocks.Registry
	predicted *grid.Grid
	confirmed *grid.Grid

	current   atomic.Uint64
	lastAcked atomic.Uint64

	history      []Entry
	maxHistory   int
	lastRecorded uint64

	hasEvicted     bool
	evictedThrough uint64
}

// New wraps world as the predicted grid. The current contents of world are
// taken as the initial confirmed state.
func New(reg *blocks.Registry, world *grid.Grid, cfg Config) *Buffer {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	b := &Buffer{
		reg:        reg,
		predicted:  world,
		confirmed:  world.Clone(),
		maxHistory: cfg.MaxHistory,
	}
	b.current.Store(cfg.StartTick)
	b.lastRecorded = cfg.StartTick
	return b
}

func (b *Buffer) AdvanceTick() { b.current.Add(1) }

func (b *Buffer) CurrentTick() uint64 { return b.current.Load() }

// LastAcked is the highest tick the server has reported on.
func (b *Buffer) LastAcked() uint64 { return b.lastAcked.Load() }

// World is the predicted grid the player sees.
func (b *Buffer) World() *grid.Grid { return b.predicted }

// Confirmed is the last server-authoritative state. Callers must not modify it.
func (b *Buffer) Confirmed() *grid.Grid { return b.confirmed }

func (b *Buffer) Len() int { return len(b.history) }

// History returns a copy of the retained entries in tick order.
func (b *Buffer) History() []Entry {
	return append([]Entry(nil), b.history...)
}

// Pending returns the retained intents that are eligible for transmission,
// unsent ones included.
func (b *Buffer) Pending() []intent.Intent {
	return b.intents(func(e Entry) bool { return !e.LocalOnly })
}

// Unsent returns the intents that failed to reach the transport, oldest first.
func (b *Buffer) Unsent() []intent.Intent {
	return b.intents(func(e Entry) bool { return e.Unsent })
}

func (b *Buffer) intents(keep func(Entry) bool) []intent.Intent {
	out := make([]intent.Intent, 0, len(b.history))
	for _, e := range b.history {
		if keep(e) {
			out = append(out, e.Intent)
		}
	}
	return out
}

// MarkUnsent flags the most recent entry recorded for in's tick and cell as
// never transmitted. It reports whether such an entry exists.
func (b *Buffer) MarkUnsent(in intent.Intent) bool {
	j := b.find(in, false)
	if j < 0 || b.history[j].LocalOnly {
		return false
	}
	b.history[j].Unsent = true
	return true
}

// Reissue moves the unsent entry for in to tick, the tick it is transmitted
// at, and marks it sent. When a later entry already overrides the same cell
// the unsent one is dropped instead and ok is false. The predicted world does
// not change either way.
func (b *Buffer) Reissue(in intent.Intent, tick uint64) (out intent.Intent, ok bool) {
	j := b.find(in, true)
	if j < 0 {
		return intent.Intent{}, false
	}
	e := b.history[j]
	superseded := b.overridden(j)
	b.history = slices.Delete(b.history, j, j+1)
	if superseded {
		return intent.Intent{}, false
	}
	e.Tick, e.Intent.Tick, e.Unsent = tick, tick, false
	b.history = append(b.history, e)
	if tick > b.lastRecorded {
		b.lastRecorded = tick
	}
	return e.Intent, true
}

// Overridden reports whether the unsent entry for in is hidden by a later
// entry on the same cell.
func (b *Buffer) Overridden(in intent.Intent) bool {
	j := b.find(in, true)
	return j >= 0 && b.overridden(j)
}

func (b *Buffer) overridden(j int) bool {
	c := b.history[j].Intent.Cell()
	for _, e := range b.history[j+1:] {
		if e.Intent.Cell() == c {
			return true
		}
	}
	return false
}

// find returns the index of the last entry with in's tick and cell, or -1.
func (b *Buffer) find(in intent.Intent, unsentOnly bool) int {
	c := in.Cell()
	for j := len(b.history) - 1; j >= 0; j-- {
		e := b.history[j]
		if e.Tick < in.Tick && !unsentOnly {
			break
		}
		if e.Tick == in.Tick && e.Intent.Cell() == c && (!unsentOnly || e.Unsent) {
			return j
		}
	}
	return -1
}

// RecordIntent validates in, applies it to the predicted world immediately and
// keeps it for reconciliation. On *blocks.UnknownBlockError, *grid.OutOfBoundsError,
// blocks.ErrNotPlaceable, blocks.ErrNotBreakable or a tick ordering error
// nothing is applied. On *StaleIntentError the edit
// is applied and kept locally but must not be sent.
func (b *Buffer) RecordIntent(in intent.Intent) error {
	id, err := b.resolve(in)
	if err != nil {
		return err
	}
	if !in.Layer.Valid() || !b.predicted.InBounds(in.Pos) {
		return &grid.OutOfBoundsError{Layer: in.Layer, Pos: in.Pos, MaxX: b.predicted.MaxX(), MaxY: b.predicted.MaxY()}
	}
	if cur := b.current.Load(); in.Tick > cur {
		return fmt.Errorf("%w: %d > %d", ErrFutureTick, in.Tick, cur)
	}
	if in.Tick < b.lastRecorded {
		return fmt.Errorf("%w: %d < %d", ErrTickRegression, in.Tick, b.lastRecorded)
	}
	if err := b.checkRules(in, id); err != nil {
		return err
	}
	if in.Kind == intent.KindPlace {
		in.BlockUID = b.reg.UID(id)
	}

	if err := b.predicted.Set(in.Layer, in.Pos, id); err != nil {
		return err
	}
	acked := b.lastAcked.Load()
	stale := in.Tick < acked
	b.history = append(b.history, Entry{Tick: in.Tick, Intent: in, Block: id, LocalOnly: stale})
	b.lastRecorded = in.Tick
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.evict(over)
	}
	if stale {
		return &StaleIntentError{Tick: in.Tick, LastAcked: acked}
	}
	return nil
}

// Reconcile applies an authoritative update: history up to and including
// u.Tick is folded into the confirmed state (local-only entries are dropped),
// the server value overrides, and every affected cell is recomputed from the
// confirmed state plus the intents newer than u.Tick.
func (b *Buffer) Reconcile(u Update) error {
	id, err := b.resolveUID(u.BlockUID)
	if err != nil {
		return err
	}
	if !u.Layer.Valid() || !b.confirmed.InBounds(u.Pos) {
		return &grid.OutOfBoundsError{Layer: u.Layer, Pos: u.Pos, MaxX: b.confirmed.MaxX(), MaxY: b.confirmed.MaxY()}
	}
	if b.hasEvicted && u.Tick < b.evictedThrough {
		return &ReconciliationGapError{UpdateTick: u.Tick, EvictedThrough: b.evictedThrough}
	}

	touched := map[grid.Cell]struct{}{u.Cell(): {}}
	for _, e := range b.take(func(e Entry) bool { return e.Tick <= u.Tick }) {
		touched[e.Intent.Cell()] = struct{}{}
		if !e.LocalOnly {
			_ = b.confirmed.Set(e.Intent.Layer, e.Intent.Pos, e.Block)
		}
	}
	_ = b.confirmed.Set(u.Layer, u.Pos, id)
	if u.Tick > b.lastAcked.Load() {
		b.lastAcked.Store(u.Tick)
	}
	b.replay(touched)
	return nil
}

// Rebase replaces the confirmed state with a full server snapshot taken at
// tick. History at or before tick is discarded, except unsent entries, the
// predicted world is rebuilt, and the sent intents newer than tick are
// returned for retransmission. Unsent entries are left for Reissue.
func (b *Buffer) Rebase(tick uint64, fg, bg []uint16) ([]intent.Intent, error) {
	next := b.confirmed.Clone()
	if err := next.Load(grid.Foreground, fg); err != nil {
		return nil, err
	}
	if err := next.Load(grid.Background, bg); err != nil {
		return nil, err
	}
	for _, layer := range [][]uint16{fg, bg} {
		for _, id := range layer {
			if int(id) >= b.reg.Len() {
				return nil, &blocks.UnknownBlockError{UID: fmt.Sprintf("#%d", id)}
			}
		}
	}
	b.confirmed = next

	b.take(func(e Entry) bool { return e.Tick <= tick })
	b.hasEvicted = false
	b.evictedThrough = 0
	if tick > b.lastAcked.Load() {
		b.lastAcked.Store(tick)
	}

	if err := b.predicted.CopyFrom(b.confirmed); err != nil {
		return nil, err
	}
	for _, e := range b.history {
		_ = b.predicted.Set(e.Intent.Layer, e.Intent.Pos, e.Block)
	}
	return b.intents(func(e Entry) bool { return !e.LocalOnly && !e.Unsent }), nil
}

// PruneBefore forgets sent intents older than tick, treating them as accepted.
// A later update older than the pruned range yields a ReconciliationGapError.
func (b *Buffer) PruneBefore(tick uint64) int {
	return b.fold(b.take(func(e Entry) bool { return e.Tick < tick }))
}

// evict folds the n oldest sent entries into the confirmed state.
func (b *Buffer) evict(n int) {
	if n <= 0 {
		return
	}
	seen := 0
	b.fold(b.take(func(e Entry) bool {
		if seen == n {
			return false
		}
		if !e.Unsent {
			seen++
		}
		return true
	}))
}

func (b *Buffer) fold(entries []Entry) int {
	for _, e := range entries {
		if !e.LocalOnly {
			_ = b.confirmed.Set(e.Intent.Layer, e.Intent.Pos, e.Block)
		}
		if !b.hasEvicted || e.Tick > b.evictedThrough {
			b.evictedThrough = e.Tick
		}
		b.hasEvicted = true
	}
	return len(entries)
}

// take removes the leading entries matching pred and returns them in order.
// Unsent entries among them stay in the history unless a taken entry on the
// same cell hides them, in which case they are discarded.
func (b *Buffer) take(pred func(Entry) bool) []Entry {
	var out []Entry
	w, i := 0, 0
	for ; i < len(b.history) && pred(b.history[i]); i++ {
		e := b.history[i]
		if e.Unsent {
			b.history[w] = e
			w++
			continue
		}
		c := e.Intent.Cell()
		kept := slices.DeleteFunc(b.history[:w], func(u Entry) bool { return u.Intent.Cell() == c })
		w = len(kept)
		out = append(out, e)
	}
	n := copy(b.history[w:], b.history[i:])
	clear(b.history[w+n:])
	b.history = b.history[:w+n]
	return out
}

// replay recomputes the predicted value of each touched cell.
func (b *Buffer) replay(touched map[grid.Cell]struct{}) {
	vals := make(map[grid.Cell]uint16, len(touched))
	for c := range touched {
		v, _ := b.confirmed.Get(c.Layer, c.Pos)
		vals[c] = v
	}
	for _, e := range b.history {
		c := e.Intent.Cell()
		if _, ok := vals[c]; ok {
			vals[c] = e.Block
		}
	}
	for c, v := range vals {
		_ = b.predicted.Set(c.Layer, c.Pos, v)
	}
}

func (b *Buffer) resolve(in intent.Intent) (uint16, error) {
	switch in.Kind {
	case intent.KindPlace:
		return b.reg.ID(in.BlockUID)
	case intent.KindBreak:
		return blocks.AirID, nil
	default:
		return 0, fmt.Errorf("intent kind %s", in.Kind)
	}
}

// checkRules applies the block flags. Breaking an empty cell is always allowed.
func (b *Buffer) checkRules(in intent.Intent, id uint16) error {
	switch in.Kind {
	case intent.KindPlace:
		if !b.reg.Placeable(id) {
			return fmt.Errorf("%w: %s", blocks.ErrNotPlaceable, b.reg.UID(id))
		}
	case intent.KindBreak:
		cur, err := b.predicted.Get(in.Layer, in.Pos)
		if err != nil {
			return err
		}
		if cur != blocks.AirID && !b.reg.Breakable(cur) {
			return fmt.Errorf("%w: %s at (%d,%d)", blocks.ErrNotBreakable, b.reg.UID(cur), in.Pos.X, in.Pos.Y)
		}
	}
	return nil
}

func (b *Buffer) resolveUID(uid string) (uint16, error) {
	if uid == "" {
		return blocks.AirID, nil
	}
	return b.reg.ID(uid)
}
