package sessiontest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	persistlog "blocktest.dev/internal/persistence/log"
	"blocktest.dev/internal/protocol"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/session"
	"blocktest.dev/internal/transport/ws"
)

func TestRelay_TwoClientsConverge(t *testing.T) {
	h := NewHarness(t, DefaultTuning(), ws.Config{})
	a := h.Join("a", session.Config{})
	b := h.Join("b", session.Config{})

	h.Step(map[*Client][]session.Input{
		a: {session.Place(grid.Vec2i{X: 2, Y: 12}, grid.Foreground, "STONE")},
		b: {session.Place(grid.Vec2i{X: 3, Y: 12}, grid.Foreground, "BRICK"), session.Break(grid.Vec2i{X: 3, Y: 8}, grid.Background)},
	})
	// Prediction is immediate.
	assert.Equal(t, "STONE", a.S.BlockAt(grid.Foreground, grid.Vec2i{X: 2, Y: 12}))
	assert.Equal(t, "BRICK", b.S.BlockAt(grid.Foreground, grid.Vec2i{X: 3, Y: 12}))

	h.Settle()
	for _, c := range h.Clients() {
		assert.Equal(t, "STONE", c.S.BlockAt(grid.Foreground, grid.Vec2i{X: 2, Y: 12}), c.Name)
		assert.Equal(t, "BRICK", c.S.BlockAt(grid.Foreground, grid.Vec2i{X: 3, Y: 12}), c.Name)
		assert.Equal(t, "AIR", c.S.BlockAt(grid.Background, grid.Vec2i{X: 3, Y: 8}), c.Name)
		assert.Zero(t, c.S.Stats().Corrections, c.Name)
	}
	assert.EqualValues(t, 3, h.Relay.Stats().Accepted)
}

func TestRelay_RejectedEditIsCorrected(t *testing.T) {
	protectGrass := func(_ string, _ intent.Intent, current string) string {
		if current == "GRASS" {
			return protocol.ErrConflict
		}
		return ""
	}
	h := NewHarness(t, DefaultTuning(), ws.Config{Policy: protectGrass})
	a := h.Join("a", session.Config{})
	b := h.Join("b", session.Config{})

	surface := grid.Vec2i{X: 5, Y: 8}
	h.Do(a, session.Break(surface, grid.Foreground))
	assert.Equal(t, "AIR", a.S.BlockAt(grid.Foreground, surface))

	h.Settle()
	assert.Equal(t, "GRASS", a.S.BlockAt(grid.Foreground, surface))
	assert.Equal(t, "GRASS", b.S.BlockAt(grid.Foreground, surface))
	assert.EqualValues(t, 1, a.S.Stats().Corrections)
	assert.EqualValues(t, 1, h.Relay.Stats().Rejected)
}

func TestRelay_SameCellRace(t *testing.T) {
	h := NewHarness(t, DefaultTuning(), ws.Config{})
	a := h.Join("a", session.Config{})
	b := h.Join("b", session.Config{})
	cell := grid.Vec2i{X: 7, Y: 11}

	for i := 0; i < 5; i++ {
		h.Step(map[*Client][]session.Input{
			a: {session.Place(cell, grid.Foreground, "SAND")},
			b: {session.Place(cell, grid.Foreground, "GLASS")},
		})
	}
	h.Settle()

	want := h.Relay.BlockAt(grid.Foreground, cell)
	require.Contains(t, []string{"SAND", "GLASS"}, want)
	assert.Equal(t, want, a.S.BlockAt(grid.Foreground, cell))
	assert.Equal(t, want, b.S.BlockAt(grid.Foreground, cell))
}

func TestRelay_LateJoinerGetsWorld(t *testing.T) {
	h := NewHarness(t, DefaultTuning(), ws.Config{})
	a := h.Join("a", session.Config{})
	h.Do(a, session.Place(grid.Vec2i{X: 0, Y: 15}, grid.Background, "LOG"))
	h.Settle()

	b := h.Join("b", session.Config{})
	h.Settle()
	assert.Equal(t, "LOG", b.S.BlockAt(grid.Background, grid.Vec2i{X: 0, Y: 15}))
}

func TestRelay_OnlineJournalReplays(t *testing.T) {
	dir := t.TempDir()
	j := persistlog.NewJournal(dir)
	h := NewHarness(t, DefaultTuning(), ws.Config{})
	a := h.Join("a", session.Config{Journal: j})
	b := h.Join("b", session.Config{})

	h.Step(map[*Client][]session.Input{
		a: {session.Place(grid.Vec2i{X: 1, Y: 9}, grid.Foreground, "PLANK")},
		b: {session.Place(grid.Vec2i{X: 2, Y: 9}, grid.Foreground, "PLANK")},
	})
	h.Do(a, session.Break(grid.Vec2i{X: 1, Y: 8}, grid.Foreground))
	h.Settle()
	require.NoError(t, j.Close())

	entries, err := persistlog.ReadJournal(dir)
	require.NoError(t, err)
	res, err := session.Replay(h.Reg, h.Tuning.MaxX, h.Tuning.MaxY, entries, a.S.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Intents)
	assert.GreaterOrEqual(t, res.Updates, 3)
	assert.GreaterOrEqual(t, res.Resyncs, 1)
	assert.Equal(t, h.Relay.Digest(), res.World.Digest())
}
