package cli

import (
	"math"
	"math/rand/v2"

	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/session"
	"blocktest.dev/internal/sim/tuning"
)

// bot produces pointer input the way a player scribbling along the surface
// would: mostly Use near ground level, sometimes switching block or mode.
// The same seed and tuning always produce the same input sequence.
type bot struct {
	rng     *rand.Rand
	maxX    int
	groundY int
	every   int
	n       int
}

func newBot(seed uint64, t tuning.Tuning, editsPerSec float64) *bot {
	every := 0
	if editsPerSec > 0 {
		every = max(1, int(math.Round(float64(t.TickRateHz)/editsPerSec)))
	}
	return &bot{
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxX:    t.MaxX,
		groundY: t.GroundY,
		every:   every,
	}
}

// next returns the input for one tick.
func (b *bot) next() []session.Input {
	b.n++
	if b.every == 0 || b.n%b.every != 0 {
		return nil
	}
	var out []session.Input
	switch b.rng.IntN(10) {
	case 0:
		out = append(out, session.Input{Kind: session.InputCycleBlock})
	case 1:
		out = append(out, session.Input{Kind: session.InputToggleBuild})
	}
	layer := grid.Foreground
	if b.rng.IntN(4) == 0 {
		layer = grid.Background
	}
	pos := grid.Vec2i{X: b.rng.IntN(b.maxX + 1), Y: b.groundY - 2 + b.rng.IntN(5)}
	return append(out, session.Use(pos, layer))
}
