package intent

import (
	"fmt"

	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
)

// Kind is the discriminant of an Intent.
type Kind uint8

const (
	KindPlace Kind = iota + 1
	KindBreak
)

func (k Kind) String() string {
	switch k {
	case KindPlace:
		return "place"
	case KindBreak:
		return "break"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "place":
		return KindPlace, nil
	case "break":
		return KindBreak, nil
	}
	return 0, fmt.Errorf("unknown intent kind %q", s)
}

// Intent is a single requested world edit, stamped with the local tick at
// which it was issued. It is a plain value: copies never share state, and
// nothing here checks bounds or block ids.
type Intent struct {
	Kind     Kind
	Tick     uint64
	Pos      grid.Vec2i
	Layer    grid.Layer
	BlockUID string // KindPlace only
}

// Place sets a cell to uid.
func Place(tick uint64, pos grid.Vec2i, layer grid.Layer, uid string) Intent {
	return Intent{Kind: KindPlace, Tick: tick, Pos: pos, Layer: layer, BlockUID: uid}
}

// Break sets a cell to empty.
func Break(tick uint64, pos grid.Vec2i, layer grid.Layer) Intent {
	return Intent{Kind: KindBreak, Tick: tick, Pos: pos, Layer: layer}
}

// Result is the block UID the target cell holds after the intent applies.
func (in Intent) Result() string {
	if in.Kind == KindPlace {
		return in.BlockUID
	}
	return blocks.Air
}

func (in Intent) Cell() grid.Cell {
	return grid.Cell{Layer: in.Layer, Pos: in.Pos}
}

func (in Intent) String() string {
	if in.Kind == KindPlace {
		return fmt.Sprintf("place %s@%d %s(%d,%d)", in.BlockUID, in.Tick, in.Layer, in.Pos.X, in.Pos.Y)
	}
	return fmt.Sprintf("%s@%d %s(%d,%d)", in.Kind, in.Tick, in.Layer, in.Pos.X, in.Pos.Y)
}
