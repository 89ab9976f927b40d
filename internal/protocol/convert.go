package protocol

import (
	"fmt"
	"math"

	"blocktest.dev/internal/sim/blocks"
	simenc "blocktest.dev/internal/sim/encoding"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/tickbuf"
)

func CoordOf(p grid.Vec2i) Coord {
	return Coord{X: uint32(p.X), Y: uint32(p.Y)}
}

func (c Coord) Vec() grid.Vec2i {
	return grid.Vec2i{X: int(c.X), Y: int(c.Y)}
}

// NewEdit encodes an intent for the wire.
func NewEdit(in intent.Intent) EditMsg {
	m := EditMsg{
		Type:            TypeEdit,
		ProtocolVersion: Version,
		Tick:            in.Tick,
		Layer:           in.Layer.String(),
		Coord:           CoordOf(in.Pos),
		Kind:            in.Kind.String(),
	}
	if in.Kind == intent.KindPlace {
		m.BlockUID = in.BlockUID
	}
	return m
}

// Intent decodes an EDIT. Block ids and bounds are not checked here.
func (m EditMsg) Intent() (intent.Intent, error) {
	layer, err := grid.ParseLayer(m.Layer)
	if err != nil {
		return intent.Intent{}, err
	}
	kind, err := intent.ParseKind(m.Kind)
	if err != nil {
		return intent.Intent{}, err
	}
	if m.Coord.X > math.MaxInt32 || m.Coord.Y > math.MaxInt32 {
		return intent.Intent{}, fmt.Errorf("coord out of range")
	}
	switch kind {
	case intent.KindPlace:
		if m.BlockUID == "" {
			return intent.Intent{}, fmt.Errorf("place without block_uid")
		}
		return intent.Place(m.Tick, m.Coord.Vec(), layer, blocks.Normalize(m.BlockUID)), nil
	default:
		return intent.Break(m.Tick, m.Coord.Vec(), layer), nil
	}
}

// NewUpdate builds an UPDATE. AIR is sent as an empty block_uid.
func NewUpdate(tick uint64, c grid.Cell, uid string, accepted bool, code string) UpdateMsg {
	if uid == blocks.Air {
		uid = ""
	}
	return UpdateMsg{
		Type:            TypeUpdate,
		ProtocolVersion: Version,
		Tick:            tick,
		Coord:           CoordOf(c.Pos),
		Layer:           c.Layer.String(),
		BlockUID:        uid,
		Accepted:        accepted,
		Code:            code,
	}
}

func (m UpdateMsg) Update() (tickbuf.Update, error) {
	layer, err := grid.ParseLayer(m.Layer)
	if err != nil {
		return tickbuf.Update{}, err
	}
	if m.Coord.X > math.MaxInt32 || m.Coord.Y > math.MaxInt32 {
		return tickbuf.Update{}, fmt.Errorf("coord out of range")
	}
	return tickbuf.Update{
		Tick:     m.Tick,
		Layer:    layer,
		Pos:      m.Coord.Vec(),
		BlockUID: blocks.Normalize(m.BlockUID),
	}, nil
}

// NewWorld encodes the full grid.
func NewWorld(tick uint64, g *grid.Grid, paletteDigest string) WorldMsg {
	return WorldMsg{
		Type:            TypeWorld,
		ProtocolVersion: Version,
		Tick:            tick,
		MaxX:            g.MaxX(),
		MaxY:            g.MaxY(),
		PaletteDigest:   paletteDigest,
		Foreground:      simenc.EncodeRLE(g.Layer(grid.Foreground)),
		Background:      simenc.EncodeRLE(g.Layer(grid.Background)),
	}
}

// Layers decodes both layers, checking them against the expected dimensions.
func (m WorldMsg) Layers(maxX, maxY int) (fg, bg []uint16, err error) {
	if m.MaxX != maxX || m.MaxY != maxY {
		return nil, nil, fmt.Errorf("world dims %dx%d, expected %dx%d", m.MaxX, m.MaxY, maxX, maxY)
	}
	n := (maxX + 1) * (maxY + 1)
	if fg, err = simenc.DecodeRLE(m.Foreground, n); err != nil {
		return nil, nil, fmt.Errorf("foreground: %w", err)
	}
	if bg, err = simenc.DecodeRLE(m.Background, n); err != nil {
		return nil, nil, fmt.Errorf("background: %w", err)
	}
	return fg, bg, nil
}
