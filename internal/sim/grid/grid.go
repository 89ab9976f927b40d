package grid

import (
	"errors"
	"fmt"
)

// Layer selects one of the two planes of the world.
type Layer uint8

const (
	Foreground Layer = iota
	Background

	numLayers
)

func (l Layer) String() string {
	switch l {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("layer(%d)", uint8(l))
	}
}

func (l Layer) Valid() bool { return l < numLayers }

// ParseLayer is the inverse of Layer.String.
func ParseLayer(s string) (Layer, error) {
	switch s {
	case "foreground":
		return Foreground, nil
	case "background":
		return Background, nil
	}
	return 0, fmt.Errorf("unknown layer %q", s)
}

// Layers lists every layer in a stable order.
func Layers() []Layer { return []Layer{Foreground, Background} }

type Vec2i struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Cell addresses a single slot of a single layer.
type Cell struct {
	Layer Layer
	Pos   Vec2i
}

var ErrOutOfBounds = errors.New("out of bounds")

type OutOfBoundsError struct {
	Layer Layer
	Pos   Vec2i
	MaxX  int
	MaxY  int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("%s (%d,%d) outside [0,%d]x[0,%d]", e.Layer, e.Pos.X, e.Pos.Y, e.MaxX, e.MaxY)
}

func (e *OutOfBoundsError) Is(target error) bool { return target == ErrOutOfBounds }

// DirtySink receives a notification for every cell whose value changed.
type DirtySink interface {
	MarkDirty(layer Layer, pos Vec2i)
}

// Grid is a fixed-size two-layer tile map of block palette ids (0 = empty).
// Valid coordinates are [0,MaxX] x [0,MaxY], inclusive on both ends.
//
// Grid is not safe for concurrent use; the session goroutine owns it.
type Grid struct {
	maxX, maxY int
	w, h       int
	cells      [numLayers][]uint16
	sink       DirtySink
}

func New(maxX, maxY int) (*Grid, error) {
	if maxX < 0 || maxY < 0 {
		return nil, fmt.Errorf("bad grid bounds %dx%d", maxX, maxY)
	}
	g := &Grid{maxX: maxX, maxY: maxY, w: maxX + 1, h: maxY + 1}
	for l := range g.cells {
		g.cells[l] = make([]uint16, g.w*g.h)
	}
	return g, nil
}

func (g *Grid) MaxX() int { return g.maxX }
func (g *Grid) MaxY() int { return g.maxY }

// SetDirtySink installs the change notifier. nil disables notifications.
func (g *Grid) SetDirtySink(s DirtySink) { g.sink = s }

func (g *Grid) InBounds(pos Vec2i) bool {
	return pos.X >= 0 && pos.Y >= 0 && pos.X <= g.maxX && pos.Y <= g.maxY
}

// Clamp pins pos into the valid coordinate range. Input handling calls this
// before building an edit.
func (g *Grid) Clamp(pos Vec2i) Vec2i {
	return Vec2i{X: clamp(pos.X, 0, g.maxX), Y: clamp(pos.Y, 0, g.maxY)}
}

func (g *Grid) Get(layer Layer, pos Vec2i) (uint16, error) {
	i, err := g.index(layer, pos)
	if err != nil {
		return 0, err
	}
	return g.cells[layer][i], nil
}

// Set overwrites a cell unconditionally. The sink is only notified when the
// stored value actually changes.
func (g *Grid) Set(layer Layer, pos Vec2i, id uint16) error {
	i, err := g.index(layer, pos)
	if err != nil {
		return err
	}
	if g.cells[layer][i] == id {
		return nil
	}
	g.cells[layer][i] = id
	if g.sink != nil {
		g.sink.MarkDirty(layer, pos)
	}
	return nil
}

// Layer returns the raw row-major cells of a layer (index = y*(MaxX+1)+x).
// Callers must not modify the returned slice.
func (g *Grid) Layer(layer Layer) []uint16 {
	if !layer.Valid() {
		return nil
	}
	return g.cells[layer]
}

// Load replaces a whole layer, notifying the sink for each changed cell.
func (g *Grid) Load(layer Layer, ids []uint16) error {
	if !layer.Valid() {
		return &OutOfBoundsError{Layer: layer, MaxX: g.maxX, MaxY: g.maxY}
	}
	if len(ids) != g.w*g.h {
		return fmt.Errorf("layer %s: got %d cells want %d", layer, len(ids), g.w*g.h)
	}
	dst := g.cells[layer]
	for i, id := range ids {
		if dst[i] == id {
			continue
		}
		dst[i] = id
		if g.sink != nil {
			g.sink.MarkDirty(layer, Vec2i{X: i % g.w, Y: i / g.w})
		}
	}
	return nil
}

// Clone returns an independent copy without a dirty sink.
func (g *Grid) Clone() *Grid {
	c := &Grid{maxX: g.maxX, maxY: g.maxY, w: g.w, h: g.h}
	for l := range g.cells {
		c.cells[l] = append([]uint16(nil), g.cells[l]...)
	}
	return c
}

// CopyFrom makes g equal to src. Both grids must have the same dimensions.
func (g *Grid) CopyFrom(src *Grid) error {
	if src.maxX != g.maxX || src.maxY != g.maxY {
		return fmt.Errorf("grid dims differ: %dx%d vs %dx%d", src.maxX, src.maxY, g.maxX, g.maxY)
	}
	for _, l := range Layers() {
		if err := g.Load(l, src.cells[l]); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether both grids have the same dimensions and contents.
func (g *Grid) Equal(o *Grid) bool {
	if g.maxX != o.maxX || g.maxY != o.maxY {
		return false
	}
	for l := range g.cells {
		a, b := g.cells[l], o.cells[l]
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

func (g *Grid) index(layer Layer, pos Vec2i) (int, error) {
	if !layer.Valid() || !g.InBounds(pos) {
		return 0, &OutOfBoundsError{Layer: layer, Pos: pos, MaxX: g.maxX, MaxY: g.maxY}
	}
	return pos.Y*g.w + pos.X, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
