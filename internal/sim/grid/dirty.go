package grid

import "sort"

// DirtySet is a poll-style DirtySink. Rendering drains it once per frame and
// redraws only the returned cells.
type DirtySet struct {
	cells map[Cell]struct{}
}

func NewDirtySet() *DirtySet {
	return &DirtySet{cells: map[Cell]struct{}{}}
}

func (d *DirtySet) MarkDirty(layer Layer, pos Vec2i) {
	d.cells[Cell{Layer: layer, Pos: pos}] = struct{}{}
}

func (d *DirtySet) Len() int { return len(d.cells) }

// Drain returns the dirty cells ordered by layer, then y, then x, and clears
// the set.
func (d *DirtySet) Drain() []Cell {
	if len(d.cells) == 0 {
		return nil
	}
	out := make([]Cell, 0, len(d.cells))
	for c := range d.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		if a.Pos.Y != b.Pos.Y {
			return a.Pos.Y < b.Pos.Y
		}
		return a.Pos.X < b.Pos.X
	})
	clear(d.cells)
	return out
}

// MultiSink fans a notification out to several sinks.
type MultiSink []DirtySink

func (m MultiSink) MarkDirty(layer Layer, pos Vec2i) {
	for _, s := range m {
		if s != nil {
			s.MarkDirty(layer, pos)
		}
	}
}
