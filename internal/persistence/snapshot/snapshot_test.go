package snapshot

import (
	"errors"
	"path/filepath"
	"testing"

	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
)

func testRegistry(t *testing.T, ids ...string) *blocks.Registry {
	t.Helper()
	defs := []blocks.BlockDef{{ID: blocks.Air}}
	for _, id := range ids {
		defs = append(defs, blocks.BlockDef{ID: id, Breakable: true, Placeable: true})
	}
	r, err := blocks.FromDefs(defs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestSnapshot_WriteRead(t *testing.T) {
	reg := testRegistry(t, "DIRT", "STONE")
	g, err := grid.New(7, 3)
	if err != nil {
		t.Fatal(err)
	}
	stone, _ := reg.ID("STONE")
	dirt, _ := reg.ID("DIRT")
	_ = g.Set(grid.Foreground, grid.Vec2i{X: 7, Y: 3}, stone)
	_ = g.Set(grid.Background, grid.Vec2i{X: 0, Y: 0}, dirt)

	path := filepath.Join(t.TempDir(), "snap", "world.snap.zst")
	if err := WriteSnapshot(path, FromGrid("s1", 42, g, reg)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != Version || h.SessionID != "s1" || h.Tick != 42 {
		t.Fatalf("unexpected header: %+v", h)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	got, err := snap.Grid(reg)
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	if !got.Equal(g) {
		t.Fatalf("restored grid differs")
	}
}

func TestSnapshot_PaletteMismatch(t *testing.T) {
	g, err := grid.New(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	snap := FromGrid("s1", 1, g, testRegistry(t, "STONE"))
	if _, err := snap.Grid(testRegistry(t, "STONE", "SAND")); !errors.Is(err, ErrPaletteMismatch) {
		t.Fatalf("expected ErrPaletteMismatch, got %v", err)
	}
}

func TestReadSnapshot_Missing(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope.snap.zst")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
