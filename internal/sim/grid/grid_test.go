package grid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid_GetSetBounds(t *testing.T) {
	g, err := New(3, 3)
	require.NoError(t, err)

	require.NoError(t, g.Set(Foreground, Vec2i{X: 3, Y: 3}, 7))
	got, err := g.Get(Foreground, Vec2i{X: 3, Y: 3})
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got)

	bg, err := g.Get(Background, Vec2i{X: 3, Y: 3})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), bg, "layers are independent")

	for _, p := range []Vec2i{{X: -1, Y: 0}, {X: 0, Y: -1}, {X: 4, Y: 0}, {X: 0, Y: 4}} {
		_, err := g.Get(Foreground, p)
		assert.True(t, errors.Is(err, ErrOutOfBounds), "Get %v: %v", p, err)
		err = g.Set(Background, p, 1)
		var oob *OutOfBoundsError
		require.ErrorAs(t, err, &oob)
		assert.Equal(t, p, oob.Pos)
	}

	_, err = g.Get(Layer(9), Vec2i{})
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestGrid_SetNeverResizes(t *testing.T) {
	g, err := New(2, 1)
	require.NoError(t, err)
	before := len(g.Layer(Foreground))
	_ = g.Set(Foreground, Vec2i{X: 5, Y: 5}, 1)
	require.NoError(t, g.Set(Foreground, Vec2i{X: 2, Y: 1}, 1))
	assert.Equal(t, before, len(g.Layer(Foreground)))
	assert.Equal(t, 2, g.MaxX())
	assert.Equal(t, 1, g.MaxY())
}

func TestGrid_Clamp(t *testing.T) {
	g, err := New(4, 4)
	require.NoError(t, err)
	assert.Equal(t, Vec2i{X: 0, Y: 4}, g.Clamp(Vec2i{X: -3, Y: 99}))
	assert.Equal(t, Vec2i{X: 2, Y: 3}, g.Clamp(Vec2i{X: 2, Y: 3}))
}

func TestGrid_DirtyNotifications(t *testing.T) {
	g, err := New(3, 3)
	require.NoError(t, err)
	d := NewDirtySet()
	g.SetDirtySink(d)

	require.NoError(t, g.Set(Background, Vec2i{X: 1, Y: 2}, 4))
	require.NoError(t, g.Set(Foreground, Vec2i{X: 2, Y: 0}, 4))
	require.NoError(t, g.Set(Foreground, Vec2i{X: 0, Y: 0}, 0)) // unchanged value

	cells := d.Drain()
	assert.Equal(t, []Cell{
		{Layer: Foreground, Pos: Vec2i{X: 2, Y: 0}},
		{Layer: Background, Pos: Vec2i{X: 1, Y: 2}},
	}, cells)
	assert.Nil(t, d.Drain())
}

func TestGrid_CloneAndCopyFrom(t *testing.T) {
	g, err := New(2, 2)
	require.NoError(t, err)
	require.NoError(t, g.Set(Foreground, Vec2i{X: 1, Y: 1}, 3))

	c := g.Clone()
	require.True(t, c.Equal(g))
	require.NoError(t, c.Set(Foreground, Vec2i{X: 1, Y: 1}, 5))
	v, _ := g.Get(Foreground, Vec2i{X: 1, Y: 1})
	assert.Equal(t, uint16(3), v, "clone must not alias")

	d := NewDirtySet()
	g.SetDirtySink(d)
	require.NoError(t, g.CopyFrom(c))
	assert.True(t, g.Equal(c))
	assert.Equal(t, 1, d.Len())

	other, err := New(3, 3)
	require.NoError(t, err)
	assert.Error(t, g.CopyFrom(other))
}

func TestFlatGen(t *testing.T) {
	g, err := FlatGen{GroundY: 4, DirtDepth: 2, Grass: 1, Dirt: 2, Stone: 3}.Generate(3, 6)
	require.NoError(t, err)

	want := map[int]uint16{6: 0, 5: 0, 4: 1, 3: 2, 2: 2, 1: 3, 0: 3}
	for y, id := range want {
		got, err := g.Get(Foreground, Vec2i{X: 2, Y: y})
		require.NoError(t, err)
		assert.Equal(t, id, got, "fg y=%d", y)
	}
	bg, _ := g.Get(Background, Vec2i{X: 0, Y: 4})
	assert.Equal(t, uint16(2), bg)
	bg, _ = g.Get(Background, Vec2i{X: 0, Y: 5})
	assert.Equal(t, uint16(0), bg)
}

func TestParseLayer(t *testing.T) {
	for _, l := range Layers() {
		got, err := ParseLayer(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLayer("midground")
	assert.Error(t, err)
}

func TestGrid_Digest(t *testing.T) {
	a, err := New(3, 2)
	require.NoError(t, err)
	b := a.Clone()
	assert.Equal(t, a.Digest(), b.Digest())

	require.NoError(t, b.Set(Background, Vec2i{X: 0, Y: 2}, 1))
	assert.NotEqual(t, a.Digest(), b.Digest())

	require.NoError(t, a.Set(Background, Vec2i{X: 0, Y: 2}, 1))
	assert.Equal(t, a.Digest(), b.Digest())

	other, err := New(2, 3)
	require.NoError(t, err)
	empty, err := New(3, 2)
	require.NoError(t, err)
	assert.NotEqual(t, empty.Digest(), other.Digest(), "dimensions are part of the digest")
}
