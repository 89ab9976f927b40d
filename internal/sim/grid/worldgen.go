package grid

// FlatGen describes the default offline world: a flat surface at GroundY with
// a few rows of dirt over stone, and dirt behind everything at or below the
// surface. Y grows upwards.
type FlatGen struct {
	GroundY   int
	DirtDepth int

	Grass uint16
	Dirt  uint16
	Stone uint16
}

// Generate builds a fresh grid. The dirty sink is not installed, so callers
// get no notifications for generated terrain.
func (f FlatGen) Generate(maxX, maxY int) (*Grid, error) {
	g, err := New(maxX, maxY)
	if err != nil {
		return nil, err
	}
	depth := f.DirtDepth
	if depth <= 0 {
		depth = 3
	}
	ground := clamp(f.GroundY, 0, maxY)
	fg := g.cells[Foreground]
	bg := g.cells[Background]
	for y := 0; y <= ground; y++ {
		var b uint16
		switch {
		case y == ground:
			b = f.Grass
		case y >= ground-depth:
			b = f.Dirt
		default:
			b = f.Stone
		}
		row := y * g.w
		for x := 0; x < g.w; x++ {
			fg[row+x] = b
			bg[row+x] = f.Dirt
		}
	}
	return g, nil
}
