package grid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Digest hashes the dimensions and both layers. Two grids with equal
// contents always produce the same digest.
func (g *Grid) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], uint64(g.maxX))
	h.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], uint64(g.maxY))
	h.Write(tmp[:])

	buf := make([]byte, 2*g.w*g.h)
	for l := range g.cells {
		for i, id := range g.cells[l] {
			binary.LittleEndian.PutUint16(buf[2*i:], id)
		}
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
