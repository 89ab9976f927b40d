package blocks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Air is the reserved "empty" block. It always has palette id 0.
const Air = "AIR"

// AirID is the palette id of Air.
const AirID uint16 = 0

// BlockDef is one entry of blocks.json. A block that is not Placeable never
// appears in the selection cycle and cannot be the target of a place; a cell
// holding a block that is not Breakable cannot be broken.
type BlockDef struct {
	ID        string `json:"id"`
	Breakable bool   `json:"breakable"`
	Placeable bool   `json:"placeable"`
}

// Registry maps stable block UIDs to palette ids. It is populated once at
// startup and read-only afterwards, so concurrent readers need no locking.
type Registry struct {
	palette []string
	index   map[string]uint16
	defs    map[string]BlockDef
	// flags indexed by palette id
	placeable []bool
	breakable []bool

	paletteDigest string
	defsDigest    string
}

// ErrUnknownBlock is matched by every *UnknownBlockError via errors.Is.
var ErrUnknownBlock = errors.New("unknown block")

type UnknownBlockError struct {
	UID string
}

func (e *UnknownBlockError) Error() string {
	return fmt.Sprintf("unknown block uid %q", e.UID)
}

func (e *UnknownBlockError) Is(target error) bool { return target == ErrUnknownBlock }

var (
	ErrNotPlaceable = errors.New("block is not placeable")
	ErrNotBreakable = errors.New("block is not breakable")
)

// Load reads <configDir>/blocks.json.
func Load(configDir string) (*Registry, error) {
	path := filepath.Join(configDir, "blocks.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	r, err := FromDefs(defs)
	if err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	r.defsDigest = sha256Hex(raw)
	return r, nil
}

// FromDefs builds a registry from in-memory definitions. AIR must be present;
// it is moved to index 0 and the remaining ids are sorted.
func FromDefs(defs []BlockDef) (*Registry, error) {
	r := &Registry{defs: make(map[string]BlockDef, len(defs))}
	for _, d := range defs {
		d.ID = Normalize(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("empty id")
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate id %s", d.ID)
		}
		r.defs[d.ID] = d
	}
	if _, ok := r.defs[Air]; !ok {
		return nil, fmt.Errorf("missing %s", Air)
	}
	if len(r.defs) > 1<<16 {
		return nil, fmt.Errorf("too many blocks: %d", len(r.defs))
	}

	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		if id != Air {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	r.palette = append([]string{Air}, ids...)
	r.index = make(map[string]uint16, len(r.palette))
	r.placeable = make([]bool, len(r.palette))
	r.breakable = make([]bool, len(r.palette))
	for i, id := range r.palette {
		r.index[id] = uint16(i)
		r.placeable[i] = i != int(AirID) && r.defs[id].Placeable
		r.breakable[i] = r.defs[id].Breakable
	}
	palJSON, _ := json.Marshal(r.palette)
	r.paletteDigest = sha256Hex(palJSON)
	if r.defsDigest == "" {
		defsJSON, _ := json.Marshal(defs)
		r.defsDigest = sha256Hex(defsJSON)
	}
	return r, nil
}

// Normalize canonicalizes a UID so that ids typed or decoded with a different
// unicode composition still resolve to the same block.
func Normalize(uid string) string {
	return norm.NFC.String(strings.TrimSpace(uid))
}

// ID resolves a UID to its palette id.
func (r *Registry) ID(uid string) (uint16, error) {
	id, ok := r.index[Normalize(uid)]
	if !ok {
		return 0, &UnknownBlockError{UID: uid}
	}
	return id, nil
}

// UID returns the block UID for a palette id, or "" when the id is out of range.
func (r *Registry) UID(id uint16) string {
	if int(id) >= len(r.palette) {
		return ""
	}
	return r.palette[id]
}

func (r *Registry) Known(uid string) bool {
	_, ok := r.index[Normalize(uid)]
	return ok
}

func (r *Registry) Def(uid string) (BlockDef, bool) {
	d, ok := r.defs[Normalize(uid)]
	return d, ok
}

func (r *Registry) Len() int { return len(r.palette) }

// Palette returns a copy of the ordered UID list.
func (r *Registry) Palette() []string { return append([]string(nil), r.palette...) }

// Placeable reports whether a palette id may be placed. AIR never is.
func (r *Registry) Placeable(id uint16) bool {
	return int(id) < len(r.placeable) && r.placeable[id]
}

// Breakable reports whether a cell holding palette id may be broken.
func (r *Registry) Breakable(id uint16) bool {
	return int(id) < len(r.breakable) && r.breakable[id]
}

// Next returns the first placeable palette index after i, wrapping around the
// palette. It returns i itself when it is the only placeable id, and AirID
// when nothing is placeable.
func (r *Registry) Next(i int) int {
	n := len(r.palette)
	if i < 0 {
		i = 0
	}
	for k := 1; k <= n; k++ {
		if j := (i + k) % n; r.placeable[j] {
			return j
		}
	}
	return int(AirID)
}

// PaletteDigest is the sha256 of the JSON-encoded palette. Client and server
// must agree on it.
func (r *Registry) PaletteDigest() string { return r.paletteDigest }

func (r *Registry) DefsDigest() string { return r.defsDigest }

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
