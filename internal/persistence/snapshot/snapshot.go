package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
)

const Version = 1

var ErrPaletteMismatch = errors.New("snapshot palette does not match registry")

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Tick      uint64 `json:"tick"`
}

// SnapshotV1 is a confirmed world as of Header.Tick. Layers hold palette ids
// of the registry identified by PaletteDigest.
type SnapshotV1 struct {
	Header Header `json:"header"`

	MaxX          int      `json:"max_x"`
	MaxY          int      `json:"max_y"`
	PaletteDigest string   `json:"palette_digest"`
	Palette       []string `json:"palette"`

	Foreground []uint16 `json:"foreground"`
	Background []uint16 `json:"background"`
}

func FromGrid(sessionID string, tick uint64, g *grid.Grid, reg *blocks.Registry) SnapshotV1 {
	return SnapshotV1{
		Header:        Header{Version: Version, SessionID: sessionID, Tick: tick},
		MaxX:          g.MaxX(),
		MaxY:          g.MaxY(),
		PaletteDigest: reg.PaletteDigest(),
		Palette:       reg.Palette(),
		Foreground:    append([]uint16(nil), g.Layer(grid.Foreground)...),
		Background:    append([]uint16(nil), g.Layer(grid.Background)...),
	}
}

// Grid rebuilds the world. The snapshot must have been taken with the same
// palette as reg.
func (s SnapshotV1) Grid(reg *blocks.Registry) (*grid.Grid, error) {
	if s.PaletteDigest != reg.PaletteDigest() {
		return nil, fmt.Errorf("%w: %s vs %s", ErrPaletteMismatch, s.PaletteDigest, reg.PaletteDigest())
	}
	g, err := grid.New(s.MaxX, s.MaxY)
	if err != nil {
		return nil, err
	}
	if err := g.Load(grid.Foreground, s.Foreground); err != nil {
		return nil, err
	}
	if err := g.Load(grid.Background, s.Background); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteSnapshot writes a JSON header line followed by the gob body, zstd
// compressed. The file is replaced atomically.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
