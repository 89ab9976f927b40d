package session

import (
	"errors"
	"fmt"

	persistlog "blocktest.dev/internal/persistence/log"
	"blocktest.dev/internal/sim/blocks"
	simenc "blocktest.dev/internal/sim/encoding"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/intent"
	"blocktest.dev/internal/sim/tickbuf"
)

// ErrDigestMismatch means a journal does not reproduce the world it recorded.
var ErrDigestMismatch = errors.New("digest mismatch")

type ReplayResult struct {
	SessionID string
	Intents   int
	Updates   int
	Resyncs   int
	Retries   int
	Checked   int
	LastTick  uint64
	World     *grid.Grid
}

// SessionIDs lists the sessions of a journal in the order they started.
func SessionIDs(entries []persistlog.Entry) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range entries {
		if e.Kind == persistlog.KindStart && !seen[e.SessionID] {
			seen[e.SessionID] = true
			out = append(out, e.SessionID)
		}
	}
	return out
}

// Replay rebuilds the predicted world of one journaled session and checks
// the recorded digest after every entry. An empty sessionID selects the last
// session in the journal.
func Replay(reg *blocks.Registry, maxX, maxY int, entries []persistlog.Entry, sessionID string) (ReplayResult, error) {
	if sessionID == "" {
		ids := SessionIDs(entries)
		if len(ids) == 0 {
			return ReplayResult{}, fmt.Errorf("journal has no session start")
		}
		sessionID = ids[len(ids)-1]
	}
	res := ReplayResult{SessionID: sessionID}

	var buf *tickbuf.Buffer
	n := (maxX + 1) * (maxY + 1)
	for i, e := range entries {
		if e.SessionID != sessionID {
			continue
		}
		if buf == nil && e.Kind != persistlog.KindStart {
			return res, fmt.Errorf("entry %d: %s before session start", i, e.Kind)
		}

		switch e.Kind {
		case persistlog.KindStart:
			world, err := grid.New(maxX, maxY)
			if err != nil {
				return res, err
			}
			if err := loadLayers(world, e, n); err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			buf = tickbuf.New(reg, world, tickbuf.Config{StartTick: e.Tick, MaxHistory: e.MaxHistory})

		case persistlog.KindIntent:
			in, err := entryIntent(e)
			if err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			for buf.CurrentTick() < e.Tick {
				buf.AdvanceTick()
			}
			err = buf.RecordIntent(in)
			if err != nil && !(e.Stale && errors.Is(err, tickbuf.ErrStaleIntent)) {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			if e.Unsent && !buf.MarkUnsent(in) {
				return res, fmt.Errorf("entry %d: unsent intent not in history", i)
			}
			res.Intents++

		case persistlog.KindRetry:
			orig := e
			orig.Tick = e.RetryOf
			in, err := entryIntent(orig)
			if err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			for buf.CurrentTick() < e.Tick {
				buf.AdvanceTick()
			}
			buf.Reissue(in, e.Tick)
			res.Retries++

		case persistlog.KindUnsent:
			in, err := entryIntent(e)
			if err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			if !buf.MarkUnsent(in) {
				return res, fmt.Errorf("entry %d: unsent intent not in history", i)
			}

		case persistlog.KindUpdate:
			layer, err := grid.ParseLayer(e.Layer)
			if err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			u := tickbuf.Update{Tick: e.Tick, Layer: layer, Pos: grid.Vec2i{X: e.X, Y: e.Y}, BlockUID: e.BlockUID}
			if err := buf.Reconcile(u); err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			res.Updates++

		case persistlog.KindWorld:
			fg, err := simenc.DecodeRLE(e.Foreground, n)
			if err != nil {
				return res, fmt.Errorf("entry %d: foreground: %w", i, err)
			}
			bg, err := simenc.DecodeRLE(e.Background, n)
			if err != nil {
				return res, fmt.Errorf("entry %d: background: %w", i, err)
			}
			if _, err := buf.Rebase(e.Tick, fg, bg); err != nil {
				return res, fmt.Errorf("entry %d: %w", i, err)
			}
			res.Resyncs++

		default:
			return res, fmt.Errorf("entry %d: unknown kind %q", i, e.Kind)
		}

		if e.Tick > res.LastTick {
			res.LastTick = e.Tick
		}
		if e.Digest != "" {
			if got := buf.World().Digest(); got != e.Digest {
				return res, fmt.Errorf("%w at entry %d (%s tick %d): got=%s want=%s", ErrDigestMismatch, i, e.Kind, e.Tick, got, e.Digest)
			}
			res.Checked++
		}
	}
	if buf == nil {
		return res, fmt.Errorf("session %s not found", sessionID)
	}
	res.World = buf.World()
	return res, nil
}

func loadLayers(g *grid.Grid, e persistlog.Entry, n int) error {
	fg, err := simenc.DecodeRLE(e.Foreground, n)
	if err != nil {
		return fmt.Errorf("foreground: %w", err)
	}
	bg, err := simenc.DecodeRLE(e.Background, n)
	if err != nil {
		return fmt.Errorf("background: %w", err)
	}
	if err := g.Load(grid.Foreground, fg); err != nil {
		return err
	}
	return g.Load(grid.Background, bg)
}

func entryIntent(e persistlog.Entry) (intent.Intent, error) {
	layer, err := grid.ParseLayer(e.Layer)
	if err != nil {
		return intent.Intent{}, err
	}
	kind, err := intent.ParseKind(e.Op)
	if err != nil {
		return intent.Intent{}, err
	}
	pos := grid.Vec2i{X: e.X, Y: e.Y}
	if kind == intent.KindPlace {
		if e.BlockUID == "" {
			return intent.Intent{}, fmt.Errorf("place without block uid")
		}
		return intent.Place(e.Tick, pos, layer, e.BlockUID), nil
	}
	return intent.Break(e.Tick, pos, layer), nil
}
