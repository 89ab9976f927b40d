package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	persistlog "blocktest.dev/internal/persistence/log"
	"blocktest.dev/internal/persistence/snapshot"
	"blocktest.dev/internal/sim/blocks"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEntry, entry: persistlog.Entry{Tick: 1}}

	_ = s.WriteEntry(persistlog.Entry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{}, "d")

	st := s.Stats()
	if st.DropEntryTotal != 1 {
		t.Fatalf("DropEntryTotal=%d want=1", st.DropEntryTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	if err := s.WriteEntry(persistlog.Entry{}); err != nil {
		t.Fatal(err)
	}
	s.RecordSnapshot("", snapshot.SnapshotV1{}, "")
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Stats() != (Stats{}) {
		t.Fatalf("expected zero stats")
	}
}

func TestSQLiteIndex_Counts(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "edits.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	reg, err := blocks.FromDefs([]blocks.BlockDef{{ID: blocks.Air}, {ID: "STONE"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRegistry(reg); err != nil {
		t.Fatalf("UpsertRegistry: %v", err)
	}
	if v, ok, err := s.Meta("palette_digest"); err != nil || !ok || v != reg.PaletteDigest() {
		t.Fatalf("meta palette_digest=%q ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := s.Meta("missing"); err != nil || ok {
		t.Fatalf("expected missing meta key, ok=%v err=%v", ok, err)
	}

	entries := []persistlog.Entry{
		{Kind: persistlog.KindIntent, SessionID: "a", Tick: 1, Layer: "foreground", X: 1, Y: 1, Op: "place", BlockUID: "STONE", Digest: "d1"},
		{Kind: persistlog.KindIntent, SessionID: "a", Tick: 2, Layer: "foreground", X: 2, Y: 1, Op: "break", Stale: true, Digest: "d2"},
		{Kind: persistlog.KindUpdate, SessionID: "a", Tick: 1, Layer: "foreground", X: 1, Y: 1, BlockUID: "STONE", Accepted: true, Digest: "d3"},
		{Kind: persistlog.KindUpdate, SessionID: "a", Tick: 2, Layer: "foreground", X: 2, Y: 1, Code: "E_CONFLICT", Digest: "d4"},
		{Kind: persistlog.KindWorld, SessionID: "a", Tick: 3, Digest: "d5"},
		{Kind: persistlog.KindIntent, SessionID: "b", Tick: 9, Layer: "background", Op: "break", Digest: "d6"},
	}
	for _, e := range entries {
		if err := s.WriteEntry(e); err != nil {
			t.Fatal(err)
		}
	}
	s.RecordSnapshot("/tmp/a.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{SessionID: "a", Tick: 3}}, "d5")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got, err := s.Counts(ctx, "a")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := Counts{Intents: 2, StaleIntents: 1, Updates: 2, Corrections: 1, Resyncs: 1, Snapshots: 1, LastTick: 3}
	if got != want {
		t.Fatalf("counts=%+v want %+v", got, want)
	}

	all, err := s.Counts(ctx, "")
	if err != nil {
		t.Fatalf("Counts all: %v", err)
	}
	if all.Intents != 3 || all.LastTick != 9 {
		t.Fatalf("unexpected totals: %+v", all)
	}
}
