package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	persistlog "blocktest.dev/internal/persistence/log"
	"blocktest.dev/internal/persistence/snapshot"
	"blocktest.dev/internal/sim/blocks"
)

// SQLiteIndex is a queryable read-model of the journal. Writes are queued and
// applied by a single goroutine; the journal stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEntryTotal    atomic.Uint64
	dropSnapshotTotal atomic.Uint64
}

type reqKind int

const (
	reqEntry reqKind = iota + 1
	reqSnapshot
	reqSync
)

type req struct {
	kind reqKind

	entry    persistlog.Entry
	snapshot snapshotRow
	done     chan struct{}
}

type snapshotRow struct {
	SessionID string
	Tick      uint64
	Path      string
	Digest    string
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropEntryTotal    uint64
	DropSnapshotTotal uint64
}

// Counts summarizes the index for one session, or all sessions when the
// session id is empty.
type Counts struct {
	Intents      int    `json:"intents"`
	StaleIntents int    `json:"stale_intents"`
	Updates      int    `json:"updates"`
	Corrections  int    `json:"corrections"`
	Resyncs      int    `json:"resyncs"`
	Snapshots    int    `json:"snapshots"`
	LastTick     uint64 `json:"last_tick"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS intents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			layer TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			op TEXT NOT NULL,
			block_uid TEXT NOT NULL,
			stale INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_intents_session_tick ON intents(session_id, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_intents_pos ON intents(layer, x, y, tick);`,
		`CREATE TABLE IF NOT EXISTS updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			layer TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			block_uid TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			code TEXT,
			digest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_updates_session_tick ON updates(session_id, tick);`,
		`CREATE TABLE IF NOT EXISTS resyncs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (session_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteEntry queues one journal entry. It never blocks; entries are dropped
// and counted when the writer falls behind.
func (s *SQLiteIndex) WriteEntry(e persistlog.Entry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEntry, entry: e}:
	default:
		s.dropEntryTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1, digest string) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		SessionID: snap.Header.SessionID,
		Tick:      snap.Header.Tick,
		Path:      path,
		Digest:    digest,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshotTotal.Add(1)
	}
}

// Sync blocks until everything queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropEntryTotal:    s.dropEntryTotal.Load(),
		DropSnapshotTotal: s.dropSnapshotTotal.Load(),
	}
}

// UpsertRegistry records the palette the indexed session was played with.
func (s *SQLiteIndex) UpsertRegistry(reg *blocks.Registry) error {
	if s == nil {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	kv := [][2]string{
		{"palette_digest", reg.PaletteDigest()},
		{"defs_digest", reg.DefsDigest()},
		{"block_count", fmt.Sprint(reg.Len())},
		{"updated_at", now},
	}
	for _, p := range kv {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, p[0], p[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Meta(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteIndex) Counts(ctx context.Context, sessionID string) (Counts, error) {
	var c Counts
	where, args := "", []any{}
	if sessionID != "" {
		where, args = " WHERE session_id=?", []any{sessionID}
	}
	q := func(sqlText string, dst ...any) error {
		return s.db.QueryRowContext(ctx, sqlText, args...).Scan(dst...)
	}
	if err := q(`SELECT COUNT(*), COALESCE(SUM(stale),0) FROM intents`+where, &c.Intents, &c.StaleIntents); err != nil {
		return c, err
	}
	if err := q(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN accepted=0 THEN 1 ELSE 0 END),0) FROM updates`+where, &c.Updates, &c.Corrections); err != nil {
		return c, err
	}
	if err := q(`SELECT COUNT(*) FROM resyncs`+where, &c.Resyncs); err != nil {
		return c, err
	}
	if err := q(`SELECT COUNT(*) FROM snapshots`+where, &c.Snapshots); err != nil {
		return c, err
	}
	var last int64
	if err := q(`SELECT COALESCE(MAX(tick),0) FROM (
		SELECT tick, session_id FROM intents UNION ALL
		SELECT tick, session_id FROM updates UNION ALL
		SELECT tick, session_id FROM resyncs
	)`+where, &last); err != nil {
		return c, err
	}
	c.LastTick = uint64(last)
	return c, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertIntent, _ := s.db.Prepare(`INSERT INTO intents(session_id,tick,layer,x,y,op,block_uid,stale,digest) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertUpdate, _ := s.db.Prepare(`INSERT INTO updates(session_id,tick,layer,x,y,block_uid,accepted,code,digest) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertResync, _ := s.db.Prepare(`INSERT INTO resyncs(session_id,tick,digest) VALUES(?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(session_id,tick,path,digest) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertIntent, insertUpdate, insertResync, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEntry:
			e := r.entry
			switch e.Kind {
			case persistlog.KindIntent:
				exec(insertIntent, e.SessionID, int64(e.Tick), e.Layer, e.X, e.Y, e.Op, e.BlockUID, boolInt(e.Stale), e.Digest)
			case persistlog.KindUpdate:
				exec(insertUpdate, e.SessionID, int64(e.Tick), e.Layer, e.X, e.Y, e.BlockUID, boolInt(e.Accepted), e.Code, e.Digest)
			case persistlog.KindWorld:
				exec(insertResync, e.SessionID, int64(e.Tick), e.Digest)
			}
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.SessionID, int64(sn.Tick), sn.Path, sn.Digest)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
