package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const journalPrefix = "journal"

type Kind string

const (
	// KindStart opens a session. Foreground/Background carry the initial
	// world as RLE layers.
	KindStart Kind = "START"
	// KindIntent is a locally recorded edit.
	KindIntent Kind = "INTENT"
	// KindUpdate is an authoritative single-cell UPDATE.
	KindUpdate Kind = "UPDATE"
	// KindWorld is a full resync. Foreground/Background carry the RLE layers.
	KindWorld Kind = "WORLD"
	// KindRetry moves an unsent edit recorded at RetryOf to Tick.
	KindRetry Kind = "RETRY"
	// KindUnsent flags an already recorded edit whose retransmit failed.
	KindUnsent Kind = "UNSENT"
)

// Entry is one journaled event of a client session. Digest is the predicted
// world digest right after the event was applied.
type Entry struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id"`
	Tick      uint64 `json:"tick"`

	Layer    string `json:"layer,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
	Op       string `json:"op,omitempty"`
	BlockUID string `json:"block_uid,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	Code     string `json:"code,omitempty"`
	Stale    bool   `json:"stale,omitempty"`
	Unsent   bool   `json:"unsent,omitempty"`
	RetryOf  uint64 `json:"retry_of,omitempty"`

	Foreground string `json:"foreground,omitempty"`
	Background string `json:"background,omitempty"`
	MaxHistory int    `json:"max_history,omitempty"`

	Digest string `json:"digest"`
}

// Journal writes one JSONL entry per session event (compressed).
type Journal struct{ w *JSONLZstdWriter }

func NewJournal(dir string) *Journal {
	return &Journal{w: NewJSONLZstdWriter(dir, journalPrefix)}
}

func (j *Journal) WriteEntry(e Entry) error { return j.w.Write(e) }
func (j *Journal) Close() error             { return j.w.Close() }

// ListJournalFiles returns the journal files of dir in write order.
func ListJournalFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, journalPrefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadJournal decodes every entry under dir in write order.
func ReadJournal(dir string) ([]Entry, error) {
	files, err := ListJournalFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, path := range files {
		if out, err = readFile(path, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readFile(path string, out []Entry) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return out, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
