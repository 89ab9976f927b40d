package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("max_x: 3\nmax_y: 3\nground_y: 2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.MaxX != 3 || tune.MaxY != 3 {
		t.Fatalf("dims=%dx%d want 3x3", tune.MaxX, tune.MaxY)
	}
	if tune.TickRateHz != Defaults().TickRateHz {
		t.Fatalf("tick rate should keep default, got %d", tune.TickRateHz)
	}
	if tune.TickInterval() != time.Second/60 {
		t.Fatalf("interval=%v", tune.TickInterval())
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("tick_rate_hz: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	tune, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load repo tuning: %v", err)
	}
	if tune.AuthToken == "" || tune.ServerURL == "" {
		t.Fatalf("expected network settings, got %+v", tune)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
