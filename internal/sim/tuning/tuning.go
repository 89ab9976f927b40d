package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning is the shared session configuration. World dimensions and the block
// registry are fixed from it at session start and never change at runtime.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int    `yaml:"tick_rate_hz"`
	MaxX       int    `yaml:"max_x"`
	MaxY       int    `yaml:"max_y"`
	GridSize   [2]int `yaml:"grid_size"`
	GroundY    int    `yaml:"ground_y"`

	MaxHistory int `yaml:"max_history"`

	ServerURL      string `yaml:"server_url"`
	AuthToken      string `yaml:"auth_token"`
	SendQueue      int    `yaml:"send_queue"`
	SendRatePerSec int    `yaml:"send_rate_per_sec"`
	SendBurst      int    `yaml:"send_burst"`
	InboundQueue   int    `yaml:"inbound_queue"`
	ReconnectMinMs int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMs int    `yaml:"reconnect_max_ms"`
	CloseFlushMs   int    `yaml:"close_flush_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      60,
		MaxX:            255,
		MaxY:            127,
		GridSize:        [2]int{8, 8},
		GroundY:         64,
		MaxHistory:      4096,
		ServerURL:       "ws://127.0.0.1:9050/v1/ws",
		AuthToken:       "testKey",
		SendQueue:       256,
		SendRatePerSec:  120,
		SendBurst:       32,
		InboundQueue:    1024,
		ReconnectMinMs:  200,
		ReconnectMaxMs:  5000,
		CloseFlushMs:    1000,
	}
}

// Load reads a yaml file on top of Defaults, so a partial file only overrides
// the keys it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickRateHz <= 0:
		return fmt.Errorf("tick_rate_hz must be > 0")
	case t.MaxX < 0 || t.MaxY < 0:
		return fmt.Errorf("max_x/max_y must be >= 0")
	case t.GridSize[0] <= 0 || t.GridSize[1] <= 0:
		return fmt.Errorf("grid_size must be positive")
	case t.GroundY < 0 || t.GroundY > t.MaxY:
		return fmt.Errorf("ground_y out of range [0,%d]", t.MaxY)
	case t.MaxHistory <= 0:
		return fmt.Errorf("max_history must be > 0")
	case t.SendQueue <= 0 || t.InboundQueue <= 0:
		return fmt.Errorf("queue sizes must be > 0")
	case t.ReconnectMinMs <= 0 || t.ReconnectMaxMs < t.ReconnectMinMs:
		return fmt.Errorf("bad reconnect backoff %d..%d", t.ReconnectMinMs, t.ReconnectMaxMs)
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) ReconnectMin() time.Duration {
	return time.Duration(t.ReconnectMinMs) * time.Millisecond
}

func (t Tuning) ReconnectMax() time.Duration {
	return time.Duration(t.ReconnectMaxMs) * time.Millisecond
}

func (t Tuning) CloseFlush() time.Duration {
	return time.Duration(t.CloseFlushMs) * time.Millisecond
}
