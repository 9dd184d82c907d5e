package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz          int `yaml:"tick_rate_hz"`
	DoublePressWindowMs int `yaml:"double_press_window_ms"`
	MaxBlocksPerPlot    int `yaml:"max_blocks_per_plot"`
	ScriptTimeoutMs     int `yaml:"script_timeout_ms"`

	Replication Replication `yaml:"replication"`
	Journal     Journal     `yaml:"journal"`
}

type Replication struct {
	PeerQueue         int     `yaml:"peer_queue"`
	InboxQueue        int     `yaml:"inbox_queue"`
	PeerRatePerSecond float64 `yaml:"peer_rate_per_second"`
	PeerBurst         int     `yaml:"peer_burst"`
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`
}

type Journal struct {
	Dir         string `yaml:"dir"`
	IndexPath   string `yaml:"index_path"`
	IndexQueue  int    `yaml:"index_queue"`
	RotateHours int    `yaml:"rotate_hours"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		TickRateHz:          20,
		DoublePressWindowMs: 300,
		MaxBlocksPerPlot:    4096,
		ScriptTimeoutMs:     20,
		Replication: Replication{
			PeerQueue:         256,
			InboxQueue:        1024,
			PeerRatePerSecond: 200,
			PeerBurst:         400,
			MaxMessageBytes:   64 << 10,
		},
		Journal: Journal{
			IndexQueue:  4096,
			RotateHours: 1,
		},
	}
}

// Load reads path over Defaults; fields absent from the file keep their default.
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
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.DoublePressWindowMs < 0 {
		return fmt.Errorf("double_press_window_ms negative: %d", t.DoublePressWindowMs)
	}
	if t.Replication.PeerQueue <= 0 || t.Replication.InboxQueue <= 0 {
		return fmt.Errorf("replication queues must be positive")
	}
	if t.Replication.PeerRatePerSecond <= 0 || t.Replication.PeerBurst <= 0 {
		return fmt.Errorf("replication rate limit must be positive")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) DoublePressWindow() time.Duration {
	return time.Duration(t.DoublePressWindowMs) * time.Millisecond
}

func (t Tuning) ScriptTimeout() time.Duration {
	return time.Duration(t.ScriptTimeoutMs) * time.Millisecond
}
