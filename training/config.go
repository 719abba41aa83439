package training

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the hyperparameters of a run.
type Config struct {
	Seed      int64   `json:"seed" yaml:"seed"`
	BatchSize int     `json:"batch_size" yaml:"batch_size"`
	LR        float64 `json:"lr" yaml:"lr"`
	NEpochs   int     `json:"n_epochs" yaml:"n_epochs"`
	// Warmup is the fraction of total optimizer steps over which the learning
	// rate rises linearly from zero.
	Warmup float64 `json:"warmup" yaml:"warmup"`

	NumWorkers    int    `json:"num_workers" yaml:"num_workers"`
	Optimizer     string `json:"optimizer" yaml:"optimizer"`
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	// Transform names the target transform ("log" or "identity").
	Transform string `json:"transform" yaml:"transform"`

	Model     ModelConfig     `json:"model" yaml:"model"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
}

// ModelConfig sizes the hierarchical model.
type ModelConfig struct {
	Dim              int        `json:"dim" yaml:"dim"`
	NHeads           int        `json:"n_heads" yaml:"n_heads"`
	PadIdx           int        `json:"pad_idx" yaml:"pad_idx"`
	PredDrop         float64    `json:"pred_drop" yaml:"pred_drop"`
	VocabSize        int        `json:"vocab_size" yaml:"vocab_size"`
	PretrainedLayers int        `json:"pretrained_layers" yaml:"pretrained_layers"`
	Loss             LossConfig `json:"loss" yaml:"loss"`
}

// LossConfig names a loss and its options; see ParseLossSpec.
type LossConfig struct {
	Type    string             `json:"type" yaml:"type"`
	Options map[string]float64 `json:"options,omitempty" yaml:"options,omitempty"`
}

// SchedulerConfig configures ReduceLROnPlateauScheduler.
type SchedulerConfig struct {
	Factor    float64 `json:"factor" yaml:"factor"`
	Patience  int     `json:"patience" yaml:"patience"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Mode      string  `json:"mode" yaml:"mode"`
}

// DefaultConfig returns the stock hyperparameters.
func DefaultConfig() Config {
	return Config{
		Seed:          3431,
		BatchSize:     32,
		LR:            5e-5,
		NEpochs:       10,
		Warmup:        0.001,
		NumWorkers:    2,
		Optimizer:     "adam",
		CheckpointDir: "checkpoints",
		Transform:     "log",
		Model: ModelConfig{
			Dim:              64,
			NHeads:           8,
			PadIdx:           0,
			PredDrop:         0.1,
			VocabSize:        1024,
			PretrainedLayers: 2,
			Loss:             LossConfig{Type: "mape"},
		},
		Scheduler: SchedulerConfig{
			Factor:    0.1,
			Patience:  10,
			Threshold: 1e-4,
			Mode:      "min",
		},
	}
}

// LoadConfig reads a JSON or YAML (by extension) configuration over the
// defaults. Keys the Config does not know are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and resolves the named components once so that a
// bad name fails at load time.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be positive, got %g", c.LR)
	}
	if c.NEpochs < 0 {
		return fmt.Errorf("n_epochs cannot be negative, got %d", c.NEpochs)
	}
	if c.Warmup < 0 || c.Warmup > 1 {
		return fmt.Errorf("warmup must be in [0, 1], got %g", c.Warmup)
	}
	if c.Model.Dim <= 0 || c.Model.NHeads <= 0 {
		return fmt.Errorf("model dim and n_heads must be positive, got %d and %d", c.Model.Dim, c.Model.NHeads)
	}
	if c.Model.PredDrop < 0 || c.Model.PredDrop >= 1 {
		return fmt.Errorf("pred_drop must be in [0, 1), got %g", c.Model.PredDrop)
	}
	switch c.Optimizer {
	case "", "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if _, err := c.Model.Loss.Spec(); err != nil {
		return err
	}
	if _, err := ParseTransform(c.Transform); err != nil {
		return err
	}
	return nil
}

// Spec parses the loss configuration.
func (lc LossConfig) Spec() (LossSpec, error) {
	return ParseLossSpec(lc.Type, lc.Options)
}
