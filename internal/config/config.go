package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pingcap/errors"
)

// EnvPrefix is the prefix of environment variables that override file values.
const EnvPrefix = "EMBEDFORGE_"

// Snapshot modes.
const (
	SnapshotAlias = "alias"
	SnapshotCopy  = "copy"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	BatchSize    int     `koanf:"batchsize"`
	NumWorkers   int     `koanf:"ndproc"`
	Epochs       int     `koanf:"epochs"`
	Burnin       int     `koanf:"burnin"`
	LearningRate float64 `koanf:"lr"`
	EvalEach     int     `koanf:"eval_each"`

	Dim           int     `koanf:"dim"`
	Negatives     int     `koanf:"negs"`
	Margin        float64 `koanf:"margin"`
	Ranks         int     `koanf:"ranks"`
	ReportingRank int     `koanf:"reporting_rank"`
	Seed          int64   `koanf:"seed"`
	Data          string  `koanf:"data"`
	Checkpoint    string  `koanf:"checkpoint"`
	Codec         string  `koanf:"checkpoint_codec"`
	SnapshotMode  string  `koanf:"snapshot_mode"`

	LogLevel    string `koanf:"log_level"`
	LogFile     string `koanf:"log_file"`
	LogFormat   string `koanf:"log_format"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// Training is the immutable part of Config consumed by the training loop.
type Training struct {
	BatchSize        int
	NumDataWorkers   int
	Epochs           int
	BurninEpochs     int
	BaseLearningRate float64
	EvalEvery        int
}

// Overrides captures CLI supplied values. Burnin is a pointer because zero
// burn-in epochs is a valid override.
type Overrides struct {
	BatchSize    int
	NumWorkers   int
	Epochs       int
	Burnin       *int
	LearningRate float64
	EvalEach     int
	Dim          int
	Negatives    int
	Margin       float64
	Ranks        int
	Seed         int64
	Data         string
	Checkpoint   string
	LogLevel     string
	MetricsAddr  string
}

// Default returns the configuration used for keys absent from every source.
func Default() Config {
	return Config{
		BatchSize:     50,
		NumWorkers:    0,
		Epochs:        100,
		Burnin:        20,
		LearningRate:  0.3,
		EvalEach:      10,
		Dim:           10,
		Negatives:     50,
		Margin:        2.0,
		Ranks:         1,
		ReportingRank: 1,
		Seed:          42,
		Codec:         "zstd",
		SnapshotMode:  SnapshotCopy,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads and validates a Config from YAML at path, layered over the
// defaults and under EMBEDFORGE_* environment variables. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	var p koanf.Provider
	if path != "" {
		p = file.Provider(path)
	}
	cfg, err := LoadFrom(p)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads a Config from a YAML provider without validating it.
func LoadFrom(p koanf.Provider) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Annotate(err, "load defaults")
	}
	if p != nil {
		if err := k.Load(p, yaml.Parser()); err != nil {
			return nil, errors.Annotate(err, "parse config")
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, errors.Annotate(err, "load env")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Annotate(err, "unmarshal config")
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override and any non-nil
// Burnin.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.Burnin != nil {
		c.Burnin = *o.Burnin
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.EvalEach > 0 {
		c.EvalEach = o.EvalEach
	}
	if o.Dim > 0 {
		c.Dim = o.Dim
	}
	if o.Negatives > 0 {
		c.Negatives = o.Negatives
	}
	if o.Margin > 0 {
		c.Margin = o.Margin
	}
	if o.Ranks > 0 {
		c.Ranks = o.Ranks
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Data != "" {
		c.Data = o.Data
	}
	if o.Checkpoint != "" {
		c.Checkpoint = o.Checkpoint
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.MetricsAddr != "" {
		c.MetricsAddr = o.MetricsAddr
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Training().Validate(); err != nil {
		return err
	}
	if c.Dim <= 0 {
		return errors.Errorf("dim must be > 0 (got %d)", c.Dim)
	}
	if c.Negatives <= 0 {
		return errors.Errorf("negs must be > 0 (got %d)", c.Negatives)
	}
	if c.Ranks <= 0 {
		return errors.Errorf("ranks must be > 0 (got %d)", c.Ranks)
	}
	if c.ReportingRank < 1 || c.ReportingRank > c.Ranks {
		return errors.Errorf("reporting_rank must be in [1, %d] (got %d)", c.Ranks, c.ReportingRank)
	}
	switch c.SnapshotMode {
	case "":
		c.SnapshotMode = SnapshotCopy
	case SnapshotAlias, SnapshotCopy:
	default:
		return errors.Errorf("snapshot_mode must be %q or %q (got %q)", SnapshotAlias, SnapshotCopy, c.SnapshotMode)
	}
	return nil
}

// Training extracts the loop configuration.
func (c *Config) Training() Training {
	return Training{
		BatchSize:        c.BatchSize,
		NumDataWorkers:   c.NumWorkers,
		Epochs:           c.Epochs,
		BurninEpochs:     c.Burnin,
		BaseLearningRate: c.LearningRate,
		EvalEvery:        c.EvalEach,
	}
}

// Validate checks the ranges the training loop relies on.
func (t Training) Validate() error {
	if t.BatchSize <= 0 {
		return errors.Errorf("batchsize must be > 0 (got %d)", t.BatchSize)
	}
	if t.NumDataWorkers < 0 {
		return errors.Errorf("ndproc must be >= 0 (got %d)", t.NumDataWorkers)
	}
	if t.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", t.Epochs)
	}
	if t.BurninEpochs < 0 || t.BurninEpochs >= t.Epochs {
		return errors.Errorf("burnin must be in [0, %d) (got %d)", t.Epochs, t.BurninEpochs)
	}
	if t.BaseLearningRate <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", t.BaseLearningRate)
	}
	if t.EvalEvery <= 0 {
		return errors.Errorf("eval_each must be > 0 (got %d)", t.EvalEvery)
	}
	return nil
}
