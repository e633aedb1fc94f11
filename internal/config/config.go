// Package config holds the en2zh settings and loads them from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full set of pipeline settings.
type Config struct {
	Data       Data       `yaml:"data"`
	Model      Model      `yaml:"model"`
	Train      Train      `yaml:"train"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Journal    Journal    `yaml:"journal"`
	Translate  Translate  `yaml:"translate"`
}

// Data locates corpora and vocabularies and controls batching.
type Data struct {
	TrainFiles  []string `yaml:"train_files"`
	ValidFiles  []string `yaml:"valid_files"`
	SourceVocab string   `yaml:"source_vocab"` // vocab.txt path, tokenizer dir or "tiktoken:<name>"
	TargetVocab string   `yaml:"target_vocab"`
	LowerCase   bool     `yaml:"lower_case"`
	Cache       string   `yaml:"cache"`
	BatchSize   int      `yaml:"batch_size"`
	MaxLength   int      `yaml:"max_length"` // 0 keeps every pair
	Workers     int      `yaml:"workers"`    // 0 uses every CPU
}

// Model holds the Transformer dimensions.
type Model struct {
	NumLayers int `yaml:"num_layers"`
	DModel    int `yaml:"d_model"`
	NumHeads  int `yaml:"num_heads"`
	DFF       int `yaml:"dff"`
}

// Train controls the training loop.
type Train struct {
	Epochs      int    `yaml:"epochs"`
	LogEvery    int    `yaml:"log_every"`
	WarmupSteps int    `yaml:"warmup_steps"`
	Seed        int64  `yaml:"seed"`
	Device      string `yaml:"device"` // "cpu" or "webgpu"
}

// Checkpoint controls saving.
type Checkpoint struct {
	Dir       string `yaml:"dir"`
	Every     int    `yaml:"every"`
	MaxToKeep int    `yaml:"max_to_keep"`
}

// Journal configures the run database. An empty path disables it.
type Journal struct {
	Path string `yaml:"path"`
}

// Translate controls decoding.
type Translate struct {
	MaxLength   int     `yaml:"max_length"`
	Temperature float32 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float32 `yaml:"top_p"`
	Seed        int64   `yaml:"seed"`
}

// Default returns the reference settings.
func Default() Config {
	return Config{
		Data: Data{
			TrainFiles:  []string{"translation2019zh_train.json"},
			ValidFiles:  []string{"translation2019zh_valid.json"},
			SourceVocab: "vocabulary/en_vocab.txt",
			TargetVocab: "vocabulary/zh_vocab.txt",
			LowerCase:   true,
			Cache:       "datasets_en2zh.dat",
			BatchSize:   64,
			MaxLength:   0,
		},
		Model: Model{
			NumLayers: 4,
			DModel:    128,
			NumHeads:  8,
			DFF:       512,
		},
		Train: Train{
			Epochs:      30,
			LogEvery:    1000,
			WarmupSteps: 4000,
			Seed:        1,
			Device:      "cpu",
		},
		Checkpoint: Checkpoint{
			Dir:       "./checkpoints/train_en2zh",
			Every:     5,
			MaxToKeep: 5,
		},
		Translate: Translate{
			MaxLength: 40,
			TopP:      1.0,
			Seed:      -1,
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Data.SourceVocab != "", "data.source_vocab is required")
	check(c.Data.TargetVocab != "", "data.target_vocab is required")
	check(c.Data.BatchSize > 0, "data.batch_size must be positive, got %d", c.Data.BatchSize)
	check(c.Data.MaxLength >= 0, "data.max_length must not be negative, got %d", c.Data.MaxLength)
	check(c.Data.Workers >= 0, "data.workers must not be negative, got %d", c.Data.Workers)

	check(c.Model.NumLayers > 0, "model.num_layers must be positive, got %d", c.Model.NumLayers)
	check(c.Model.DModel > 0, "model.d_model must be positive, got %d", c.Model.DModel)
	check(c.Model.NumHeads > 0, "model.num_heads must be positive, got %d", c.Model.NumHeads)
	check(c.Model.NumHeads <= 0 || c.Model.DModel%c.Model.NumHeads == 0,
		"model.d_model (%d) must be divisible by model.num_heads (%d)", c.Model.DModel, c.Model.NumHeads)
	check(c.Model.DFF > 0, "model.dff must be positive, got %d", c.Model.DFF)

	check(c.Train.Epochs > 0, "train.epochs must be positive, got %d", c.Train.Epochs)
	check(c.Train.LogEvery >= 0, "train.log_every must not be negative, got %d", c.Train.LogEvery)
	check(c.Train.WarmupSteps > 0, "train.warmup_steps must be positive, got %d", c.Train.WarmupSteps)
	check(c.Train.Device == "cpu" || c.Train.Device == "webgpu",
		"train.device must be cpu or webgpu, got %q", c.Train.Device)

	check(c.Checkpoint.Every >= 0, "checkpoint.every must not be negative, got %d", c.Checkpoint.Every)
	check(c.Checkpoint.MaxToKeep > 0, "checkpoint.max_to_keep must be positive, got %d", c.Checkpoint.MaxToKeep)
	check(c.Checkpoint.Dir != "" || c.Checkpoint.Every == 0, "checkpoint.dir is required when checkpoint.every > 0")

	check(c.Translate.MaxLength > 0, "translate.max_length must be positive, got %d", c.Translate.MaxLength)
	check(c.Translate.Temperature >= 0, "translate.temperature must not be negative, got %g", c.Translate.Temperature)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
