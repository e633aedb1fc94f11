package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 64, cfg.Data.BatchSize)
	assert.Equal(t, "datasets_en2zh.dat", cfg.Data.Cache)
	assert.Equal(t, 4, cfg.Model.NumLayers)
	assert.Equal(t, 128, cfg.Model.DModel)
	assert.Equal(t, 8, cfg.Model.NumHeads)
	assert.Equal(t, 512, cfg.Model.DFF)
	assert.Equal(t, 30, cfg.Train.Epochs)
	assert.Equal(t, "./checkpoints/train_en2zh", cfg.Checkpoint.Dir)
	assert.Equal(t, 5, cfg.Checkpoint.Every)
	assert.Equal(t, 5, cfg.Checkpoint.MaxToKeep)
	assert.Equal(t, 40, cfg.Translate.MaxLength)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "en2zh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data:
  train_files: [a.json, b.json]
  batch_size: 32
model:
  num_layers: 2
train:
  device: webgpu
journal:
  path: runs.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.json", "b.json"}, cfg.Data.TrainFiles)
	assert.Equal(t, 32, cfg.Data.BatchSize)
	assert.Equal(t, 2, cfg.Model.NumLayers)
	assert.Equal(t, "webgpu", cfg.Train.Device)
	assert.Equal(t, "runs.db", cfg.Journal.Path)

	// Untouched keys keep their defaults.
	assert.Equal(t, 128, cfg.Model.DModel)
	assert.Equal(t, []string{"translation2019zh_valid.json"}, cfg.Data.ValidFiles)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data: [unclosed"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"batch size", func(c *Config) { c.Data.BatchSize = 0 }, "data.batch_size"},
		{"source vocab", func(c *Config) { c.Data.SourceVocab = "" }, "data.source_vocab"},
		{"heads", func(c *Config) { c.Model.NumHeads = 3 }, "divisible"},
		{"epochs", func(c *Config) { c.Train.Epochs = 0 }, "train.epochs"},
		{"device", func(c *Config) { c.Train.Device = "tpu" }, "train.device"},
		{"keep", func(c *Config) { c.Checkpoint.MaxToKeep = 0 }, "checkpoint.max_to_keep"},
		{"checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"temperature", func(c *Config) { c.Translate.Temperature = -1 }, "translate.temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
