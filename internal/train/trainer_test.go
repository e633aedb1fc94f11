package train

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/en2zh/internal/checkpoint"
	"github.com/born-ml/en2zh/internal/dataset"
	"github.com/born-ml/en2zh/internal/journal"
	"github.com/born-ml/en2zh/internal/model"
)

type recorder struct {
	epochs      []journal.Epoch
	checkpoints []journal.Checkpoint
}

func (r *recorder) RecordEpoch(_ context.Context, e journal.Epoch) error {
	r.epochs = append(r.epochs, e)
	return nil
}

func (r *recorder) RecordCheckpoint(_ context.Context, c journal.Checkpoint) error {
	r.checkpoints = append(r.checkpoints, c)
	return nil
}

// Vocabulary: 0 pad, 1..5 tokens, 6 start, 7 end.
func testDataset() *dataset.Dataset {
	ex := func(src, tgt []int32) dataset.Example {
		return dataset.Example{
			Source: append(append([]int32{6}, src...), 7),
			Target: append(append([]int32{6}, tgt...), 7),
		}
	}
	return &dataset.Dataset{
		Train: []dataset.Batch{
			{ex([]int32{1, 2}, []int32{3}), ex([]int32{3}, []int32{4, 5})},
			{ex([]int32{4, 5, 1}, []int32{2}), ex([]int32{2, 2}, []int32{1, 3, 5})},
		},
		Valid: []dataset.Batch{
			{ex([]int32{1}, []int32{2, 4}), ex([]int32{5, 4}, []int32{3})},
		},
		InputVocabSize:  8,
		TargetVocabSize: 8,
		BatchSize:       2,
	}
}

func newModel(t *testing.T) *model.Transformer[*autodiff.Backend[*cpu.Backend]] {
	t.Helper()
	m, err := model.New(model.Config{
		NumLayers:       1,
		DModel:          8,
		NumHeads:        2,
		DFF:             16,
		InputVocabSize:  8,
		TargetVocabSize: 8,
		MaxPositions:    16,
	}, autodiff.New(cpu.New()))
	require.NoError(t, err)
	return m
}

func newTestTrainer(t *testing.T, cfg Config, opts *Options[*cpu.Backend]) (*Trainer[*cpu.Backend], *model.Transformer[*autodiff.Backend[*cpu.Backend]]) {
	t.Helper()
	if opts == nil {
		opts = &Options[*cpu.Backend]{}
	}
	m := newModel(t)
	tr, err := New(cfg, m, *opts)
	require.NoError(t, err)
	return tr, m
}

func TestNew_InvalidConfig(t *testing.T) {
	m := newModel(t)

	_, err := New(Config{Epochs: 0}, m, Options[*cpu.Backend]{})
	assert.Error(t, err)

	_, err = New(Config{Epochs: 1, LogEvery: -1}, m, Options[*cpu.Backend]{})
	assert.Error(t, err)
}

func TestRun_TrainsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	var logs bytes.Buffer

	m := newModel(t)
	mgr := checkpoint.NewManager(filepath.Join(dir, "ckpt"), 5, m.Backend())
	tr, err := New(Config{Epochs: 2, LogEvery: 1, CheckpointEvery: 1, Seed: 3}, m, Options[*cpu.Backend]{
		Checkpoints: mgr,
		Recorder:    rec,
		Logger:      log.New(&logs, "", 0),
		RunID:       "run-1",
	})
	require.NoError(t, err)

	before := append([]float32(nil), m.Parameters()[0].Tensor().Data()...)

	res, err := tr.Run(context.Background(), testDataset())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Epoch)
	assert.Equal(t, 4, res.Step)
	assert.Equal(t, 4, tr.Step())
	assert.Positive(t, res.TrainLoss)
	assert.Positive(t, res.ValidLoss)
	assert.NotEqual(t, before, m.Parameters()[0].Tensor().Data(), "parameters must be updated")

	paths, err := mgr.Checkpoints()
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	require.Len(t, rec.epochs, 4) // train + valid per epoch
	assert.Equal(t, "train", rec.epochs[0].Split)
	assert.Equal(t, "valid", rec.epochs[1].Split)
	assert.Equal(t, 2, rec.epochs[3].Epoch)
	require.Len(t, rec.checkpoints, 2)
	assert.Equal(t, 4, rec.checkpoints[1].Step)

	out := logs.String()
	assert.Contains(t, out, "Initializing from scratch.")
	assert.Contains(t, out, "Epoch 1 Batch 0 Loss")
	assert.Contains(t, out, "Epoch 1 Batch 1 Loss")
	assert.Contains(t, out, "Train Epoch 2 Loss")
	assert.Contains(t, out, "Valid Epoch 2 Loss")
	assert.Contains(t, out, "Saving checkpoint for epoch 2")
	assert.Contains(t, out, "Time taken for 1 epoch")
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	ds := testDataset()

	first := newModel(t)
	tr, err := New(Config{Epochs: 1, CheckpointEvery: 1}, first, Options[*cpu.Backend]{
		Checkpoints: checkpoint.NewManager(dir, 5, first.Backend()),
	})
	require.NoError(t, err)
	_, err = tr.Run(context.Background(), ds)
	require.NoError(t, err)

	second := newModel(t)
	rec := &recorder{}
	tr2, err := New(Config{Epochs: 2, CheckpointEvery: 1}, second, Options[*cpu.Backend]{
		Checkpoints: checkpoint.NewManager(dir, 5, second.Backend()),
		Recorder:    rec,
	})
	require.NoError(t, err)

	res, err := tr2.Run(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Epoch)
	assert.Equal(t, 4, res.Step, "step counter continues from the checkpoint")
	// Adam moments are not checkpointed: the optimizer only counts its own steps.
	assert.Equal(t, 2, tr2.optimizer.GetTimestep())
	assert.InDelta(t, tr2.schedule.LearningRate(4), tr2.optimizer.GetLR(), 1e-12)
	require.NotEmpty(t, rec.epochs)
	assert.Equal(t, 2, rec.epochs[0].Epoch, "epoch 1 is not retrained")

	// Already complete: nothing left to train.
	third := newModel(t)
	tr3, err := New(Config{Epochs: 2}, third, Options[*cpu.Backend]{
		Checkpoints: checkpoint.NewManager(dir, 5, third.Backend()),
	})
	require.NoError(t, err)
	res, err = tr3.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Epoch)
	assert.Equal(t, 4, res.Step)
}

func TestEvaluate_DoesNotUpdate(t *testing.T) {
	tr, m := newTestTrainer(t, Config{Epochs: 1}, nil)
	before := append([]float32(nil), m.Parameters()[0].Tensor().Data()...)

	loss, acc, err := tr.Evaluate(context.Background(), testDataset().Valid)
	require.NoError(t, err)

	assert.Positive(t, loss)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
	assert.Equal(t, before, m.Parameters()[0].Tensor().Data())
	assert.False(t, m.Backend().Tape().IsRecording())
}

func TestRun_NoBatches(t *testing.T) {
	tr, _ := newTestTrainer(t, Config{Epochs: 1}, nil)
	_, err := tr.Run(context.Background(), &dataset.Dataset{})
	assert.Error(t, err)
}

// keyBiases returns the key-projection biases. Softmax is invariant to the
// per-query constant they add to attention scores, so their gradient is zero.
func keyBiases(m *model.Transformer[*autodiff.Backend[*cpu.Backend]]) map[*nn.Parameter[*autodiff.Backend[*cpu.Backend]]]bool {
	out := make(map[*nn.Parameter[*autodiff.Backend[*cpu.Backend]]]bool)
	for _, l := range m.Encoder.Layers {
		out[l.Attention.WK.Bias()] = true
	}
	for _, l := range m.Decoder.Layers {
		out[l.SelfAttention.WK.Bias()] = true
		out[l.CrossAttention.WK.Bias()] = true
	}
	return out
}

func TestTrainStep_UpdatesEveryParameter(t *testing.T) {
	m := newModel(t)
	tr, err := New(Config{Epochs: 1, WarmupSteps: 1}, m, Options[*cpu.Backend]{})
	require.NoError(t, err)

	named := m.NamedParameters()
	before := make([][]float32, len(named))
	for i, np := range named {
		before[i] = append([]float32(nil), np.Param.Tensor().Data()...)
	}

	ds := testDataset()
	ds.Train = ds.Train[:1]
	_, err = tr.Run(context.Background(), ds)
	require.NoError(t, err)
	require.Equal(t, 1, tr.Step())

	skip := keyBiases(m)
	for i, np := range named {
		if skip[np.Param] {
			continue
		}
		assert.NotEqual(t, before[i], np.Param.Tensor().Data(), "%s was not updated", np.Name)
	}
}
