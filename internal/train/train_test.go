package train

import (
	"context"
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoamSchedule(t *testing.T) {
	s := NoamSchedule{DModel: 128, WarmupSteps: 4000}

	// Warm-up is linear.
	assert.InDelta(t, 2*s.LearningRate(1000), s.LearningRate(2000), 1e-9)
	assert.Less(t, s.LearningRate(100), s.LearningRate(3999))

	// Peak at the end of warm-up, decay afterwards.
	peak := s.LearningRate(4000)
	assert.Greater(t, peak, s.LearningRate(3999))
	assert.Greater(t, peak, s.LearningRate(4001))
	assert.Greater(t, s.LearningRate(8000), s.LearningRate(16000))

	want := math.Pow(128, -0.5) * math.Pow(4000, -0.5)
	assert.InDelta(t, want, float64(peak), 1e-9)

	assert.Equal(t, s.LearningRate(1), s.LearningRate(0))
	assert.Equal(t, s.LearningRate(4000), NoamSchedule{DModel: 128}.LearningRate(4000))
}

func TestMean(t *testing.T) {
	var m Mean
	assert.Zero(t, m.Result())

	m.Add(1)
	m.Add(3)
	assert.InDelta(t, 2.0, m.Result(), 1e-12)

	m.AddWeighted(6, 2)
	assert.InDelta(t, 4.0, m.Result(), 1e-12)

	m.Reset()
	assert.Zero(t, m.Result())
}

func TestAccuracy(t *testing.T) {
	logits := []float32{
		0.1, 0.9, 0.0, // argmax 1
		0.8, 0.1, 0.1, // argmax 0, matching the padding label
		0.0, 0.2, 0.7, // argmax 2
	}

	correct, total := Accuracy(logits, 3, []int32{1, 0, 1})

	// Padding positions are scored like any other.
	assert.Equal(t, 2, correct)
	assert.Equal(t, 3, total)
}

// referenceLoss is a plain-Go cross-entropy with padding zeroed and the sum
// divided by every position.
func referenceLoss(logits []float32, vocab int, labels []int32) float64 {
	var sum float64
	for i, id := range labels {
		if id == 0 {
			continue
		}
		row := logits[i*vocab : (i+1)*vocab]
		var z float64
		for _, v := range row {
			z += math.Exp(float64(v))
		}
		sum -= math.Log(math.Exp(float64(row[id])) / z)
	}
	return sum / float64(len(labels))
}

func maskedLoss(t *testing.T, logits []float32, vocab int, labels []int32) Loss[*autodiff.Backend[*cpu.Backend]] {
	t.Helper()
	backend := autodiff.New(cpu.New())
	lt, err := tensor.FromSlice(logits, tensor.Shape{len(labels), vocab}, backend)
	require.NoError(t, err)

	loss, err := MaskedCrossEntropy(lt, labels, backend)
	require.NoError(t, err)
	return loss
}

func TestMaskedCrossEntropy(t *testing.T) {
	logits := []float32{
		1, 2, 3, 0,
		0, 0, 5, 1,
		2, 1, 0, 0,
	}
	labels := []int32{2, 0, 1}

	loss := maskedLoss(t, logits, 4, labels)

	assert.InDelta(t, referenceLoss(logits, 4, labels), loss.Value, 1e-4)
	assert.Equal(t, 2, loss.Tokens)
	assert.Equal(t, tensor.Shape{3, 4}, loss.Terms.Shape())

	var sum float64
	for _, v := range loss.Terms.Raw().AsFloat32() {
		sum += float64(v)
	}
	assert.InDelta(t, loss.Value, sum, 1e-6)
}

func TestMaskedCrossEntropy_IgnoresPadding(t *testing.T) {
	labels := []int32{3, 1, 0, 0}
	a := []float32{
		1, 2, 3, 4,
		0, 1, 0, 1,
		9, 9, 9, 9,
		0, 0, 0, 0,
	}
	b := append([]float32(nil), a...)
	for i := 8; i < 16; i++ {
		b[i] = float32(i) * -3
	}

	assert.InDelta(t, maskedLoss(t, a, 4, labels).Value, maskedLoss(t, b, 4, labels).Value, 1e-6)
}

func TestMaskedCrossEntropy_Gradient(t *testing.T) {
	backend := autodiff.New(cpu.New())
	logits := []float32{
		1, 2, 3, 0,
		0, 0, 5, 1,
		2, 1, 0, 0,
	}
	labels := []int32{2, 0, 1}
	lt, err := tensor.FromSlice(logits, tensor.Shape{3, 4}, backend)
	require.NoError(t, err)

	tape := backend.Tape()
	tape.StartRecording()
	defer tape.Clear()

	loss, err := MaskedCrossEntropy(lt, labels, backend)
	require.NoError(t, err)
	ones := tensor.Ones[float32](loss.Terms.Shape(), backend)
	grads := tape.Backward(ones.Raw(), backend)

	grad, ok := grads[lt.Raw()]
	require.True(t, ok, "gradient must reach the logits")
	got := grad.AsFloat32()

	// d/dz of the mean loss is (softmax(z) - onehot) / N on labelled rows.
	for i, id := range labels {
		row := logits[i*4 : (i+1)*4]
		var z float64
		for _, v := range row {
			z += math.Exp(float64(v))
		}
		for j, v := range row {
			want := 0.0
			if id != 0 {
				want = math.Exp(float64(v)) / z
				if j == int(id) {
					want--
				}
				want /= float64(len(labels))
			}
			assert.InDelta(t, want, float64(got[i*4+j]), 1e-4, "row %d col %d", i, j)
		}
	}
}

func TestMaskedCrossEntropy_Errors(t *testing.T) {
	backend := cpu.New()
	lt, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)

	_, err = MaskedCrossEntropy(lt, []int32{0, 0}, backend)
	assert.ErrorIs(t, err, ErrNoTokens)

	_, err = MaskedCrossEntropy(lt, []int32{1}, backend)
	assert.Error(t, err)

	_, err = MaskedCrossEntropy(lt, []int32{1, 2}, backend)
	assert.ErrorContains(t, err, "outside vocabulary")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30, cfg.Epochs)
	assert.Equal(t, 1000, cfg.LogEvery)
	assert.Equal(t, 5, cfg.CheckpointEvery)
	assert.Equal(t, 4000, cfg.WarmupSteps)
}

func TestRun_Cancelled(t *testing.T) {
	tr, _ := newTestTrainer(t, Config{Epochs: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Run(ctx, testDataset())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tr.Step())
}
