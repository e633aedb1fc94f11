package train

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/en2zh/internal/dataset"
)

// ErrNoTokens is returned when every label in a batch is padding.
var ErrNoTokens = errors.New("no non-padding labels")

// probEps keeps log() finite for probabilities that underflow to zero.
const probEps = 1e-9

// Loss is the masked cross-entropy of one batch.
type Loss[B tensor.Backend] struct {
	// Terms has the shape of the logits and its elements sum to Value.
	// It is the last op recorded on the tape, so backpropagating a gradient
	// of ones from it yields the gradient of Value.
	Terms  *tensor.Tensor[float32, B]
	Value  float64
	Tokens int // Labels that are not padding.
}

// MaskedCrossEntropy returns the negative log-likelihood of labels under
// logits with padding positions zeroed, averaged over all positions.
//
// logits has shape [N, vocab] and labels holds N ids. Only recorded ops
// (Softmax, Add, Log, Mul) are used, so the result is differentiable on an
// autodiff backend.
func MaskedCrossEntropy[B tensor.Backend](
	logits *tensor.Tensor[float32, B],
	labels []int32,
	backend B,
) (Loss[B], error) {
	shape := logits.Shape()
	if len(shape) != 2 || shape[0] != len(labels) {
		return Loss[B]{}, fmt.Errorf("logits shape %v does not match %d labels", shape, len(labels))
	}
	vocab := shape[1]

	count := countTokens(labels)
	if count == 0 {
		return Loss[B]{}, ErrNoTokens
	}

	// One-hot rows scaled by -1/N; padding rows stay zero.
	weights := make([]float32, len(labels)*vocab)
	for i, id := range labels {
		if id == dataset.PadID {
			continue
		}
		if id < 0 || int(id) >= vocab {
			return Loss[B]{}, fmt.Errorf("label %d at position %d outside vocabulary of %d", id, i, vocab)
		}
		weights[i*vocab+int(id)] = -1 / float32(len(labels))
	}
	target, err := tensor.FromSlice(weights, shape, backend)
	if err != nil {
		return Loss[B]{}, fmt.Errorf("failed to create label weights: %w", err)
	}
	eps := tensor.Full(shape, float32(probEps), backend)

	terms := logits.Softmax(-1).Add(eps).Log().Mul(target)

	var value float64
	for _, v := range terms.Raw().AsFloat32() {
		value += float64(v)
	}
	return Loss[B]{Terms: terms, Value: value, Tokens: count}, nil
}

// Accuracy counts argmax predictions equal to their label over every
// position, padding included.
func Accuracy(logits []float32, vocab int, labels []int32) (correct, total int) {
	for i, id := range labels {
		if argmax(logits[i*vocab:(i+1)*vocab]) == int(id) {
			correct++
		}
	}
	return correct, len(labels)
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func countTokens(labels []int32) int {
	n := 0
	for _, id := range labels {
		if id != dataset.PadID {
			n++
		}
	}
	return n
}
