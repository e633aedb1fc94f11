package model

import (
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/en2zh/internal/dataset"
)

// maskValue is added to attention scores of masked keys.
const maskValue = -1e9

// Inputs holds one batch as tensors, with its attention masks.
//
// Masks are additive and shaped [batch, 1, seq_q, seq_k]:
//   - EncoderMask hides padded source keys from encoder self-attention
//   - DecoderMask hides future positions and padded target keys
//   - CrossMask hides padded source keys from decoder cross-attention
type Inputs[B tensor.Backend] struct {
	Source      *tensor.Tensor[int32, B]
	TargetIn    *tensor.Tensor[int32, B]
	EncoderMask *tensor.Tensor[float32, B]
	DecoderMask *tensor.Tensor[float32, B]
	CrossMask   *tensor.Tensor[float32, B]
}

// NewInputs converts padded id matrices into tensors and builds the masks.
func NewInputs[B tensor.Backend](src, tgtIn dataset.Padded, backend B) (*Inputs[B], error) {
	if src.Rows != tgtIn.Rows {
		return nil, fmt.Errorf("source has %d rows, target has %d", src.Rows, tgtIn.Rows)
	}

	source, err := tensor.FromSlice(src.Data, tensor.Shape{src.Rows, src.Cols}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create source tensor: %w", err)
	}
	targetIn, err := tensor.FromSlice(tgtIn.Data, tensor.Shape{tgtIn.Rows, tgtIn.Cols}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create target tensor: %w", err)
	}

	encMask, err := maskTensor(PaddingMask(src, src.Cols), src.Rows, src.Cols, src.Cols, backend)
	if err != nil {
		return nil, err
	}
	decMask, err := maskTensor(CombinedMask(tgtIn), tgtIn.Rows, tgtIn.Cols, tgtIn.Cols, backend)
	if err != nil {
		return nil, err
	}
	crossMask, err := maskTensor(PaddingMask(src, tgtIn.Cols), src.Rows, tgtIn.Cols, src.Cols, backend)
	if err != nil {
		return nil, err
	}

	return &Inputs[B]{
		Source:      source,
		TargetIn:    targetIn,
		EncoderMask: encMask,
		DecoderMask: decMask,
		CrossMask:   crossMask,
	}, nil
}

// PaddingMask returns a [rows, 1, seqQ, keys.Cols] additive mask that hides
// every key position holding the padding id.
func PaddingMask(keys dataset.Padded, seqQ int) []float32 {
	out := make([]float32, keys.Rows*seqQ*keys.Cols)
	for b := 0; b < keys.Rows; b++ {
		row := keys.Row(b)
		for q := 0; q < seqQ; q++ {
			base := (b*seqQ + q) * keys.Cols
			for k, id := range row {
				if id == dataset.PadID {
					out[base+k] = maskValue
				}
			}
		}
	}
	return out
}

// CombinedMask returns a [rows, 1, cols, cols] mask hiding both future
// positions and padded keys of the decoder input.
func CombinedMask(tgt dataset.Padded) []float32 {
	n := tgt.Cols
	out := make([]float32, tgt.Rows*n*n)
	for b := 0; b < tgt.Rows; b++ {
		row := tgt.Row(b)
		for q := 0; q < n; q++ {
			base := (b*n + q) * n
			for k := 0; k < n; k++ {
				if k > q || row[k] == dataset.PadID {
					out[base+k] = maskValue
				}
			}
		}
	}
	return out
}

func maskTensor[B tensor.Backend](data []float32, batch, seqQ, seqK int, backend B) (*tensor.Tensor[float32, B], error) {
	t, err := tensor.FromSlice(data, tensor.Shape{batch, 1, seqQ, seqK}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention mask: %w", err)
	}
	return t, nil
}
