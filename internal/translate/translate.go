// Package translate decodes English sentences into Chinese with a trained
// model, one target token at a time.
package translate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/generate"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/en2zh/internal/dataset"
	"github.com/born-ml/en2zh/internal/model"
	"github.com/born-ml/en2zh/internal/vocab"
)

// DefaultMaxLength caps decoded sentences, in target ids.
const DefaultMaxLength = 40

// Options tunes decoding.
type Options struct {
	MaxLength int                     // Target ids to emit at most; 0 uses DefaultMaxLength.
	Sampling  generate.SamplingConfig // Temperature 0 decodes greedily.
}

// DefaultOptions decodes greedily.
func DefaultOptions() Options {
	cfg := generate.DefaultSamplingConfig()
	cfg.Temperature = 0
	return Options{MaxLength: DefaultMaxLength, Sampling: cfg}
}

// tapeOwner is implemented by autodiff backends. Born's layers require one
// even for inference.
type tapeOwner interface {
	Tape() *autodiff.GradientTape
}

// Translator runs autoregressive decoding. It is not safe for concurrent use.
type Translator[B tensor.Backend] struct {
	model   *model.Transformer[B]
	encoder dataset.Encoder
	opts    Options
}

// New returns a translator for m. enc must be the encoder the model was
// trained with. m is normally built on autodiff.New(cpu.New()); its tape is
// paused while decoding.
func New[B tensor.Backend](m *model.Transformer[B], enc dataset.Encoder, opts Options) (*Translator[B], error) {
	if m.Config.InputVocabSize != enc.InputVocabSize() || m.Config.TargetVocabSize != enc.TargetVocabSize() {
		return nil, fmt.Errorf("vocabulary sizes %d/%d do not match model %d/%d",
			enc.InputVocabSize(), enc.TargetVocabSize(), m.Config.InputVocabSize, m.Config.TargetVocabSize)
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	return &Translator[B]{model: m, encoder: enc, opts: opts}, nil
}

// Translate returns the model's translation of text.
func (t *Translator[B]) Translate(ctx context.Context, text string) (string, error) {
	source, err := t.encoder.EncodeSource(text)
	if err != nil {
		return "", err
	}
	ids, err := t.TranslateIDs(ctx, source)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(vocab.Decode(t.encoder.Target, ids)), nil
}

// TranslateIDs decodes a source id sequence, including its start and end
// ids, into target ids without start and end ids.
func (t *Translator[B]) TranslateIDs(ctx context.Context, source []int32) ([]int32, error) {
	backend := t.model.Backend()
	if owner, ok := any(backend).(tapeOwner); ok {
		tape := owner.Tape()
		if tape.IsRecording() {
			tape.StopRecording()
			defer tape.StartRecording()
		}
	}

	targetSize := t.encoder.Target.Size()
	start, end := dataset.StartID(targetSize), dataset.EndID(targetSize)

	src := dataset.Padded{Data: source, Rows: 1, Cols: len(source)}
	srcTensor, err := tensor.FromSlice(source, tensor.Shape{1, len(source)}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create source tensor: %w", err)
	}
	encMask, err := tensor.FromSlice(model.PaddingMask(src, src.Cols), tensor.Shape{1, 1, src.Cols, src.Cols}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create source mask: %w", err)
	}
	encoded := t.model.Encoder.Forward(srcTensor, encMask)

	sampler := generate.NewSampler(t.opts.Sampling)
	output := []int32{start}
	vocabSize := t.model.Config.TargetVocabSize

	for len(output) <= t.opts.MaxLength {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in, err := model.NewInputs(src, dataset.Padded{Data: output, Rows: 1, Cols: len(output)}, backend)
		if err != nil {
			return nil, err
		}
		logits := t.model.Decode(in.TargetIn, encoded, in.DecoderMask, in.CrossMask)

		data := logits.Raw().AsFloat32()
		last := append([]float32(nil), data[(len(output)-1)*vocabSize:len(output)*vocabSize]...)
		// Padding and the start id are never valid outputs.
		last[dataset.PadID] = float32(math.Inf(-1))
		last[start] = float32(math.Inf(-1))

		next := sampler.Sample(last, output[1:])
		if next == end {
			break
		}
		output = append(output, next)
	}
	return output[1:], nil
}
