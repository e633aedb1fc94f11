// Package model assembles an encoder-decoder Transformer for translation out
// of Born's nn layers.
//
// Architecture (post-norm, as in "Attention is All You Need"):
//
//	source → Embedding·√d + sin/cos positions → N × TransformerBlock ──┐
//	                                                                   │
//	target → Embedding·√d + sin/cos positions → N × DecoderLayer ◄─────┘ → Linear → logits
//
// Each DecoderLayer is masked self-attention, cross-attention over the
// encoder output and a feed-forward network, every sub-layer wrapped in a
// residual connection followed by LayerNorm.
package model

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Config describes the Transformer dimensions.
type Config struct {
	NumLayers       int     // Encoder and decoder depth.
	DModel          int     // Embedding dimension.
	NumHeads        int     // Attention heads; must divide DModel.
	DFF             int     // Feed-forward hidden dimension.
	InputVocabSize  int     // Source ids, including boundary ids.
	TargetVocabSize int     // Target ids, including boundary ids.
	MaxPositions    int     // Longest sequence; 0 uses the vocabulary size of each side.
	NormEps         float32 // LayerNorm epsilon; 0 uses 1e-6.
}

// DefaultConfig returns the reference dimensions (4 layers, d_model 128,
// 8 heads, dff 512) for the given vocabulary sizes.
func DefaultConfig(inputVocabSize, targetVocabSize int) Config {
	return Config{
		NumLayers:       4,
		DModel:          128,
		NumHeads:        8,
		DFF:             512,
		InputVocabSize:  inputVocabSize,
		TargetVocabSize: targetVocabSize,
		NormEps:         1e-6,
	}
}

// Validate checks the dimensions.
func (c Config) Validate() error {
	switch {
	case c.NumLayers <= 0:
		return fmt.Errorf("num layers must be positive, got %d", c.NumLayers)
	case c.DModel <= 0 || c.NumHeads <= 0:
		return fmt.Errorf("d_model and num heads must be positive, got %d and %d", c.DModel, c.NumHeads)
	case c.DModel%c.NumHeads != 0:
		return fmt.Errorf("d_model (%d) must be divisible by num heads (%d)", c.DModel, c.NumHeads)
	case c.DFF <= 0:
		return fmt.Errorf("dff must be positive, got %d", c.DFF)
	case c.InputVocabSize <= 0 || c.TargetVocabSize <= 0:
		return fmt.Errorf("vocabulary sizes must be positive, got %d and %d", c.InputVocabSize, c.TargetVocabSize)
	case c.MaxPositions < 0:
		return fmt.Errorf("max positions must not be negative, got %d", c.MaxPositions)
	}
	return nil
}

func (c Config) normEps() float32 {
	if c.NormEps == 0 {
		return 1e-6
	}
	return c.NormEps
}

func (c Config) positions(vocabSize int) int {
	if c.MaxPositions > 0 {
		return c.MaxPositions
	}
	return vocabSize
}

// Encoder embeds source ids and runs self-attention blocks over them.
type Encoder[B tensor.Backend] struct {
	Embedding *nn.Embedding[B]
	Positions *nn.SinusoidalPositionalEncoding[B]
	Layers    []*nn.TransformerBlock[B]
	scale     float32
}

// DecoderLayer is masked self-attention, cross-attention and a feed-forward
// network, each followed by residual addition and LayerNorm.
type DecoderLayer[B tensor.Backend] struct {
	SelfAttention  *nn.MultiHeadAttention[B]
	CrossAttention *nn.MultiHeadAttention[B]
	FFN            *nn.FFN[B]
	Norm1          *nn.LayerNorm[B]
	Norm2          *nn.LayerNorm[B]
	Norm3          *nn.LayerNorm[B]
}

// Decoder embeds target ids and attends to the encoder output.
type Decoder[B tensor.Backend] struct {
	Embedding *nn.Embedding[B]
	Positions *nn.SinusoidalPositionalEncoding[B]
	Layers    []*DecoderLayer[B]
	scale     float32
}

// Transformer is the full translation model.
type Transformer[B tensor.Backend] struct {
	Config  Config
	Encoder *Encoder[B]
	Decoder *Decoder[B]
	Output  *nn.Linear[B]
	backend B
}

// New builds a randomly initialised Transformer.
func New[B tensor.Backend](cfg Config, backend B) (*Transformer[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scale := float32(math.Sqrt(float64(cfg.DModel)))
	blockCfg := nn.TransformerConfig{
		EmbedDim:   cfg.DModel,
		NumHeads:   cfg.NumHeads,
		FFNDim:     cfg.DFF,
		NormFirst:  false,
		UseRMSNorm: false,
		NormEps:    cfg.normEps(),
	}

	enc := &Encoder[B]{
		Embedding: nn.NewEmbedding(cfg.InputVocabSize, cfg.DModel, backend),
		Positions: nn.NewSinusoidalPositionalEncoding(cfg.positions(cfg.InputVocabSize), cfg.DModel, backend),
		Layers:    make([]*nn.TransformerBlock[B], cfg.NumLayers),
		scale:     scale,
	}
	for i := range enc.Layers {
		enc.Layers[i] = nn.NewTransformerBlock(blockCfg, backend)
	}

	dec := &Decoder[B]{
		Embedding: nn.NewEmbedding(cfg.TargetVocabSize, cfg.DModel, backend),
		Positions: nn.NewSinusoidalPositionalEncoding(cfg.positions(cfg.TargetVocabSize), cfg.DModel, backend),
		Layers:    make([]*DecoderLayer[B], cfg.NumLayers),
		scale:     scale,
	}
	for i := range dec.Layers {
		dec.Layers[i] = &DecoderLayer[B]{
			SelfAttention:  nn.NewMultiHeadAttention(cfg.DModel, cfg.NumHeads, backend),
			CrossAttention: nn.NewMultiHeadAttention(cfg.DModel, cfg.NumHeads, backend),
			FFN:            nn.NewFFN(cfg.DModel, cfg.DFF, backend),
			Norm1:          nn.NewLayerNorm(cfg.DModel, cfg.normEps(), backend),
			Norm2:          nn.NewLayerNorm(cfg.DModel, cfg.normEps(), backend),
			Norm3:          nn.NewLayerNorm(cfg.DModel, cfg.normEps(), backend),
		}
	}

	return &Transformer[B]{
		Config:  cfg,
		Encoder: enc,
		Decoder: dec,
		Output:  nn.NewLinear(cfg.DModel, cfg.TargetVocabSize, backend),
		backend: backend,
	}, nil
}

// Backend returns the backend the model was built on.
func (m *Transformer[B]) Backend() B {
	return m.backend
}

// Forward runs encoder and decoder with teacher forcing.
//
// Returns logits of shape [batch*target_len, target_vocab], row-major over
// (batch, position).
func (m *Transformer[B]) Forward(in *Inputs[B]) *tensor.Tensor[float32, B] {
	encoded := m.Encoder.Forward(in.Source, in.EncoderMask)
	return m.Decode(in.TargetIn, encoded, in.DecoderMask, in.CrossMask)
}

// Decode runs the decoder over target ids and projects to the vocabulary.
// The result has shape [batch*target_len, target_vocab].
func (m *Transformer[B]) Decode(
	targetIn *tensor.Tensor[int32, B],
	encoded *tensor.Tensor[float32, B],
	decoderMask, crossMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	x := m.Decoder.Forward(targetIn, encoded, decoderMask, crossMask)

	shape := x.Shape()
	x = x.Reshape(shape[0]*shape[1], shape[2])
	return m.Output.Forward(x)
}

// Forward encodes source ids: [batch, src_len] -> [batch, src_len, d_model].
func (e *Encoder[B]) Forward(source *tensor.Tensor[int32, B], mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	seqLen := source.Shape()[1]
	x := scaled(e.Embedding.Forward(source), e.scale).Add(e.Positions.Forward(seqLen))
	for _, layer := range e.Layers {
		x = layer.Forward(x, mask)
	}
	return x
}

// Forward decodes target ids against the encoder output:
// [batch, tgt_len] -> [batch, tgt_len, d_model].
func (d *Decoder[B]) Forward(
	targetIn *tensor.Tensor[int32, B],
	encoded *tensor.Tensor[float32, B],
	decoderMask, crossMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	seqLen := targetIn.Shape()[1]
	x := scaled(d.Embedding.Forward(targetIn), d.scale).Add(d.Positions.Forward(seqLen))
	for _, layer := range d.Layers {
		x = layer.Forward(x, encoded, decoderMask, crossMask)
	}
	return x
}

// scaled multiplies x by a constant tensor. Scalar ops bypass the gradient
// tape, so the factor is materialised to keep embeddings trainable.
func scaled[B tensor.Backend](x *tensor.Tensor[float32, B], factor float32) *tensor.Tensor[float32, B] {
	return x.Mul(tensor.Full(x.Shape(), factor, x.Backend()))
}

// Forward applies one decoder layer.
func (l *DecoderLayer[B]) Forward(
	x, encoded *tensor.Tensor[float32, B],
	decoderMask, crossMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	attn := l.SelfAttention.Forward(x, x, x, decoderMask)
	out1 := l.Norm1.Forward(attn.Add(x))

	cross := l.CrossAttention.Forward(out1, encoded, encoded, crossMask)
	out2 := l.Norm2.Forward(cross.Add(out1))

	ffn := l.FFN.Forward(out2)
	return l.Norm3.Forward(ffn.Add(out2))
}
