package dataset

import (
	"github.com/born-ml/en2zh/internal/corpus"
	"github.com/born-ml/en2zh/internal/vocab"
)

// PadID is the reserved padding id. Loss and accuracy ignore it.
const PadID int32 = 0

// Example is an encoded sentence pair. Both sides are bracketed by the
// sentence boundary ids of their vocabulary.
type Example struct {
	Source []int32
	Target []int32
}

// Encoder turns sentence pairs into Examples.
type Encoder struct {
	Source vocab.Vocabulary // English
	Target vocab.Vocabulary // Chinese
}

// StartID is the start-of-sentence id for a vocabulary of the given size.
func StartID(vocabSize int) int32 {
	return int32(vocabSize)
}

// EndID is the end-of-sentence id for a vocabulary of the given size.
func EndID(vocabSize int) int32 {
	return int32(vocabSize + 1)
}

// Encode tokenizes both sides and appends the boundary ids.
func (e Encoder) Encode(p corpus.Pair) (Example, error) {
	src, err := e.EncodeSource(p.English)
	if err != nil {
		return Example{}, err
	}
	tgt, err := vocab.Encode(e.Target, p.Chinese)
	if err != nil {
		return Example{}, err
	}
	return Example{Source: src, Target: bracket(tgt, e.Target.Size())}, nil
}

// EncodeSource encodes an English sentence with its boundary ids.
func (e Encoder) EncodeSource(text string) ([]int32, error) {
	ids, err := vocab.Encode(e.Source, text)
	if err != nil {
		return nil, err
	}
	return bracket(ids, e.Source.Size()), nil
}

// InputVocabSize is the source vocabulary size including boundary ids.
func (e Encoder) InputVocabSize() int {
	return e.Source.Size() + 2
}

// TargetVocabSize is the target vocabulary size including boundary ids.
func (e Encoder) TargetVocabSize() int {
	return e.Target.Size() + 2
}

func bracket(ids []int32, size int) []int32 {
	out := make([]int32, 0, len(ids)+2)
	out = append(out, StartID(size))
	out = append(out, ids...)
	out = append(out, EndID(size))
	return out
}
