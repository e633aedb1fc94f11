package dataset

import (
	"math/rand"
	"sort"
)

// Batch is a fixed-size group of examples of similar length.
type Batch []Example

// Padded is a row-major [Rows, Cols] id matrix.
type Padded struct {
	Data []int32
	Rows int
	Cols int
}

// Row returns row i.
func (p Padded) Row(i int) []int32 {
	return p.Data[i*p.Cols : (i+1)*p.Cols]
}

// Batchify groups examples into batches of exactly batchSize.
//
// Examples are stably sorted by (target length, source length) so that each
// batch needs little padding. A trailing group smaller than batchSize is
// dropped. The input slice is reordered in place.
func Batchify(examples []Example, batchSize int) []Batch {
	if batchSize <= 0 {
		return nil
	}

	sort.SliceStable(examples, func(i, j int) bool {
		a, b := examples[i], examples[j]
		if len(a.Target) != len(b.Target) {
			return len(a.Target) < len(b.Target)
		}
		return len(a.Source) < len(b.Source)
	})

	batches := make([]Batch, 0, len(examples)/batchSize)
	for i := 0; i+batchSize <= len(examples); i += batchSize {
		batches = append(batches, Batch(examples[i:i+batchSize:i+batchSize]))
	}
	return batches
}

// Pad lays the batch out as two padded matrices, source and target.
//
// When rng is non-nil, rows are emitted in a random order; the batch itself
// is not modified. Every row is padded with PadID up to the longest sequence
// of its side.
func (b Batch) Pad(rng *rand.Rand) (src, tgt Padded) {
	order := make([]int, len(b))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	srcLen, tgtLen := b.MaxLens()
	src = Padded{Data: make([]int32, len(b)*srcLen), Rows: len(b), Cols: srcLen}
	tgt = Padded{Data: make([]int32, len(b)*tgtLen), Rows: len(b), Cols: tgtLen}

	// make() zero-fills, and PadID is 0.
	for row, idx := range order {
		copy(src.Row(row), b[idx].Source)
		copy(tgt.Row(row), b[idx].Target)
	}
	return src, tgt
}

// MaxLens returns the longest source and target length in the batch.
func (b Batch) MaxLens() (src, tgt int) {
	for _, ex := range b {
		src = max(src, len(ex.Source))
		tgt = max(tgt, len(ex.Target))
	}
	return src, tgt
}

// Tokens counts non-padding target ids, a proxy for the work in a batch.
func (b Batch) Tokens() int {
	n := 0
	for _, ex := range b {
		n += len(ex.Target)
	}
	return n
}

// TeacherForcing splits a padded target matrix into the decoder input
// (every row without its last id) and the labels (every row without its
// first id).
func TeacherForcing(tgt Padded) (input, labels Padded) {
	if tgt.Cols < 2 {
		return Padded{Rows: tgt.Rows}, Padded{Rows: tgt.Rows}
	}
	cols := tgt.Cols - 1
	input = Padded{Data: make([]int32, tgt.Rows*cols), Rows: tgt.Rows, Cols: cols}
	labels = Padded{Data: make([]int32, tgt.Rows*cols), Rows: tgt.Rows, Cols: cols}
	for r := 0; r < tgt.Rows; r++ {
		row := tgt.Row(r)
		copy(input.Row(r), row[:cols])
		copy(labels.Row(r), row[1:])
	}
	return input, labels
}
