package dataset

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/en2zh/internal/corpus"
	"github.com/born-ml/en2zh/internal/parallel"
	"github.com/born-ml/en2zh/internal/vocab"
)

func testEncoder(t *testing.T) Encoder {
	t.Helper()
	en, err := vocab.NewWordPiece([]string{"[PAD]", "[UNK]", "hello", "world", "good", "night", "."}, true)
	require.NoError(t, err)
	zh, err := vocab.NewWordPiece([]string{"[PAD]", "[UNK]", "你", "好", "世", "界", "晚", "安", "。"}, false)
	require.NoError(t, err)
	return Encoder{Source: en, Target: zh}
}

func example(src, tgt int) Example {
	return Example{Source: make([]int32, src), Target: make([]int32, tgt)}
}

func TestEncoder_Encode(t *testing.T) {
	enc := testEncoder(t)

	ex, err := enc.Encode(corpus.Pair{English: "Hello world.", Chinese: "你好世界。"})
	require.NoError(t, err)

	// en size 7 -> start 7, end 8; zh size 9 -> start 9, end 10.
	assert.Equal(t, []int32{7, 2, 3, 6, 8}, ex.Source)
	assert.Equal(t, []int32{9, 2, 3, 4, 5, 8, 10}, ex.Target)

	assert.Equal(t, 9, enc.InputVocabSize())
	assert.Equal(t, 11, enc.TargetVocabSize())
}

func TestBatchify(t *testing.T) {
	examples := []Example{
		example(5, 4),
		example(3, 2),
		example(2, 4),
		example(1, 1),
		example(4, 2),
		example(9, 9), // dropped with the partial tail
		example(6, 3),
	}

	batches := Batchify(examples, 3)
	require.Len(t, batches, 2)

	var prev Example
	for i, b := range batches {
		require.Len(t, b, 3, "batch %d", i)
		for j, ex := range b {
			if i == 0 && j == 0 {
				prev = ex
				continue
			}
			ordered := len(prev.Target) < len(ex.Target) ||
				(len(prev.Target) == len(ex.Target) && len(prev.Source) <= len(ex.Source))
			assert.True(t, ordered, "examples must be sorted by (target, source) length")
			prev = ex
		}
	}

	assert.Equal(t, 1, len(batches[0][0].Target))
	assert.Equal(t, []int{3, 4}, []int{len(batches[0][1].Source), len(batches[0][2].Source)})
}

func TestBatchify_InvalidSize(t *testing.T) {
	assert.Nil(t, Batchify([]Example{example(1, 1)}, 0))
	assert.Empty(t, Batchify([]Example{example(1, 1)}, 2))
}

func TestBatch_Pad(t *testing.T) {
	b := Batch{
		{Source: []int32{7, 2, 8}, Target: []int32{9, 3, 10}},
		{Source: []int32{7, 2, 3, 4, 8}, Target: []int32{9, 10}},
	}

	src, tgt := b.Pad(nil)

	assert.Equal(t, Padded{Data: []int32{7, 2, 8, 0, 0, 7, 2, 3, 4, 8}, Rows: 2, Cols: 5}, src)
	assert.Equal(t, Padded{Data: []int32{9, 3, 10, 9, 10, 0}, Rows: 2, Cols: 3}, tgt)
}

func TestBatch_PadShuffled(t *testing.T) {
	b := make(Batch, 16)
	for i := range b {
		b[i] = Example{Source: []int32{int32(i + 1)}, Target: []int32{int32(i + 1), int32(i + 1)}}
	}

	src, tgt := b.Pad(rand.New(rand.NewSource(7)))

	seen := make(map[int32]bool)
	for row := 0; row < src.Rows; row++ {
		id := src.Row(row)[0]
		seen[id] = true
		// Source and target rows stay aligned.
		assert.Equal(t, []int32{id, id}, tgt.Row(row))
	}
	assert.Len(t, seen, 16)

	// The batch itself keeps its order.
	assert.Equal(t, int32(1), b[0].Source[0])
}

func TestFilterLength(t *testing.T) {
	examples := []Example{example(3, 3), example(5, 2), example(2, 6)}

	assert.Len(t, FilterLength(append([]Example(nil), examples...), 0), 3)
	assert.Len(t, FilterLength(append([]Example(nil), examples...), 4), 1)
}

func TestEncode_PreservesOrder(t *testing.T) {
	enc := testEncoder(t)
	pairs := make([]corpus.Pair, 100)
	for i := range pairs {
		if i%2 == 0 {
			pairs[i] = corpus.Pair{English: "hello", Chinese: "你"}
		} else {
			pairs[i] = corpus.Pair{English: "good night .", Chinese: "晚安。"}
		}
	}

	examples, err := Encode(context.Background(), enc, pairs, parallel.Config{Workers: 4, MinChunkSize: 8})
	require.NoError(t, err)
	require.Len(t, examples, 100)
	for i, ex := range examples {
		if i%2 == 0 {
			assert.Len(t, ex.Source, 3)
		} else {
			assert.Len(t, ex.Source, 5)
		}
	}
}

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasets_en2zh.dat")
	ds := &Dataset{
		Train:           []Batch{{{Source: []int32{1, 2}, Target: []int32{3}}}},
		Valid:           []Batch{},
		InputVocabSize:  10,
		TargetVocabSize: 12,
		BatchSize:       1,
	}
	require.NoError(t, ds.Save(path))

	loaded, err := LoadCache(path)
	require.NoError(t, err)
	assert.Equal(t, ds.Train, loaded.Train)
	assert.Equal(t, 10, loaded.InputVocabSize)
	assert.Equal(t, 12, loaded.TargetVocabSize)
	assert.Equal(t, 1, loaded.BatchSize)

	_, err = LoadCache(filepath.Join(t.TempDir(), "missing.dat"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.json")
	validPath := filepath.Join(dir, "valid.json")

	trainLines := strings.Repeat(`{"english":"hello world","chinese":"你好世界"}`+"\n", 5) +
		strings.Repeat(`{"english":"good night","chinese":"晚安"}`+"\n", 4)
	require.NoError(t, os.WriteFile(trainPath, []byte(trainLines), 0o644))
	require.NoError(t, os.WriteFile(validPath, []byte(`{"english":"hello","chinese":"你好"}`+"\n"), 0o644))

	opts := Options{
		TrainFiles: []string{trainPath},
		ValidFiles: []string{validPath},
		Encoder:    testEncoder(t),
		BatchSize:  2,
		CachePath:  filepath.Join(dir, "cache.dat"),
		Parallel:   parallel.Config{Workers: 1},
	}

	ds, err := Build(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Len(t, ds.Train, 4) // 9 examples, tail dropped
	assert.Empty(t, ds.Valid)  // 1 example < batch size
	assert.Equal(t, 9, ds.InputVocabSize)
	assert.Equal(t, 11, ds.TargetVocabSize)
	assert.FileExists(t, opts.CachePath)

	// Unchanged inputs are served from the cache.
	cached, err := Build(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, ds.Train, cached.Train)

	// A corpus that has gone away does not invalidate the cache.
	require.NoError(t, os.Rename(trainPath, trainPath+".bak"))
	cached, err = Build(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, ds.Train, cached.Train)
	require.NoError(t, os.Rename(trainPath+".bak", trainPath))
}

func TestBuild_RebuildsStaleCache(t *testing.T) {
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.json")
	validPath := filepath.Join(dir, "valid.json")

	// "hello world" targets are 6 ids long, "good night" targets 4.
	trainLines := strings.Repeat(`{"english":"hello world","chinese":"你好世界"}`+"\n", 4) +
		strings.Repeat(`{"english":"good night","chinese":"晚安"}`+"\n", 4)
	require.NoError(t, os.WriteFile(trainPath, []byte(trainLines), 0o644))
	require.NoError(t, os.WriteFile(validPath, []byte(`{"english":"hello","chinese":"你好"}`+"\n"), 0o644))

	base := Options{
		TrainFiles: []string{trainPath},
		ValidFiles: []string{validPath},
		Encoder:    testEncoder(t),
		BatchSize:  2,
		CachePath:  filepath.Join(dir, "cache.dat"),
		Parallel:   parallel.Config{Workers: 1},
	}
	build := func(opts Options) *Dataset {
		t.Helper()
		ds, err := Build(context.Background(), opts, nil)
		require.NoError(t, err)
		return ds
	}

	require.Len(t, build(base).Train, 4)

	shorter := base
	shorter.MaxLength = 4
	assert.Len(t, build(shorter).Train, 2, "max length change must rebuild")
	assert.Len(t, build(base).Train, 4)

	bigger := base
	bigger.BatchSize = 3
	assert.Len(t, build(bigger).Train, 2, "batch size change must rebuild")
	assert.Len(t, build(base).Train, 4)

	moreValid := base
	moreValid.ValidFiles = []string{validPath, validPath}
	assert.Len(t, build(moreValid).Valid, 1, "file list change must rebuild")
	assert.Empty(t, build(base).Valid)

	otherVocab := base
	zh, err := vocab.NewWordPiece([]string{"[PAD]", "[UNK]", "你", "好"}, false)
	require.NoError(t, err)
	otherVocab.Encoder.Target = zh
	assert.Equal(t, 6, build(otherVocab).TargetVocabSize, "vocabulary change must rebuild")
	assert.Len(t, build(base).Train, 4)

	require.NoError(t, os.WriteFile(trainPath, []byte(trainLines+trainLines), 0o644))
	assert.Len(t, build(base).Train, 8, "corpus change must rebuild")
}

func TestBuild_RebuildsOldCacheVersion(t *testing.T) {
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(trainPath,
		[]byte(strings.Repeat(`{"english":"good night","chinese":"晚安"}`+"\n", 2)), 0o644))

	cachePath := filepath.Join(dir, "cache.dat")
	require.NoError(t, writeCache(cachePath, cacheFile{Version: cacheVersion - 1}))

	ds, err := Build(context.Background(), Options{
		TrainFiles: []string{trainPath},
		Encoder:    testEncoder(t),
		BatchSize:  2,
		CachePath:  cachePath,
	}, nil)
	require.NoError(t, err)
	assert.Len(t, ds.Train, 1)

	_, err = LoadCache(cachePath)
	assert.NoError(t, err)
}

func TestTeacherForcing(t *testing.T) {
	tgt := Padded{Data: []int32{9, 3, 4, 10, 9, 5, 10, 0}, Rows: 2, Cols: 4}

	input, labels := TeacherForcing(tgt)

	assert.Equal(t, Padded{Data: []int32{9, 3, 4, 9, 5, 10}, Rows: 2, Cols: 3}, input)
	assert.Equal(t, Padded{Data: []int32{3, 4, 10, 5, 10, 0}, Rows: 2, Cols: 3}, labels)

	short, _ := TeacherForcing(Padded{Data: []int32{9}, Rows: 1, Cols: 1})
	assert.Equal(t, 0, short.Cols)
}

// brokenVocab fails to tokenize any text containing "bad".
type brokenVocab struct{ vocab.Vocabulary }

func (b brokenVocab) TokenizeText(text string) ([]string, error) {
	if strings.Contains(text, "bad") {
		return nil, errors.New("cannot tokenize")
	}
	return b.Tokenize(text), nil
}

func TestEncode_TokenizeError(t *testing.T) {
	enc := testEncoder(t)
	enc.Source = brokenVocab{enc.Source}
	pairs := []corpus.Pair{
		{English: "hello", Chinese: "你"},
		{English: "bad", Chinese: "好"},
	}

	_, err := Encode(context.Background(), enc, pairs, parallel.Config{Workers: 1})
	require.Error(t, err)
	assert.ErrorContains(t, err, "pair 1")
	assert.ErrorContains(t, err, "cannot tokenize")
}
