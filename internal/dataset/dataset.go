// Package dataset encodes bilingual corpora into length-sorted, fixed-size
// batches and caches the result on disk.
//
// Example:
//
//	ds, err := dataset.Build(ctx, dataset.Options{
//	    TrainFiles: []string{"translation2019zh_train.json"},
//	    ValidFiles: []string{"translation2019zh_valid.json"},
//	    Encoder:    dataset.Encoder{Source: en, Target: zh},
//	    BatchSize:  64,
//	    CachePath:  "datasets_en2zh.dat",
//	}, logger)
package dataset

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/born-ml/en2zh/internal/corpus"
	"github.com/born-ml/en2zh/internal/parallel"
)

// cacheVersion is bumped whenever the cached layout changes.
const cacheVersion = 2

// errCacheVersion marks a cache written by an older layout.
var errCacheVersion = errors.New("unsupported dataset cache version")

// Dataset is the fully prepared training input.
type Dataset struct {
	Train           []Batch
	Valid           []Batch
	InputVocabSize  int
	TargetVocabSize int
	BatchSize       int
}

// Options controls Build.
type Options struct {
	TrainFiles []string
	ValidFiles []string
	Encoder    Encoder
	BatchSize  int
	MaxLength  int // Drop examples longer than this on either side; 0 keeps all.
	CachePath  string
	Parallel   parallel.Config
}

type cacheFile struct {
	Version int
	Key     buildKey
	Dataset Dataset
}

// buildKey records the inputs a cached dataset was built from.
type buildKey struct {
	TrainFiles      []fileStamp
	ValidFiles      []fileStamp
	BatchSize       int
	MaxLength       int
	InputVocabSize  int
	TargetVocabSize int
}

// fileStamp identifies a corpus file. Size is -1 when the file could not be
// inspected.
type fileStamp struct {
	Path    string
	Size    int64
	ModTime int64
}

func newBuildKey(opts Options) buildKey {
	return buildKey{
		TrainFiles:      stampFiles(opts.TrainFiles),
		ValidFiles:      stampFiles(opts.ValidFiles),
		BatchSize:       opts.BatchSize,
		MaxLength:       opts.MaxLength,
		InputVocabSize:  opts.Encoder.InputVocabSize(),
		TargetVocabSize: opts.Encoder.TargetVocabSize(),
	}
}

func stampFiles(paths []string) []fileStamp {
	stamps := make([]fileStamp, len(paths))
	for i, p := range paths {
		stamps[i] = fileStamp{Path: p, Size: -1}
		if fi, err := os.Stat(p); err == nil {
			stamps[i].Size = fi.Size()
			stamps[i].ModTime = fi.ModTime().UnixNano()
		}
	}
	return stamps
}

// staleReason returns why a cache built from k cannot serve want, or "" when
// it can. Corpus files that are gone no longer invalidate the cache.
func (k buildKey) staleReason(want buildKey) string {
	switch {
	case k.BatchSize != want.BatchSize:
		return fmt.Sprintf("batch size %d, want %d", k.BatchSize, want.BatchSize)
	case k.MaxLength != want.MaxLength:
		return fmt.Sprintf("max length %d, want %d", k.MaxLength, want.MaxLength)
	case k.InputVocabSize != want.InputVocabSize || k.TargetVocabSize != want.TargetVocabSize:
		return fmt.Sprintf("vocabulary sizes %d/%d, want %d/%d",
			k.InputVocabSize, k.TargetVocabSize, want.InputVocabSize, want.TargetVocabSize)
	}
	if r := staleFiles(k.TrainFiles, want.TrainFiles); r != "" {
		return "train " + r
	}
	if r := staleFiles(k.ValidFiles, want.ValidFiles); r != "" {
		return "valid " + r
	}
	return ""
}

func staleFiles(have, want []fileStamp) string {
	if len(have) != len(want) {
		return fmt.Sprintf("files changed (%d, want %d)", len(have), len(want))
	}
	for i := range want {
		if have[i].Path != want[i].Path {
			return fmt.Sprintf("file %s, want %s", have[i].Path, want[i].Path)
		}
		if want[i].Size < 0 {
			continue
		}
		if have[i].Size != want[i].Size || have[i].ModTime != want[i].ModTime {
			return fmt.Sprintf("file %s was modified", want[i].Path)
		}
	}
	return ""
}

// Build returns the cached dataset at opts.CachePath when it was built from
// the same corpora, batch size, length limit and vocabulary sizes; otherwise
// it loads and encodes the corpora and writes a fresh cache.
func Build(ctx context.Context, opts Options, logger *log.Logger) (*Dataset, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	key := newBuildKey(opts)
	if opts.CachePath != "" {
		cf, err := readCache(opts.CachePath)
		switch {
		case err == nil:
			reason := cf.Key.staleReason(key)
			if reason == "" {
				ds := &cf.Dataset
				logger.Printf("loaded dataset cache %s: %d train / %d valid batches",
					opts.CachePath, len(ds.Train), len(ds.Valid))
				return ds, nil
			}
			logger.Printf("dataset cache %s is stale (%s); rebuilding", opts.CachePath, reason)
		case errors.Is(err, errCacheVersion):
			logger.Printf("%v; rebuilding", err)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	valid, err := encodeFiles(ctx, opts, opts.ValidFiles, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare validation data: %w", err)
	}
	train, err := encodeFiles(ctx, opts, opts.TrainFiles, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare training data: %w", err)
	}

	ds := &Dataset{
		Train:           Batchify(train, opts.BatchSize),
		Valid:           Batchify(valid, opts.BatchSize),
		InputVocabSize:  opts.Encoder.InputVocabSize(),
		TargetVocabSize: opts.Encoder.TargetVocabSize(),
		BatchSize:       opts.BatchSize,
	}
	logger.Printf("batched %d train / %d valid batches of %d",
		len(ds.Train), len(ds.Valid), opts.BatchSize)

	if opts.CachePath != "" {
		if err := writeCache(opts.CachePath, cacheFile{Version: cacheVersion, Key: key, Dataset: *ds}); err != nil {
			return nil, err
		}
		logger.Printf("wrote dataset cache %s", opts.CachePath)
	}
	return ds, nil
}

// Encode converts pairs to examples in parallel, preserving order.
func Encode(ctx context.Context, enc Encoder, pairs []corpus.Pair, cfg parallel.Config) ([]Example, error) {
	out := make([]Example, len(pairs))
	err := parallel.For(ctx, len(pairs), cfg, func(i int) (err error) {
		out[i], err = enc.Encode(pairs[i])
		if err != nil {
			return fmt.Errorf("pair %d: %w", i, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FilterLength drops examples whose source or target exceeds maxLen ids.
// maxLen <= 0 keeps everything.
func FilterLength(examples []Example, maxLen int) []Example {
	if maxLen <= 0 {
		return examples
	}
	kept := examples[:0]
	for _, ex := range examples {
		if len(ex.Source) <= maxLen && len(ex.Target) <= maxLen {
			kept = append(kept, ex)
		}
	}
	return kept
}

func encodeFiles(ctx context.Context, opts Options, files []string, logger *log.Logger) ([]Example, error) {
	if len(files) == 0 {
		return nil, nil
	}
	pairs, err := corpus.Load(files...)
	if err != nil {
		return nil, err
	}
	logger.Printf("loaded %d pairs from %v", len(pairs), files)

	examples, err := Encode(ctx, opts.Encoder, pairs, opts.Parallel)
	if err != nil {
		return nil, err
	}

	total := len(examples)
	examples = FilterLength(examples, opts.MaxLength)
	if dropped := total - len(examples); dropped > 0 {
		logger.Printf("dropped %d of %d pairs longer than %d ids", dropped, total, opts.MaxLength)
	}
	return examples, nil
}

// Save writes the dataset to path atomically. A cache written by Save has
// no record of its inputs, so Build always rebuilds over it.
func (d *Dataset) Save(path string) error {
	return writeCache(path, cacheFile{Version: cacheVersion, Dataset: *d})
}

func writeCache(path string, cf cacheFile) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create dataset cache: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := gob.NewEncoder(tmp).Encode(cf); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode dataset cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write dataset cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install dataset cache: %w", err)
	}
	return nil
}

// LoadCache reads a dataset written by Save.
// A missing file yields an error matching os.ErrNotExist.
func LoadCache(path string) (*Dataset, error) {
	cf, err := readCache(path)
	if err != nil {
		return nil, err
	}
	return &cf.Dataset, nil
}

func readCache(path string) (*cacheFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset cache: %w", err)
	}
	defer f.Close()

	var cf cacheFile
	if err := gob.NewDecoder(f).Decode(&cf); err != nil {
		return nil, fmt.Errorf("failed to decode dataset cache %s: %w", path, err)
	}
	if cf.Version != cacheVersion {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", errCacheVersion, path, cf.Version, cacheVersion)
	}
	return &cf, nil
}
