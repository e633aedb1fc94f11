package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/born-ml/en2zh/internal/dataset"
)

// RunPrepareCommand encodes the corpora and writes the dataset cache.
func RunPrepareCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	var data dataFlags
	data.register(fs)
	force := fs.Bool("force", false, "rebuild the cache even if it exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := data.loadConfig(fs, nil)
	if err != nil {
		return err
	}
	if cfg.Data.Cache == "" {
		return fmt.Errorf("prepare needs a cache path (-cache or data.cache)")
	}
	if *force {
		if err := os.Remove(cfg.Data.Cache); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old cache: %w", err)
		}
	}

	logger := newLogger(os.Stdout)
	enc, err := openEncoder(cfg)
	if err != nil {
		return err
	}

	ds, err := dataset.Build(ctx, datasetOptions(cfg, enc), logger)
	if err != nil {
		return err
	}

	logger.Printf("input vocab size %d, target vocab size %d", ds.InputVocabSize, ds.TargetVocabSize)
	logger.Printf("%d train batches, %d valid batches of %d", len(ds.Train), len(ds.Valid), ds.BatchSize)
	return nil
}
