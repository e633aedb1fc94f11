package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/born-ml/en2zh/internal/config"
	"github.com/born-ml/en2zh/internal/dataset"
	"github.com/born-ml/en2zh/internal/model"
	"github.com/born-ml/en2zh/internal/parallel"
	"github.com/born-ml/en2zh/internal/vocab"
)

// listFlag is a comma separated list of paths.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = nil
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// dataFlags are shared by every command that reads corpora or vocabularies.
type dataFlags struct {
	configPath  string
	trainFiles  listFlag
	validFiles  listFlag
	sourceVocab string
	targetVocab string
	cache       string
	batchSize   int
	maxLength   int
	workers     int
}

func (d *dataFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.configPath, "config", "", "YAML config file (defaults are used when empty)")
	fs.Var(&d.trainFiles, "train", "comma separated training corpora (JSON lines)")
	fs.Var(&d.validFiles, "valid", "comma separated validation corpora (JSON lines)")
	fs.StringVar(&d.sourceVocab, "source-vocab", "", "English vocabulary: vocab.txt, tokenizer dir or tiktoken:<name>")
	fs.StringVar(&d.targetVocab, "target-vocab", "", "Chinese vocabulary: vocab.txt, tokenizer dir or tiktoken:<name>")
	fs.StringVar(&d.cache, "cache", "", "dataset cache file")
	fs.IntVar(&d.batchSize, "batch-size", 0, "examples per batch")
	fs.IntVar(&d.maxLength, "max-length", 0, "drop pairs with more ids than this on either side (0 keeps all)")
	fs.IntVar(&d.workers, "workers", 0, "encoding workers (0 uses every CPU)")
}

// loadConfig reads the config file and applies the flags that were set
// explicitly on fs.
func (d *dataFlags) loadConfig(fs *flag.FlagSet, apply func(cfg *config.Config, name string)) (config.Config, error) {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train":
			cfg.Data.TrainFiles = d.trainFiles
		case "valid":
			cfg.Data.ValidFiles = d.validFiles
		case "source-vocab":
			cfg.Data.SourceVocab = d.sourceVocab
		case "target-vocab":
			cfg.Data.TargetVocab = d.targetVocab
		case "cache":
			cfg.Data.Cache = d.cache
		case "batch-size":
			cfg.Data.BatchSize = d.batchSize
		case "max-length":
			cfg.Data.MaxLength = d.maxLength
		case "workers":
			cfg.Data.Workers = d.workers
		default:
			if apply != nil {
				apply(&cfg, f.Name)
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openEncoder(cfg config.Config) (dataset.Encoder, error) {
	en, err := vocab.Open(cfg.Data.SourceVocab, cfg.Data.LowerCase)
	if err != nil {
		return dataset.Encoder{}, fmt.Errorf("source vocabulary: %w", err)
	}
	// Chinese text is not case folded.
	zh, err := vocab.Open(cfg.Data.TargetVocab, false)
	if err != nil {
		return dataset.Encoder{}, fmt.Errorf("target vocabulary: %w", err)
	}
	return dataset.Encoder{Source: en, Target: zh}, nil
}

func datasetOptions(cfg config.Config, enc dataset.Encoder) dataset.Options {
	pcfg := parallel.DefaultConfig()
	if cfg.Data.Workers > 0 {
		pcfg.Workers = cfg.Data.Workers
	}
	return dataset.Options{
		TrainFiles: cfg.Data.TrainFiles,
		ValidFiles: cfg.Data.ValidFiles,
		Encoder:    enc,
		BatchSize:  cfg.Data.BatchSize,
		MaxLength:  cfg.Data.MaxLength,
		CachePath:  cfg.Data.Cache,
		Parallel:   pcfg,
	}
}

func modelConfig(cfg config.Config, inputVocabSize, targetVocabSize int) model.Config {
	mc := model.DefaultConfig(inputVocabSize, targetVocabSize)
	mc.NumLayers = cfg.Model.NumLayers
	mc.DModel = cfg.Model.DModel
	mc.NumHeads = cfg.Model.NumHeads
	mc.DFF = cfg.Model.DFF
	return mc
}
