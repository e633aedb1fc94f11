package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/en2zh/internal/checkpoint"
	"github.com/born-ml/en2zh/internal/config"
	"github.com/born-ml/en2zh/internal/dataset"
	"github.com/born-ml/en2zh/internal/journal"
	"github.com/born-ml/en2zh/internal/model"
	"github.com/born-ml/en2zh/internal/train"
)

// RunTrainCommand trains the model on the prepared dataset.
func RunTrainCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var data dataFlags
	data.register(fs)
	epochs := fs.Int("epochs", 0, "last epoch to train")
	logEvery := fs.Int("log-every", 0, "log progress every N batches")
	seed := fs.Int64("seed", 0, "shuffle seed")
	device := fs.String("device", "", "compute device: cpu or webgpu")
	ckptDir := fs.String("checkpoint-dir", "", "checkpoint directory")
	ckptEvery := fs.Int("checkpoint-every", 0, "save a checkpoint every N epochs")
	journalPath := fs.String("journal", "", "SQLite run journal (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := data.loadConfig(fs, func(cfg *config.Config, name string) {
		switch name {
		case "epochs":
			cfg.Train.Epochs = *epochs
		case "log-every":
			cfg.Train.LogEvery = *logEvery
		case "seed":
			cfg.Train.Seed = *seed
		case "device":
			cfg.Train.Device = *device
		case "checkpoint-dir":
			cfg.Checkpoint.Dir = *ckptDir
		case "checkpoint-every":
			cfg.Checkpoint.Every = *ckptEvery
		case "journal":
			cfg.Journal.Path = *journalPath
		}
	})
	if err != nil {
		return err
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

	return trainOnDevice(ctx, cfg, ds, logger)
}

func runTraining[B tensor.Backend](ctx context.Context, cfg config.Config, inner B, ds *dataset.Dataset, logger *log.Logger) error {
	backend := autodiff.New(inner)

	m, err := model.New(modelConfig(cfg, ds.InputVocabSize, ds.TargetVocabSize), backend)
	if err != nil {
		return err
	}
	logger.Printf("model: %d layers, d_model %d, %d heads, dff %d, %d parameters",
		cfg.Model.NumLayers, cfg.Model.DModel, cfg.Model.NumHeads, cfg.Model.DFF, m.NumParameters())

	opts := train.Options[B]{Logger: logger}
	if cfg.Checkpoint.Dir != "" {
		opts.Checkpoints = checkpoint.NewManager(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxToKeep, backend)
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()

		cfgYAML, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		run, err := j.StartRun(ctx, string(cfgYAML))
		if err != nil {
			return err
		}
		logger.Printf("journal run %s in %s", run.ID, cfg.Journal.Path)
		opts.Recorder = run
		opts.RunID = run.ID
	}

	trainer, err := train.New(train.Config{
		Epochs:          cfg.Train.Epochs,
		LogEvery:        cfg.Train.LogEvery,
		CheckpointEvery: cfg.Checkpoint.Every,
		WarmupSteps:     cfg.Train.WarmupSteps,
		Seed:            cfg.Train.Seed,
	}, m, opts)
	if err != nil {
		return err
	}

	res, err := trainer.Run(ctx, ds)
	if errors.Is(err, context.Canceled) {
		logger.Printf("Interrupted after epoch %d, step %d", trainer.Epoch(), trainer.Step())
		return nil
	}
	if err != nil {
		return err
	}

	logger.Printf("Finished epoch %d at step %d: loss %.4f, accuracy %.4f, val loss %.4f, val accuracy %.4f",
		res.Epoch, res.Step, res.TrainLoss, res.TrainAccuracy, res.ValidLoss, res.ValidAccuracy)
	return nil
}
