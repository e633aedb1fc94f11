// Package train runs the teacher-forced training loop for the translation
// model: padding-masked loss, token accuracy, the warm-up learning-rate
// schedule, periodic validation and checkpointing.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/en2zh/internal/checkpoint"
	"github.com/born-ml/en2zh/internal/dataset"
	"github.com/born-ml/en2zh/internal/journal"
	"github.com/born-ml/en2zh/internal/model"
)

// Adam hyperparameters of the reference setup.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.98
	adamEps   = 1e-9
)

// Config controls the training loop.
type Config struct {
	Epochs          int   // Last epoch to train, 1-based.
	LogEvery        int   // Log progress every N batches; 0 disables.
	CheckpointEvery int   // Save every N epochs; 0 disables.
	WarmupSteps     int   // Schedule warm-up; 0 uses DefaultWarmupSteps.
	Seed            int64 // Seeds batch order and in-batch shuffling.
}

// DefaultConfig returns the reference loop settings: 30 epochs, progress
// every 1000 batches, a checkpoint every 5 epochs.
func DefaultConfig() Config {
	return Config{
		Epochs:          30,
		LogEvery:        1000,
		CheckpointEvery: 5,
		WarmupSteps:     DefaultWarmupSteps,
		Seed:            1,
	}
}

// Recorder receives epoch summaries and checkpoint events.
// *journal.Run implements it.
type Recorder interface {
	RecordEpoch(ctx context.Context, e journal.Epoch) error
	RecordCheckpoint(ctx context.Context, c journal.Checkpoint) error
}

// Options holds the trainer's optional collaborators.
type Options[B tensor.Backend] struct {
	Checkpoints *checkpoint.Manager[*autodiff.Backend[B]] // nil disables checkpointing.
	Recorder    Recorder                                 // nil disables journaling.
	Logger      *log.Logger                              // nil discards progress output.
	RunID       string                                   // Stored in checkpoint metadata.
}

// Result summarises the last trained epoch.
type Result struct {
	Epoch         int
	Step          int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
}

// Trainer owns the optimizer and the loop state of one model.
type Trainer[B tensor.Backend] struct {
	cfg       Config
	model     *model.Transformer[*autodiff.Backend[B]]
	backend   *autodiff.Backend[B]
	optimizer *optim.Adam[*autodiff.Backend[B]]
	schedule  NoamSchedule
	opts      Options[B]
	logger    *log.Logger

	epoch int // last completed epoch
	step  int // optimizer steps taken
}

// New creates a trainer for m, which must be built on an autodiff backend.
func New[B tensor.Backend](cfg Config, m *model.Transformer[*autodiff.Backend[B]], opts Options[B]) (*Trainer[B], error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LogEvery < 0 || cfg.CheckpointEvery < 0 {
		return nil, fmt.Errorf("log and checkpoint intervals must not be negative")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	schedule := NoamSchedule{DModel: m.Config.DModel, WarmupSteps: cfg.WarmupSteps}
	backend := m.Backend()
	optimizer := optim.NewAdam(
		m.Parameters(),
		optim.AdamConfig{
			LR:    schedule.LearningRate(1),
			Betas: [2]float32{adamBeta1, adamBeta2},
			Eps:   adamEps,
		},
		backend,
	)

	return &Trainer[B]{
		cfg:       cfg,
		model:     m,
		backend:   backend,
		optimizer: optimizer,
		schedule:  schedule,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Epoch returns the last completed epoch.
func (t *Trainer[B]) Epoch() int { return t.epoch }

// Step returns the number of optimizer steps taken.
func (t *Trainer[B]) Step() int { return t.step }

// Restore loads the newest checkpoint, if any, and resumes its epoch and
// step counters. It reports whether a checkpoint was found.
func (t *Trainer[B]) Restore() (bool, error) {
	if t.opts.Checkpoints == nil {
		return false, nil
	}
	st, err := t.opts.Checkpoints.RestoreLatest(t.model.Module())
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.epoch = st.Epoch
	t.step = st.Step
	t.optimizer.SetLR(t.schedule.LearningRate(max(t.step, 1)))
	t.logger.Printf("Latest checkpoint restored!! %s (epoch %d, step %d)", st.Path, st.Epoch, st.Step)
	return true, nil
}

// Run restores the newest checkpoint and trains until cfg.Epochs.
//
// Cancelling ctx stops training between batches; Run then returns ctx.Err().
func (t *Trainer[B]) Run(ctx context.Context, ds *dataset.Dataset) (Result, error) {
	if len(ds.Train) == 0 {
		return Result{}, fmt.Errorf("no training batches")
	}

	restored, err := t.Restore()
	if err != nil {
		return Result{}, err
	}
	if !restored {
		t.logger.Printf("Initializing from scratch.")
	}

	var res Result
	for epoch := t.epoch + 1; epoch <= t.cfg.Epochs; epoch++ {
		res, err = t.runEpoch(ctx, ds, epoch)
		if err != nil {
			return res, err
		}
	}
	if res.Epoch == 0 {
		t.logger.Printf("Nothing to do: checkpoint already at epoch %d of %d", t.epoch, t.cfg.Epochs)
		res = Result{Epoch: t.epoch, Step: t.step}
	}
	return res, nil
}

func (t *Trainer[B]) runEpoch(ctx context.Context, ds *dataset.Dataset, epoch int) (Result, error) {
	start := time.Now()
	rng := rand.New(rand.NewSource(t.cfg.Seed + int64(epoch)))

	var lossMean, accMean Mean
	for i, idx := range rng.Perm(len(ds.Train)) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		loss, correct, total, err := t.trainStep(ds.Train[idx], rng)
		if errors.Is(err, ErrNoTokens) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		lossMean.Add(loss)
		accMean.AddWeighted(float64(correct)/float64(total), float64(total))

		if t.cfg.LogEvery > 0 && i%t.cfg.LogEvery == 0 {
			t.logger.Printf("Epoch %d Batch %d Loss %.4f Accuracy %.4f",
				epoch, i, lossMean.Result(), accMean.Result())
		}
	}
	trainSeconds := time.Since(start).Seconds()
	t.epoch = epoch

	res := Result{
		Epoch:         epoch,
		Step:          t.step,
		TrainLoss:     lossMean.Result(),
		TrainAccuracy: accMean.Result(),
	}
	t.logger.Printf("Train Epoch %d Loss %.4f Accuracy %.4f", epoch, res.TrainLoss, res.TrainAccuracy)
	t.record(ctx, journal.Epoch{
		Split: "train", Epoch: epoch, Step: t.step,
		Loss: res.TrainLoss, Accuracy: res.TrainAccuracy, Seconds: trainSeconds,
	})

	if len(ds.Valid) > 0 {
		validStart := time.Now()
		vloss, vacc, err := t.Evaluate(ctx, ds.Valid)
		if err != nil {
			return res, err
		}
		res.ValidLoss, res.ValidAccuracy = vloss, vacc
		t.logger.Printf("Valid Epoch %d Loss %.4f Accuracy %.4f", epoch, vloss, vacc)
		t.record(ctx, journal.Epoch{
			Split: "valid", Epoch: epoch, Step: t.step,
			Loss: vloss, Accuracy: vacc, Seconds: time.Since(validStart).Seconds(),
		})
	}

	if t.opts.Checkpoints != nil && t.cfg.CheckpointEvery > 0 && epoch%t.cfg.CheckpointEvery == 0 {
		if err := t.save(ctx, res); err != nil {
			return res, err
		}
	}

	t.logger.Printf("Time taken for 1 epoch: %.2f secs", time.Since(start).Seconds())
	return res, nil
}

// trainStep runs forward, backward and one optimizer update on a batch.
func (t *Trainer[B]) trainStep(b dataset.Batch, rng *rand.Rand) (loss float64, correct, total int, err error) {
	src, tgt := b.Pad(rng)
	tgtIn, labels := dataset.TeacherForcing(tgt)
	in, err := model.NewInputs(src, tgtIn, t.backend)
	if err != nil {
		return 0, 0, 0, err
	}

	tape := t.backend.Tape()
	tape.StartRecording()
	defer tape.Clear()

	t.optimizer.ZeroGrad()

	logits := t.model.Forward(in)
	l, err := MaskedCrossEntropy(logits, labels.Data, t.backend)
	if err != nil {
		return 0, 0, 0, err
	}

	// The loss terms sum to the loss, so their gradient is all ones.
	outputGrad := tensor.Ones[float32](l.Terms.Shape(), t.backend)
	grads := tape.Backward(outputGrad.Raw(), t.backend)

	t.step++
	t.optimizer.SetLR(t.schedule.LearningRate(t.step))
	t.optimizer.Step(grads)

	correct, total = Accuracy(logits.Raw().AsFloat32(), t.model.Config.TargetVocabSize, labels.Data)
	return l.Value, correct, total, nil
}

// Evaluate computes mean loss and token accuracy over batches without
// recording gradients.
func (t *Trainer[B]) Evaluate(ctx context.Context, batches []dataset.Batch) (loss, accuracy float64, err error) {
	tape := t.backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	var lossMean, accMean Mean
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		src, tgt := b.Pad(nil)
		tgtIn, labels := dataset.TeacherForcing(tgt)
		in, err := model.NewInputs(src, tgtIn, t.backend)
		if err != nil {
			return 0, 0, err
		}

		logits := t.model.Forward(in)
		l, err := MaskedCrossEntropy(logits, labels.Data, t.backend)
		if errors.Is(err, ErrNoTokens) {
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		lossMean.Add(l.Value)

		correct, total := Accuracy(logits.Raw().AsFloat32(), t.model.Config.TargetVocabSize, labels.Data)
		accMean.AddWeighted(float64(correct)/float64(total), float64(total))
	}
	return lossMean.Result(), accMean.Result(), nil
}

func (t *Trainer[B]) save(ctx context.Context, res Result) error {
	path, err := t.opts.Checkpoints.Save(t.model.Module(), checkpoint.State{
		Epoch:        res.Epoch,
		Step:         res.Step,
		LearningRate: t.optimizer.GetLR(),
		AdamTimestep: t.optimizer.GetTimestep(),
		Loss:         res.TrainLoss,
		RunID:        t.opts.RunID,
	})
	if err != nil {
		return err
	}
	t.logger.Printf("Saving checkpoint for epoch %d at %s", res.Epoch, path)
	if t.opts.Recorder != nil {
		if err := t.opts.Recorder.RecordCheckpoint(ctx, journal.Checkpoint{Epoch: res.Epoch, Step: res.Step, Path: path}); err != nil {
			t.logger.Printf("journal: %v", err)
		}
	}
	return nil
}

// record forwards an epoch summary to the recorder. Journal failures are
// logged and do not stop training.
func (t *Trainer[B]) record(ctx context.Context, e journal.Epoch) {
	if t.opts.Recorder == nil {
		return
	}
	if err := t.opts.Recorder.RecordEpoch(ctx, e); err != nil {
		t.logger.Printf("journal: %v", err)
	}
}
