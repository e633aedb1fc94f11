package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"

	"github.com/born-ml/en2zh/internal/checkpoint"
	"github.com/born-ml/en2zh/internal/config"
	"github.com/born-ml/en2zh/internal/model"
	"github.com/born-ml/en2zh/internal/translate"
)

// RunTranslateCommand translates its arguments, or stdin line by line when
// no arguments are given.
func RunTranslateCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("translate", flag.ExitOnError)
	var data dataFlags
	data.register(fs)
	ckptDir := fs.String("checkpoint-dir", "", "checkpoint directory (latest checkpoint is used)")
	ckptPath := fs.String("checkpoint", "", "specific .born checkpoint to load")
	maxLength := fs.Int("max-length-out", 0, "maximum target ids to emit")
	temperature := fs.Float64("temperature", 0, "sampling temperature (0 is greedy)")
	topK := fs.Int("top-k", 0, "sample from the K most likely ids (0 disables)")
	seed := fs.Int64("seed", 0, "sampling seed (-1 is random)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := data.loadConfig(fs, func(cfg *config.Config, name string) {
		switch name {
		case "checkpoint-dir":
			cfg.Checkpoint.Dir = *ckptDir
		case "max-length-out":
			cfg.Translate.MaxLength = *maxLength
		case "temperature":
			cfg.Translate.Temperature = float32(*temperature)
		case "top-k":
			cfg.Translate.TopK = *topK
		case "seed":
			cfg.Translate.Seed = *seed
		}
	})
	if err != nil {
		return err
	}

	enc, err := openEncoder(cfg)
	if err != nil {
		return err
	}

	// Born's layers need an autodiff backend even for inference; its tape
	// stays stopped.
	backend := autodiff.New(cpu.New())
	backend.Tape().StopRecording()
	m, err := model.New(modelConfig(cfg, enc.InputVocabSize(), enc.TargetVocabSize()), backend)
	if err != nil {
		return err
	}

	mgr := checkpoint.NewManager(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxToKeep, backend)
	var st checkpoint.State
	if *ckptPath != "" {
		st, err = mgr.Restore(*ckptPath, m.Module())
	} else {
		st, err = mgr.RestoreLatest(m.Module())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "loaded %s (epoch %d, step %d)\n", st.Path, st.Epoch, st.Step)

	opts := translate.DefaultOptions()
	opts.MaxLength = cfg.Translate.MaxLength
	opts.Sampling.Temperature = cfg.Translate.Temperature
	opts.Sampling.TopK = cfg.Translate.TopK
	opts.Sampling.TopP = cfg.Translate.TopP
	opts.Sampling.Seed = cfg.Translate.Seed

	tr, err := translate.New(m, enc, opts)
	if err != nil {
		return err
	}

	if fs.NArg() > 0 {
		return translateLines(ctx, tr, strings.NewReader(strings.Join(fs.Args(), "\n")), os.Stdout)
	}
	return translateLines(ctx, tr, os.Stdin, os.Stdout)
}

type translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

func translateLines(ctx context.Context, tr translator, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out, err := tr.Translate(ctx, line)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, out); err != nil {
			return err
		}
	}
	return sc.Err()
}
