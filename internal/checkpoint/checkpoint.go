// Package checkpoint persists model parameters and training progress in
// Born's native .born format, keeping a bounded history.
//
// A checkpoint directory looks like:
//
//	checkpoints/train_en2zh/
//	├── checkpoint      # JSON index, oldest to newest
//	├── ckpt-4.born
//	├── ckpt-5.born
//	└── ckpt-6.born
//
// Save numbers are monotonically increasing and never reused, even after
// older files are pruned.
//
// Only parameters and the counters in State are stored. Born's optim.Adam
// exposes no state dict, so its first and second moment estimates are not
// checkpointed: a resumed run continues the learning-rate schedule from
// State.Step but restarts the moments, and bias correction, from zero.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ErrNoCheckpoint is returned by RestoreLatest when the directory holds no
// checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// DefaultMaxToKeep is the retention cap used when MaxToKeep is not positive.
const DefaultMaxToKeep = 5

const (
	indexFile = "checkpoint"
	modelType = "Transformer"
)

var ckptName = regexp.MustCompile(`^ckpt-(\d+)\.born$`)

// Metadata keys written into the .born header.
const (
	keyEpoch        = "epoch"
	keyStep         = "step"
	keyLearningRate = "learning_rate"
	keyAdamTimestep = "adam_timestep"
	keyRunID        = "run_id"
	keyLoss         = "loss"
)

// State is the training progress stored next to the parameters.
type State struct {
	Epoch        int     // Last completed epoch.
	Step         int     // Global optimizer step.
	LearningRate float32 // Rate used for the last step.
	AdamTimestep int     // Optimizer timestep at save time.
	Loss         float64 // Training loss of the last epoch.
	RunID        string

	// Filled in on restore.
	Path      string
	CreatedAt time.Time
}

// Manager saves and restores checkpoints under Dir.
type Manager[B tensor.Backend] struct {
	Dir       string
	MaxToKeep int
	backend   B
}

// NewManager returns a manager for dir. The directory is created on first
// save.
func NewManager[B tensor.Backend](dir string, maxToKeep int, backend B) *Manager[B] {
	if maxToKeep <= 0 {
		maxToKeep = DefaultMaxToKeep
	}
	return &Manager[B]{Dir: dir, MaxToKeep: maxToKeep, backend: backend}
}

type index struct {
	Latest      string   `json:"latest"`
	Checkpoints []string `json:"checkpoints"`
	SaveCounter int      `json:"save_counter"`
}

// Save writes module and st as the next checkpoint, prunes history beyond
// MaxToKeep and returns the new file's path.
func (m *Manager[B]) Save(module nn.Module[B], st State) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	idx, err := m.readIndex()
	if err != nil {
		return "", err
	}

	idx.SaveCounter++
	name := fmt.Sprintf("ckpt-%d.born", idx.SaveCounter)
	path := filepath.Join(m.Dir, name)

	// Written under a temporary name, then renamed into place.
	tmp := path + ".tmp"
	if err := nn.Save(module, tmp, modelType, encodeState(st)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to install checkpoint: %w", err)
	}

	idx.Latest = name
	idx.Checkpoints = append(idx.Checkpoints, name)
	var pruned []string
	if extra := len(idx.Checkpoints) - m.MaxToKeep; extra > 0 {
		pruned = idx.Checkpoints[:extra]
		idx.Checkpoints = append([]string(nil), idx.Checkpoints[extra:]...)
	}

	if err := m.writeIndex(idx); err != nil {
		return "", err
	}
	for _, old := range pruned {
		if err := os.Remove(filepath.Join(m.Dir, old)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to prune checkpoint %s: %w", old, err)
		}
	}
	return path, nil
}

// Latest returns the path of the newest checkpoint.
func (m *Manager[B]) Latest() (string, bool) {
	idx, err := m.readIndex()
	if err != nil || idx.Latest == "" {
		return "", false
	}
	path := filepath.Join(m.Dir, idx.Latest)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Checkpoints lists retained checkpoint paths, oldest first.
func (m *Manager[B]) Checkpoints() ([]string, error) {
	idx, err := m.readIndex()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(idx.Checkpoints))
	for i, name := range idx.Checkpoints {
		paths[i] = filepath.Join(m.Dir, name)
	}
	return paths, nil
}

// Restore loads the checkpoint at path into module and returns its state.
// Restoring the same checkpoint again leaves module unchanged.
func (m *Manager[B]) Restore(path string, module nn.Module[B]) (State, error) {
	header, err := nn.Load(path, m.backend, module)
	if err != nil {
		return State{}, fmt.Errorf("failed to restore checkpoint %s: %w", path, err)
	}
	st, err := decodeState(header.Metadata)
	if err != nil {
		return State{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	st.Path = path
	st.CreatedAt = header.CreatedAt
	return st, nil
}

// RestoreLatest restores the newest checkpoint, or returns ErrNoCheckpoint.
func (m *Manager[B]) RestoreLatest(module nn.Module[B]) (State, error) {
	path, ok := m.Latest()
	if !ok {
		return State{}, ErrNoCheckpoint
	}
	return m.Restore(path, module)
}

// readIndex loads the index, rebuilding it from the directory listing when
// the index file is absent.
func (m *Manager[B]) readIndex() (index, error) {
	data, err := os.ReadFile(filepath.Join(m.Dir, indexFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return m.scan()
	case err != nil:
		return index{}, fmt.Errorf("failed to read checkpoint index: %w", err)
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("failed to parse checkpoint index: %w", err)
	}
	return idx, nil
}

func (m *Manager[B]) scan() (index, error) {
	entries, err := os.ReadDir(m.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return index{}, nil
	}
	if err != nil {
		return index{}, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	type numbered struct {
		n    int
		name string
	}
	var found []numbered
	for _, e := range entries {
		match := ckptName.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n, e.Name()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	var idx index
	for _, f := range found {
		idx.Checkpoints = append(idx.Checkpoints, f.name)
		idx.SaveCounter = f.n
		idx.Latest = f.name
	}
	return idx, nil
}

func (m *Manager[B]) writeIndex(idx index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint index: %w", err)
	}
	path := filepath.Join(m.Dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install checkpoint index: %w", err)
	}
	return nil
}

func encodeState(st State) map[string]string {
	return map[string]string{
		keyEpoch:        strconv.Itoa(st.Epoch),
		keyStep:         strconv.Itoa(st.Step),
		keyLearningRate: strconv.FormatFloat(float64(st.LearningRate), 'g', -1, 32),
		keyAdamTimestep: strconv.Itoa(st.AdamTimestep),
		keyLoss:         strconv.FormatFloat(st.Loss, 'g', -1, 64),
		keyRunID:        st.RunID,
	}
}

func decodeState(meta map[string]string) (State, error) {
	var st State
	var err error

	intField := func(key string, dst *int) {
		if err != nil {
			return
		}
		v, ok := meta[key]
		if !ok {
			err = fmt.Errorf("missing %q metadata", key)
			return
		}
		*dst, err = strconv.Atoi(v)
		if err != nil {
			err = fmt.Errorf("invalid %q metadata: %w", key, err)
		}
	}
	intField(keyEpoch, &st.Epoch)
	intField(keyStep, &st.Step)
	intField(keyAdamTimestep, &st.AdamTimestep)
	if err != nil {
		return State{}, err
	}

	if v, ok := meta[keyLearningRate]; ok {
		lr, perr := strconv.ParseFloat(v, 32)
		if perr != nil {
			return State{}, fmt.Errorf("invalid %q metadata: %w", keyLearningRate, perr)
		}
		st.LearningRate = float32(lr)
	}
	if v, ok := meta[keyLoss]; ok {
		loss, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return State{}, fmt.Errorf("invalid %q metadata: %w", keyLoss, perr)
		}
		st.Loss = loss
	}
	st.RunID = meta[keyRunID]
	return st, nil
}
