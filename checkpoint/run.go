package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	metaFile       = "meta.yaml"
	checkpointsDir = "checkpoints"
)

var (
	ErrNoCheckpoint = errors.New("no checkpoint")

	versionRe    = regexp.MustCompile(`^version_(\d+)$`)
	checkpointRe = regexp.MustCompile(`^epoch=(\d+)-step=(\d+)\.ckpt$`)
)

// History is the per-epoch training record of a run.
type History struct {
	Epochs        int       `yaml:"epochs"`
	TrainLoss     []float64 `yaml:"trainLoss"`
	TrainAccuracy []float64 `yaml:"trainAccuracy"`
	TestLoss      float64   `yaml:"testLoss"`
	TestAccuracy  float64   `yaml:"testAccuracy"`
	Tested        bool      `yaml:"tested"`
}

type Hparams struct {
	NumClasses   int       `yaml:"numClasses"`
	ImageSize    int       `yaml:"imageSize"`
	BatchSize    int       `yaml:"batchSize"`
	Optimizer    string    `yaml:"optimizer"`
	LearningRate float64   `yaml:"learningRate"`
	MaxEpochs    int       `yaml:"maxEpochs"`
	Mean         []float32 `yaml:"mean"`
	Std          []float32 `yaml:"std"`
}

// Meta is stored as meta.yaml at the root of a run directory.
type Meta struct {
	RunID      string    `yaml:"runID"`
	Arch       string    `yaml:"arch"`
	Version    int       `yaml:"version"`
	Classes    []string  `yaml:"classes"`
	Hparams    Hparams   `yaml:"hparams"`
	History    History   `yaml:"history"`
	Checkpoint string    `yaml:"checkpoint"`
	CreatedAt  time.Time `yaml:"createdAt"`
}

// Run is a versioned directory logDir/version_N holding meta.yaml, metric
// files and checkpoints/.
type Run struct {
	Dir  string
	Meta Meta
}

// NewRun creates the next version directory under logDir.
func NewRun(logDir, arch string) (*Run, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	version, err := nextVersion(logDir)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(logDir, fmt.Sprintf("version_%d", version))
	if err := os.MkdirAll(filepath.Join(dir, checkpointsDir), 0755); err != nil {
		return nil, err
	}

	r := &Run{
		Dir: dir,
		Meta: Meta{
			RunID:     uuid.New().String(),
			Arch:      arch,
			Version:   version,
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := r.SaveMeta(); err != nil {
		return nil, err
	}
	return r, nil
}

func nextVersion(logDir string) (int, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, e := range entries {
		m := versionRe.FindStringSubmatch(e.Name())
		if !e.IsDir() || m == nil {
			continue
		}
		v, _ := strconv.Atoi(m[1])
		if v+1 > next {
			next = v + 1
		}
	}
	return next, nil
}

// OpenRun loads an existing run directory.
func OpenRun(dir string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", dir, err)
	}
	r := &Run{Dir: dir}
	if err := yaml.Unmarshal(data, &r.Meta); err != nil {
		return nil, fmt.Errorf("run %s: %w", dir, err)
	}
	return r, nil
}

func (r *Run) SaveMeta() error {
	data, err := yaml.Marshal(&r.Meta)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(r.Dir, metaFile), data)
}

// RecordEpoch appends one epoch of training results.
func (r *Run) RecordEpoch(loss, acc float64) error {
	h := &r.Meta.History
	h.Epochs++
	h.TrainLoss = append(h.TrainLoss, loss)
	h.TrainAccuracy = append(h.TrainAccuracy, acc)
	return r.SaveMeta()
}

func (r *Run) RecordTest(loss, acc float64) error {
	h := &r.Meta.History
	h.TestLoss = loss
	h.TestAccuracy = acc
	h.Tested = true
	return r.SaveMeta()
}

func (r *Run) CheckpointPath(epoch, step int) string {
	return filepath.Join(r.Dir, checkpointsDir, fmt.Sprintf("epoch=%d-step=%d.ckpt", epoch, step))
}

// SaveCheckpoint gob-encodes v as the run's only checkpoint, replacing the
// previous one once the new file is in place.
func (r *Run) SaveCheckpoint(epoch, step int, v any) (string, error) {
	fn := r.CheckpointPath(epoch, step)
	if err := WriteGob(fn, v); err != nil {
		return "", err
	}

	prev := r.Meta.Checkpoint
	r.Meta.Checkpoint = filepath.Base(fn)
	if err := r.SaveMeta(); err != nil {
		return "", err
	}
	if prev != "" && prev != r.Meta.Checkpoint {
		if err := os.Remove(filepath.Join(r.Dir, checkpointsDir, prev)); err != nil && !os.IsNotExist(err) {
			return fn, err
		}
	}
	return fn, nil
}

// LatestCheckpoint returns the checkpoint named in meta.yaml, or else the
// one with the highest epoch and step found on disk.
func (r *Run) LatestCheckpoint() (string, error) {
	if r.Meta.Checkpoint != "" {
		fn := filepath.Join(r.Dir, checkpointsDir, r.Meta.Checkpoint)
		if _, err := os.Stat(fn); err == nil {
			return fn, nil
		}
	}

	entries, err := os.ReadDir(filepath.Join(r.Dir, checkpointsDir))
	if err != nil {
		return "", fmt.Errorf("%s: %w", r.Dir, ErrNoCheckpoint)
	}
	type ckpt struct {
		name        string
		epoch, step int
	}
	var found []ckpt
	for _, e := range entries {
		m := checkpointRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		epoch, _ := strconv.Atoi(m[1])
		step, _ := strconv.Atoi(m[2])
		found = append(found, ckpt{e.Name(), epoch, step})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%s: %w", r.Dir, ErrNoCheckpoint)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].epoch != found[j].epoch {
			return found[i].epoch < found[j].epoch
		}
		return found[i].step < found[j].step
	})
	return filepath.Join(r.Dir, checkpointsDir, found[len(found)-1].name), nil
}

// WriteGob encodes v into fn through a temporary file.
func WriteGob(fn string, v any) error {
	tmp := fn + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cannot create file to save model: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fn)
}

func ReadGob(fn string, v any) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

func writeAtomic(fn string, data []byte) error {
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, fn)
}
