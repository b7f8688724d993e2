package train

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	torch "github.com/wangkuiyi/gotorch"

	"imgcls/checkpoint"
	"imgcls/data"
	"imgcls/model"
	"imgcls/tune"
	"imgcls/util"
	"imgcls/vision"
)

const (
	// steps run at each candidate batch size
	stepsPerTrial  = 3
	maxBatchTrials = 25
)

// snapshot saves the weights of m next to the run so a tuning pass can be
// undone by calling the returned restore.
func (t *Trainer) snapshot(m model.Classifier, prefix string) (func() error, error) {
	fn := filepath.Join(t.run.Dir, fmt.Sprintf(".%s_%s.ckpt", prefix, uuid.New().String()))
	cpu := torch.NewDevice("cpu")

	m.To(cpu)
	err := checkpoint.WriteGob(fn, m.StateDict())
	m.To(t.device)
	if err != nil {
		return nil, err
	}

	return func() error {
		defer os.Remove(fn)
		states, err := model.LoadStateDict(fn)
		if err != nil {
			return err
		}
		m.To(cpu)
		defer m.To(t.device)
		return m.SetStateDict(states)
	}, nil
}

// FindLR runs the learning rate range test on m and returns the suggested
// learning rate. The weights of m are restored afterwards. When the curve
// is too short for a suggestion the configured learning rate is kept.
func (t *Trainer) FindLR(ctx context.Context, m model.Classifier, folder *data.Folder, batchSize int) (lr float64, err error) {
	restore, err := t.snapshot(m, "lr_find")
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = fmt.Errorf("restoring weights after lr finder: %w", rerr)
		}
	}()

	finder := tune.DefaultLRFinder()
	opt := m.Optimizer(finder.Min)
	pipe := vision.TrainPipeline(t.cfg.Data.ImageSize, t.cfg.Data.Mean, t.cfg.Data.Std)
	m.Train(true)

	pass := int64(0)
	loader := t.loader(ctx, folder, pipe, batchSize, true, t.cfg.Trainer.Seed, 0)
	defer func() { loader.Close() }()

	// the schedule may outlast one pass over the data
	next := func() bool {
		if loader.Scan() {
			return true
		}
		if loader.Err() != nil {
			return false
		}
		loader.Close()
		pass++
		loader = t.loader(ctx, folder, pipe, batchSize, true, t.cfg.Trainer.Seed+pass, 0)
		return loader.Scan()
	}

	res, err := finder.Run(func(lr float64) (float64, error) {
		if !next() {
			if err := loader.Err(); err != nil {
				return 0, err
			}
			return 0, errors.New("no training batches")
		}
		torch.GC()
		opt.SetLR(lr)
		x, y := loader.Minibatch()
		loss, _ := t.trainStep(m, opt, x, y)
		return loss, nil
	})
	if errors.Is(err, tune.ErrNoSuggestion) {
		util.Logger.Printf("Learning rate finder stopped after %d steps without a suggestion, keeping lr %g",
			len(res.LRs), t.cfg.Optimizer.LearningRate)
		return t.cfg.Optimizer.LearningRate, nil
	}
	if err != nil {
		return 0, err
	}

	util.Logger.Printf("Learning rate finder suggests lr %g after %d steps", res.Suggestion, len(res.LRs))
	return res.Suggestion, nil
}

// ScaleBatchSize doubles the configured batch size while a few training
// steps still succeed, capped at the size of folder. The weights of m are
// restored afterwards.
func (t *Trainer) ScaleBatchSize(ctx context.Context, m model.Classifier, folder *data.Folder) (size int, err error) {
	restore, err := t.snapshot(m, "scale_batch_size")
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = fmt.Errorf("restoring weights after batch size scaling: %w", rerr)
		}
	}()

	pipe := vision.TrainPipeline(t.cfg.Data.ImageSize, t.cfg.Data.Mean, t.cfg.Data.Std)
	m.Train(true)

	scaler := tune.BatchScaler{MaxTrials: maxBatchTrials, Limit: folder.Len()}
	size, err = scaler.Scale(t.cfg.Data.BatchSize, func(size int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := m.Optimizer(t.cfg.Optimizer.LearningRate)
		loader := t.loader(ctx, folder, pipe, size, true, t.cfg.Trainer.Seed, stepsPerTrial)
		defer loader.Close()
		for loader.Scan() {
			torch.GC()
			x, y := loader.Minibatch()
			t.trainStep(m, opt, x, y)
		}
		// out of memory surfaces as a panic from the tensor runtime, which
		// the scaler recovers; loader errors are real failures
		if err := loader.Err(); err != nil {
			return fmt.Errorf("batch size %d: %w", size, err)
		}
		util.Logger.Printf("Batch size %d succeeded, trying batch size %d", size, size*2)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	util.Logger.Printf("Finished batch size finder, will continue with full run using batch size %d", size)
	return size, nil
}
