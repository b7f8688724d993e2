// Package train fits and evaluates classifiers over image folders, logging
// metrics and checkpointing each epoch into a run directory.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
	"github.com/wangkuiyi/gotorch/nn/initializer"

	"imgcls/checkpoint"
	"imgcls/config"
	"imgcls/data"
	"imgcls/metrics"
	"imgcls/model"
	"imgcls/util"
	"imgcls/vision"
)

// Result is the outcome of a pass over a dataset.
type Result struct {
	Loss     float64
	Accuracy float64
	Samples  int64
}

type Trainer struct {
	cfg    *config.Config
	device torch.Device
	run    *checkpoint.Run
	logger metrics.Logger

	// global optimizer step, shared by train and test logging
	step int
}

// New prepares a trainer writing into run. The torch seed is set here so
// that model construction after New is reproducible.
func New(cfg *config.Config, run *checkpoint.Run, logger metrics.Logger) (*Trainer, error) {
	device, err := SelectDevice(cfg.Trainer.Device)
	if err != nil {
		return nil, err
	}
	initializer.ManualSeed(cfg.Trainer.Seed)
	return &Trainer{
		cfg:    cfg,
		device: device,
		run:    run,
		logger: logger,
	}, nil
}

// Step is the number of optimizer steps taken so far.
func (t *Trainer) Step() int {
	return t.step
}

func (t *Trainer) maxBatches() int {
	if t.cfg.Trainer.FastDevRun {
		return 1
	}
	return 0
}

func (t *Trainer) loader(ctx context.Context, folder *data.Folder, pipe *vision.Pipeline, batchSize int, shuffle bool, seed int64, max int) *vision.Loader {
	return vision.NewLoader(ctx, folder, pipe, vision.LoaderConfig{
		BatchSize:  batchSize,
		Workers:    t.cfg.Data.Workers,
		Shuffle:    shuffle,
		Seed:       seed,
		MaxBatches: max,
	})
}

// forward returns the mean cross entropy of a batch and the number of
// correct argmax predictions.
func (t *Trainer) forward(m model.Classifier, x, y torch.Tensor) (torch.Tensor, int64) {
	x = x.To(t.device, x.Dtype())
	y = y.To(t.device, y.Dtype())
	output := m.Forward(x)
	loss := F.NllLoss(output.LogSoftmax(1), y, torch.Tensor{}, -100, "mean")
	pred := output.Argmax(1)
	correct := pred.Eq(y.View(pred.Shape()...)).Sum(map[string]interface{}{"dim": 0, "keepDim": false}).Item().(int64)
	return loss, correct
}

func (t *Trainer) trainStep(m model.Classifier, opt torch.Optimizer, x, y torch.Tensor) (float64, int64) {
	opt.ZeroGrad()
	loss, correct := t.forward(m, x, y)
	loss.Backward()
	opt.Step()
	return float64(loss.Item().(float32)), correct
}

// Fit trains m on folder. Unless this is a fast dev run, the batch size and
// learning rate are tuned first when enabled. Every epoch ends with a
// checkpoint and an entry in the run history.
func (t *Trainer) Fit(ctx context.Context, m model.Classifier, folder *data.Folder) error {
	defer torch.FinishGC()
	tc := t.cfg.Trainer
	m.To(t.device)

	batchSize := t.cfg.Data.BatchSize
	lr := t.cfg.Optimizer.LearningRate
	if !tc.FastDevRun {
		var err error
		if tc.AutoScaleBatchSize {
			if batchSize, err = t.ScaleBatchSize(ctx, m, folder); err != nil {
				return err
			}
		}
		if tc.AutoLRFind {
			if lr, err = t.FindLR(ctx, m, folder, batchSize); err != nil {
				return err
			}
		}
	}

	t.run.Meta.Classes = folder.Classes
	t.run.Meta.Hparams = checkpoint.Hparams{
		NumClasses:   t.cfg.NumClasses,
		ImageSize:    t.cfg.Data.ImageSize,
		BatchSize:    batchSize,
		Optimizer:    t.cfg.Optimizer.Name,
		LearningRate: lr,
		MaxEpochs:    tc.MaxEpochs,
		Mean:         t.cfg.Data.Mean,
		Std:          t.cfg.Data.Std,
	}
	if err := t.run.SaveMeta(); err != nil {
		return err
	}
	util.Logger.Printf("Fitting %s on %d images, classes %v with counts %v, batch size %d, lr %g",
		m.Arch(), folder.Len(), folder.Classes, folder.Counts(), batchSize, lr)

	opt := m.Optimizer(lr)
	pipe := vision.TrainPipeline(t.cfg.Data.ImageSize, t.cfg.Data.Mean, t.cfg.Data.Std)
	epochs := tc.MaxEpochs
	if tc.FastDevRun {
		epochs = 1
	}

	for epoch := 0; epoch < epochs; epoch++ {
		res, err := t.trainEpoch(ctx, m, opt, folder, pipe, batchSize, epoch)
		if err != nil {
			return err
		}
		if tc.FastDevRun {
			util.Logger.Println("Fast dev run finished, skipping checkpoint")
			break
		}
		if err := t.run.RecordEpoch(res.Loss, res.Accuracy); err != nil {
			return err
		}
		if _, err := model.SaveCheckpoint(m, t.run, epoch, t.step, t.device); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, m model.Classifier, opt torch.Optimizer, folder *data.Folder, pipe *vision.Pipeline, batchSize, epoch int) (*Result, error) {
	m.Train(true)
	loader := t.loader(ctx, folder, pipe, batchSize, true, t.cfg.Trainer.Seed+int64(epoch), t.maxBatches())
	defer loader.Close()

	var (
		lossMean metrics.Mean
		acc      metrics.Accuracy
		every    = t.cfg.Trainer.LogEveryNSteps
		last     = loader.Len() - 1
	)
	startTime := time.Now()
	for i := 0; loader.Scan(); i++ {
		torch.GC()
		x, y := loader.Minibatch()
		n := y.Shape()[0]
		loss, correct := t.trainStep(m, opt, x, y)
		lossMean.Update(loss, float64(n))
		batchAcc := acc.Update(correct, n)

		if t.step%every == 0 || i == last {
			if err := t.logger.Log(t.step, map[string]float64{
				"train_loss": loss,
				"train_acc":  batchAcc,
				"epoch":      float64(epoch),
			}); err != nil {
				return nil, err
			}
		}
		t.step++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loader.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("epoch %d: %w", epoch, err)
	}

	res := &Result{Loss: lossMean.Compute(), Accuracy: acc.Compute(), Samples: acc.Total()}
	throughput := float64(res.Samples) / time.Since(startTime).Seconds()
	util.Logger.Printf("Train Epoch: %d, Loss: %.4f, Accuracy: %.2f%%, throughput: %f samples/sec",
		epoch, res.Loss, 100*res.Accuracy, throughput)
	return res, nil
}

// Test evaluates m on folder with the test transforms. The loss is the
// sample-weighted mean over batches and the accuracy is global.
func (t *Trainer) Test(ctx context.Context, m model.Classifier, folder *data.Folder) (*Result, error) {
	defer torch.FinishGC()
	m.To(t.device)
	m.Train(false)

	pipe := vision.TestPipeline(t.cfg.Data.ImageSize, t.cfg.Data.Mean, t.cfg.Data.Std)
	loader := t.loader(ctx, folder, pipe, t.cfg.Data.BatchSize, false, t.cfg.Trainer.Seed, t.maxBatches())
	defer loader.Close()

	var (
		lossMean metrics.Mean
		acc      metrics.Accuracy
	)
	for loader.Scan() {
		torch.GC()
		x, y := loader.Minibatch()
		n := y.Shape()[0]
		loss, correct := t.forward(m, x, y)
		lossMean.Update(float64(loss.Item().(float32)), float64(n))
		acc.Update(correct, n)
	}
	if err := loader.Err(); err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}
	if acc.Total() == 0 {
		return nil, errors.New("test: no samples")
	}

	res := &Result{Loss: lossMean.Compute(), Accuracy: acc.Compute(), Samples: acc.Total()}
	util.Logger.Printf("Test average loss: %.4f, Accuracy: %.2f%%", res.Loss, 100*res.Accuracy)

	if err := t.logger.Log(t.step, map[string]float64{
		"test_loss": res.Loss,
		"test_acc":  res.Accuracy,
	}); err != nil {
		return nil, err
	}
	if !t.cfg.Trainer.FastDevRun {
		if err := t.run.RecordTest(res.Loss, res.Accuracy); err != nil {
			return nil, err
		}
	}
	return res, nil
}
