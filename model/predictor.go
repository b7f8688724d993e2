package model

import (
	"fmt"
	"path/filepath"

	sync "github.com/sasha-s/go-deadlock"
	"gocv.io/x/gocv"

	"imgcls/checkpoint"
	"imgcls/predict"
	"imgcls/vision"
)

// Predictor classifies single images with a trained run.
type Predictor struct {
	name    string
	run     *checkpoint.Run
	net     Classifier
	pipe    *vision.Pipeline
	classes []string

	// forward passes share module buffers
	mu sync.Mutex
}

// NewPredictor loads the run in dir. An empty name defaults to the run
// directory's base name.
func NewPredictor(name, dir string) (*Predictor, error) {
	run, err := checkpoint.OpenRun(dir)
	if err != nil {
		return nil, err
	}
	if len(run.Meta.Classes) == 0 {
		return nil, fmt.Errorf("run %s has no class list", dir)
	}
	net, err := Load(run)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(dir)
	}

	hp := run.Meta.Hparams
	return &Predictor{
		name:    name,
		run:     run,
		net:     net,
		pipe:    vision.TestPipeline(hp.ImageSize, hp.Mean, hp.Std),
		classes: run.Meta.Classes,
	}, nil
}

func (p *Predictor) Name() string {
	return p.name
}

func (p *Predictor) PredictFile(fn string, k int) ([]predict.Prediction, error) {
	img, err := vision.LoadImage(fn)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return p.predictMat(img, k)
}

// Predict classifies an encoded image.
func (p *Predictor) Predict(image []byte, k int) ([]predict.Prediction, error) {
	img, err := vision.DecodeImage(image)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return p.predictMat(img, k)
}

func (p *Predictor) predictMat(img gocv.Mat, k int) ([]predict.Prediction, error) {
	x, err := p.pipe.Tensor(img, nil)
	if err != nil {
		return nil, err
	}
	batch := x.View(append([]int64{1}, x.Shape()...)...)

	p.mu.Lock()
	out := p.net.Forward(batch)
	p.mu.Unlock()

	logits := make([]float32, len(p.classes))
	for c := range logits {
		logits[c] = out.Index(0, int64(c)).Item().(float32)
	}
	return predict.TopK(p.classes, logits, k)
}

// Info describes the run behind the predictor.
func (p *Predictor) Info() map[string]interface{} {
	m := p.run.Meta
	return map[string]interface{}{
		"model":          p.name,
		"runID":          m.RunID,
		"arch":           m.Arch,
		"version":        m.Version,
		"labels":         m.Classes,
		"inputShape":     []int{3, m.Hparams.ImageSize, m.Hparams.ImageSize},
		"checkpoint":     m.Checkpoint,
		"trainingResult": m.History,
	}
}
