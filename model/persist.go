package model

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"

	"imgcls/checkpoint"
	"imgcls/config"
	"imgcls/util"
)

// SaveCheckpoint writes the state dict into the run. The model is moved to
// the CPU for encoding and back to device afterwards.
func SaveCheckpoint(m Classifier, run *checkpoint.Run, epoch, step int, device torch.Device) (string, error) {
	m.To(torch.NewDevice("cpu"))
	defer m.To(device)

	fn, err := run.SaveCheckpoint(epoch, step, m.StateDict())
	if err != nil {
		return "", err
	}
	util.Logger.Println("Saved model to", fn)
	return fn, nil
}

func LoadStateDict(fn string) (map[string]torch.Tensor, error) {
	states := make(map[string]torch.Tensor)
	if err := checkpoint.ReadGob(fn, &states); err != nil {
		return nil, fmt.Errorf("loading state dict %s: %w", fn, err)
	}
	return states, nil
}

// Load rebuilds the classifier of a finished run from its latest checkpoint.
func Load(run *checkpoint.Run) (Classifier, error) {
	cfg := config.Default()
	cfg.Arch = run.Meta.Arch
	cfg.NumClasses = run.Meta.Hparams.NumClasses
	cfg.Data.ImageSize = run.Meta.Hparams.ImageSize
	cfg.ApplyArchDefaults()

	m, err := New(cfg)
	if err != nil {
		return nil, err
	}

	fn, err := run.LatestCheckpoint()
	if err != nil {
		return nil, err
	}
	states, err := LoadStateDict(fn)
	if err != nil {
		return nil, err
	}
	if err := m.SetStateDict(states); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", fn, err)
	}
	m.Train(false)
	return m, nil
}
