package model

import (
	"errors"
	"fmt"

	torch "github.com/wangkuiyi/gotorch"

	"imgcls/config"
)

var ErrUnknownArch = errors.New("unknown architecture")

// Classifier is a network producing one logit per class.
type Classifier interface {
	Forward(x torch.Tensor) torch.Tensor
	To(device torch.Device, dtype ...int8)
	Train(on bool)
	StateDict() map[string]torch.Tensor
	SetStateDict(sd map[string]torch.Tensor) error

	// TrainableParameters are the tensors handed to the optimizer.
	TrainableParameters() []torch.Tensor
	// Optimizer builds a fresh optimizer over TrainableParameters with lr.
	Optimizer(lr float64) torch.Optimizer
	Arch() string
}

type factory func(cfg *config.Config) (Classifier, error)

var registry = map[string]factory{
	config.ArchVGG16: func(cfg *config.Config) (Classifier, error) {
		return NewVGG16(cfg.NumClasses, cfg.Data.ImageSize, cfg.Optimizer)
	},
	config.ArchResnet18: func(cfg *config.Config) (Classifier, error) {
		return NewResnet18(cfg.NumClasses, cfg.Pretrained, cfg.Optimizer)
	},
}

// New builds the classifier named by cfg.Arch.
func New(cfg *config.Config) (Classifier, error) {
	f, ok := registry[cfg.Arch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArch, cfg.Arch)
	}
	return f(cfg)
}

func newOptimizer(c config.Optimizer, lr float64, params []torch.Tensor) torch.Optimizer {
	var opt torch.Optimizer
	switch c.Name {
	case "adam":
		opt = torch.Adam(lr, 0.9, 0.999, c.WeightDecay)
	default:
		opt = torch.SGD(lr, c.Momentum, 0, c.WeightDecay, false)
	}
	opt.AddParameters(params)
	return opt
}
