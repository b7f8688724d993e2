package model

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	"github.com/wangkuiyi/gotorch/vision/models"

	"imgcls/arch"
	"imgcls/config"
	"imgcls/util"
)

// Resnet18Module is a resnet18 backbone with its final linear layer replaced
// by a fresh numClasses head. The backbone is frozen by construction: the
// optimizer only ever sees the head.
type Resnet18Module struct {
	nn.Module
	Net *models.ResnetModule

	opt config.Optimizer
}

// NewResnet18 loads pretrained backbone weights from a gob state dict when
// pretrained is not empty. An empty path leaves the backbone random, which is
// only useful when a checkpoint is loaded over it afterwards.
func NewResnet18(numClasses int, pretrained string, opt config.Optimizer) (*Resnet18Module, error) {
	net := models.Resnet18()
	if pretrained == "" {
		util.Debug("resnet18: no pretrained weights, backbone is random")
	} else {
		states, err := LoadStateDict(pretrained)
		if err != nil {
			return nil, fmt.Errorf("pretrained weights: %w", err)
		}
		if err := net.SetStateDict(states); err != nil {
			return nil, fmt.Errorf("pretrained weights %s: %w", pretrained, err)
		}
	}

	if in := net.FC.Weight.Shape()[1]; in != arch.Resnet18FeatureDim {
		return nil, fmt.Errorf("resnet18 head expects %d features, backbone gives %d", arch.Resnet18FeatureDim, in)
	}
	net.FC = nn.Linear(arch.Resnet18FeatureDim, int64(numClasses), true)

	m := &Resnet18Module{Net: net, opt: opt}
	m.Init(m)
	return m, nil
}

func (m *Resnet18Module) Forward(x torch.Tensor) torch.Tensor {
	return m.Net.Forward(x)
}

// TrainableParameters is the head only.
func (m *Resnet18Module) TrainableParameters() []torch.Tensor {
	return m.Net.FC.Parameters()
}

func (m *Resnet18Module) Optimizer(lr float64) torch.Optimizer {
	return newOptimizer(m.opt, lr, m.TrainableParameters())
}

func (m *Resnet18Module) Arch() string {
	return config.ArchResnet18
}
