package model

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"

	"imgcls/arch"
	"imgcls/config"
	"imgcls/util"
)

// ConvBlockModule is conv3x3(pad 1) -> batch norm -> relu6.
type ConvBlockModule struct {
	nn.Module
	Conv *nn.Conv2dModule
	BN   *nn.BatchNorm2dModule
	// Six is the relu6 cap. As a buffer it follows the block across devices.
	Six torch.Tensor `gotorch:"buffer"`
}

func ConvBlock(in, out int64) *ConvBlockModule {
	b := &ConvBlockModule{
		Conv: nn.Conv2d(in, out, 3, 1, 1, 1, 1, true, "zeros"),
		BN:   nn.BatchNorm2d(out, 1e-5, 0.1, true, true),
		Six:  torch.Full([]int64{1}, 6, false),
	}
	b.Init(b)
	return b
}

func (b *ConvBlockModule) Forward(x torch.Tensor) torch.Tensor {
	return relu6(b.BN.Forward(b.Conv.Forward(x)), b.Six)
}

// relu6 clamps to [0, six] as relu(x) - relu(x - six). six broadcasts and
// must live on the device of x.
func relu6(x, six torch.Tensor) torch.Tensor {
	return torch.Sub(torch.Relu(x), torch.Relu(torch.Sub(x, six, 1)), 1)
}

// VGG16Module is the feature extractor built from arch.VGG16 followed by a
// single linear classifier head.
type VGG16Module struct {
	nn.Module
	Features []*ConvBlockModule
	Head     *nn.LinearModule

	plan []arch.Layer
	opt  config.Optimizer
}

func NewVGG16(numClasses, imageSize int, opt config.Optimizer) (*VGG16Module, error) {
	plan, err := arch.Plan(arch.VGG16, 3)
	if err != nil {
		return nil, err
	}
	dim, err := arch.FeatureDim(arch.VGG16, 3, imageSize)
	if err != nil {
		return nil, err
	}

	m := &VGG16Module{plan: plan, opt: opt}
	for _, l := range plan {
		if l.Kind == arch.Conv {
			m.Features = append(m.Features, ConvBlock(int64(l.In), int64(l.Out)))
		}
	}
	m.Head = nn.Linear(int64(dim), int64(numClasses), true)
	m.Init(m)

	convs, pools := arch.Counts(plan)
	util.Debug(fmt.Sprintf("vgg16: %d conv blocks, %d pools, head %d -> %d", convs, pools, dim, numClasses))
	return m, nil
}

func (m *VGG16Module) Forward(x torch.Tensor) torch.Tensor {
	c := 0
	for _, l := range m.plan {
		if l.Kind == arch.Pool {
			x = F.MaxPool2d(x, []int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false)
			continue
		}
		x = m.Features[c].Forward(x)
		c++
	}
	return m.Head.Forward(x.View(x.Shape()[0], -1))
}

func (m *VGG16Module) TrainableParameters() []torch.Tensor {
	return m.Parameters()
}

func (m *VGG16Module) Optimizer(lr float64) torch.Optimizer {
	return newOptimizer(m.opt, lr, m.TrainableParameters())
}

func (m *VGG16Module) Arch() string {
	return config.ArchVGG16
}
