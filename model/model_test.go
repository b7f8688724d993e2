package model

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
	"github.com/wangkuiyi/gotorch/vision/models"

	"imgcls/arch"
	"imgcls/checkpoint"
	"imgcls/config"
)

func testConfig(arch string) *config.Config {
	cfg := config.Default()
	cfg.Arch = arch
	cfg.ApplyArchDefaults()
	return cfg
}

func TestVGG16_ForwardShape(t *testing.T) {
	m, err := New(testConfig(config.ArchVGG16))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	vgg := m.(*VGG16Module)
	if len(vgg.Features) != 13 {
		t.Errorf("expected 13 conv blocks, got %d", len(vgg.Features))
	}
	if s := vgg.Head.Weight.Shape(); s[0] != 3 || s[1] != 512 {
		t.Errorf("expected head weight [3 512], got %v", s)
	}

	out := m.Forward(torch.RandN([]int64{2, 3, 32, 32}, false))
	if s := out.Shape(); len(s) != 2 || s[0] != 2 || s[1] != 3 {
		t.Errorf("expected logits [2 3], got %v", s)
	}
}

func TestConvBlock_SixIsBuffer(t *testing.T) {
	b := ConvBlock(3, 4)
	buffers := b.NamedBuffers()
	if _, ok := buffers["ConvBlockModule.Six"]; !ok {
		t.Errorf("expected Six among buffers, got %d buffers", len(buffers))
	}
	if _, ok := b.NamedParameters()["ConvBlockModule.Six"]; ok {
		t.Error("Six must not be trainable")
	}
	if _, ok := b.StateDict()["ConvBlockModule.Six"]; !ok {
		t.Error("Six must be saved with the state dict")
	}

	b.To(torch.NewDevice("cpu"))
	out := b.Forward(torch.RandN([]int64{2, 3, 8, 8}, false))
	if s := out.Shape(); s[0] != 2 || s[1] != 4 || s[2] != 8 || s[3] != 8 {
		t.Errorf("unexpected output shape %v", s)
	}
}

func TestRelu6(t *testing.T) {
	x := torch.NewTensor([]float32{-1, 0, 3, 6, 8})
	got := relu6(x, torch.Full([]int64{1}, 6, false))
	want := torch.NewTensor([]float32{0, 0, 3, 6, 6})
	if !torch.Equal(got, want) {
		t.Errorf("relu6 = %v, want %v", got, want)
	}
}

func TestVGG16_RejectsIndivisibleSize(t *testing.T) {
	if _, err := NewVGG16(3, 48, config.Optimizer{Name: "sgd", LearningRate: 0.01}); err == nil {
		t.Fatal("expected error for 48px input")
	}
}

func TestResnet18_OnlyHeadTrains(t *testing.T) {
	m, err := New(testConfig(config.ArchResnet18))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r := m.(*Resnet18Module)

	params := m.TrainableParameters()
	if len(params) != 2 {
		t.Fatalf("expected head weight and bias only, got %d tensors", len(params))
	}
	if s := r.Net.FC.Weight.Shape(); s[0] != 3 || s[1] != arch.Resnet18FeatureDim {
		t.Errorf("expected head weight [3 512], got %v", s)
	}

	out := m.Forward(torch.RandN([]int64{1, 3, 224, 224}, false))
	if s := out.Shape(); s[0] != 1 || s[1] != 3 {
		t.Errorf("expected logits [1 3], got %v", s)
	}
}

func TestResnet18_TrainStepLeavesBackbone(t *testing.T) {
	m, err := NewResnet18(3, "", config.Optimizer{Name: "adam", LearningRate: 0.01})
	if err != nil {
		t.Fatalf("NewResnet18 failed: %v", err)
	}
	cpu := torch.NewDevice("cpu")
	before := map[string]torch.Tensor{}
	for k, v := range m.Net.NamedParameters() {
		before[k] = v.CopyTo(cpu)
	}

	opt := m.Optimizer(0.01)
	m.Train(true)
	opt.ZeroGrad()
	out := m.Forward(torch.RandN([]int64{2, 3, 64, 64}, false))
	loss := F.NllLoss(out.LogSoftmax(1), torch.NewTensor([]int64{0, 2}), torch.Tensor{}, -100, "mean")
	loss.Backward()
	opt.Step()

	heads := 0
	for k, v := range m.Net.NamedParameters() {
		if strings.HasPrefix(k, "ResnetModule.FC.") {
			heads++
			if torch.Equal(before[k], v) {
				t.Errorf("head parameter %s did not change", k)
			}
			continue
		}
		if !torch.Equal(before[k], v) {
			t.Errorf("backbone parameter %s changed", k)
		}
	}
	if heads != 2 {
		t.Errorf("expected 2 head parameters, got %d", heads)
	}
}

func TestResnet18_LoadsPretrained(t *testing.T) {
	src := models.Resnet18()
	fn := filepath.Join(t.TempDir(), "resnet18.gob")
	if err := checkpoint.WriteGob(fn, src.StateDict()); err != nil {
		t.Fatalf("WriteGob failed: %v", err)
	}

	m, err := NewResnet18(3, fn, config.Optimizer{Name: "adam", LearningRate: 0.001})
	if err != nil {
		t.Fatalf("NewResnet18 failed: %v", err)
	}
	if !torch.Equal(m.Net.C1.Weight, src.C1.Weight) {
		t.Error("backbone weights were not loaded")
	}
	if s := m.Net.FC.Weight.Shape(); s[0] != 3 {
		t.Errorf("expected a fresh 3 class head, got %v", s)
	}
}

func TestResnet18_MissingPretrained(t *testing.T) {
	if _, err := NewResnet18(3, "/path/that/does/not/exist.gob", config.Optimizer{Name: "adam", LearningRate: 0.001}); err == nil {
		t.Fatal("expected error for missing pretrained weights")
	}
}

func TestNew_UnknownArch(t *testing.T) {
	cfg := config.Default()
	cfg.Arch = "alexnet"
	if _, err := New(cfg); !errors.Is(err, ErrUnknownArch) {
		t.Fatalf("expected ErrUnknownArch, got %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	cfg := testConfig(config.ArchVGG16)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run, err := checkpoint.NewRun(t.TempDir(), cfg.Arch)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	run.Meta.Classes = []string{"a", "b", "c"}
	run.Meta.Hparams.NumClasses = 3
	run.Meta.Hparams.ImageSize = 32
	if err := run.SaveMeta(); err != nil {
		t.Fatal(err)
	}

	if _, err := SaveCheckpoint(m, run, 0, 1, torch.NewDevice("cpu")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := Load(run)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Arch() != config.ArchVGG16 {
		t.Errorf("unexpected arch %s", loaded.Arch())
	}
	if len(loaded.StateDict()) != len(m.StateDict()) {
		t.Errorf("state dict sizes differ: %d vs %d", len(loaded.StateDict()), len(m.StateDict()))
	}
}
