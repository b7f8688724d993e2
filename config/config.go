package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

const (
	ArchVGG16    = "vgg16"
	ArchResnet18 = "resnet18"

	NumClasses   = 3
	BatchSize    = 100
	LearningRate = 0.001
	MaxEpochs    = 5
	Workers      = 4

	VGG16ImageSize    = 32
	Resnet18ImageSize = 224
)

var (
	// ImageNet statistics, used by both pipelines.
	NormMean = []float32{0.485, 0.456, 0.406}
	NormStd  = []float32{0.229, 0.224, 0.225}
)

type Data struct {
	TrainDir  string    `yaml:"trainDir" validate:"required"`
	TestDir   string    `yaml:"testDir"`
	ImageSize int       `yaml:"imageSize" validate:"gt=0"`
	BatchSize int       `yaml:"batchSize" validate:"gt=0"`
	Workers   int       `yaml:"workers" validate:"gt=0"`
	Mean      []float32 `yaml:"mean" validate:"len=3"`
	Std       []float32 `yaml:"std" validate:"len=3"`
}

type Optimizer struct {
	Name         string  `yaml:"name" validate:"oneof=sgd adam"`
	LearningRate float64 `yaml:"learningRate" validate:"gt=0"`
	Momentum     float64 `yaml:"momentum" validate:"gte=0"`
	WeightDecay  float64 `yaml:"weightDecay" validate:"gte=0"`
}

type Trainer struct {
	MaxEpochs          int    `yaml:"maxEpochs" validate:"gt=0"`
	AutoLRFind         bool   `yaml:"autoLRFind"`
	AutoScaleBatchSize bool   `yaml:"autoScaleBatchSize"`
	FastDevRun         bool   `yaml:"fastDevRun"`
	LogEveryNSteps     int    `yaml:"logEveryNSteps" validate:"gt=0"`
	Seed               int64  `yaml:"seed"`
	Device             string `yaml:"device" validate:"oneof=auto cpu cuda"`
	LogDir             string `yaml:"logDir" validate:"required"`
	MetricsDB          string `yaml:"metricsDB"`
}

// Config holds everything a training run needs. A zero ImageSize and unset
// optimizer fields are filled from the architecture by ApplyArchDefaults.
type Config struct {
	Arch       string    `yaml:"arch" validate:"oneof=vgg16 resnet18"`
	NumClasses int       `yaml:"numClasses" validate:"gt=1"`
	Pretrained string    `yaml:"pretrained"`
	Data       Data      `yaml:"data"`
	Optimizer  Optimizer `yaml:"optimizer"`
	Trainer    Trainer   `yaml:"trainer"`
}

// Default returns the settings of the reference training script.
func Default() *Config {
	return &Config{
		Arch:       ArchVGG16,
		NumClasses: NumClasses,
		Data: Data{
			TrainDir:  "data/train",
			TestDir:   "data/test",
			BatchSize: BatchSize,
			Workers:   Workers,
			Mean:      append([]float32(nil), NormMean...),
			Std:       append([]float32(nil), NormStd...),
		},
		Trainer: Trainer{
			MaxEpochs:          MaxEpochs,
			AutoLRFind:         true,
			AutoScaleBatchSize: true,
			LogEveryNSteps:     50,
			Seed:               1,
			Device:             "auto",
			LogDir:             "runs",
			MetricsDB:          "runs/metrics.sqlite",
		},
	}
}

// OptimizerDefaults is the optimizer block used for name when a config
// leaves fields out. Unknown names get the SGD settings and fail validation
// later on the name alone.
func OptimizerDefaults(name string) Optimizer {
	switch name {
	case "adam":
		return Optimizer{Name: "adam", LearningRate: LearningRate}
	default:
		return Optimizer{Name: "sgd", LearningRate: 0.01, Momentum: 0.9, WeightDecay: 5e-4}
	}
}

// archOptimizer names the optimizer an architecture trains with by default.
func archOptimizer(arch string) string {
	if arch == ArchResnet18 {
		return "adam"
	}
	return "sgd"
}

// ApplyArchDefaults fills the fields whose default depends on Arch. Optimizer
// fields are filled one by one so a partial block keeps what it sets; a zero
// momentum or weight decay counts as unset only when no optimizer is named.
func (c *Config) ApplyArchDefaults() {
	if c.Data.ImageSize == 0 {
		switch c.Arch {
		case ArchVGG16:
			c.Data.ImageSize = VGG16ImageSize
		case ArchResnet18:
			c.Data.ImageSize = Resnet18ImageSize
		}
	}

	o := &c.Optimizer
	if o.Name == "" {
		d := OptimizerDefaults(archOptimizer(c.Arch))
		o.Name = d.Name
		if o.Momentum == 0 {
			o.Momentum = d.Momentum
		}
		if o.WeightDecay == 0 {
			o.WeightDecay = d.WeightDecay
		}
	}
	if o.LearningRate == 0 {
		o.LearningRate = OptimizerDefaults(o.Name).LearningRate
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for i, s := range c.Data.Std {
		if s <= 0 {
			return fmt.Errorf("invalid configuration: std[%d] must be positive, got %v", i, s)
		}
	}
	if c.Arch == ArchResnet18 && c.Pretrained == "" {
		return fmt.Errorf("invalid configuration: %s trains only its head and needs pretrained backbone weights", c.Arch)
	}
	return nil
}

// LoadConfig reads a YAML file over Default, fills architecture defaults and
// validates the result.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// A first look at the file picks the optimizer defaults, so that the
	// second decode can override any of them, zeros included.
	var head struct {
		Arch      string `yaml:"arch"`
		Optimizer struct {
			Name string `yaml:"name"`
		} `yaml:"optimizer"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config := Default()
	if head.Arch != "" {
		config.Arch = head.Arch
	}
	name := head.Optimizer.Name
	if name == "" {
		name = archOptimizer(config.Arch)
	}
	config.Optimizer = OptimizerDefaults(name)

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	config.ApplyArchDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}
	return config, nil
}

// Path returns the config file named by CONFIG_PATH, or "" when unset and
// no config.yaml exists in the working directory.
func Path() string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}
