// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/models"
	"github.com/gomlx/lottery/pkg/ml/train/optimizers"
)

// ConfigError is returned for unsupported or invalid configuration values. It is always
// raised while resolving the configuration, before any compute or I/O.
type ConfigError struct {
	// Field is the name of the configuration field, e.g. "architecture".
	Field string
	Value string
	// Reason is optional.
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported %s %q", e.Field, e.Value)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Architecture of the pruned network. Each architecture carries its training schedule.
type Architecture int

const (
	VGG19 Architecture = iota
	ResNet50
)

// Architectures lists all supported architectures.
var Architectures = []Architecture{VGG19, ResNet50}

// String returns the name of the architecture, as accepted by ParseArchitecture.
func (a Architecture) String() string {
	switch a {
	case VGG19:
		return models.VGG19
	case ResNet50:
		return models.ResNet50
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// Epochs is the number of training epochs of each pruning round.
func (a Architecture) Epochs() int {
	switch a {
	case VGG19:
		return 160
	case ResNet50:
		return 90
	}
	return 0
}

// AnnealEpochs are the epochs (1-based) at the start of which the learning rate is divided by AnnealFactor.
func (a Architecture) AnnealEpochs() []int {
	switch a {
	case VGG19:
		return []int{80, 120}
	case ResNet50:
		return []int{50, 65, 80}
	}
	return nil
}

// AnnealFactor divides the learning rate at each anneal epoch.
const AnnealFactor = 10.0

// ParseArchitecture returns the Architecture with the given name, or a *ConfigError.
func ParseArchitecture(name string) (Architecture, error) {
	for _, a := range Architectures {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, &ConfigError{Field: "architecture", Value: name}
}

// OptimizerType selects the optimizer (and its hyperparameters) used for training.
type OptimizerType int

const (
	SGD OptimizerType = iota
	Adam
)

// OptimizerTypes lists all supported optimizers.
var OptimizerTypes = []OptimizerType{SGD, Adam}

// String returns the name of the optimizer, as accepted by ParseOptimizer.
func (o OptimizerType) String() string {
	switch o {
	case SGD:
		return "sgd"
	case Adam:
		return "adam"
	}
	return fmt.Sprintf("OptimizerType(%d)", int(o))
}

// New creates a new optimizer of this type, with the default hyperparameters of
// optimizers.KnownOptimizers:
//
//   - SGD: learning rate 0.1, momentum 0.9, weight decay 1e-4.
//   - Adam: learning rate 3e-4, weight decay 1e-4.
func (o OptimizerType) New() optimizers.Interface {
	opt, err := optimizers.ByName(o.String())
	if err != nil {
		exceptions.Panicf("unknown %s: %v", o, err)
	}
	return opt
}

// ParseOptimizer returns the OptimizerType with the given name, or a *ConfigError.
func ParseOptimizer(name string) (OptimizerType, error) {
	for _, o := range OptimizerTypes {
		if o.String() == name {
			return o, nil
		}
	}
	return 0, &ConfigError{Field: "optimizer", Value: name}
}

// DatasetClasses returns the number of classes of the named dataset, or a *ConfigError.
func DatasetClasses(name string) (int, error) {
	n, found := datasets.NumClasses(name)
	if !found {
		return 0, &ConfigError{Field: "dataset", Value: name}
	}
	return n, nil
}

// Settings are the raw (unvalidated) configuration values, as given in the command line.
type Settings struct {
	Architecture, Optimizer      string
	SourceDataset, TargetDataset string

	// Random selects random-ticket mode: masks are randomly permuted and weights are not rewound.
	Random bool

	BatchSize int
	Seed      uint64

	// ModelsPath is the directory of the per-round checkpoints.
	ModelsPath string

	// InitPath is the initialization snapshot file, required unless Random is set.
	InitPath string

	// SaveInit writes the freshly initialized model to InitPath before round 0.
	SaveInit bool

	// Epochs overrides the architecture's number of epochs per round if > 0.
	Epochs int

	// StartRound and LastRound bound the rounds run. LastRound <= 0 means MaxRound.
	StartRound, LastRound int
}

// Config is the resolved configuration of a pruning run.
type Config struct {
	Architecture Architecture
	Optimizer    OptimizerType

	SourceDataset, TargetDataset string
	// NumClasses of the target dataset, the number of outputs of the model.
	NumClasses int
	// EqualClasses is true if the source and target datasets have the same number of
	// classes, in which case the classifier is also rewound.
	EqualClasses bool

	Random    bool
	BatchSize int
	Seed      uint64

	ModelsPath, InitPath string
	SaveInit             bool

	// Epochs per round and the anneal epochs (only those <= Epochs).
	Epochs       int
	AnnealEpochs []int

	StartRound, LastRound int
}

// ResolveConfig validates the settings and resolves them into a Config.
// All failures are *ConfigError.
func ResolveConfig(s Settings) (Config, error) {
	var cfg Config
	var err error
	if cfg.Architecture, err = ParseArchitecture(s.Architecture); err != nil {
		return cfg, err
	}
	if cfg.Optimizer, err = ParseOptimizer(s.Optimizer); err != nil {
		return cfg, err
	}
	sourceClasses, found := datasets.NumClasses(s.SourceDataset)
	if !found {
		return cfg, &ConfigError{Field: "source dataset", Value: s.SourceDataset}
	}
	if cfg.NumClasses, found = datasets.NumClasses(s.TargetDataset); !found {
		return cfg, &ConfigError{Field: "target dataset", Value: s.TargetDataset}
	}
	cfg.SourceDataset, cfg.TargetDataset = s.SourceDataset, s.TargetDataset
	cfg.EqualClasses = sourceClasses == cfg.NumClasses

	if s.BatchSize <= 0 {
		return cfg, &ConfigError{Field: "batch size", Value: fmt.Sprint(s.BatchSize), Reason: "must be positive"}
	}
	if s.Epochs < 0 {
		return cfg, &ConfigError{Field: "epochs", Value: fmt.Sprint(s.Epochs), Reason: "must not be negative"}
	}
	cfg.LastRound = s.LastRound
	if cfg.LastRound <= 0 {
		cfg.LastRound = MaxRound
	}
	if cfg.LastRound > MaxRound {
		return cfg, &ConfigError{Field: "last round", Value: fmt.Sprint(s.LastRound),
			Reason: fmt.Sprintf("must be at most %d", MaxRound)}
	}
	if s.StartRound < 0 || s.StartRound > cfg.LastRound {
		return cfg, &ConfigError{Field: "start round", Value: fmt.Sprint(s.StartRound),
			Reason: fmt.Sprintf("must be between 0 and %d", cfg.LastRound)}
	}
	if s.ModelsPath == "" {
		return cfg, &ConfigError{Field: "models path", Reason: "must be set"}
	}
	if !s.Random && s.InitPath == "" {
		return cfg, &ConfigError{Field: "init path", Reason: "must be set unless running a random ticket"}
	}
	if s.SaveInit && s.InitPath == "" {
		return cfg, &ConfigError{Field: "init path", Reason: "must be set to save the initialization"}
	}
	if s.SaveInit && s.StartRound > 0 {
		return cfg, &ConfigError{Field: "start round", Value: fmt.Sprint(s.StartRound),
			Reason: "the initialization can only be saved when starting from round 0"}
	}

	cfg.Random = s.Random
	cfg.BatchSize = s.BatchSize
	cfg.Seed = s.Seed
	cfg.ModelsPath, cfg.InitPath, cfg.SaveInit = s.ModelsPath, s.InitPath, s.SaveInit
	cfg.StartRound = s.StartRound
	cfg.Epochs = cfg.Architecture.Epochs()
	if s.Epochs > 0 {
		cfg.Epochs = s.Epochs
	}
	for _, epoch := range cfg.Architecture.AnnealEpochs() {
		if epoch <= cfg.Epochs {
			cfg.AnnealEpochs = append(cfg.AnnealEpochs, epoch)
		}
	}
	return cfg, nil
}
