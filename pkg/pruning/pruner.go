// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pruning implements iterative magnitude pruning ("lottery tickets").
//
// A Pruner trains a network for a number of rounds. At round 0 the network is trained with
// all its weights. At each following round it starts from the weights trained in the
// previous round, prunes the prunable weights with the lowest magnitudes (a global threshold
// over all prunable variables, see BuildMasks and WeightFraction), rewinds the surviving
// weights to their initialization (see RewindWeights) and trains again, keeping the pruned
// weights at zero.
//
// In random-ticket mode the masks are randomly permuted (see PermuteMasks) and the weights
// are not rewound, which serves as a control for the importance of the mask structure.
//
// Example:
//
//	cfg := must.M1(pruning.ResolveConfig(settings))
//	net := must.M1(models.Build(cfg.Architecture.String(), cfg.NumClasses))
//	pruner := must.M1(pruning.New(cfg, net, trainDS, testDS))
//	commandline.AttachProgressBar(pruner)
//	report, err := pruner.Run(ctx)
package pruning

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RoundResult summarizes one pruning round.
type RoundResult struct {
	Round int

	// WeightFraction is the targeted percentage of pruned weights, see WeightFraction.
	WeightFraction float64

	// Stats of the masks used in the round.
	Stats MaskStats

	// TrainLoss of the last epoch.
	TrainLoss float64

	// Evaluated is true if the round was evaluated, in which case Eval holds the results.
	Evaluated bool
	Eval      EvalResult

	Duration time.Duration
}

// Report of a pruning run.
type Report struct {
	RunID  string
	Rounds []RoundResult
}

// Evaluated returns the results of the evaluated rounds, in order.
func (r *Report) Evaluated() []RoundResult {
	var evaluated []RoundResult
	for _, result := range r.Rounds {
		if result.Evaluated {
			evaluated = append(evaluated, result)
		}
	}
	return evaluated
}

// Accuracies returns the test accuracies of the evaluated rounds, in order.
func (r *Report) Accuracies() []float64 {
	var accuracies []float64
	for _, result := range r.Evaluated() {
		accuracies = append(accuracies, result.Eval.Accuracy)
	}
	return accuracies
}

// Losses returns the test losses of the evaluated rounds, in order.
func (r *Report) Losses() []float64 {
	var losses []float64
	for _, result := range r.Evaluated() {
		losses = append(losses, result.Eval.Loss)
	}
	return losses
}

// ShouldEvaluate returns whether the network is evaluated after round: all of the first 7
// rounds, and every 3rd round after that.
func ShouldEvaluate(round int) bool {
	return round < 7 || round%3 == 0
}

// permutationRNG returns the generator of the random-ticket permutations of round. It only
// depends on seed and round, so a run resumed at any round permutes like an uninterrupted one.
func permutationRNG(seed uint64, round int) *rand.Rand {
	return rand.New(rand.NewPCG(seed^0xda3e39cb94b95bdb, uint64(round)))
}

// Pruner runs the pruning rounds. It owns the network parameters while running.
type Pruner struct {
	config          Config
	net             model.Network
	trainDS, testDS datasets.Dataset
	checkpoints     *checkpoints.Handler
	runID           string

	onRoundStart priorityHooks[OnRoundStartFn]
	onStep       priorityHooks[OnStepFn]
	onEpochEnd   priorityHooks[OnEpochEndFn]
	onRoundEnd   priorityHooks[OnRoundEndFn]
	onRunEnd     priorityHooks[OnRunEndFn]
}

// New creates a Pruner for the network, built for cfg.NumClasses classes and initialized.
// The checkpoints directory is created if it doesn't exist.
func New(cfg Config, net model.Network, trainDS, testDS datasets.Dataset) (*Pruner, error) {
	handler, err := checkpoints.New(cfg.ModelsPath)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		config:      cfg,
		net:         net,
		trainDS:     trainDS,
		testDS:      testDS,
		checkpoints: handler,
		runID:       uuid.NewString(),
	}, nil
}

// Config returns the configuration of the run.
func (p *Pruner) Config() Config { return p.config }

// RunID is a unique identifier of the run, saved in the checkpoints.
func (p *Pruner) RunID() string { return p.runID }

// Network being pruned.
func (p *Pruner) Network() model.Network { return p.net }

// Checkpoints returns the handler of the per-round checkpoints.
func (p *Pruner) Checkpoints() *checkpoints.Handler { return p.checkpoints }

// Run the rounds from Config.StartRound to Config.LastRound. If Config.SaveInit is set, the
// current values of the network are first saved as the initialization snapshot.
//
// A failed round aborts the run: the returned Report holds the rounds completed so far, and
// their checkpoints are kept on disk. The OnRunEnd hooks are called in both cases.
func (p *Pruner) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{RunID: p.runID}
	defer func() {
		hooksErr := p.onRunEnd.run(func(fn OnRunEndFn) error { return fn(p, report, err) })
		if err == nil {
			err = hooksErr
		}
	}()
	if p.config.SaveInit {
		if err = checkpoints.SaveSnapshot(p.config.InitPath, p.net.Params()); err != nil {
			return report, errors.WithMessage(err, "saving initialization snapshot")
		}
		klog.Infof("Initialization saved to %q", p.config.InitPath)
	}
	klog.Infof("Iterative pruning started: %s on %s, rounds %d to %d",
		p.config.Architecture, p.config.TargetDataset, p.config.StartRound, p.config.LastRound)
	for round := p.config.StartRound; round <= p.config.LastRound; round++ {
		var result RoundResult
		result, err = p.RunRound(ctx, round)
		if err != nil {
			return report, errors.WithMessagef(err, "pruning round %d", round)
		}
		report.Rounds = append(report.Rounds, result)
	}
	klog.Infof("Test accuracies %v", report.Accuracies())
	klog.Infof("Test losses %v", report.Losses())
	klog.Infof("Finished iterative pruning")
	return report, nil
}

// RunRound runs one pruning round. For round > 0 it requires the checkpoint of the final
// epoch of the previous round.
func (p *Pruner) RunRound(ctx context.Context, round int) (result RoundResult, err error) {
	start := time.Now()
	result = RoundResult{Round: round, WeightFraction: WeightFraction(round)}
	klog.Infof("Running pruning round %d", round)
	err = p.onRoundStart.run(func(fn OnRoundStartFn) error { return fn(p, round) })
	if err != nil {
		return
	}

	params := p.net.Params()
	var masks Masks
	if round == 0 {
		_, result.Stats.Total = AllOnesMasks(params).Stats()
	} else {
		var ckpt *checkpoints.Checkpoint
		ckpt, err = p.checkpoints.Load(round-1, p.config.Epochs)
		if err != nil {
			return
		}
		if err = checkpoints.RestoreParams(params, ckpt, ""); err != nil {
			return
		}
		masks, result.Stats = BuildMasks(params, round)
		if p.config.Random {
			masks = PermuteMasks(masks, permutationRNG(p.config.Seed, round))
		}
		klog.Infof("%s", result.Stats)
	}
	if !p.config.Random {
		if err = RewindWeights(params, p.config.InitPath, p.config.EqualClasses); err != nil {
			return
		}
	}

	trainer := &Trainer{
		Network:      p.net,
		Optimizer:    p.config.Optimizer.New(),
		Masks:        masks,
		Checkpoints:  p.checkpoints,
		RunID:        p.runID,
		Round:        round,
		Epochs:       p.config.Epochs,
		AnnealEpochs: p.config.AnnealEpochs,
		OnStep: func(step StepInfo) error {
			return p.onStep.run(func(fn OnStepFn) error { return fn(p, step) })
		},
	}
	for epoch := 1; epoch <= p.config.Epochs; epoch++ {
		var epochResult EpochResult
		epochResult, err = trainer.RunEpoch(ctx, p.trainDS, epoch)
		if err != nil {
			return
		}
		result.TrainLoss = epochResult.Loss
		err = p.onEpochEnd.run(func(fn OnEpochEndFn) error { return fn(p, epochResult) })
		if err != nil {
			return
		}
	}

	if ShouldEvaluate(round) {
		result.Eval, err = Evaluate(p.net, p.testDS)
		if err != nil {
			return
		}
		result.Evaluated = true
		klog.Infof("Pruning round %d: test loss %.4f, test accuracy %.3f%%", round, result.Eval.Loss, result.Eval.Accuracy)
	}
	result.Duration = time.Since(start)
	err = p.onRoundEnd.run(func(fn OnRoundEndFn) error { return fn(p, result) })
	return
}
