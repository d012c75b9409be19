// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// iterprune runs iterative magnitude pruning ("lottery tickets") of a VGG19 or ResNet50 on
// one of the supported image classification datasets.
//
// Typical usage, creating the initialization snapshot in the first run:
//
//	iterprune -arch=vgg19 -target=cifar10 -init_path=~/work/lottery/vgg19_init.ckpt -save_init \
//		-models_path=~/work/lottery/vgg19_cifar10
//
// If a run is interrupted, it can be resumed from the last completed round with -start_round.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/models"
	"github.com/gomlx/lottery/pkg/pruning"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/gomlx/lottery/ui/commandline"
	"github.com/gomlx/lottery/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagArch       = flag.String("arch", models.VGG19, "Architecture to prune: vgg19 or resnet50.")
	flagOptimizer  = flag.String("optimizer", "sgd", "Optimizer: sgd or adam.")
	flagSource     = flag.String("source", datasets.Cifar10, "Dataset the initialization was created for. If it has a different number of classes than -target, the classifier is not rewound.")
	flagTarget     = flag.String("target", datasets.Cifar10, fmt.Sprintf("Dataset to train on, one of %v.", datasets.ValidDatasets))
	flagRandom     = flag.Bool("random", false, "Random ticket: the masks are randomly permuted and the weights are not rewound.")
	flagBatchSize  = flag.Int("batch_size", 64, "Batch size for training and evaluation.")
	flagSeed       = flag.Uint64("seed", 0, "Seed for the initialization, the shuffling of the training data and the permutation of random tickets.")
	flagDevice     = flag.String("device", "cpu", `Compute device: "cpu" or "cpu:N" for N workers.`)
	flagModelsPath = flag.String("models_path", "~/work/lottery/models", "Directory where the checkpoints of each round are saved.")
	flagInitPath   = flag.String("init_path", "", "File with the initialization snapshot the weights are rewound to. Required unless -random.")
	flagSaveInit   = flag.Bool("save_init", false, "Save the freshly initialized model to -init_path before round 0.")
	flagData       = flag.String("data", "~/work/lottery/data", "Directory where the datasets are downloaded to.")
	flagEpochs     = flag.Int("epochs", 0, "If > 0, overrides the number of epochs per round of the architecture.")
	flagStartRound = flag.Int("start_round", 0, "First round to run. Rounds > 0 require the checkpoint of the previous round in -models_path.")
	flagLastRound  = flag.Int("last_round", pruning.MaxRound, "Last round to run.")
	flagWidth      = flag.Float64("width", 1.0, "Multiplier of the number of channels of the model, use small values for quick experiments.")
	flagPlot       = flag.String("plot", "", "If set, saves a plot of the test accuracy versus the weights remaining to this file (.png or .svg).")
)

func main() {
	klog.InitFlags(nil)
	settingsOverrides := commandline.CreateSettingsFlag("")
	flag.Parse()

	settings := pruning.Settings{
		Architecture:  *flagArch,
		Optimizer:     *flagOptimizer,
		SourceDataset: *flagSource,
		TargetDataset: *flagTarget,
		Random:        *flagRandom,
		BatchSize:     *flagBatchSize,
		Seed:          *flagSeed,
		ModelsPath:    *flagModelsPath,
		InitPath:      *flagInitPath,
		SaveInit:      *flagSaveInit,
		Epochs:        *flagEpochs,
		StartRound:    *flagStartRound,
		LastRound:     *flagLastRound,
	}
	paramsSet := must.M1(commandline.ParseSettings(&settings, *settingsOverrides))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Settings overridden: %v", paramsSet)
	}
	cfg, err := pruning.ResolveConfig(settings)
	if err != nil {
		klog.Exitf("Invalid configuration: %+v", err)
	}
	fmt.Println(commandline.SprintConfig(cfg))

	if err := run(cfg); err != nil {
		klog.Errorf("Pruning failed: %+v", err)
		os.Exit(1)
	}
}

func run(cfg pruning.Config) error {
	dev, err := device.New(*flagDevice)
	if err != nil {
		return err
	}
	trainDS, err := datasets.Load(cfg.TargetDataset, *flagData, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return err
	}
	testDS, err := datasets.Load(cfg.TargetDataset, *flagData, cfg.BatchSize, false, cfg.Seed)
	if err != nil {
		return err
	}
	net, err := models.Build(cfg.Architecture.String(), cfg.NumClasses,
		models.Width(*flagWidth), models.Seed(cfg.Seed), models.Device(dev))
	if err != nil {
		return err
	}
	klog.Infof("%s on device %s", models.Describe(cfg.Architecture.String(), net), dev)

	pruner, err := pruning.New(cfg, net, trainDS, testDS)
	if err != nil {
		return err
	}
	commandline.AttachProgressBar(pruner)
	plots.AttachPointsWriter(pruner)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	report, err := pruner.Run(ctx)
	if len(report.Rounds) > 0 {
		fmt.Println(commandline.SprintReport(report))
		fmt.Printf("Test accuracies: %v\n", report.Accuracies())
		fmt.Printf("Test losses: %v\n", report.Losses())
	}
	if err != nil {
		return err
	}

	if *flagPlot != "" {
		// Points of all runs on the same checkpoints, so resumed runs plot all rounds.
		rawPoints, err := plots.LoadPointsFromCheckpoint(cfg.ModelsPath)
		if err != nil {
			return err
		}
		plotPath, err := fsutil.ReplaceTildeInDir(*flagPlot)
		if err != nil {
			return err
		}
		if err := plots.SavePlot(plots.NewPoints(rawPoints), plotPath); err != nil {
			return err
		}
		klog.Infof("Plot saved to %q", plotPath)
	}
	return nil
}
