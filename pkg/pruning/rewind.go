// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// RewindWeights resets the variables of params to the values of the initialization snapshot
// in snapshotPath.
//
// If equalClasses is false, the classifier variables (under model.ClassifierScope) can't be
// restored, since their shapes depend on the number of classes, and they keep their current
// values. Failures are reported as *checkpoints.LoadError.
func RewindWeights(params *model.Params, snapshotPath string, equalClasses bool) error {
	snapshot, err := checkpoints.LoadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	excludeScope := ""
	if !equalClasses {
		excludeScope = model.ClassifierScope
	}
	return checkpoints.RestoreParams(params, snapshot, excludeScope)
}
