// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used to train the pruned networks. They all
// implement optimizers.Interface, and update the trainable variables of a model.Params in
// place using the gradients accumulated in Variable.Grad.
//
// The update rules follow the conventions of PyTorch's SGD and Adam, including how the
// weight decay is added to the gradient (L2 regularization, not decoupled).
package optimizers

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, one of the keys of KnownOptimizers.
	Name() string

	// Step updates all trainable variables of params using their gradients.
	Step(params *model.Params) error

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate changes the learning rate used by the following steps.
	SetLearningRate(learningRate float64)

	// State returns a copy of the optimizer state, to be saved with the checkpoints.
	State() *State

	// LoadState restores a state previously returned by State. Slots must refer to variables
	// of params with matching shapes.
	LoadState(state *State, params *model.Params) error
}

// State of an optimizer: its hyperparameters that change during training, the number of
// steps taken and the per-variable slots (momentum, moments).
type State struct {
	Name         string
	LearningRate float64
	Step         int64

	// Slots are keyed by SlotKey(slotName, variableScopeAndName).
	Slots map[string]*tensors.Tensor
}

func newState(name string, learningRate float64, step int64) *State {
	return &State{Name: name, LearningRate: learningRate, Step: step, Slots: make(map[string]*tensors.Tensor)}
}

// slotSeparator separates the slot name from the variable name in slot keys. Variable names
// always start with "/".
const slotSeparator = ":"

// SlotKey returns the key of the slot slotName for the variable scopeAndName.
func SlotKey(slotName, scopeAndName string) string {
	return slotName + slotSeparator + scopeAndName
}

// SplitSlotKey is the reverse of SlotKey.
func SplitSlotKey(key string) (slotName, scopeAndName string, ok bool) {
	return strings.Cut(key, slotSeparator)
}

// SortedSlotKeys returns the keys of the slots in a deterministic order.
func (s *State) SortedSlotKeys() []string {
	keys := make([]string, 0, len(s.Slots))
	for key := range s.Slots {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors,
	// with the hyperparameters used in the pruning experiments.
	KnownOptimizers = map[string]func() Interface{
		"sgd":  func() Interface { return StochasticGradientDescent().Done() },
		"adam": func() Interface { return Adam().Done() },
	}
)

// ByName returns a new optimizer with default settings, given its name.
func ByName(name string) (Interface, error) {
	constructor, found := KnownOptimizers[name]
	if !found {
		names := make([]string, 0, len(KnownOptimizers))
		for key := range KnownOptimizers {
			names = append(names, key)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, known optimizers are %v", name, names)
	}
	return constructor(), nil
}

// slots holds one tensor per trainable variable, keyed by variable name.
type slots map[string]*tensors.Tensor

// get returns the slot for v, and whether it was created now (zero initialized).
func (s slots) get(v *model.Variable) (slot *tensors.Tensor, created bool) {
	key := v.ScopeAndName()
	slot, found := s[key]
	if !found {
		slot = tensors.FromShape(v.Value.Shape()...)
		s[key] = slot
		created = true
	}
	return
}

// exportSlots copies named slots into the state.
func exportSlots(state *State, slotName string, s slots) {
	for scopeAndName, t := range s {
		state.Slots[SlotKey(slotName, scopeAndName)] = t.Clone()
	}
}

// importSlots validates the state slots against params and returns them grouped by slot name.
func importSlots(state *State, params *model.Params, validSlotNames ...string) (map[string]slots, error) {
	grouped := make(map[string]slots, len(validSlotNames))
	for _, name := range validSlotNames {
		grouped[name] = make(slots)
	}
	for key, t := range state.Slots {
		slotName, scopeAndName, ok := SplitSlotKey(key)
		if !ok {
			return nil, errors.Errorf("invalid optimizer slot key %q", key)
		}
		group, found := grouped[slotName]
		if !found {
			return nil, errors.Errorf("optimizer %q has no slot %q (key %q)", state.Name, slotName, key)
		}
		v, found := params.Get(scopeAndName)
		if !found || !v.Trainable {
			return nil, errors.Errorf("optimizer slot %q refers to unknown trainable variable %q", key, scopeAndName)
		}
		if !v.Value.SameShape(t) {
			return nil, errors.Errorf("optimizer slot %q shaped %s, but variable is shaped %s",
				key, t.ShapeString(), v.Value.ShapeString())
		}
		group[scopeAndName] = t.Clone()
	}
	return grouped, nil
}

// checkGradient returns an error if the variable has no gradient of the right shape.
func checkGradient(v *model.Variable) error {
	if v.Grad == nil || !v.Grad.SameShape(v.Value) {
		return errors.Errorf("trainable variable %s has no gradient matching its shape", v)
	}
	return nil
}

func checkLearningRate(name string, learningRate float64) {
	if learningRate < 0 {
		exceptions.Panicf("optimizer %s: negative learning rate %g", name, learningRate)
	}
}
