// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnRoundStartFn is the type of OnRoundStart hooks.
type OnRoundStartFn func(p *Pruner, round int) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(p *Pruner, step StepInfo) error

// OnEpochEndFn is the type of OnEpochEnd hooks.
type OnEpochEndFn func(p *Pruner, result EpochResult) error

// OnRoundEndFn is the type of OnRoundEnd hooks.
type OnRoundEndFn func(p *Pruner, result RoundResult) error

// OnRunEndFn is the type of OnRunEnd hooks. runErr is the error that ended the run, or nil
// if all rounds completed.
type OnRunEndFn func(p *Pruner, report *Report, runErr error) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of type F per priority.
type priorityHooks[F any] struct {
	hooks map[Priority][]hookWithName[F]
}

// Add hook at the given priority.
func (h *priorityHooks[F]) Add(priority Priority, name string, fn F) {
	if h.hooks == nil {
		h.hooks = make(map[Priority][]hookWithName[F])
	}
	h.hooks[priority] = append(h.hooks[priority], hookWithName[F]{name: name, fn: fn})
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[F]) All() iter.Seq[hookWithName[F]] {
	return func(yield func(hookWithName[F]) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// run calls call for each hook, stopping at the first error.
func (h *priorityHooks[F]) run(call func(fn F) error) error {
	for hook := range h.All() {
		if err := call(hook.fn); err != nil {
			return errors.WithMessagef(err, "hook %q", hook.name)
		}
	}
	return nil
}

// OnRoundStart adds a hook with given priority and name (for error reporting), called at the
// start of each round.
func (p *Pruner) OnRoundStart(name string, priority Priority, fn OnRoundStartFn) {
	p.onRoundStart.Add(priority, name, fn)
}

// OnStep adds a hook with given priority and name (for error reporting), called after each
// training step.
func (p *Pruner) OnStep(name string, priority Priority, fn OnStepFn) {
	p.onStep.Add(priority, name, fn)
}

// OnEpochEnd adds a hook with given priority and name (for error reporting), called after
// each training epoch.
func (p *Pruner) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	p.onEpochEnd.Add(priority, name, fn)
}

// OnRoundEnd adds a hook with given priority and name (for error reporting), called at the
// end of each round, after the evaluation.
func (p *Pruner) OnRoundEnd(name string, priority Priority, fn OnRoundEndFn) {
	p.onRoundEnd.Add(priority, name, fn)
}

// OnRunEnd adds a hook with given priority and name (for error reporting), called once when
// Run returns, whether it completed all rounds or failed.
func (p *Pruner) OnRunEnd(name string, priority Priority, fn OnRunEndFn) {
	p.onRunEnd.Add(priority, name, fn)
}
