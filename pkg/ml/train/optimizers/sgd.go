// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
	SGDDefaultLearningRate = 0.1

	// SGDDefaultMomentum is the default momentum used by the StochasticGradientDescent optimizer.
	SGDDefaultMomentum = 0.9

	// SGDDefaultWeightDecay is the default L2 weight decay used by the StochasticGradientDescent optimizer.
	SGDDefaultWeightDecay = 1e-4

	// SGDMomentumSlot is the name of the slot holding the momentum buffers.
	SGDMomentumSlot = "momentum"
)

// SGDConfig holds the configuration of a Stochastic Gradient Descent optimizer. Create it with
// StochasticGradientDescent, and once configured call Done.
type SGDConfig struct {
	learningRate, momentum, weightDecay float64
}

// StochasticGradientDescent creates the configuration of an optimizer that performs SGD with
// momentum and weight decay. Per variable and step:
//
//	g = grad + weightDecay * w
//	buf = momentum * buf + g  (buf = g on the first step)
//	w = w - learningRate * buf
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		learningRate: SGDDefaultLearningRate,
		momentum:     SGDDefaultMomentum,
		weightDecay:  SGDDefaultWeightDecay,
	}
}

// WithLearningRate sets the initial learning rate. The default value is SGDDefaultLearningRate.
//
// It returns itself to allow chaining.
func (c *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	checkLearningRate("sgd", learningRate)
	c.learningRate = learningRate
	return c
}

// WithMomentum sets the momentum. 0 disables it. The default value is SGDDefaultMomentum.
func (c *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// WithWeightDecay sets the L2 weight decay added to the gradients. The default value is SGDDefaultWeightDecay.
func (c *SGDConfig) WithWeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: *c, learningRate: c.learningRate, buffers: make(slots)}
}

type sgd struct {
	config       SGDConfig
	learningRate float64
	step         int64
	buffers      slots
}

// Name implements Interface.
func (o *sgd) Name() string { return "sgd" }

// LearningRate implements Interface.
func (o *sgd) LearningRate() float64 { return o.learningRate }

// SetLearningRate implements Interface.
func (o *sgd) SetLearningRate(learningRate float64) {
	checkLearningRate(o.Name(), learningRate)
	o.learningRate = learningRate
}

// Step implements Interface.
func (o *sgd) Step(params *model.Params) error {
	lr := float32(o.learningRate)
	momentum := float32(o.config.momentum)
	weightDecay := float32(o.config.weightDecay)
	trainable := params.Trainable()
	for _, v := range trainable {
		if err := checkGradient(v); err != nil {
			return errors.WithMessage(err, "sgd step")
		}
	}
	for _, v := range trainable {
		w, grad := v.Value.Flat(), v.Grad.Flat()
		if momentum == 0 {
			for ii, g := range grad {
				w[ii] -= lr * (g + weightDecay*w[ii])
			}
			continue
		}
		buffer, created := o.buffers.get(v)
		buf := buffer.Flat()
		for ii, g := range grad {
			g += weightDecay * w[ii]
			if created {
				buf[ii] = g
			} else {
				buf[ii] = momentum*buf[ii] + g
			}
			w[ii] -= lr * buf[ii]
		}
	}
	o.step++
	return nil
}

// State implements Interface.
func (o *sgd) State() *State {
	state := newState(o.Name(), o.learningRate, o.step)
	exportSlots(state, SGDMomentumSlot, o.buffers)
	return state
}

// LoadState implements Interface.
func (o *sgd) LoadState(state *State, params *model.Params) error {
	if state.Name != o.Name() {
		return errors.Errorf("cannot load %q optimizer state into %q optimizer", state.Name, o.Name())
	}
	grouped, err := importSlots(state, params, SGDMomentumSlot)
	if err != nil {
		return err
	}
	o.learningRate = state.LearningRate
	o.step = state.Step
	o.buffers = grouped[SGDMomentumSlot]
	return nil
}
