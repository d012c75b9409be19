// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 3e-4

	// AdamDefaultWeightDecay is the L2 weight decay added to the gradients by default.
	AdamDefaultWeightDecay = 1e-4

	// AdamFirstMomentSlot and AdamSecondMomentSlot are the names of the slots holding the
	// moving averages of the gradients and of the squared gradients.
	AdamFirstMomentSlot  = "adam_m"
	AdamSecondMomentSlot = "adam_v"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface.
//
// The weight decay is added to the gradient before the moments are updated (as PyTorch's Adam,
// as opposed to AdamW).
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		weightDecay:  AdamDefaultWeightDecay,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// LearningRate sets the initial learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	checkLearningRate("adam", value)
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999).
// Typical values are close to 1, e.g. 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the L2 weight decay added to the gradient. Default is AdamDefaultWeightDecay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{
		config:       *c,
		learningRate: c.learningRate,
		firstMoment:  make(slots),
		secondMoment: make(slots),
	}
}

type adam struct {
	config                    AdamConfig
	learningRate              float64
	step                      int64
	firstMoment, secondMoment slots
}

// Name implements Interface.
func (o *adam) Name() string { return "adam" }

// LearningRate implements Interface.
func (o *adam) LearningRate() float64 { return o.learningRate }

// SetLearningRate implements Interface.
func (o *adam) SetLearningRate(learningRate float64) {
	checkLearningRate(o.Name(), learningRate)
	o.learningRate = learningRate
}

// Step implements Interface.
func (o *adam) Step(params *model.Params) error {
	trainable := params.Trainable()
	for _, v := range trainable {
		if err := checkGradient(v); err != nil {
			return errors.WithMessage(err, "adam step")
		}
	}
	o.step++
	cfg := &o.config
	biasCorrection1 := 1 - math.Pow(cfg.beta1, float64(o.step))
	biasCorrection2 := 1 - math.Pow(cfg.beta2, float64(o.step))
	stepSize := float32(o.learningRate / biasCorrection1)
	sqrtBiasCorrection2 := float32(math.Sqrt(biasCorrection2))
	beta1, beta2 := float32(cfg.beta1), float32(cfg.beta2)
	epsilon, weightDecay := float32(cfg.epsilon), float32(cfg.weightDecay)
	for _, v := range trainable {
		firstMoment, _ := o.firstMoment.get(v)
		secondMoment, _ := o.secondMoment.get(v)
		w, grad := v.Value.Flat(), v.Grad.Flat()
		m, s := firstMoment.Flat(), secondMoment.Flat()
		for ii, g := range grad {
			g += weightDecay * w[ii]
			m[ii] = beta1*m[ii] + (1-beta1)*g
			s[ii] = beta2*s[ii] + (1-beta2)*g*g
			denominator := float32(math.Sqrt(float64(s[ii])))/sqrtBiasCorrection2 + epsilon
			w[ii] -= stepSize * m[ii] / denominator
		}
	}
	return nil
}

// State implements Interface.
func (o *adam) State() *State {
	state := newState(o.Name(), o.learningRate, o.step)
	exportSlots(state, AdamFirstMomentSlot, o.firstMoment)
	exportSlots(state, AdamSecondMomentSlot, o.secondMoment)
	return state
}

// LoadState implements Interface.
func (o *adam) LoadState(state *State, params *model.Params) error {
	if state.Name != o.Name() {
		return errors.Errorf("cannot load %q optimizer state into %q optimizer", state.Name, o.Name())
	}
	grouped, err := importSlots(state, params, AdamFirstMomentSlot, AdamSecondMomentSlot)
	if err != nil {
		return err
	}
	o.learningRate = state.LearningRate
	o.step = state.Step
	o.firstMoment = grouped[AdamFirstMomentSlot]
	o.secondMoment = grouped[AdamSecondMomentSlot]
	return nil
}
