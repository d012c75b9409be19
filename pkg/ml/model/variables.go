// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model holds the parameters of a network as an ordered, scoped collection of
// variables, and defines the Layer and Network interfaces implemented by the CPU layers.
//
// Variables are identified by their scope and name, e.g. "/conv_003/weights". The set of
// variables, their order and their shapes are fixed once a network is built: only values
// (and gradients) change afterward.
//
// Only variables named [WeightsName] are prunable, see [IsPrunable].
package model

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"path"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/tensors"
)

const (
	// ScopeSeparator separates the elements of a scope path.
	ScopeSeparator = "/"

	// RootScope is the scope of the Params itself.
	RootScope = ScopeSeparator

	// WeightsName is the name of the kernel/matrix variables of dense and convolution layers.
	// These are the only prunable variables.
	WeightsName = "weights"

	// BiasesName is the name of the bias variables.
	BiasesName = "biases"

	// ClassifierScope is the scope reserved for the final classification layer. Its variables
	// depend on the number of classes, and are excluded when rewinding across datasets with
	// different number of classes.
	ClassifierScope = "/classifier"
)

// Variable is a parameter of the model.
type Variable struct {
	scope, name string

	// Value of the variable.
	Value *tensors.Tensor

	// Grad holds the accumulated gradient of the loss with respect to Value. It is nil for
	// non-trainable variables.
	Grad *tensors.Tensor

	// Trainable variables are updated by the optimizers. Non-trainable variables
	// (e.g. batch normalization running averages) are only saved and restored.
	Trainable bool
}

// Scope of the variable, e.g. "/conv_003".
func (v *Variable) Scope() string { return v.scope }

// Name of the variable within its scope, e.g. "weights".
func (v *Variable) Name() string { return v.name }

// ScopeAndName returns the unique identifier of the variable, e.g. "/conv_003/weights".
func (v *Variable) ScopeAndName() string { return JoinScope(v.scope, v.name) }

// IsPrunable returns whether the variable participates in masking.
func (v *Variable) IsPrunable() bool { return v.name == WeightsName }

// InScope returns whether the variable is in scope or in any of its sub-scopes.
func (v *Variable) InScope(scope string) bool {
	scope = strings.TrimSuffix(scope, ScopeSeparator)
	return v.scope == scope || strings.HasPrefix(v.scope, scope+ScopeSeparator)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s%s", v.ScopeAndName(), v.Value.ShapeString())
}

// IsPrunable returns whether the variable identified by scopeAndName is prunable.
func IsPrunable(scopeAndName string) bool {
	return path.Base(scopeAndName) == WeightsName
}

// JoinScope joins a scope and a name (or sub-scope).
func JoinScope(scope, name string) string {
	if scope == "" || scope == RootScope {
		return RootScope + name
	}
	return scope + ScopeSeparator + name
}

// Params is the ordered collection of the variables of a model.
//
// Iteration order is the order of creation, which is the "named-parameter traversal order"
// used to associate masks to the prunable variables.
type Params struct {
	variables []*Variable
	index     map[string]*Variable
	rng       *rand.Rand
}

// NewParams creates an empty collection of parameters. Initializers draw random values
// from a generator seeded with seed.
func NewParams(seed uint64) *Params {
	return &Params{
		index: make(map[string]*Variable),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// RNG returns the random number generator used to initialize variables.
func (p *Params) RNG() *rand.Rand { return p.rng }

// Root returns the root scope of the parameters.
func (p *Params) Root() *Scope {
	return &Scope{params: p, path: RootScope}
}

// In returns a sub-scope of the root scope.
func (p *Params) In(scope string) *Scope {
	return p.Root().In(scope)
}

// Len returns the number of variables.
func (p *Params) Len() int { return len(p.variables) }

// All iterates over all variables in creation order.
func (p *Params) All() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for _, v := range p.variables {
			if !yield(v) {
				return
			}
		}
	}
}

// Get returns the variable with the given scope and name.
func (p *Params) Get(scopeAndName string) (*Variable, bool) {
	v, found := p.index[scopeAndName]
	return v, found
}

// Prunable returns the prunable variables in traversal order.
func (p *Params) Prunable() []*Variable {
	vars := make([]*Variable, 0, len(p.variables))
	for _, v := range p.variables {
		if v.IsPrunable() {
			vars = append(vars, v)
		}
	}
	return vars
}

// Trainable returns the trainable variables in traversal order.
func (p *Params) Trainable() []*Variable {
	vars := make([]*Variable, 0, len(p.variables))
	for _, v := range p.variables {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// ZeroGrads resets the gradients of all trainable variables.
func (p *Params) ZeroGrads() {
	for _, v := range p.variables {
		if v.Grad != nil {
			v.Grad.Zero()
		}
	}
}

// NumElements returns the total number of scalar values held by the variables.
func (p *Params) NumElements() int {
	total := 0
	for _, v := range p.variables {
		total += v.Value.Size()
	}
	return total
}

// Values returns a deep copy of all the variables' values, keyed by scope and name.
func (p *Params) Values() map[string]*tensors.Tensor {
	values := make(map[string]*tensors.Tensor, len(p.variables))
	for _, v := range p.variables {
		values[v.ScopeAndName()] = v.Value.Clone()
	}
	return values
}

func (p *Params) add(v *Variable) *Variable {
	key := v.ScopeAndName()
	if _, found := p.index[key]; found {
		exceptions.Panicf("variable %q created twice", key)
	}
	p.index[key] = v
	p.variables = append(p.variables, v)
	return v
}

// Scope is a view of Params under a scope path, used by layers to create their variables.
type Scope struct {
	params *Params
	path   string
}

// Path of the scope, e.g. "/block_002/conv_1".
func (s *Scope) Path() string { return s.path }

// Params returns the parameters collection the scope refers to.
func (s *Scope) Params() *Params { return s.params }

// In returns a sub-scope.
func (s *Scope) In(name string) *Scope {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		exceptions.Panicf("invalid scope name %q", name)
	}
	return &Scope{params: s.params, path: JoinScope(s.path, name)}
}

// Inf returns a sub-scope with a formatted name.
func (s *Scope) Inf(format string, args ...any) *Scope {
	return s.In(fmt.Sprintf(format, args...))
}

// Variable creates a trainable variable with the given shape, initialized with init.
func (s *Scope) Variable(name string, init Initializer, dimensions ...int) *Variable {
	v := s.newVariable(name, init, dimensions)
	v.Trainable = true
	v.Grad = tensors.FromShape(dimensions...)
	return s.params.add(v)
}

// NonTrainable creates a variable that is not updated by optimizers.
func (s *Scope) NonTrainable(name string, init Initializer, dimensions ...int) *Variable {
	return s.params.add(s.newVariable(name, init, dimensions))
}

func (s *Scope) newVariable(name string, init Initializer, dimensions []int) *Variable {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		exceptions.Panicf("invalid variable name %q", name)
	}
	value := tensors.FromShape(dimensions...)
	if init != nil {
		init(s.params.rng, value)
	}
	return &Variable{scope: s.path, name: name, Value: value}
}
