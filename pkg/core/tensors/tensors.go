// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the dense float32 tensors used by the CPU engine: a shape
// (dimensions) and the flat row-major data.
//
// Tensors are not safe for concurrent mutation. Layers that split work across goroutines
// write to disjoint ranges of the flat data.
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	dimensions []int
	data       []float32
}

// FromShape returns a zero-initialized tensor with the given dimensions.
// A tensor without dimensions is a scalar.
func FromShape(dimensions ...int) *Tensor {
	size := 1
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors.FromShape: invalid negative dimension in %v", dimensions)
		}
		size *= dim
	}
	return &Tensor{
		dimensions: slices.Clone(dimensions),
		data:       make([]float32, size),
	}
}

// FromFlatDataAndDimensions creates a tensor that takes ownership of data.
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	if Size(dimensions) != len(data) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, dimensions %v require %d",
			len(data), dimensions, Size(dimensions))
	}
	return &Tensor{dimensions: slices.Clone(dimensions), data: data}
}

// FromValues creates a tensor converting values of any numeric Go type to float32.
func FromValues[T constraints.Integer | constraints.Float](values []T, dimensions ...int) *Tensor {
	data := make([]float32, len(values))
	for ii, v := range values {
		data[ii] = float32(v)
	}
	return FromFlatDataAndDimensions(data, dimensions...)
}

// Size returns the number of elements of a tensor with the given dimensions.
func Size(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// Shape returns the dimensions of the tensor. The returned slice must not be changed.
func (t *Tensor) Shape() []int { return t.dimensions }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.dimensions)
	}
	return t.dimensions[axis]
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Flat returns the underlying flat data. Changes to it change the tensor.
func (t *Tensor) Flat() []float32 { return t.data }

// SameShape returns whether t and other have the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.dimensions, other.dimensions)
}

// AssertDims panics if the tensor dimensions don't match. Use -1 for a dimension to accept any value.
func (t *Tensor) AssertDims(dimensions ...int) {
	if len(dimensions) != len(t.dimensions) {
		exceptions.Panicf("tensor shaped %s, expected rank %d (%v)", t.ShapeString(), len(dimensions), dimensions)
	}
	for ii, dim := range dimensions {
		if dim >= 0 && dim != t.dimensions[ii] {
			exceptions.Panicf("tensor shaped %s, expected dimensions %v", t.ShapeString(), dimensions)
		}
	}
}

// Reshape returns a tensor sharing the same data with new dimensions.
// One dimension can be -1, and it is inferred from the others.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	dimensions = slices.Clone(dimensions)
	inferred := -1
	known := 1
	for ii, dim := range dimensions {
		if dim == -1 {
			if inferred >= 0 {
				exceptions.Panicf("Reshape(%v): only one dimension can be inferred", dimensions)
			}
			inferred = ii
			continue
		}
		known *= dim
	}
	if inferred >= 0 && known > 0 {
		dimensions[inferred] = len(t.data) / known
	}
	if Size(dimensions) != len(t.data) {
		exceptions.Panicf("Reshape(%v) of tensor shaped %s: size mismatch", dimensions, t.ShapeString())
	}
	return &Tensor{dimensions: dimensions, data: t.data}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dimensions: slices.Clone(t.dimensions), data: slices.Clone(t.data)}
}

// CopyFrom copies the values of other into t. Shapes must match.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !t.SameShape(other) {
		return fmt.Errorf("cannot copy tensor shaped %s into tensor shaped %s", other.ShapeString(), t.ShapeString())
	}
	copy(t.data, other.data)
	return nil
}

// Fill sets all elements to value.
func (t *Tensor) Fill(value float32) {
	for ii := range t.data {
		t.data[ii] = value
	}
}

// Zero sets all elements to 0.
func (t *Tensor) Zero() {
	clear(t.data)
}

// Equal returns whether shapes and values are exactly the same.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil {
		return false
	}
	return t.SameShape(other) && slices.Equal(t.data, other.data)
}

// InDelta returns whether shapes are the same and all values are within delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if other == nil || !t.SameShape(other) {
		return false
	}
	for ii, v := range t.data {
		if math.Abs(float64(v)-float64(other.data[ii])) > delta {
			return false
		}
	}
	return true
}

// CountNonZero returns the number of elements different from 0.
func (t *Tensor) CountNonZero() int {
	count := 0
	for _, v := range t.data {
		if v != 0 {
			count++
		}
	}
	return count
}

// ShapeString returns the dimensions formatted as "(Float32)[2 3]".
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("(Float32)%v", t.dimensions)
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	const maxValues = 16
	var sb strings.Builder
	sb.WriteString(t.ShapeString())
	sb.WriteString("{")
	for ii, v := range t.data {
		if ii == maxValues {
			sb.WriteString(", ...")
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
