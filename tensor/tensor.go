// Package tensor provides the dense float32 containers shared by the
// training pipeline. Tensors are plain CPU buffers in row-major order;
// device-resident copies are the rasterizer backend's concern and never
// cross this package's boundary.
package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// SameShape reports whether t and other have identical dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) (float32, error) {
	offset, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[offset], nil
}

// SetAt stores value at the given multi-dimensional index.
func (t *Tensor) SetAt(value float32, indices ...int) error {
	offset, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[offset] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d with size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return offset, nil
}

// Clone returns a deep copy that shares no memory with t.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Zero sets every element to zero in place.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Fill sets every element to value in place.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// IsFinite reports whether every element is a finite number.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}
