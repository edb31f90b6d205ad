package tensor

import (
	"fmt"
)

// NewTensor builds a tensor for shape, taking ownership of data. A nil
// data slice allocates a zero-filled buffer.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	strides := calculateStrides(shape)

	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  strides,
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1.0)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// ZerosLike allocates a zero-filled tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     make([]float32, t.NumElems),
		NumElems: t.NumElems,
	}
}
