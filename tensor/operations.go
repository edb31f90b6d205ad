package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

func checkShapesCompatible(t1, t2 *Tensor) error {
	if !t1.SameShape(t2) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = t1.Data[i] + t2.Data[i]
	}
	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = t1.Data[i] - t2.Data[i]
	}
	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = t1.Data[i] * t2.Data[i]
	}
	return result, nil
}

func Scale(t *Tensor, s float32) *Tensor {
	result := ZerosLike(t)
	for i := 0; i < t.NumElems; i++ {
		result.Data[i] = t.Data[i] * s
	}
	return result
}

// AddInPlace accumulates t2 into t1.
func AddInPlace(t1, t2 *Tensor) error {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return err
	}
	for i := 0; i < t1.NumElems; i++ {
		t1.Data[i] += t2.Data[i]
	}
	return nil
}

// AxpyInPlace computes t1 += alpha*t2.
func AxpyInPlace(t1 *Tensor, alpha float32, t2 *Tensor) error {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return err
	}
	for i := 0; i < t1.NumElems; i++ {
		t1.Data[i] += alpha * t2.Data[i]
	}
	return nil
}

func (t *Tensor) Sum() float32 {
	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	return sum
}

func (t *Tensor) Mean() float32 {
	if t.NumElems == 0 {
		return 0
	}
	return t.Sum() / float32(t.NumElems)
}

func (t *Tensor) MaxAbs() float32 {
	var max float32
	for _, v := range t.Data {
		if a := math32.Abs(v); a > max {
			max = a
		}
	}
	return max
}

// Clamp limits every element to [lo, hi] in place.
func (t *Tensor) Clamp(lo, hi float32) {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
}
