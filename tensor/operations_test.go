package tensor

import (
	"math"
	"testing"
)

func TestAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, []float32{10, 20, 30, 40})

	result, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	expected := []float32{11, 22, 33, 44}
	for i, v := range result.Data {
		if v != expected[i] {
			t.Errorf("element %d = %f, expected %f", i, v, expected[i])
		}
	}
}

func TestAddShapeMismatch(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, nil)
	b, _ := NewTensor([]int{4}, nil)

	if _, err := Add(a, b); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestSubMul(t *testing.T) {
	a, _ := NewTensor([]int{3}, []float32{5, 7, 9})
	b, _ := NewTensor([]int{3}, []float32{1, 2, 3})

	diff, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	for i, want := range []float32{4, 5, 6} {
		if diff.Data[i] != want {
			t.Errorf("Sub element %d = %f, expected %f", i, diff.Data[i], want)
		}
	}

	prod, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	for i, want := range []float32{5, 14, 27} {
		if prod.Data[i] != want {
			t.Errorf("Mul element %d = %f, expected %f", i, prod.Data[i], want)
		}
	}
}

func TestScale(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float32{3, -4})
	result := Scale(a, 0.5)
	if result.Data[0] != 1.5 || result.Data[1] != -2 {
		t.Errorf("Scale = %v, expected [1.5 -2]", result.Data)
	}
	if a.Data[0] != 3 {
		t.Error("Scale modified its input")
	}
}

func TestAxpyInPlace(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float32{1, 2})
	b, _ := NewTensor([]int{2}, []float32{10, 20})

	if err := AxpyInPlace(a, 0.1, b); err != nil {
		t.Fatalf("AxpyInPlace failed: %v", err)
	}
	if math.Abs(float64(a.Data[0]-2)) > 1e-6 || math.Abs(float64(a.Data[1]-4)) > 1e-6 {
		t.Errorf("AxpyInPlace = %v, expected [2 4]", a.Data)
	}
}

func TestSumMeanMaxAbs(t *testing.T) {
	a, _ := NewTensor([]int{4}, []float32{1, -2, 3, -4})

	if got := a.Sum(); got != -2 {
		t.Errorf("Sum = %f, expected -2", got)
	}
	if got := a.Mean(); got != -0.5 {
		t.Errorf("Mean = %f, expected -0.5", got)
	}
	if got := a.MaxAbs(); got != 4 {
		t.Errorf("MaxAbs = %f, expected 4", got)
	}
}

func TestClamp(t *testing.T) {
	a, _ := NewTensor([]int{4}, []float32{-5, 0.5, 2, 100})
	a.Clamp(0, 1)
	expected := []float32{0, 0.5, 1, 1}
	for i, v := range a.Data {
		if v != expected[i] {
			t.Errorf("element %d = %f, expected %f", i, v, expected[i])
		}
	}
}
