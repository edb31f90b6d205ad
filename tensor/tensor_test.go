package tensor

import (
	"reflect"
	"testing"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestCalculateNumElements(t *testing.T) {
	tests := []struct {
		shape    []int
		expected int
	}{
		{[]int{}, 0},
		{[]int{5}, 5},
		{[]int{2, 3}, 6},
		{[]int{2, 3, 4}, 24},
	}

	for _, test := range tests {
		result := calculateNumElements(test.shape)
		if result != test.expected {
			t.Errorf("calculateNumElements(%v) = %d, expected %d", test.shape, result, test.expected)
		}
	}
}

func TestValidateShape(t *testing.T) {
	tests := []struct {
		shape   []int
		wantErr bool
	}{
		{[]int{5}, false},
		{[]int{2, 3}, false},
		{[]int{2, 3, 4}, false},
		{[]int{}, true},
		{[]int{0}, true},
		{[]int{2, 0}, true},
		{[]int{-1}, true},
		{[]int{2, -3}, true},
	}

	for _, test := range tests {
		err := validateShape(test.shape)
		if (err != nil) != test.wantErr {
			t.Errorf("validateShape(%v) error = %v, wantErr %v", test.shape, err, test.wantErr)
		}
	}
}

func TestNewTensor(t *testing.T) {
	tn, err := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	if tn.NumElems != 6 {
		t.Errorf("NumElems = %d, expected 6", tn.NumElems)
	}
	if !reflect.DeepEqual(tn.Strides, []int{3, 1}) {
		t.Errorf("Strides = %v, expected [3 1]", tn.Strides)
	}

	if _, err := NewTensor([]int{2, 3}, []float32{1, 2}); err == nil {
		t.Error("expected error for mismatched data length")
	}
	if _, err := NewTensor([]int{0}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestNewTensorNilData(t *testing.T) {
	tn, err := NewTensor([]int{4}, nil)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	for i, v := range tn.Data {
		if v != 0 {
			t.Errorf("element %d = %f, expected 0", i, v)
		}
	}
}

func TestAtSetAt(t *testing.T) {
	tn, err := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}

	v, err := tn.At(1, 2)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if v != 6 {
		t.Errorf("At(1,2) = %f, expected 6", v)
	}

	if err := tn.SetAt(9, 0, 1); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	if tn.Data[1] != 9 {
		t.Errorf("Data[1] = %f, expected 9", tn.Data[1])
	}

	if _, err := tn.At(2, 0); err == nil {
		t.Error("expected error for out-of-range index")
	}
	if _, err := tn.At(0); err == nil {
		t.Error("expected error for wrong index count")
	}
}

func TestClone(t *testing.T) {
	orig, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	clone := orig.Clone()

	clone.Data[0] = 42
	clone.Shape[0] = 99

	if orig.Data[0] != 1 {
		t.Error("Clone shares data with original")
	}
	if orig.Shape[0] != 3 {
		t.Error("Clone shares shape with original")
	}
}

func TestIsFinite(t *testing.T) {
	tn, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	if !tn.IsFinite() {
		t.Error("IsFinite = false for finite tensor")
	}

	nan, _ := NewTensor([]int{1}, nil)
	nan.Data[0] = float32(0) / zero()
	if nan.IsFinite() {
		t.Error("IsFinite = true for NaN tensor")
	}
}

// zero defeats constant folding so 0/0 produces a runtime NaN.
func zero() float32 {
	return 0
}

func TestZeroFill(t *testing.T) {
	tn, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	tn.Fill(7)
	for _, v := range tn.Data {
		if v != 7 {
			t.Errorf("Fill produced %f, expected 7", v)
		}
	}
	tn.Zero()
	for _, v := range tn.Data {
		if v != 0 {
			t.Errorf("Zero produced %f, expected 0", v)
		}
	}
}
