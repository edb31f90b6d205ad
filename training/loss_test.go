package training

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

func testImage(h, w int, f func(y, x, c int) float32) *tensor.Tensor {
	t, err := tensor.NewTensor([]int{h, w, 3}, nil)
	if err != nil {
		panic(err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				t.Data[(y*w+x)*3+c] = f(y, x, c)
			}
		}
	}
	return t
}

func randomImage(h, w int, seed uint64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	return testImage(h, w, func(y, x, c int) float32 {
		return float32(rng.Float64())
	})
}

func constantImage(h, w int, v float32) *tensor.Tensor {
	return testImage(h, w, func(y, x, c int) float32 { return v })
}

func TestL1LossForward(t *testing.T) {
	rendered := testImage(2, 2, func(y, x, c int) float32 {
		return float32(y*2+x) + float32(c)*0.5
	})
	reference := constantImage(2, 2, 0)

	loss := NewL1Loss()
	got, err := loss.Forward(rendered, reference)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	var want float32
	for _, v := range rendered.Data {
		if v < 0 {
			v = -v
		}
		want += v
	}
	want /= float32(rendered.NumElems)
	if math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("L1 forward: got %f, want %f", got, want)
	}
}

func TestL1LossBackward(t *testing.T) {
	rendered := testImage(2, 2, func(y, x, c int) float32 {
		return float32(y) - float32(x)
	})
	reference := constantImage(2, 2, 0)

	loss := NewL1Loss()
	grad, err := loss.Backward(rendered, reference)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	scale := 1.0 / float32(rendered.NumElems)
	for i, v := range rendered.Data {
		var want float32
		switch {
		case v > 0:
			want = scale
		case v < 0:
			want = -scale
		}
		if grad.Data[i] != want {
			t.Errorf("grad[%d]: got %f, want %f", i, grad.Data[i], want)
		}
	}
}

func TestL1LossShapeMismatch(t *testing.T) {
	loss := NewL1Loss()
	a := constantImage(4, 4, 0)
	b := constantImage(4, 5, 0)
	if _, err := loss.Forward(a, b); err == nil {
		t.Error("expected error for mismatched shapes")
	}
	if _, err := loss.Backward(a, b); err == nil {
		t.Error("expected error for mismatched shapes")
	}
	if _, err := loss.Forward(nil, b); err == nil {
		t.Error("expected error for nil input")
	}

	flat, _ := tensor.NewTensor([]int{4, 4}, nil)
	if _, err := loss.Forward(flat, flat); err == nil {
		t.Error("expected error for non-image shape")
	}
}

func TestSSIMLossIdenticalImages(t *testing.T) {
	img := randomImage(16, 16, 7)
	loss := NewSSIMLoss()

	got, err := loss.Forward(img, img)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.Abs(float64(got)) > 1e-6 {
		t.Errorf("SSIM loss of identical images should be 0, got %g", got)
	}
}

func TestSSIMLossBackwardAtMinimum(t *testing.T) {
	img := randomImage(16, 16, 11)
	loss := NewSSIMLoss()

	grad, err := loss.Backward(img, img)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if max := grad.MaxAbs(); max > 1e-5 {
		t.Errorf("gradient at the loss minimum should vanish, max |g| = %g", max)
	}
}

// Constant images have zero variance everywhere, so SSIM reduces to the
// luminance term (2ab+C1)/(a^2+b^2+C1) at every pixel, including the
// border. This only holds when the window means are renormalized over the
// in-bounds taps.
func TestSSIMLossConstantImages(t *testing.T) {
	const a, b = 1.0, 0.25
	rendered := constantImage(20, 14, a)
	reference := constantImage(20, 14, b)
	loss := NewSSIMLoss()

	got, err := loss.Forward(rendered, reference)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	c1 := float64(0.01 * 0.01)
	ssim := (2*a*b + c1) / (a*a + b*b + c1)
	want := float32(1 - ssim)
	if math.Abs(float64(got-want)) > 1e-5 {
		t.Errorf("constant-image SSIM loss: got %g, want %g", got, want)
	}
}

// For constant images the gradient at a pixel whose window never touches
// the border has a closed form: only the mean term survives, giving
// -(1/M) * (2/B1) * (b - a*S).
func TestSSIMLossConstantImageInteriorGradient(t *testing.T) {
	const a, b = 0.75, 0.25
	const h, w = 24, 24
	rendered := constantImage(h, w, a)
	reference := constantImage(h, w, b)
	loss := NewSSIMLoss()

	grad, err := loss.Backward(rendered, reference)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	c1 := 0.01 * 0.01
	b1 := a*a + b*b + c1
	s := (2*a*b + c1) / b1
	want := -(1.0 / float64(3*h*w)) * (2 / b1) * (b - a*s)

	// Center pixel, checked on each channel.
	for c := 0; c < 3; c++ {
		got := float64(grad.Data[((h/2)*w+w/2)*3+c])
		if rel := math.Abs(got-want) / math.Abs(want); rel > 1e-2 {
			t.Errorf("channel %d interior gradient: got %g, want %g (rel err %g)", c, got, want, rel)
		}
	}
}

func TestSSIMLossSymmetry(t *testing.T) {
	x := randomImage(12, 18, 3)
	y := randomImage(12, 18, 4)
	loss := NewSSIMLoss()

	fwd, err := loss.Forward(x, y)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	rev, err := loss.Forward(y, x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.Abs(float64(fwd-rev)) > 1e-6 {
		t.Errorf("SSIM should be symmetric: %g vs %g", fwd, rev)
	}
	if fwd <= 0 || fwd >= 1 {
		t.Errorf("SSIM loss of independent noise should be in (0, 1), got %g", fwd)
	}
}

func TestSSIMLossOrdersImagesByDistortion(t *testing.T) {
	clean := randomImage(16, 16, 21)
	mild := clean.Clone()
	strong := clean.Clone()
	noise := rand.New(rand.NewSource(22))
	for i := range mild.Data {
		d := float32(noise.Float64()-0.5) * 0.1
		mild.Data[i] += d
		strong.Data[i] += d * 5
	}

	loss := NewSSIMLoss()
	lossMild, err := loss.Forward(mild, clean)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	lossStrong, err := loss.Forward(strong, clean)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if lossMild >= lossStrong {
		t.Errorf("stronger distortion should score higher loss: mild %g, strong %g", lossMild, lossStrong)
	}
}

func TestSSIMConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SSIMConfig
	}{
		{"even window", SSIMConfig{WindowSize: 10, Sigma: 1.5, C1: 1e-4, C2: 9e-4}},
		{"zero window", SSIMConfig{WindowSize: 0, Sigma: 1.5, C1: 1e-4, C2: 9e-4}},
		{"zero sigma", SSIMConfig{WindowSize: 11, Sigma: 0, C1: 1e-4, C2: 9e-4}},
		{"zero c1", SSIMConfig{WindowSize: 11, Sigma: 1.5, C1: 0, C2: 9e-4}},
		{"negative c2", SSIMConfig{WindowSize: 11, Sigma: 1.5, C1: 1e-4, C2: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSSIMLossWithConfig(tt.config); err == nil {
				t.Errorf("expected validation error for %+v", tt.config)
			}
		})
	}

	if _, err := NewSSIMLossWithConfig(DefaultSSIMConfig()); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestCombinedLossBlend(t *testing.T) {
	x := randomImage(16, 16, 31)
	y := randomImage(16, 16, 32)

	const lambda = 0.2
	combined, err := NewCombinedLoss(lambda)
	if err != nil {
		t.Fatalf("NewCombinedLoss failed: %v", err)
	}

	l1, err := NewL1Loss().Forward(x, y)
	if err != nil {
		t.Fatalf("L1 forward failed: %v", err)
	}
	dssim, err := NewSSIMLoss().Forward(x, y)
	if err != nil {
		t.Fatalf("SSIM forward failed: %v", err)
	}
	got, err := combined.Forward(x, y)
	if err != nil {
		t.Fatalf("combined forward failed: %v", err)
	}

	want := (1-lambda)*l1 + lambda*dssim
	if math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("combined forward: got %g, want %g", got, want)
	}
}

func TestCombinedLossBackwardBlend(t *testing.T) {
	x := randomImage(12, 12, 41)
	y := randomImage(12, 12, 42)

	const lambda = 0.2
	combined, err := NewCombinedLoss(lambda)
	if err != nil {
		t.Fatalf("NewCombinedLoss failed: %v", err)
	}

	gradL1, err := NewL1Loss().Backward(x, y)
	if err != nil {
		t.Fatalf("L1 backward failed: %v", err)
	}
	gradSSIM, err := NewSSIMLoss().Backward(x, y)
	if err != nil {
		t.Fatalf("SSIM backward failed: %v", err)
	}
	got, err := combined.Backward(x, y)
	if err != nil {
		t.Fatalf("combined backward failed: %v", err)
	}

	for i := range got.Data {
		want := (1-lambda)*gradL1.Data[i] + lambda*gradSSIM.Data[i]
		if math.Abs(float64(got.Data[i]-want)) > 1e-7 {
			t.Errorf("grad[%d]: got %g, want %g", i, got.Data[i], want)
			break
		}
	}
}

func TestCombinedLossLambdaZeroIsL1(t *testing.T) {
	x := randomImage(8, 8, 51)
	y := randomImage(8, 8, 52)

	combined, err := NewCombinedLoss(0)
	if err != nil {
		t.Fatalf("NewCombinedLoss failed: %v", err)
	}
	got, err := combined.Forward(x, y)
	if err != nil {
		t.Fatalf("combined forward failed: %v", err)
	}
	want, err := NewL1Loss().Forward(x, y)
	if err != nil {
		t.Fatalf("L1 forward failed: %v", err)
	}
	if got != want {
		t.Errorf("lambda=0 should reduce to pure L1: got %g, want %g", got, want)
	}
}

func TestCombinedLossValidation(t *testing.T) {
	if _, err := NewCombinedLoss(-0.1); err == nil {
		t.Error("expected error for negative lambda")
	}
	if _, err := NewCombinedLoss(1.5); err == nil {
		t.Error("expected error for lambda above 1")
	}
	if c, err := NewCombinedLoss(0.2); err != nil || c.Lambda() != 0.2 {
		t.Errorf("valid lambda rejected: %v", err)
	}
}
