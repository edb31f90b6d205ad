package render

import (
	"testing"

	"golang.org/x/exp/rand"

	"github.com/zhouxl3/gaussian-splatting-cuda/camera"
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

func testCamera(t *testing.T, size int) *camera.Camera {
	t.Helper()
	cam, err := camera.New(camera.DefaultConfig(size, size))
	if err != nil {
		t.Fatalf("building camera: %v", err)
	}
	return cam
}

func blobModel(t *testing.T, positions [][3]float32) *splat.SplatData {
	t.Helper()
	model, err := splat.NewSplatData(len(positions), 0)
	if err != nil {
		t.Fatalf("building model: %v", err)
	}
	for i, p := range positions {
		model.SetMeanAt(i, p)
	}
	return model
}

func TestPointRendererBackgroundOnly(t *testing.T) {
	cam := testCamera(t, 8)
	model := blobModel(t, [][3]float32{{0, 0, -2}})
	bg := [3]float32{0.2, 0.4, 0.6}

	out, err := NewPointRenderer().Render(cam, model, Options{Background: bg})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := out.Validate(cam, model); err != nil {
		t.Fatalf("output invalid: %v", err)
	}
	if out.Visibility[0] {
		t.Error("primitive behind the camera should be invisible")
	}
	for px := 0; px < 8*8; px++ {
		for ch := 0; ch < 3; ch++ {
			if got := out.Image.Data[px*3+ch]; got != bg[ch] {
				t.Fatalf("pixel %d channel %d = %f, want background %f", px, ch, got, bg[ch])
			}
		}
	}

	grads, err := out.Backward(tensor.ZerosLike(out.Image))
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if err := grads.Validate(model.Size(), model.MaxSHDegree()); err != nil {
		t.Errorf("gradients invalid: %v", err)
	}
}

func TestPointRendererCenteredBlob(t *testing.T) {
	cam := testCamera(t, 32)
	model := blobModel(t, [][3]float32{{0, 0, 2}})

	out, err := NewPointRenderer().Render(cam, model, Options{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := out.Validate(cam, model); err != nil {
		t.Fatalf("output invalid: %v", err)
	}
	if !out.Visibility[0] {
		t.Fatal("centered primitive should be visible")
	}

	// Default parameters are a mid-gray color at opacity one half, so the
	// center lands near 0.25 over a black background.
	center := out.Image.Data[(16*32+16)*3]
	if center < 0.2 || center > 0.3 {
		t.Errorf("center intensity = %f, want about 0.25", center)
	}
	corner := out.Image.Data[0]
	if corner >= center {
		t.Errorf("corner %f should be dimmer than center %f", corner, center)
	}
	for ch := 1; ch < 3; ch++ {
		if got := out.Image.Data[(16*32+16)*3+ch]; got != center {
			t.Errorf("channel %d = %f, want gray %f", ch, got, center)
		}
	}
}

func TestPointRendererScalingModifier(t *testing.T) {
	cam := testCamera(t, 32)
	model := blobModel(t, [][3]float32{{0, 0, 2}})
	r := NewPointRenderer()

	wide, err := r.Render(cam, model, Options{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	narrow, err := r.Render(cam, model, Options{ScalingModifier: 0.5})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	// Away from the center a shrunken blob deposits less light.
	px := (16*32 + 28) * 3
	if narrow.Image.Data[px] >= wide.Image.Data[px] {
		t.Errorf("off-center intensity %f should drop below %f when the blob shrinks",
			narrow.Image.Data[px], wide.Image.Data[px])
	}
}

func TestPointRendererOffscreenInvisible(t *testing.T) {
	cam := testCamera(t, 16)
	model := blobModel(t, [][3]float32{{100, 0, 2}, {0, 0, 2}})

	out, err := NewPointRenderer().Render(cam, model, Options{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out.Visibility[0] {
		t.Error("off-frame primitive should be invisible")
	}
	if !out.Visibility[1] {
		t.Error("centered primitive should be visible")
	}

	g, err := tensor.Full([]int{16, 16, 3}, 1)
	if err != nil {
		t.Fatalf("building gradient: %v", err)
	}
	grads, err := out.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for j := 0; j < 3; j++ {
		if grads.Means.Data[j] != 0 || grads.SH0.Data[j] != 0 {
			t.Fatal("invisible primitive should receive zero gradient")
		}
	}
	if grads.RawOpacities.Data[0] != 0 {
		t.Error("invisible primitive should receive zero opacity gradient")
	}
	if grads.SH0.Data[3+0] == 0 {
		t.Error("visible primitive should receive a color gradient")
	}
}

func TestPointRendererBackwardContract(t *testing.T) {
	cam := testCamera(t, 8)
	model := blobModel(t, [][3]float32{{0, 0, 2}})

	out, err := NewPointRenderer().Render(cam, model, Options{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if _, err := out.Backward(nil); err == nil {
		t.Error("expected error for nil image gradient")
	}
	// The nil call above consumed the hook.
	if _, err := out.Backward(tensor.ZerosLike(out.Image)); err == nil {
		t.Error("expected error for second backward call")
	}

	out, err = NewPointRenderer().Render(cam, model, Options{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	bad, err := tensor.Zeros([]int{4, 4, 3})
	if err != nil {
		t.Fatalf("building gradient: %v", err)
	}
	if _, err := out.Backward(bad); err == nil {
		t.Error("expected error for mismatched gradient shape")
	}
}

func TestPointRendererConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  PointRendererConfig
	}{
		{"zero cutoff", PointRendererConfig{CutoffSigmas: 0, MinDepth: 0.01, MaxRadius: 96}},
		{"zero near plane", PointRendererConfig{CutoffSigmas: 3, MinDepth: 0, MaxRadius: 96}},
		{"sub-pixel radius clamp", PointRendererConfig{CutoffSigmas: 3, MinDepth: 0.01, MaxRadius: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPointRendererWithConfig(tt.cfg); err == nil {
				t.Error("expected config error")
			}
		})
	}
}

// lossOf pairs an image with a fixed gradient tensor, accumulating in
// float64 so finite differences are not drowned by summation noise.
func lossOf(img, g *tensor.Tensor) float64 {
	var sum float64
	for k, v := range img.Data {
		sum += float64(v) * float64(g.Data[k])
	}
	return sum
}

// TestPointRendererGradientsMatchFiniteDifferences perturbs each trained
// parameter and compares the analytic backward pass against central
// differences. The wide cutoff keeps footprint-boundary jumps below the
// tolerance, and positions are only varied parallel to the image plane
// because depth changes also resize the footprint, a path the backward
// pass deliberately treats as constant.
func TestPointRendererGradientsMatchFiniteDifferences(t *testing.T) {
	const (
		size = 16
		eps  = 1.0 / 128.0
	)

	cam := testCamera(t, size)
	model := blobModel(t, [][3]float32{{0.3, -0.2, 2}, {-0.4, 0.25, 2.5}})
	model.SetScaleAt(0, [3]float32{0.25, 0.25, 0.25})
	model.SetScaleAt(1, [3]float32{0.3, 0.3, 0.3})
	model.SetOpacityAt(0, 0.7)
	model.SetOpacityAt(1, 0.4)
	colors := [][3]float32{{0.9, 0.2, 0.4}, {0.1, 0.8, 0.3}}
	for i, c := range colors {
		for ch := 0; ch < 3; ch++ {
			model.SH0().Data[i*3+ch] = (c[ch] - 0.5) / splat.SHC0
		}
	}

	r, err := NewPointRendererWithConfig(PointRendererConfig{
		CutoffSigmas: 6,
		MinDepth:     0.01,
		MaxRadius:    96,
	})
	if err != nil {
		t.Fatalf("building renderer: %v", err)
	}
	opts := Options{Background: [3]float32{0.1, 0.1, 0.1}}

	rng := rand.New(rand.NewSource(7))
	g, err := tensor.Zeros([]int{size, size, 3})
	if err != nil {
		t.Fatalf("building gradient: %v", err)
	}
	for k := range g.Data {
		g.Data[k] = rng.Float32()*2 - 1
	}

	out, err := r.Render(cam, model, opts)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	grads, err := out.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	forward := func() float64 {
		o, err := r.Render(cam, model, opts)
		if err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		return lossOf(o.Image, g)
	}
	central := func(p *float32) float64 {
		orig := *p
		*p = orig + eps
		plus := forward()
		*p = orig - eps
		minus := forward()
		*p = orig
		return (plus - minus) / (2 * eps)
	}
	check := func(name string, analytic float32, fd float64) {
		diff := fd - float64(analytic)
		if diff < 0 {
			diff = -diff
		}
		tol := 0.02 * float64(analytic)
		if tol < 0 {
			tol = -tol
		}
		if tol < 1e-4 {
			tol = 1e-4
		}
		if diff > tol {
			t.Errorf("%s: analytic %g, finite difference %g", name, analytic, fd)
		}
	}

	for i := 0; i < model.Size(); i++ {
		for axis := 0; axis < 2; axis++ {
			check(
				"means", grads.Means.Data[i*3+axis],
				central(&model.Means().Data[i*3+axis]),
			)
		}
		check(
			"opacity", grads.RawOpacities.Data[i],
			central(&model.RawOpacities().Data[i]),
		)
		for ch := 0; ch < 3; ch++ {
			check(
				"sh0", grads.SH0.Data[i*3+ch],
				central(&model.SH0().Data[i*3+ch]),
			)
		}
	}
}
