package render

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zhouxl3/gaussian-splatting-cuda/camera"
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// PointRendererConfig controls the CPU blob renderer.
type PointRendererConfig struct {
	// CutoffSigmas bounds a blob's footprint in units of its deviation.
	CutoffSigmas float32
	// MinDepth is the near plane; primitives closer than this are culled.
	MinDepth float32
	// MaxRadius clamps the pixel radius so one near blob cannot dominate
	// the whole frame.
	MaxRadius float32
}

// DefaultPointRendererConfig returns the settings the demos run with.
func DefaultPointRendererConfig() PointRendererConfig {
	return PointRendererConfig{
		CutoffSigmas: 3,
		MinDepth:     0.01,
		MaxRadius:    96,
	}
}

// PointRenderer is a small CPU backend that projects each primitive to an
// isotropic screen-space blob and composites the blobs additively against
// the background, with no occlusion between primitives. It exists so demos
// and end-to-end tests have a differentiable backend without a GPU: the
// backward pass is closed-form for DC colors, opacities and positions.
// Blob extents and orientations are held fixed, so scale, rotation and
// higher harmonics bands receive zero gradient.
type PointRenderer struct {
	cfg PointRendererConfig
}

// NewPointRenderer builds a blob renderer with default settings.
func NewPointRenderer() *PointRenderer {
	r, _ := NewPointRendererWithConfig(DefaultPointRendererConfig())
	return r
}

// NewPointRendererWithConfig builds a blob renderer with explicit settings.
func NewPointRendererWithConfig(cfg PointRendererConfig) (*PointRenderer, error) {
	if cfg.CutoffSigmas <= 0 {
		return nil, fmt.Errorf("cutoff must be positive, got %f", cfg.CutoffSigmas)
	}
	if cfg.MinDepth <= 0 {
		return nil, fmt.Errorf("near plane must be positive, got %f", cfg.MinDepth)
	}
	if cfg.MaxRadius < 1 {
		return nil, fmt.Errorf("radius clamp must be at least one pixel, got %f", cfg.MaxRadius)
	}
	return &PointRenderer{cfg: cfg}, nil
}

// minPixelRadius keeps far blobs from collapsing below the pixel grid.
const minPixelRadius = 0.3

// blobRecord is the per-primitive state the forward pass carries over to
// the backward pass. Pixel weights are recomputed rather than stored.
type blobRecord struct {
	index          int
	q              [3]float32 // camera-space position
	u, v           float32    // pixel-space center
	radius         float32
	alpha          float32
	color          [3]float32
	x0, x1, y0, y1 int
}

// Render draws the model from cam. Each primitive contributes
// alpha * w * (color - background) on top of the background fill, where w
// is a unit-height Gaussian of the primitive's mean pixel radius.
func (r *PointRenderer) Render(cam *camera.Camera, model *splat.SplatData, opts Options) (*Output, error) {
	if cam == nil {
		return nil, fmt.Errorf("camera is nil")
	}
	if model == nil {
		return nil, fmt.Errorf("model is nil")
	}

	h, w := cam.Height(), cam.Width()
	img, err := tensor.Zeros([]int{h, w, 3})
	if err != nil {
		return nil, err
	}
	bg := opts.Background
	for px := 0; px < h*w; px++ {
		img.Data[px*3+0] = bg[0]
		img.Data[px*3+1] = bg[1]
		img.Data[px*3+2] = bg[2]
	}

	modifier := opts.ScalingModifier
	if modifier == 0 {
		modifier = 1
	}

	n := model.Size()
	visibility := make([]bool, n)
	blobs := make([]blobRecord, 0, n)
	sh0 := model.SH0()

	for i := 0; i < n; i++ {
		q := cam.WorldToCamera(model.MeanAt(i))
		if q[2] < r.cfg.MinDepth {
			continue
		}
		u := cam.Fx()*q[0]/q[2] + cam.Cx()
		v := cam.Fy()*q[1]/q[2] + cam.Cy()

		sc := model.ScaleAt(i)
		extent := (sc[0] + sc[1] + sc[2]) / 3 * modifier
		radius := cam.Fx() * extent / q[2]
		if math32.IsNaN(u) || math32.IsNaN(v) || math32.IsNaN(radius) {
			continue
		}
		if radius < minPixelRadius {
			radius = minPixelRadius
		} else if radius > r.cfg.MaxRadius {
			radius = r.cfg.MaxRadius
		}

		cut := r.cfg.CutoffSigmas * radius
		x0, x1 := clipRange(u-cut, u+cut, w)
		y0, y1 := clipRange(v-cut, v+cut, h)
		if x0 > x1 || y0 > y1 {
			continue
		}

		b := blobRecord{
			index:  i,
			q:      q,
			u:      u,
			v:      v,
			radius: radius,
			alpha:  model.OpacityAt(i),
			x0:     x0,
			x1:     x1,
			y0:     y0,
			y1:     y1,
		}
		for ch := 0; ch < 3; ch++ {
			b.color[ch] = sh0.Data[i*3+ch]*splat.SHC0 + 0.5
		}

		inv2r2 := 1 / (2 * radius * radius)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				dx := (float32(x) + 0.5) - u
				dy := (float32(y) + 0.5) - v
				d2 := dx*dx + dy*dy
				if d2 > cut*cut {
					continue
				}
				weight := b.alpha * math32.Exp(-d2*inv2r2)
				px := (y*w + x) * 3
				img.Data[px+0] += weight * (b.color[0] - bg[0])
				img.Data[px+1] += weight * (b.color[1] - bg[1])
				img.Data[px+2] += weight * (b.color[2] - bg[2])
			}
		}

		visibility[i] = true
		blobs = append(blobs, b)
	}

	maxSH := model.MaxSHDegree()
	rotation := cam.Rotation()
	spent := false
	backward := func(dImage *tensor.Tensor) (*splat.Gradients, error) {
		if spent {
			return nil, fmt.Errorf("backward already ran for this render")
		}
		spent = true
		if dImage == nil {
			return nil, fmt.Errorf("image gradient is nil")
		}
		if len(dImage.Shape) != 3 || dImage.Shape[0] != h || dImage.Shape[1] != w || dImage.Shape[2] != 3 {
			return nil, fmt.Errorf("image gradient has shape %v, expected [%d %d 3]", dImage.Shape, h, w)
		}
		return r.backward(dImage, blobs, rotation, cam, bg, n, maxSH)
	}

	return &Output{Image: img, Visibility: visibility, Backward: backward}, nil
}

// backward accumulates parameter gradients for every blob the forward pass
// drew. The pixel radius is treated as a constant, so depth only enters
// through the projection Jacobian.
func (r *PointRenderer) backward(dImage *tensor.Tensor, blobs []blobRecord, rotation [9]float32, cam *camera.Camera, bg [3]float32, n, maxSH int) (*splat.Gradients, error) {
	grads, err := splat.NewGradients(n, maxSH)
	if err != nil {
		return nil, err
	}

	w := dImage.Shape[1]
	for _, b := range blobs {
		cut := r.cfg.CutoffSigmas * b.radius
		inv2r2 := 1 / (2 * b.radius * b.radius)
		invR2 := 1 / (b.radius * b.radius)

		var dColor [3]float32
		var dAlpha float32
		var dU, dV float32
		for y := b.y0; y <= b.y1; y++ {
			for x := b.x0; x <= b.x1; x++ {
				dx := (float32(x) + 0.5) - b.u
				dy := (float32(y) + 0.5) - b.v
				d2 := dx*dx + dy*dy
				if d2 > cut*cut {
					continue
				}
				weight := math32.Exp(-d2 * inv2r2)
				px := (y*w + x) * 3

				var contrast float32
				for ch := 0; ch < 3; ch++ {
					g := dImage.Data[px+ch]
					dColor[ch] += b.alpha * weight * g
					contrast += (b.color[ch] - bg[ch]) * g
				}
				dAlpha += weight * contrast
				// dw/du = w*(x - u)/r^2, and dx already holds x - u.
				dU += b.alpha * weight * contrast * dx * invR2
				dV += b.alpha * weight * contrast * dy * invR2
			}
		}

		i := b.index
		for ch := 0; ch < 3; ch++ {
			grads.SH0.Data[i*3+ch] = splat.SHC0 * dColor[ch]
		}
		grads.RawOpacities.Data[i] = b.alpha * (1 - b.alpha) * dAlpha

		// Projection Jacobian back to camera space, then the rotation
		// transpose back to world space.
		qz := b.q[2]
		dQ := [3]float32{
			cam.Fx() / qz * dU,
			cam.Fy() / qz * dV,
			-(cam.Fx()*b.q[0]*dU + cam.Fy()*b.q[1]*dV) / (qz * qz),
		}
		for j := 0; j < 3; j++ {
			grads.Means.Data[i*3+j] = rotation[0*3+j]*dQ[0] + rotation[1*3+j]*dQ[1] + rotation[2*3+j]*dQ[2]
		}
	}

	return grads, nil
}

// clipRange converts a continuous [lo, hi] span to inclusive pixel indices
// clipped against an axis of the given length. A span that misses the axis
// comes back inverted. Clamping happens before the integer conversion so
// far off-screen centers never overflow it.
func clipRange(lo, hi float32, length int) (int, int) {
	edge := float32(length - 1)
	if hi < 0 || lo > edge {
		return 1, 0
	}
	if lo < 0 {
		lo = 0
	}
	if hi > edge {
		hi = edge
	}
	return int(math32.Floor(lo)), int(math32.Ceil(hi))
}
