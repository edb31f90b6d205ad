// Package render defines the boundary between the training loop and the
// differentiable rasterizer backend. The trainer treats the backend as a
// black box that turns a camera and a model into an image plus a hook for
// backpropagating an image-space gradient; backends wrap GPU kernels or
// CPU reference implementations behind this interface.
package render

import (
	"errors"

	"github.com/zhouxl3/gaussian-splatting-cuda/camera"
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// ErrAllocation signals the backend could not allocate device memory for
// the requested render. Unlike transient per-view failures, training
// cannot make progress past it and must abort.
var ErrAllocation = errors.New("render: device allocation failed")

// Options carry the per-render settings the training loop controls.
type Options struct {
	// Background is the RGB color composited behind the primitives.
	Background [3]float32
	// SHDegree is the highest harmonics band to evaluate. Backends clamp
	// it to the model's layout.
	SHDegree int
	// ScalingModifier uniformly inflates or shrinks primitive extents,
	// used by interactive viewers. Zero means one.
	ScalingModifier float32
}

// Output is the result of one forward render.
type Output struct {
	// Image is the rendered [H,W,3] tensor with values in [0,1].
	Image *tensor.Tensor
	// Visibility flags, per primitive, whether the primitive contributed
	// to this image. Invisible primitives receive no gradient and must
	// not be touched by the optimizer step for this view.
	Visibility []bool
	// Backward propagates a [H,W,3] image-space gradient back to the
	// model parameters the forward pass saw. It may be called at most
	// once and only before the model is mutated.
	Backward func(dImage *tensor.Tensor) (*splat.Gradients, error)
}

// Renderer is one differentiable rasterizer backend.
type Renderer interface {
	Render(cam *camera.Camera, model *splat.SplatData, opts Options) (*Output, error)
}

// Validate checks structural sanity of a backend's output against the
// model and camera it was produced from.
func (o *Output) Validate(cam *camera.Camera, model *splat.SplatData) error {
	if o.Image == nil {
		return errors.New("render output has no image")
	}
	if len(o.Image.Shape) != 3 || o.Image.Shape[2] != 3 {
		return errors.New("render output image is not [H,W,3]")
	}
	if o.Image.Shape[0] != cam.Height() || o.Image.Shape[1] != cam.Width() {
		return errors.New("render output size does not match camera")
	}
	if len(o.Visibility) != model.Size() {
		return errors.New("render output visibility length does not match model")
	}
	if o.Backward == nil {
		return errors.New("render output has no backward hook")
	}
	return nil
}
