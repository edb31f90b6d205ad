// Package camera models the calibrated pinhole cameras a scene is
// optimized against. Cameras are immutable after construction so they can
// be shared freely between the training loop and concurrent readers.
package camera

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Config carries the calibration for one camera. Rotation and Translation
// are the world-to-camera transform, rotation in row-major order.
type Config struct {
	Rotation    [9]float32
	Translation [3]float32
	Fx, Fy      float32
	Cx, Cy      float32
	Width       int
	Height      int
	ImageName   string
	Distortion  []float32
}

// DefaultConfig returns a camera config with the identity pose and a 90
// degree horizontal field of view for the given image size.
func DefaultConfig(width, height int) Config {
	f := float32(width) / 2
	return Config{
		Rotation: [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Fx:       f,
		Fy:       f,
		Cx:       float32(width) / 2,
		Cy:       float32(height) / 2,
		Width:    width,
		Height:   height,
	}
}

type Camera struct {
	rotation    [9]float32
	translation [3]float32
	fx, fy      float32
	cx, cy      float32
	width       int
	height      int
	imageName   string
	distortion  []float32
}

// New validates cfg and builds an immutable camera from it.
func New(cfg Config) (*Camera, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid camera dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Fx <= 0 || cfg.Fy <= 0 {
		return nil, fmt.Errorf("focal lengths must be positive, got fx=%f fy=%f", cfg.Fx, cfg.Fy)
	}
	for i, v := range cfg.Rotation {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, fmt.Errorf("rotation element %d is not finite", i)
		}
	}
	for i, v := range cfg.Translation {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, fmt.Errorf("translation element %d is not finite", i)
		}
	}
	if err := checkOrthonormal(cfg.Rotation); err != nil {
		return nil, err
	}

	cam := &Camera{
		rotation:    cfg.Rotation,
		translation: cfg.Translation,
		fx:          cfg.Fx,
		fy:          cfg.Fy,
		cx:          cfg.Cx,
		cy:          cfg.Cy,
		width:       cfg.Width,
		height:      cfg.Height,
		imageName:   cfg.ImageName,
	}
	if len(cfg.Distortion) > 0 {
		cam.distortion = make([]float32, len(cfg.Distortion))
		copy(cam.distortion, cfg.Distortion)
	}
	return cam, nil
}

// FromCameraToWorld builds a camera from a camera-to-world pose, the form
// most capture pipelines export. The rigid transform is inverted to the
// world-to-camera convention used internally.
func FromCameraToWorld(c2wRotation [9]float32, c2wTranslation [3]float32, cfg Config) (*Camera, error) {
	var r [9]float32
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = c2wRotation[j*3+i]
		}
	}
	var t [3]float32
	for i := 0; i < 3; i++ {
		t[i] = -(r[i*3+0]*c2wTranslation[0] + r[i*3+1]*c2wTranslation[1] + r[i*3+2]*c2wTranslation[2])
	}
	cfg.Rotation = r
	cfg.Translation = t
	return New(cfg)
}

const orthonormalTolerance = 1e-2

func checkOrthonormal(r [9]float32) error {
	for row := 0; row < 3; row++ {
		n := r[row*3]*r[row*3] + r[row*3+1]*r[row*3+1] + r[row*3+2]*r[row*3+2]
		if math32.Abs(n-1) > orthonormalTolerance {
			return fmt.Errorf("rotation row %d has norm %f, matrix is not orthonormal", row, math32.Sqrt(n))
		}
	}
	return nil
}

func (c *Camera) Rotation() [9]float32    { return c.rotation }
func (c *Camera) Translation() [3]float32 { return c.translation }
func (c *Camera) Fx() float32             { return c.fx }
func (c *Camera) Fy() float32             { return c.fy }
func (c *Camera) Cx() float32             { return c.cx }
func (c *Camera) Cy() float32             { return c.cy }
func (c *Camera) Width() int              { return c.width }
func (c *Camera) Height() int             { return c.height }
func (c *Camera) ImageName() string       { return c.imageName }

// Distortion returns a copy of the lens distortion coefficients, or nil
// for an ideal pinhole camera.
func (c *Camera) Distortion() []float32 {
	if c.distortion == nil {
		return nil
	}
	out := make([]float32, len(c.distortion))
	copy(out, c.distortion)
	return out
}

// Center returns the camera position in world coordinates.
func (c *Camera) Center() [3]float32 {
	var p [3]float32
	for i := 0; i < 3; i++ {
		// c2w translation is -R^T * t for a rigid w2c transform.
		p[i] = -(c.rotation[0*3+i]*c.translation[0] +
			c.rotation[1*3+i]*c.translation[1] +
			c.rotation[2*3+i]*c.translation[2])
	}
	return p
}

// FovX returns the horizontal field of view in radians.
func (c *Camera) FovX() float32 {
	return 2 * math32.Atan(float32(c.width)/(2*c.fx))
}

// FovY returns the vertical field of view in radians.
func (c *Camera) FovY() float32 {
	return 2 * math32.Atan(float32(c.height)/(2*c.fy))
}

// WorldToCamera transforms a world-space point into camera space.
func (c *Camera) WorldToCamera(p [3]float32) [3]float32 {
	var out [3]float32
	for i := 0; i < 3; i++ {
		out[i] = c.rotation[i*3+0]*p[0] + c.rotation[i*3+1]*p[1] + c.rotation[i*3+2]*p[2] + c.translation[i]
	}
	return out
}

// Project maps a world-space point to pixel coordinates and camera-space
// depth. Points at or behind the optical center project to depth <= 0 and
// must be treated as invisible by the caller.
func (c *Camera) Project(p [3]float32) (u, v, depth float32) {
	q := c.WorldToCamera(p)
	if q[2] == 0 {
		return 0, 0, 0
	}
	u = c.fx*q[0]/q[2] + c.cx
	v = c.fy*q[1]/q[2] + c.cy
	return u, v, q[2]
}
