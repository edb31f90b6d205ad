// Package dataset supplies calibrated training views to the optimization
// loop: camera poses paired with reference images, plus the scene bounds
// derived from them.
package dataset

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zhouxl3/gaussian-splatting-cuda/camera"
	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// Dataset is the contract the trainer consumes views through. Get returns
// the camera and its reference image as an [H,W,3] tensor in [0,1].
// Implementations must be safe for concurrent reads.
type Dataset interface {
	Len() int
	Get(index int) (*camera.Camera, *tensor.Tensor, error)
	SceneCenter() [3]float32
	SceneExtent() float32
}

// Entry pairs one camera with its reference image.
type Entry struct {
	Camera *camera.Camera
	Image  *tensor.Tensor
}

// InMemory keeps every view resident. It is the workhorse for synthetic
// scenes and benchmark datasets that fit in RAM.
type InMemory struct {
	entries []Entry
	center  [3]float32
	extent  float32
}

// extentMargin pads the camera bounding radius so primitives slightly
// outside the camera hull still count as in-scene.
const extentMargin = 1.1

// NewInMemory validates the entries and derives the scene bounds from the
// camera positions: center is their mean, extent the padded max radius.
func NewInMemory(entries []Entry) (*InMemory, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("dataset needs at least one view")
	}

	var center [3]float32
	for i, e := range entries {
		if e.Camera == nil {
			return nil, fmt.Errorf("view %d has no camera", i)
		}
		if e.Image == nil {
			return nil, fmt.Errorf("view %d has no image", i)
		}
		if len(e.Image.Shape) != 3 || e.Image.Shape[2] != 3 {
			return nil, fmt.Errorf("view %d image shape %v, expected [H,W,3]", i, e.Image.Shape)
		}
		if e.Image.Shape[0] != e.Camera.Height() || e.Image.Shape[1] != e.Camera.Width() {
			return nil, fmt.Errorf("view %d image %dx%d does not match camera %dx%d",
				i, e.Image.Shape[1], e.Image.Shape[0], e.Camera.Width(), e.Camera.Height())
		}
		c := e.Camera.Center()
		for a := 0; a < 3; a++ {
			center[a] += c[a]
		}
	}
	for a := 0; a < 3; a++ {
		center[a] /= float32(len(entries))
	}

	var maxRadius float32
	for _, e := range entries {
		c := e.Camera.Center()
		dx := c[0] - center[0]
		dy := c[1] - center[1]
		dz := c[2] - center[2]
		if r := math32.Sqrt(dx*dx + dy*dy + dz*dz); r > maxRadius {
			maxRadius = r
		}
	}
	extent := maxRadius * extentMargin
	if extent <= 0 {
		// Single camera or co-located rig; fall back to unit scale.
		extent = 1
	}

	ds := &InMemory{
		entries: make([]Entry, len(entries)),
		center:  center,
		extent:  extent,
	}
	copy(ds.entries, entries)
	return ds, nil
}

func (d *InMemory) Len() int {
	return len(d.entries)
}

func (d *InMemory) Get(index int) (*camera.Camera, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.entries) {
		return nil, nil, fmt.Errorf("view index %d out of range [0,%d)", index, len(d.entries))
	}
	e := d.entries[index]
	return e.Camera, e.Image, nil
}

func (d *InMemory) SceneCenter() [3]float32 {
	return d.center
}

func (d *InMemory) SceneExtent() float32 {
	return d.extent
}
