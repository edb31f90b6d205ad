package dataset

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// ImageToTensor converts img to an [H,W,3] float tensor in [0,1]. The
// optional downscale factor shrinks both dimensions by that integer
// divisor before conversion, matching how capture pipelines train at
// reduced resolution.
func ImageToTensor(img image.Image, downscale int) (*tensor.Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("image is nil")
	}
	if downscale < 0 {
		return nil, fmt.Errorf("downscale factor must be non-negative, got %d", downscale)
	}
	if downscale > 1 {
		img = Downscale(img, downscale)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image is empty after downscale")
	}

	t, err := tensor.Zeros([]int{h, w, 3})
	if err != nil {
		return nil, err
	}
	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			t.Data[idx] = float32(r) / 65535
			t.Data[idx+1] = float32(g) / 65535
			t.Data[idx+2] = float32(b) / 65535
			idx += 3
		}
	}
	return t, nil
}

// Downscale resamples img to 1/factor of its size with a Catmull-Rom
// kernel, which avoids the aliasing a box filter would introduce into
// photometric references.
func Downscale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	bounds := img.Bounds()
	w := bounds.Dx() / factor
	h := bounds.Dy() / factor
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// TensorToImage converts an [H,W,3] tensor in [0,1] back to an image,
// clamping out-of-range values.
func TensorToImage(t *tensor.Tensor) (image.Image, error) {
	if t == nil || len(t.Shape) != 3 || t.Shape[2] != 3 {
		return nil, fmt.Errorf("tensor is not [H,W,3]")
	}
	h, w := t.Shape[0], t.Shape[1]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	idx := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: clampByte(t.Data[idx]),
				G: clampByte(t.Data[idx+1]),
				B: clampByte(t.Data[idx+2]),
				A: 255,
			})
			idx += 3
		}
	}
	return img, nil
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
