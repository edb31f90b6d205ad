package splat

import (
	"github.com/chewxy/math32"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// Opacities and scales are optimized in unconstrained domains and mapped
// to their rendered ranges on access: sigmoid for opacity, exp for scale.
// Rotations are stored unnormalized and normalized on access.

func sqrt32(x float32) float32 { return math32.Sqrt(x) }

// Sigmoid maps a logit to (0,1).
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// logitClamp keeps Logit finite for inputs at or beyond the open interval.
const logitClamp = 1e-4

// Logit inverts Sigmoid, clamping p away from 0 and 1.
func Logit(p float32) float32 {
	if p < logitClamp {
		p = logitClamp
	} else if p > 1-logitClamp {
		p = 1 - logitClamp
	}
	return math32.Log(p / (1 - p))
}

// OpacityAt returns the rendered opacity of primitive i.
func (s *SplatData) OpacityAt(i int) float32 {
	return Sigmoid(s.rawOpacities.Data[i])
}

// SetOpacityAt stores a rendered-domain opacity for primitive i as a logit.
func (s *SplatData) SetOpacityAt(i int, o float32) {
	s.rawOpacities.Data[i] = Logit(o)
}

// Opacities returns a new [n] tensor of rendered opacities.
func (s *SplatData) Opacities() *tensor.Tensor {
	out := tensor.ZerosLike(s.rawOpacities)
	for i, v := range s.rawOpacities.Data {
		out.Data[i] = Sigmoid(v)
	}
	return out
}

// ScaleAt returns the rendered per-axis extents of primitive i.
func (s *SplatData) ScaleAt(i int) [3]float32 {
	return [3]float32{
		math32.Exp(s.logScales.Data[i*3]),
		math32.Exp(s.logScales.Data[i*3+1]),
		math32.Exp(s.logScales.Data[i*3+2]),
	}
}

// SetScaleAt stores rendered-domain extents for primitive i as logs.
func (s *SplatData) SetScaleAt(i int, sc [3]float32) {
	for a := 0; a < 3; a++ {
		v := sc[a]
		if v < 1e-10 {
			v = 1e-10
		}
		s.logScales.Data[i*3+a] = math32.Log(v)
	}
}

// Scales returns a new [n,3] tensor of rendered extents.
func (s *SplatData) Scales() *tensor.Tensor {
	out := tensor.ZerosLike(s.logScales)
	for i, v := range s.logScales.Data {
		out.Data[i] = math32.Exp(v)
	}
	return out
}

// VolumeAt returns the product of primitive i's rendered extents, the
// volume proxy used when splitting mass between primitives.
func (s *SplatData) VolumeAt(i int) float32 {
	sc := s.ScaleAt(i)
	return sc[0] * sc[1] * sc[2]
}

// MeanAt returns the position of primitive i.
func (s *SplatData) MeanAt(i int) [3]float32 {
	return [3]float32{s.means.Data[i*3], s.means.Data[i*3+1], s.means.Data[i*3+2]}
}

// SetMeanAt overwrites the position of primitive i.
func (s *SplatData) SetMeanAt(i int, p [3]float32) {
	copy(s.means.Data[i*3:i*3+3], p[:])
}

// NormalizedQuatAt returns primitive i's rotation as a unit quaternion,
// w-first. A degenerate zero quaternion falls back to the identity.
func (s *SplatData) NormalizedQuatAt(i int) [4]float32 {
	q := [4]float32{
		s.quats.Data[i*4],
		s.quats.Data[i*4+1],
		s.quats.Data[i*4+2],
		s.quats.Data[i*4+3],
	}
	n := sqrt32(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n < 1e-12 {
		return [4]float32{1, 0, 0, 0}
	}
	for k := range q {
		q[k] /= n
	}
	return q
}

// RotateByQuat rotates v by the unit quaternion q (w-first).
func RotateByQuat(q [4]float32, v [3]float32) [3]float32 {
	w, x, y, z := q[0], q[1], q[2], q[3]

	// t = 2 * cross(q.xyz, v)
	tx := 2 * (y*v[2] - z*v[1])
	ty := 2 * (z*v[0] - x*v[2])
	tz := 2 * (x*v[1] - y*v[0])

	// v' = v + w*t + cross(q.xyz, t)
	return [3]float32{
		v[0] + w*tx + (y*tz - z*ty),
		v[1] + w*ty + (z*tx - x*tz),
		v[2] + w*tz + (x*ty - y*tx),
	}
}
