package splat

import (
	"fmt"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// Gradients carries one backward pass worth of parameter gradients, laid
// out exactly like the model's groups. The same shape doubles as the
// optimizer's delta container.
type Gradients struct {
	Means        *tensor.Tensor // [n,3]
	Quats        *tensor.Tensor // [n,4]
	LogScales    *tensor.Tensor // [n,3]
	RawOpacities *tensor.Tensor // [n]
	SH0          *tensor.Tensor // [n,3]
	SHN          *tensor.Tensor // [n,K-1,3], nil when the model has no higher bands
}

// NewGradients allocates zeroed gradients for a model of n primitives.
func NewGradients(n, maxSHDegree int) (*Gradients, error) {
	if n <= 0 {
		return nil, fmt.Errorf("gradient row count must be positive, got %d", n)
	}
	g := &Gradients{}
	var err error
	if g.Means, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if g.Quats, err = tensor.Zeros([]int{n, 4}); err != nil {
		return nil, err
	}
	if g.LogScales, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if g.RawOpacities, err = tensor.Zeros([]int{n}); err != nil {
		return nil, err
	}
	if g.SH0, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if maxSHDegree > 0 {
		if g.SHN, err = tensor.Zeros([]int{n, SHCoeffs(maxSHDegree) - 1, 3}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Group returns the tensor for g, or nil for an absent GroupSHN.
func (g *Gradients) Group(p ParamGroup) *tensor.Tensor {
	switch p {
	case GroupMeans:
		return g.Means
	case GroupQuats:
		return g.Quats
	case GroupLogScales:
		return g.LogScales
	case GroupOpacities:
		return g.RawOpacities
	case GroupSH0:
		return g.SH0
	case GroupSHN:
		return g.SHN
	default:
		return nil
	}
}

// Validate checks that every group matches the layout of a model with n
// primitives and the given harmonics degree.
func (g *Gradients) Validate(n, maxSHDegree int) error {
	for _, p := range Groups() {
		t := g.Group(p)
		dim := RowDim(p, maxSHDegree)
		if dim == 0 {
			if t != nil {
				return fmt.Errorf("group %s present but model layout has no such parameters", p)
			}
			continue
		}
		if t == nil {
			return fmt.Errorf("group %s is missing", p)
		}
		if t.Shape[0] != n || t.NumElems != n*dim {
			return fmt.Errorf("group %s has shape %v, expected %d rows of %d floats", p, t.Shape, n, dim)
		}
	}
	return nil
}

// IsFinite reports whether every gradient element is a finite number.
func (g *Gradients) IsFinite() bool {
	for _, p := range Groups() {
		t := g.Group(p)
		if t == nil {
			continue
		}
		if !t.IsFinite() {
			return false
		}
	}
	return true
}

// MeanRowNorm returns the Euclidean norm of primitive i's positional
// gradient, the signal densification scores accumulate.
func (g *Gradients) MeanRowNorm(i int) float32 {
	dx := g.Means.Data[i*3]
	dy := g.Means.Data[i*3+1]
	dz := g.Means.Data[i*3+2]
	return sqrt32(dx*dx + dy*dy + dz*dz)
}
