package optimizer

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

// AdamConfig holds the Adam hyperparameters. The epsilon default is far
// smaller than the textbook 1e-8: splat parameters live on very different
// scales and a large epsilon visibly damps position updates.
type AdamConfig struct {
	LearningRate  float32
	Beta1         float32
	Beta2         float32
	Epsilon       float32
	LearningRates map[splat.ParamGroup]float32
}

// DefaultAdamConfig returns the configuration scene optimization runs with.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-15,
	}
}

// Adam is a sparse Adam over the model's parameter groups. Rows masked
// out by visibility keep both their parameters and their moments frozen
// for that step; bias correction runs off the global step count.
type Adam struct {
	beta1   float32
	beta2   float32
	epsilon float32

	learningRates map[splat.ParamGroup]float32

	n           int
	maxSHDegree int

	momentum *splat.Gradients
	variance *splat.Gradients

	stepCount uint64
}

// NewAdam sizes optimizer state for the given model.
func NewAdam(config AdamConfig, model *splat.SplatData) (*Adam, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 %f out of range [0,1)", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 %f out of range [0,1)", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	adam := &Adam{
		beta1:         config.Beta1,
		beta2:         config.Beta2,
		epsilon:       config.Epsilon,
		learningRates: make(map[splat.ParamGroup]float32, len(splat.Groups())),
		n:             model.Size(),
		maxSHDegree:   model.MaxSHDegree(),
	}
	for _, g := range splat.Groups() {
		lr := config.LearningRate
		if override, ok := config.LearningRates[g]; ok {
			if override <= 0 {
				return nil, fmt.Errorf("learning rate for group %s must be positive, got %g", g, override)
			}
			lr = override
		}
		adam.learningRates[g] = lr
	}

	var err error
	if adam.momentum, err = splat.NewGradients(adam.n, adam.maxSHDegree); err != nil {
		return nil, err
	}
	if adam.variance, err = splat.NewGradients(adam.n, adam.maxSHDegree); err != nil {
		return nil, err
	}
	return adam, nil
}

func (adam *Adam) StepCount() uint64 {
	return adam.stepCount
}

func (adam *Adam) SetLearningRate(group splat.ParamGroup, lr float32) {
	adam.learningRates[group] = lr
}

func (adam *Adam) LearningRate(group splat.ParamGroup) float32 {
	return adam.learningRates[group]
}

// Step implements Optimizer.
func (adam *Adam) Step(grads *splat.Gradients, visible []bool) (*splat.Gradients, error) {
	if err := grads.Validate(adam.n, adam.maxSHDegree); err != nil {
		return nil, fmt.Errorf("gradient layout mismatch: %v", err)
	}
	if visible != nil && len(visible) != adam.n {
		return nil, fmt.Errorf("visibility mask has %d entries for %d primitives", len(visible), adam.n)
	}

	adam.stepCount++
	bc1 := 1 - math32.Pow(adam.beta1, float32(adam.stepCount))
	bc2 := 1 - math32.Pow(adam.beta2, float32(adam.stepCount))

	deltas, err := splat.NewGradients(adam.n, adam.maxSHDegree)
	if err != nil {
		return nil, err
	}

	for _, group := range splat.Groups() {
		g := grads.Group(group)
		if g == nil {
			continue
		}
		m := adam.momentum.Group(group)
		v := adam.variance.Group(group)
		d := deltas.Group(group)
		lr := adam.learningRates[group]
		dim := splat.RowDim(group, adam.maxSHDegree)

		for row := 0; row < adam.n; row++ {
			if visible != nil && !visible[row] {
				continue
			}
			base := row * dim
			for k := base; k < base+dim; k++ {
				grad := g.Data[k]
				m.Data[k] = adam.beta1*m.Data[k] + (1-adam.beta1)*grad
				v.Data[k] = adam.beta2*v.Data[k] + (1-adam.beta2)*grad*grad
				mhat := m.Data[k] / bc1
				vhat := v.Data[k] / bc2
				d.Data[k] = lr * mhat / (math32.Sqrt(vhat) + adam.epsilon)
			}
		}
	}
	return deltas, nil
}

// Realign implements Optimizer.
func (adam *Adam) Realign(r splat.Relayout) error {
	if r.OldN != adam.n {
		return fmt.Errorf("relayout starts from %d rows but optimizer holds %d", r.OldN, adam.n)
	}
	if r.Identity() {
		return nil
	}

	for _, state := range []*splat.Gradients{adam.momentum, adam.variance} {
		for _, group := range splat.Groups() {
			t := state.Group(group)
			if t == nil {
				continue
			}
			dim := splat.RowDim(group, adam.maxSHDegree)
			for _, mv := range r.Moves {
				copy(t.Data[mv.To*dim:(mv.To+1)*dim], t.Data[mv.From*dim:(mv.From+1)*dim])
			}
			if r.NewN < r.OldN {
				t.Data = t.Data[:r.NewN*dim]
			} else if r.NewN > r.OldN {
				t.Data = append(t.Data, make([]float32, (r.NewN-r.OldN)*dim)...)
			}
			t.Shape[0] = r.NewN
			t.NumElems = r.NewN * dim
		}
	}
	adam.n = r.NewN
	return nil
}

// ZeroRows implements Optimizer.
func (adam *Adam) ZeroRows(rows []int) error {
	for _, row := range rows {
		if row < 0 || row >= adam.n {
			return fmt.Errorf("row %d out of range [0,%d)", row, adam.n)
		}
	}
	for _, state := range []*splat.Gradients{adam.momentum, adam.variance} {
		for _, group := range splat.Groups() {
			t := state.Group(group)
			if t == nil {
				continue
			}
			dim := splat.RowDim(group, adam.maxSHDegree)
			for _, row := range rows {
				base := row * dim
				for k := base; k < base+dim; k++ {
					t.Data[k] = 0
				}
			}
		}
	}
	return nil
}

// Momentum exposes the first-moment state for one group. Read-only use.
func (adam *Adam) Momentum(group splat.ParamGroup) []float32 {
	t := adam.momentum.Group(group)
	if t == nil {
		return nil
	}
	return t.Data
}

// Variance exposes the second-moment state for one group. Read-only use.
func (adam *Adam) Variance(group splat.ParamGroup) []float32 {
	t := adam.variance.Group(group)
	if t == nil {
		return nil
	}
	return t.Data
}
