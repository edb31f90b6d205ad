package strategy

import (
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

// NoOp keeps the primitive set fixed, turning training into plain
// parameter optimization. Useful for fine-tuning a converged scene and
// for isolating densification effects in experiments.
type NoOp struct{}

func (NoOp) Name() string { return "none" }

func (NoOp) Observe(*splat.SplatData, *splat.Gradients, []bool, int) {}

func (NoOp) PostStep(*splat.SplatData, float32, int) {}

func (NoOp) Restructure(model *splat.SplatData, _ MomentRealigner, _ int) (Report, error) {
	return Report{Size: model.Size()}, nil
}
