// Package strategy implements adaptive densification: the policies that
// decide, from accumulated per-primitive statistics, which primitives to
// prune, relocate or spawn between optimization steps.
package strategy

import (
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

// Report summarizes one restructuring event.
type Report struct {
	Pruned    int
	Relocated int
	Spawned   int
	Size      int
}

func (r Report) Empty() bool {
	return r.Pruned == 0 && r.Relocated == 0 && r.Spawned == 0
}

// MomentRealigner is the slice of the optimizer a strategy needs: enough
// to keep per-primitive optimizer state aligned with the rows it moves,
// and to clear state for slots it reuses.
type MomentRealigner interface {
	Realign(r splat.Relayout) error
	ZeroRows(rows []int) error
}

// Strategy owns the densification lifecycle. Observe runs after every
// backward pass, PostStep after every parameter update, Restructure on
// the refinement cadence under the trainer's write lock.
type Strategy interface {
	Name() string

	// Observe folds one iteration's gradients and visibility into the
	// strategy's per-primitive statistics.
	Observe(model *splat.SplatData, grads *splat.Gradients, visible []bool, iteration int)

	// PostStep runs after the optimizer update with the current position
	// learning rate, the hook exploration noise is injected through.
	PostStep(model *splat.SplatData, meansLR float32, iteration int)

	// Restructure mutates the primitive set and realigns opt alongside.
	// Statistics covering the event window are consumed and reset whether
	// or not anything changed.
	Restructure(model *splat.SplatData, opt MomentRealigner, iteration int) (Report, error)
}
