// Package optimizer implements the first-order optimizers that drive
// scene reconstruction. State is laid out per parameter group and per
// primitive, and follows structural model mutations through Realign so
// moments never apply to the wrong primitive after a restructuring event.
package optimizer

import (
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

// Optimizer is the contract the training loop drives parameter updates
// through.
type Optimizer interface {
	// Step consumes one backward pass worth of gradients and returns the
	// parameter deltas to subtract from the model. Rows whose visibility
	// flag is false are skipped entirely: their deltas are zero and their
	// internal state is left untouched. A nil mask updates every row.
	Step(grads *splat.Gradients, visible []bool) (*splat.Gradients, error)

	// SetLearningRate overrides the learning rate for one group, the hook
	// the per-group schedules drive every iteration.
	SetLearningRate(group splat.ParamGroup, lr float32)

	// LearningRate reports the current rate for one group.
	LearningRate(group splat.ParamGroup) float32

	// Realign replays a structural model mutation onto the per-primitive
	// optimizer state: moved rows carry their state along, removed rows
	// drop it, appended rows start from zero.
	Realign(r splat.Relayout) error

	// ZeroRows clears the state of the given primitive rows across every
	// group, used when a slot is reused for a logically new primitive.
	ZeroRows(rows []int) error

	// StepCount returns the number of completed steps.
	StepCount() uint64
}
