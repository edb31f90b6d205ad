package training

import (
	"fmt"
	"math"
)

// LRScheduler maps a global optimization step to a learning rate. Schedulers
// are pure functions of the step so a run restored from a checkpoint resumes
// on the same schedule without replaying history.
type LRScheduler interface {
	// GetLR returns the learning rate for the given step.
	GetLR(step int) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// ConstantLR keeps the learning rate fixed over the whole run.
type ConstantLR struct {
	LR float64
}

// NewConstantLR creates a constant learning rate schedule.
func NewConstantLR(lr float64) (*ConstantLR, error) {
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return nil, fmt.Errorf("learning rate must be a positive finite number, got %f", lr)
	}
	return &ConstantLR{LR: lr}, nil
}

func (s *ConstantLR) GetLR(step int) float64 {
	return s.LR
}

func (s *ConstantLR) GetName() string {
	return "ConstantLR"
}

// ExponentialDecayLR interpolates log-linearly between an initial and a
// final learning rate over MaxSteps, then holds the final rate. The rate at
// step t is exp(lerp(ln(init), ln(final), t/MaxSteps)).
type ExponentialDecayLR struct {
	InitLR   float64
	FinalLR  float64
	MaxSteps int
}

// NewExponentialDecayLR creates an exponential decay schedule. Both rates
// must be positive; a final rate above the initial one produces a ramp-up
// instead of a decay.
func NewExponentialDecayLR(initLR, finalLR float64, maxSteps int) (*ExponentialDecayLR, error) {
	if initLR <= 0 || math.IsNaN(initLR) || math.IsInf(initLR, 0) {
		return nil, fmt.Errorf("initial learning rate must be a positive finite number, got %f", initLR)
	}
	if finalLR <= 0 || math.IsNaN(finalLR) || math.IsInf(finalLR, 0) {
		return nil, fmt.Errorf("final learning rate must be a positive finite number, got %f", finalLR)
	}
	if maxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", maxSteps)
	}
	return &ExponentialDecayLR{
		InitLR:   initLR,
		FinalLR:  finalLR,
		MaxSteps: maxSteps,
	}, nil
}

func (s *ExponentialDecayLR) GetLR(step int) float64 {
	if step <= 0 {
		return s.InitLR
	}
	if step >= s.MaxSteps {
		return s.FinalLR
	}
	t := float64(step) / float64(s.MaxSteps)
	return math.Exp((1-t)*math.Log(s.InitLR) + t*math.Log(s.FinalLR))
}

func (s *ExponentialDecayLR) GetName() string {
	return "ExponentialDecayLR"
}
