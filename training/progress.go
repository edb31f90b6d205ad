package training

import (
	"fmt"
	"time"

	"github.com/zhouxl3/gaussian-splatting-cuda/logging"
)

// Progress is a point-in-time snapshot of a training run, delivered to
// observers on the reporting cadence and after the final iteration.
type Progress struct {
	Iteration         int
	TotalIterations   int
	Loss              float32 // smoothed photometric loss
	NumSplats         int
	MeansLR           float64 // current position learning rate
	SkippedIterations int
	Elapsed           time.Duration
}

// Fraction returns completion in [0, 1].
func (p Progress) Fraction() float64 {
	if p.TotalIterations <= 0 {
		return 0
	}
	f := float64(p.Iteration) / float64(p.TotalIterations)
	if f > 1 {
		f = 1
	}
	return f
}

// Rate returns iterations per second since the run started.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 || p.Iteration <= 0 {
		return 0
	}
	return float64(p.Iteration) / p.Elapsed.Seconds()
}

// ETA estimates the remaining wall time from the average rate so far.
func (p Progress) ETA() time.Duration {
	f := p.Fraction()
	if f <= 0 {
		return 0
	}
	total := time.Duration(float64(p.Elapsed) / f)
	if remaining := total - p.Elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// formatDuration formats a duration as MM:SS for compact progress lines.
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ProgressObserver receives training progress and lifecycle transitions.
// Callbacks run on the training goroutine, so observers must return quickly
// and must not call back into the trainer.
type ProgressObserver interface {
	OnProgress(p Progress)
	OnStateChange(from, to TrainerState)
}

// ObserverList fans notifications out to several observers and is itself a
// ProgressObserver.
type ObserverList []ProgressObserver

func (l ObserverList) OnProgress(p Progress) {
	for _, o := range l {
		if o != nil {
			o.OnProgress(p)
		}
	}
}

func (l ObserverList) OnStateChange(from, to TrainerState) {
	for _, o := range l {
		if o != nil {
			o.OnStateChange(from, to)
		}
	}
}

// LogObserver writes progress snapshots and state transitions to the
// package logger.
type LogObserver struct{}

// NewLogObserver creates an observer that logs every notification it
// receives. The trainer controls the cadence.
func NewLogObserver() *LogObserver {
	return &LogObserver{}
}

func (o *LogObserver) OnProgress(p Progress) {
	logging.Info("iter %d/%d (%3.0f%%) loss=%.5f splats=%d lr=%.2e skipped=%d elapsed=%s eta=%s",
		p.Iteration, p.TotalIterations, p.Fraction()*100,
		p.Loss, p.NumSplats, p.MeansLR, p.SkippedIterations,
		formatDuration(p.Elapsed), formatDuration(p.ETA()))
}

func (o *LogObserver) OnStateChange(from, to TrainerState) {
	logging.Info("trainer state %s -> %s", from, to)
}
