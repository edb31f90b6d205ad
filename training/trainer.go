// Package training drives scene reconstruction: the iteration loop that
// renders a training view, scores it against the reference image, steps the
// optimizer, and periodically restructures the primitive set through a
// densification strategy. The trainer owns the model for the duration of a
// run; concurrent readers get consistent state through snapshots.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"

	"github.com/zhouxl3/gaussian-splatting-cuda/dataset"
	"github.com/zhouxl3/gaussian-splatting-cuda/logging"
	"github.com/zhouxl3/gaussian-splatting-cuda/optimizer"
	"github.com/zhouxl3/gaussian-splatting-cuda/render"
	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
	"github.com/zhouxl3/gaussian-splatting-cuda/strategy"
)

// TrainerState tracks where a run is in its lifecycle.
type TrainerState int32

const (
	// StateIdle is the state before Train is called.
	StateIdle TrainerState = iota
	// StateRunning means the iteration loop is active.
	StateRunning
	// StateStopping means cancellation was observed and cleanup is underway.
	StateStopping
	// StateStopped means the run ended early, by cancellation or a fatal error.
	StateStopped
	// StateCompleted means the full iteration budget was reached.
	StateCompleted
)

func (s TrainerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run has ended.
func (s TrainerState) Terminal() bool {
	return s == StateStopped || s == StateCompleted
}

// CheckpointSink persists model snapshots on the checkpoint cadence. A Save
// failure is logged and training continues.
type CheckpointSink interface {
	Save(snap *splat.Snapshot, iteration int) error
}

// TrainerConfig holds every schedule and rate the loop runs on. Cadence
// fields use zero to disable the corresponding behavior.
type TrainerConfig struct {
	// Iterations is the total optimization budget.
	Iterations int
	// StartIteration offsets the counter when resuming from a checkpoint.
	StartIteration int

	// RefineEvery is the densification cadence; refinement runs only for
	// iterations strictly inside (RefineStart, RefineStop).
	RefineEvery int
	RefineStart int
	RefineStop  int

	// SHUpgradeEvery raises the active harmonics degree by one band until
	// the model's maximum is reached.
	SHUpgradeEvery int
	// CheckpointEvery writes a snapshot to the sink. Zero disables
	// periodic checkpoints; FinalCheckpoint still applies.
	CheckpointEvery int
	// ProgressEvery notifies observers. The final iteration always
	// notifies regardless of cadence.
	ProgressEvery int

	// SamplerMode orders training views within an epoch.
	SamplerMode dataset.SamplerMode
	// Seed makes shuffled view orders reproducible.
	Seed uint64

	// LossLambda is the structural-dissimilarity weight in the
	// photometric loss.
	LossLambda float32
	// Background is composited behind the primitives on every render.
	Background [3]float32

	// MeansLRInit and MeansLRFinal bound the position learning rate
	// schedule. Both are scaled by the scene extent so step sizes track
	// the reconstruction's physical scale.
	MeansLRInit  float64
	MeansLRFinal float64
	ScalesLR     float32
	QuatsLR      float32
	OpacitiesLR  float32
	SH0LR        float32
	SHNLR        float32

	// OpacityReg and ScaleReg penalize primitive mass, keeping the
	// population lean between restructuring events.
	OpacityReg float32
	ScaleReg   float32

	// FinalCheckpoint writes one last snapshot when the run ends, whether
	// it completed or was stopped.
	FinalCheckpoint bool
}

// DefaultTrainerConfig returns the standard schedule for a full
// reconstruction run.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Iterations:      30000,
		RefineEvery:     100,
		RefineStart:     500,
		RefineStop:      25000,
		SHUpgradeEvery:  1000,
		CheckpointEvery: 7000,
		ProgressEvery:   100,
		SamplerMode:     dataset.Shuffle,
		LossLambda:      0.2,
		MeansLRInit:     1.6e-4,
		MeansLRFinal:    1.6e-6,
		ScalesLR:        5e-3,
		QuatsLR:         1e-3,
		OpacitiesLR:     5e-2,
		SH0LR:           2.5e-3,
		SHNLR:           1.25e-4,
		OpacityReg:      0.01,
		ScaleReg:        0.01,
		FinalCheckpoint: true,
	}
}

func (c *TrainerConfig) validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("iteration budget must be positive, got %d", c.Iterations)
	}
	if c.StartIteration < 0 || c.StartIteration >= c.Iterations {
		return fmt.Errorf("start iteration %d outside [0, %d)", c.StartIteration, c.Iterations)
	}
	for name, v := range map[string]int{
		"refine cadence":     c.RefineEvery,
		"refine start":       c.RefineStart,
		"refine stop":        c.RefineStop,
		"sh upgrade cadence": c.SHUpgradeEvery,
		"checkpoint cadence": c.CheckpointEvery,
		"progress cadence":   c.ProgressEvery,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative, got %d", name, v)
		}
	}
	if c.LossLambda < 0 || c.LossLambda > 1 {
		return fmt.Errorf("loss lambda must be in [0, 1], got %f", c.LossLambda)
	}
	if c.MeansLRInit <= 0 || c.MeansLRFinal <= 0 {
		return fmt.Errorf("means learning rates must be positive, got init %g final %g",
			c.MeansLRInit, c.MeansLRFinal)
	}
	for name, lr := range map[string]float32{
		"scales":    c.ScalesLR,
		"quats":     c.QuatsLR,
		"opacities": c.OpacitiesLR,
		"sh0":       c.SH0LR,
		"shn":       c.SHNLR,
	} {
		if lr <= 0 || math32.IsNaN(lr) || math32.IsInf(lr, 0) {
			return fmt.Errorf("%s learning rate must be a positive finite number, got %g", name, lr)
		}
	}
	for name, v := range map[string]float32{
		"opacity regularizer": c.OpacityReg,
		"scale regularizer":   c.ScaleReg,
	} {
		if v < 0 || math32.IsNaN(v) || math32.IsInf(v, 0) {
			return fmt.Errorf("%s must be a non-negative finite number, got %g", name, v)
		}
	}
	for i, v := range c.Background {
		if v < 0 || v > 1 || math32.IsNaN(v) {
			return fmt.Errorf("background channel %d must be in [0, 1], got %f", i, v)
		}
	}
	return nil
}

// Trainer runs the optimization loop. It is the sole writer of the model
// while a run is active; viewers read through SnapshotModel and request
// cancellation through Stop or the run context.
type Trainer struct {
	config TrainerConfig

	model    *splat.SplatData
	data     dataset.Dataset
	renderer render.Renderer
	strat    strategy.Strategy
	opt      optimizer.Optimizer
	loss     Loss
	sampler  *dataset.CameraSampler
	meansLR  LRScheduler

	sink      CheckpointSink
	observers ObserverList

	// modelMu is the serialization point between the training loop's
	// model mutations and concurrent snapshot readers.
	modelMu sync.RWMutex

	state       atomic.Int32
	iteration   atomic.Int64
	stopRequest atomic.Bool

	skipped        int
	emaLoss        float32
	emaSet         bool
	lastCheckpoint int
	lastProgress   int
	startTime      time.Time
}

// NewTrainer validates the configuration and wires the loop's
// collaborators. Configuration problems are fatal here, before any
// iteration runs.
func NewTrainer(model *splat.SplatData, data dataset.Dataset, renderer render.Renderer, strat strategy.Strategy, config TrainerConfig) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if data == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer cannot be nil")
	}
	if strat == nil {
		return nil, fmt.Errorf("strategy cannot be nil")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %v", err)
	}
	if data.Len() == 0 {
		return nil, fmt.Errorf("dataset has no views")
	}

	sampler, err := dataset.NewCameraSampler(data.Len(), config.SamplerMode, config.Seed)
	if err != nil {
		return nil, fmt.Errorf("creating camera sampler: %v", err)
	}

	extent := float64(data.SceneExtent())
	meansLR, err := NewExponentialDecayLR(config.MeansLRInit*extent, config.MeansLRFinal*extent, config.Iterations)
	if err != nil {
		return nil, fmt.Errorf("creating means schedule: %v", err)
	}

	loss, err := NewCombinedLoss(config.LossLambda)
	if err != nil {
		return nil, fmt.Errorf("creating loss: %v", err)
	}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRates = map[splat.ParamGroup]float32{
		splat.GroupMeans:     float32(meansLR.GetLR(config.StartIteration)),
		splat.GroupQuats:     config.QuatsLR,
		splat.GroupLogScales: config.ScalesLR,
		splat.GroupOpacities: config.OpacitiesLR,
		splat.GroupSH0:       config.SH0LR,
		splat.GroupSHN:       config.SHNLR,
	}
	opt, err := optimizer.NewAdam(adamConfig, model)
	if err != nil {
		return nil, fmt.Errorf("creating optimizer: %v", err)
	}

	t := &Trainer{
		config:   config,
		model:    model,
		data:     data,
		renderer: renderer,
		strat:    strat,
		opt:      opt,
		loss:     loss,
		sampler:  sampler,
		meansLR:  meansLR,
	}
	t.iteration.Store(int64(config.StartIteration))
	return t, nil
}

// AddObserver registers a progress observer. Observers must be added
// before Train is called.
func (t *Trainer) AddObserver(o ProgressObserver) error {
	if t.State() != StateIdle {
		return fmt.Errorf("observers must be added before training starts")
	}
	if o == nil {
		return fmt.Errorf("observer cannot be nil")
	}
	t.observers = append(t.observers, o)
	return nil
}

// SetCheckpointSink installs the snapshot destination. Must be called
// before Train; a nil sink disables checkpoints.
func (t *Trainer) SetCheckpointSink(sink CheckpointSink) error {
	if t.State() != StateIdle {
		return fmt.Errorf("checkpoint sink must be set before training starts")
	}
	t.sink = sink
	return nil
}

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (t *Trainer) State() TrainerState {
	return TrainerState(t.state.Load())
}

// Iteration returns the last completed iteration. Safe to call from any
// goroutine.
func (t *Trainer) Iteration() int {
	return int(t.iteration.Load())
}

// Skipped returns how many iterations were skipped over recoverable
// per-view failures.
func (t *Trainer) Skipped() int {
	return t.skipped
}

// Stop requests cancellation. The request is observed at the next
// iteration boundary; Stop itself returns immediately and is safe to call
// from any goroutine, any number of times.
func (t *Trainer) Stop() {
	t.stopRequest.Store(true)
}

// SnapshotModel returns a deep copy of the model, consistent with respect
// to in-flight training mutations. Viewers render display frames from
// these.
func (t *Trainer) SnapshotModel() *splat.Snapshot {
	t.modelMu.RLock()
	defer t.modelMu.RUnlock()
	return t.model.Snapshot()
}

// transition moves between lifecycle states and notifies observers. All
// transitions happen on the training goroutine.
func (t *Trainer) transition(from, to TrainerState) bool {
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	t.observers.OnStateChange(from, to)
	return true
}

// Train runs the loop until the iteration budget is exhausted, the context
// is cancelled, or Stop is called. Cancellation is cooperative: it is
// polled once per iteration boundary, never mid-iteration, so readers
// never observe a partially applied update. Cancellation is not an error;
// every fatal condition is.
func (t *Trainer) Train(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.transition(StateIdle, StateRunning) {
		return fmt.Errorf("trainer cannot start from state %s", t.State())
	}
	t.startTime = time.Now()
	logging.Info("training %d splats for %d iterations (%d views, %s order)",
		t.model.Size(), t.config.Iterations-t.config.StartIteration, t.data.Len(), t.config.SamplerMode)

	for iter := t.config.StartIteration + 1; iter <= t.config.Iterations; iter++ {
		if ctx.Err() != nil || t.stopRequest.Load() {
			return t.finishStopped()
		}

		if err := t.runIteration(iter); err != nil {
			if !isSkip(err) {
				t.state.Store(int32(StateStopped))
				t.observers.OnStateChange(StateRunning, StateStopped)
				return fmt.Errorf("iteration %d: %v", iter, err)
			}
			// Skipped iterations still advance the counter so the
			// learning-rate and refinement schedules stay deterministic
			// and the run terminates.
			t.skipped++
			logging.Warn("iteration %d skipped: %v", iter, err)
		}
		t.iteration.Store(int64(iter))

		if err := t.maybeRestructure(iter); err != nil {
			t.state.Store(int32(StateStopped))
			t.observers.OnStateChange(StateRunning, StateStopped)
			return fmt.Errorf("iteration %d: %v", iter, err)
		}
		t.maybeUpgradeSH(iter)
		t.maybeCheckpoint(iter)
		t.maybeReportProgress(iter, false)
	}

	if t.config.FinalCheckpoint && t.lastCheckpoint != t.config.Iterations {
		t.saveCheckpoint(t.config.Iterations)
	}
	t.maybeReportProgress(t.config.Iterations, true)
	t.transition(StateRunning, StateCompleted)
	logging.Info("training completed: %d iterations, %d skipped, %d splats",
		t.config.Iterations, t.skipped, t.model.Size())
	return nil
}

// finishStopped runs the cancellation path: Stopping for cleanup, then
// Stopped.
func (t *Trainer) finishStopped() error {
	t.transition(StateRunning, StateStopping)
	iter := t.Iteration()
	if t.config.FinalCheckpoint && t.lastCheckpoint != iter {
		t.saveCheckpoint(iter)
	}
	t.maybeReportProgress(iter, true)
	t.transition(StateStopping, StateStopped)
	logging.Info("training stopped at iteration %d (%d skipped, %d splats)",
		iter, t.skipped, t.model.Size())
	return nil
}

// runIteration performs one full optimization step for one training view.
// Recoverable failures return a skip error; anything else is fatal for the
// run.
func (t *Trainer) runIteration(iter int) error {
	view := t.sampler.Next()
	cam, ref, err := t.data.Get(view)
	if err != nil {
		return skipf("loading view %d: %v", view, err)
	}

	opts := render.Options{
		Background:      t.config.Background,
		SHDegree:        t.model.ActiveSHDegree(),
		ScalingModifier: 1,
	}
	out, err := t.renderer.Render(cam, t.model, opts)
	if err != nil {
		if errors.Is(err, render.ErrAllocation) {
			return err
		}
		return skipf("rendering view %d: %v", view, err)
	}
	if err := out.Validate(cam, t.model); err != nil {
		return fmt.Errorf("renderer output for view %d: %v", view, err)
	}

	lossVal, err := t.loss.Forward(out.Image, ref)
	if err != nil {
		return skipf("loss for view %d: %v", view, err)
	}
	if math32.IsNaN(lossVal) || math32.IsInf(lossVal, 0) {
		return skipf("non-finite loss for view %d", view)
	}

	dImage, err := t.loss.Backward(out.Image, ref)
	if err != nil {
		return skipf("loss backward for view %d: %v", view, err)
	}
	grads, err := out.Backward(dImage)
	if err != nil {
		if errors.Is(err, render.ErrAllocation) {
			return err
		}
		return skipf("render backward for view %d: %v", view, err)
	}
	if err := grads.Validate(t.model.Size(), t.model.MaxSHDegree()); err != nil {
		return fmt.Errorf("renderer gradients for view %d: %v", view, err)
	}
	if !grads.IsFinite() {
		return skipf("non-finite gradients for view %d", view)
	}

	lossVal += t.applyRegularization(grads)

	t.strat.Observe(t.model, grads, out.Visibility, iter)

	lr := t.meansLR.GetLR(iter)
	t.opt.SetLearningRate(splat.GroupMeans, float32(lr))
	deltas, err := t.opt.Step(grads, out.Visibility)
	if err != nil {
		return fmt.Errorf("optimizer step: %v", err)
	}

	t.modelMu.Lock()
	err = t.model.ApplyUpdate(deltas)
	if err == nil {
		t.strat.PostStep(t.model, float32(lr), iter)
	}
	t.modelMu.Unlock()
	if err != nil {
		return fmt.Errorf("applying update: %v", err)
	}

	if t.emaSet {
		t.emaLoss = 0.9*t.emaLoss + 0.1*lossVal
	} else {
		t.emaLoss = lossVal
		t.emaSet = true
	}
	return nil
}

// applyRegularization folds the opacity and scale penalties into the
// gradients in place and returns their loss contribution. Both penalize
// the mean activated value, so their gradients route through the sigmoid
// and exponential activations.
func (t *Trainer) applyRegularization(grads *splat.Gradients) float32 {
	var extra float32
	n := t.model.Size()
	if t.config.OpacityReg > 0 {
		g := grads.Group(splat.GroupOpacities)
		raw := t.model.RawOpacities()
		w := t.config.OpacityReg / float32(n)
		for i := 0; i < n; i++ {
			o := splat.Sigmoid(raw.Data[i])
			extra += w * o
			g.Data[i] += w * o * (1 - o)
		}
	}
	if t.config.ScaleReg > 0 {
		g := grads.Group(splat.GroupLogScales)
		logScales := t.model.LogScales()
		w := t.config.ScaleReg / float32(3*n)
		for i, v := range logScales.Data {
			s := math32.Exp(v)
			extra += w * s
			g.Data[i] += w * s
		}
	}
	return extra
}

// refineDue reports whether this iteration falls inside the refinement
// window and on its cadence.
func (t *Trainer) refineDue(iter int) bool {
	c := t.config
	if c.RefineEvery <= 0 || iter%c.RefineEvery != 0 {
		return false
	}
	if iter <= c.RefineStart {
		return false
	}
	if c.RefineStop > 0 && iter >= c.RefineStop {
		return false
	}
	return true
}

func (t *Trainer) maybeRestructure(iter int) error {
	if !t.refineDue(iter) {
		return nil
	}
	t.modelMu.Lock()
	report, err := t.strat.Restructure(t.model, t.opt, iter)
	t.modelMu.Unlock()
	if err != nil {
		return fmt.Errorf("restructure: %v", err)
	}
	if !report.Empty() {
		logging.Debug("refine iter %d: pruned=%d relocated=%d spawned=%d size=%d",
			iter, report.Pruned, report.Relocated, report.Spawned, report.Size)
	}
	return nil
}

func (t *Trainer) maybeUpgradeSH(iter int) {
	if t.config.SHUpgradeEvery <= 0 || iter%t.config.SHUpgradeEvery != 0 {
		return
	}
	if t.model.ActiveSHDegree() >= t.model.MaxSHDegree() {
		return
	}
	t.modelMu.Lock()
	degree := t.model.IncrementSHDegree()
	t.modelMu.Unlock()
	logging.Debug("iter %d: raised active SH degree to %d", iter, degree)
}

func (t *Trainer) maybeCheckpoint(iter int) {
	if t.sink == nil || t.config.CheckpointEvery <= 0 || iter%t.config.CheckpointEvery != 0 {
		return
	}
	t.saveCheckpoint(iter)
}

// saveCheckpoint writes a snapshot to the sink. Failures are logged and do
// not interrupt training.
func (t *Trainer) saveCheckpoint(iter int) {
	if t.sink == nil {
		return
	}
	snap := t.SnapshotModel()
	if err := t.sink.Save(snap, iter); err != nil {
		logging.Error("checkpoint at iteration %d failed: %v", iter, err)
		return
	}
	t.lastCheckpoint = iter
	logging.Debug("checkpoint written at iteration %d (%d splats)", iter, snap.NumSplats)
}

func (t *Trainer) maybeReportProgress(iter int, force bool) {
	if len(t.observers) == 0 {
		return
	}
	if !force && (t.config.ProgressEvery <= 0 || iter%t.config.ProgressEvery != 0) {
		return
	}
	if iter == t.lastProgress {
		return
	}
	t.lastProgress = iter
	t.observers.OnProgress(Progress{
		Iteration:         iter,
		TotalIterations:   t.config.Iterations,
		Loss:              t.emaLoss,
		NumSplats:         t.model.Size(),
		MeansLR:           t.meansLR.GetLR(iter),
		SkippedIterations: t.skipped,
		Elapsed:           time.Since(t.startTime),
	})
}

// skipError marks a per-view failure the loop recovers from by skipping
// the iteration.
type skipError struct {
	err error
}

func (e *skipError) Error() string {
	return e.err.Error()
}

func (e *skipError) Unwrap() error {
	return e.err
}

func skipf(format string, args ...interface{}) error {
	return &skipError{err: fmt.Errorf(format, args...)}
}

func isSkip(err error) bool {
	var s *skipError
	return errors.As(err, &s)
}
