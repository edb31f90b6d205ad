package strategy

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

// MCMCConfig tunes the stochastic densification strategy.
type MCMCConfig struct {
	// MaxCap is the hard primitive budget; spawning never pushes the
	// model past it.
	MaxCap int
	// PruneOpacity is the floor below which a primitive is a prune
	// candidate.
	PruneOpacity float32
	// MaxPruneFraction bounds how much of the model one event may remove.
	MaxPruneFraction float64
	// RelocateFraction is the share of surviving primitives teleported
	// from low-score slots onto sampled high-score targets per event.
	RelocateFraction float64
	// GrowthFactor is the share of the current size spawned per event,
	// subject to the cap.
	GrowthFactor float64
	// PositionJitter scales offspring placement noise in units of the
	// source primitive's extent.
	PositionJitter float32
	// NoiseLR scales the per-step exploration noise applied to positions.
	NoiseLR float32
	// Seed makes relocation and spawning reproducible.
	Seed uint64
}

// DefaultMCMCConfig mirrors the budgets scene reconstruction ships with.
func DefaultMCMCConfig() MCMCConfig {
	return MCMCConfig{
		MaxCap:           1_000_000,
		PruneOpacity:     0.005,
		MaxPruneFraction: 0.1,
		RelocateFraction: 0.01,
		GrowthFactor:     0.05,
		PositionJitter:   1.0,
		NoiseLR:          5e5,
		Seed:             42,
	}
}

// MCMC treats the primitive set as samples from an underlying scene
// distribution. Under-performing primitives are pruned or teleported onto
// high-scoring ones, new primitives split off sampled sources with the
// pair's rendered mass approximately conserved, and a small opacity-gated
// random walk keeps nearly dead primitives exploring.
type MCMC struct {
	cfg    MCMCConfig
	stats  *Stats
	rng    *rand.Rand
	normal distuv.Normal
}

func NewMCMC(cfg MCMCConfig) (*MCMC, error) {
	if cfg.MaxCap <= 0 {
		return nil, fmt.Errorf("max cap must be positive, got %d", cfg.MaxCap)
	}
	if cfg.PruneOpacity <= 0 || cfg.PruneOpacity >= 1 {
		return nil, fmt.Errorf("prune opacity %f out of range (0,1)", cfg.PruneOpacity)
	}
	if cfg.MaxPruneFraction < 0 || cfg.MaxPruneFraction > 1 {
		return nil, fmt.Errorf("max prune fraction %f out of range [0,1]", cfg.MaxPruneFraction)
	}
	if cfg.RelocateFraction < 0 || cfg.RelocateFraction > 0.5 {
		return nil, fmt.Errorf("relocate fraction %f out of range [0,0.5]", cfg.RelocateFraction)
	}
	if cfg.GrowthFactor < 0 {
		return nil, fmt.Errorf("growth factor must be non-negative, got %f", cfg.GrowthFactor)
	}
	if cfg.PositionJitter < 0 {
		return nil, fmt.Errorf("position jitter must be non-negative, got %f", cfg.PositionJitter)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	return &MCMC{
		cfg:    cfg,
		stats:  NewStats(0),
		rng:    rng,
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
	}, nil
}

func (m *MCMC) Name() string { return "mcmc" }

// Observe implements Strategy. Statistics silently re-home when the model
// was restructured outside the strategy, e.g. right after a checkpoint
// restore.
func (m *MCMC) Observe(model *splat.SplatData, grads *splat.Gradients, visible []bool, _ int) {
	if m.stats.Len() != model.Size() {
		m.stats.Reset(model.Size())
	}
	// Layout mismatches were validated upstream; an error here means the
	// caller handed us gradients for a different model.
	_ = m.stats.Observe(grads, visible)
}

// PostStep implements Strategy: an opacity-gated random walk on positions.
// The gate is close to half for primitives at the prune floor and falls
// off steeply as opacity grows, so established primitives barely move
// while dying ones search for support.
func (m *MCMC) PostStep(model *splat.SplatData, meansLR float32, _ int) {
	if m.cfg.NoiseLR == 0 || meansLR == 0 {
		return
	}
	const gateSharpness = 100

	n := model.Size()
	means := model.Means()
	for i := 0; i < n; i++ {
		opacity := model.OpacityAt(i)
		gate := splat.Sigmoid(gateSharpness * (m.cfg.PruneOpacity - opacity))
		if gate < 1e-6 {
			continue
		}

		scale := model.ScaleAt(i)
		local := [3]float32{
			float32(m.normal.Rand()) * scale[0],
			float32(m.normal.Rand()) * scale[1],
			float32(m.normal.Rand()) * scale[2],
		}
		world := splat.RotateByQuat(model.NormalizedQuatAt(i), local)

		amp := gate * m.cfg.NoiseLR * meansLR
		means.Data[i*3] += amp * world[0]
		means.Data[i*3+1] += amp * world[1]
		means.Data[i*3+2] += amp * world[2]
	}
}

// Restructure implements Strategy. The event runs prune, relocate and
// spawn phases against the statistics window, then resets it. An event
// with nothing to do returns an empty report and is otherwise a no-op.
func (m *MCMC) Restructure(model *splat.SplatData, opt MomentRealigner, _ int) (Report, error) {
	if m.stats.Len() != model.Size() {
		m.stats.Reset(model.Size())
	}

	report := Report{}

	pruned, err := m.prune(model, opt)
	if err != nil {
		return Report{}, err
	}
	report.Pruned = pruned

	scores := m.stats.Scores()
	var total float64
	for _, s := range scores {
		total += s
	}

	if total > 0 {
		reused := make([]int, 0)

		relocated, sampler, err := m.relocate(model, scores, &reused)
		if err != nil {
			return Report{}, err
		}
		report.Relocated = relocated

		spawned, err := m.spawn(model, opt, sampler, &reused)
		if err != nil {
			return Report{}, err
		}
		report.Spawned = spawned

		if len(reused) > 0 {
			if err := opt.ZeroRows(reused); err != nil {
				return Report{}, fmt.Errorf("zeroing reused rows: %v", err)
			}
		}
	}

	m.stats.Reset(model.Size())
	report.Size = model.Size()
	return report, nil
}

// prune removes primitives whose opacity fell under the floor, keeping
// the per-event removal bounded and never emptying the model.
func (m *MCMC) prune(model *splat.SplatData, opt MomentRealigner) (int, error) {
	n := model.Size()
	candidates := make([]int, 0)
	for i := 0; i < n; i++ {
		if model.OpacityAt(i) < m.cfg.PruneOpacity {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	bound := int(m.cfg.MaxPruneFraction * float64(n))
	if bound < 1 && m.cfg.MaxPruneFraction > 0 {
		// A positive budget always admits at least one removal, even
		// when the model is too small for the fraction to round up.
		bound = 1
	}
	if len(candidates) > bound {
		// Keep the most transparent ones within budget.
		sort.Slice(candidates, func(a, b int) bool {
			return model.OpacityAt(candidates[a]) < model.OpacityAt(candidates[b])
		})
		candidates = candidates[:bound]
	}
	if len(candidates) >= n {
		candidates = candidates[:n-1]
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	rel, err := model.Remove(candidates)
	if err != nil {
		return 0, fmt.Errorf("prune: %v", err)
	}
	m.stats.Realign(rel)
	if err := opt.Realign(rel); err != nil {
		return 0, fmt.Errorf("prune realign: %v", err)
	}
	return len(candidates), nil
}

// relocate teleports the lowest-scoring primitives onto score-sampled
// targets, splitting each target's rendered mass with its new twin. The
// returned sampler continues without replacement into the spawn phase.
func (m *MCMC) relocate(model *splat.SplatData, scores []float64, reused *[]int) (int, *sampleuv.Weighted, error) {
	n := model.Size()
	budget := int(m.cfg.RelocateFraction * float64(n))

	weights := make([]float64, n)
	copy(weights, scores)

	var bodies []int
	if budget > 0 {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			if scores[order[a]] != scores[order[b]] {
				return scores[order[a]] < scores[order[b]]
			}
			return order[a] < order[b]
		})
		bodies = order[:budget]
		for _, b := range bodies {
			weights[b] = 0
		}
	}

	sampler := sampleuv.NewWeighted(weights, m.rng)

	relocated := 0
	for _, body := range bodies {
		target, ok := sampler.Take()
		if !ok {
			break
		}
		m.splitInto(model, target, body)
		model.RefreshID(body)
		*reused = append(*reused, body, target)
		relocated++
	}
	return relocated, &sampler, nil
}

// spawn splits new primitives off score-sampled sources, appending them
// at the tail and keeping the total under the cap.
func (m *MCMC) spawn(model *splat.SplatData, opt MomentRealigner, sampler *sampleuv.Weighted, reused *[]int) (int, error) {
	n := model.Size()
	budget := int(m.cfg.GrowthFactor * float64(n))
	if room := m.cfg.MaxCap - n; budget > room {
		budget = room
	}
	if budget <= 0 {
		return 0, nil
	}

	sources := make([]int, 0, budget)
	for len(sources) < budget {
		src, ok := sampler.Take()
		if !ok {
			break
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return 0, nil
	}

	batch, err := splat.NewBatch(len(sources), model.MaxSHDegree())
	if err != nil {
		return 0, err
	}
	for row, src := range sources {
		m.splitModelRow(model, src)
		if err := batch.CopyFromModel(row, model, src); err != nil {
			return 0, err
		}
		batch.SetMean(row, m.jitteredMean(model, src))
		*reused = append(*reused, src)
	}

	rel, err := model.Append(batch)
	if err != nil {
		return 0, fmt.Errorf("spawn: %v", err)
	}
	m.stats.Realign(rel)
	if err := opt.Realign(rel); err != nil {
		return 0, fmt.Errorf("spawn realign: %v", err)
	}
	return len(sources), nil
}

// splitInto splits target's rendered mass between target and the reused
// slot body: both end with the split opacity and shrunken extents, body
// placed near target with jitter.
func (m *MCMC) splitInto(model *splat.SplatData, target, body int) {
	m.splitModelRow(model, target)
	// Body becomes a twin of the post-split target.
	_ = model.CopyRow(body, target)
	model.SetMeanAt(body, m.jitteredMean(model, target))
}

// splitModelRow rewrites row i in place with the two-way split opacity
// and the extents that keep opacity times volume conserved across the
// resulting pair.
func (m *MCMC) splitModelRow(model *splat.SplatData, i int) {
	o := model.OpacityAt(i)
	newO := splitOpacity(o)
	factor := math32.Cbrt(o / (2 * newO))

	scale := model.ScaleAt(i)
	for a := 0; a < 3; a++ {
		scale[a] *= factor
	}
	model.SetOpacityAt(i, newO)
	model.SetScaleAt(i, scale)
}

// splitOpacity returns the per-twin opacity after a two-way split. The
// form keeps the union coverage of two overlapping twins equal to the
// original: 1-(1-o')^2 = o.
func splitOpacity(o float32) float32 {
	if o < 0 {
		o = 0
	}
	if o > 1 {
		o = 1
	}
	return 1 - math32.Sqrt(1-o)
}

// jitteredMean samples a position near source i, offset by normal noise
// scaled to the primitive's own extents and orientation.
func (m *MCMC) jitteredMean(model *splat.SplatData, i int) [3]float32 {
	mean := model.MeanAt(i)
	if m.cfg.PositionJitter == 0 {
		return mean
	}
	scale := model.ScaleAt(i)
	local := [3]float32{
		float32(m.normal.Rand()) * scale[0] * m.cfg.PositionJitter,
		float32(m.normal.Rand()) * scale[1] * m.cfg.PositionJitter,
		float32(m.normal.Rand()) * scale[2] * m.cfg.PositionJitter,
	}
	world := splat.RotateByQuat(model.NormalizedQuatAt(i), local)
	return [3]float32{mean[0] + world[0], mean[1] + world[1], mean[2] + world[2]}
}
