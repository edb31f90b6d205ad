package strategy

import (
	"fmt"

	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

// Stats accumulates the per-primitive densification signal between
// restructuring events: the summed positional gradient magnitude and the
// number of iterations the primitive was visible in.
type Stats struct {
	gradNorm []float32
	visCount []int32
}

func NewStats(n int) *Stats {
	return &Stats{
		gradNorm: make([]float32, n),
		visCount: make([]int32, n),
	}
}

func (s *Stats) Len() int {
	return len(s.gradNorm)
}

// Observe folds one iteration into the accumulators. Invisible primitives
// contribute nothing.
func (s *Stats) Observe(grads *splat.Gradients, visible []bool) error {
	n := len(s.gradNorm)
	if grads.Means.Shape[0] != n {
		return fmt.Errorf("gradients cover %d primitives but stats track %d", grads.Means.Shape[0], n)
	}
	if visible != nil && len(visible) != n {
		return fmt.Errorf("visibility mask has %d entries but stats track %d", len(visible), n)
	}
	for i := 0; i < n; i++ {
		if visible != nil && !visible[i] {
			continue
		}
		s.gradNorm[i] += grads.MeanRowNorm(i)
		s.visCount[i]++
	}
	return nil
}

// Score is the densification score of primitive i: accumulated positional
// gradient magnitude normalized by how often the primitive was seen. A
// primitive never observed in the window scores zero.
func (s *Stats) Score(i int) float64 {
	if s.visCount[i] == 0 {
		return 0
	}
	return float64(s.gradNorm[i]) / float64(s.visCount[i])
}

// Scores materializes every primitive's score.
func (s *Stats) Scores() []float64 {
	out := make([]float64, len(s.gradNorm))
	for i := range out {
		out[i] = s.Score(i)
	}
	return out
}

// VisCount reports how many observed iterations primitive i was visible in.
func (s *Stats) VisCount(i int) int32 {
	return s.visCount[i]
}

// Reset clears the window and resizes to n primitives.
func (s *Stats) Reset(n int) {
	if cap(s.gradNorm) >= n {
		s.gradNorm = s.gradNorm[:n]
		s.visCount = s.visCount[:n]
	} else {
		s.gradNorm = make([]float32, n)
		s.visCount = make([]int32, n)
	}
	for i := 0; i < n; i++ {
		s.gradNorm[i] = 0
		s.visCount[i] = 0
	}
}

// Realign replays a structural mutation so accumulated values keep
// following their primitives.
func (s *Stats) Realign(r splat.Relayout) {
	for _, mv := range r.Moves {
		s.gradNorm[mv.To] = s.gradNorm[mv.From]
		s.visCount[mv.To] = s.visCount[mv.From]
	}
	if r.NewN <= len(s.gradNorm) {
		s.gradNorm = s.gradNorm[:r.NewN]
		s.visCount = s.visCount[:r.NewN]
		return
	}
	for len(s.gradNorm) < r.NewN {
		s.gradNorm = append(s.gradNorm, 0)
		s.visCount = append(s.visCount, 0)
	}
}
