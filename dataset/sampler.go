package dataset

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
)

// SamplerMode selects how training views are ordered across an epoch.
type SamplerMode int

const (
	// RoundRobin visits views in dataset order, wrapping at the end.
	RoundRobin SamplerMode = iota
	// Shuffle visits every view once per epoch in a fresh random order.
	Shuffle
)

func (m SamplerMode) String() string {
	switch m {
	case RoundRobin:
		return "round-robin"
	case Shuffle:
		return "shuffle"
	default:
		return "unknown"
	}
}

// CameraSampler yields view indices for successive training iterations.
// Both modes guarantee every view is visited once before any repeats.
type CameraSampler struct {
	mode     SamplerMode
	indices  []int
	position int
	epoch    int
	rng      *rand.Rand
	mu       sync.Mutex
}

// NewCameraSampler builds a sampler over n views. The seed only matters
// in Shuffle mode, where it makes epoch orders reproducible.
func NewCameraSampler(n int, mode SamplerMode, seed uint64) (*CameraSampler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sampler needs at least one view, got %d", n)
	}

	s := &CameraSampler{
		mode:    mode,
		indices: make([]int, n),
		rng:     rand.New(rand.NewSource(seed)),
	}
	for i := range s.indices {
		s.indices[i] = i
	}
	if mode == Shuffle {
		s.shuffle()
	}
	return s, nil
}

// Next returns the view index for the next iteration, reshuffling at
// epoch boundaries in Shuffle mode.
func (s *CameraSampler) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position >= len(s.indices) {
		s.position = 0
		s.epoch++
		if s.mode == Shuffle {
			s.shuffle()
		}
	}
	idx := s.indices[s.position]
	s.position++
	return idx
}

// Epoch returns the number of completed passes over the dataset.
func (s *CameraSampler) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *CameraSampler) shuffle() {
	s.rng.Shuffle(len(s.indices), func(i, j int) {
		s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	})
}
