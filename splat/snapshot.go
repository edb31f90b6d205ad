package splat

import (
	"fmt"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// Snapshot is an immutable deep copy of a model, safe to hand to viewers,
// exporters and checkpoint writers while training keeps mutating the
// source.
type Snapshot struct {
	NumSplats      int
	MaxSHDegree    int
	ActiveSHDegree int

	Means        *tensor.Tensor
	Quats        *tensor.Tensor
	LogScales    *tensor.Tensor
	RawOpacities *tensor.Tensor
	SH0          *tensor.Tensor
	SHN          *tensor.Tensor

	IDs []uint64
}

// Snapshot deep-copies the model. The result shares no memory with s.
func (s *SplatData) Snapshot() *Snapshot {
	snap := &Snapshot{
		NumSplats:      s.n,
		MaxSHDegree:    s.maxSHDegree,
		ActiveSHDegree: s.activeSHDegree,
		Means:          s.means.Clone(),
		Quats:          s.quats.Clone(),
		LogScales:      s.logScales.Clone(),
		RawOpacities:   s.rawOpacities.Clone(),
		SH0:            s.sh0.Clone(),
		IDs:            s.IDs(),
	}
	if s.shN != nil {
		snap.SHN = s.shN.Clone()
	}
	return snap
}

// FromSnapshot reconstructs a mutable model from a snapshot, deep-copying
// so the snapshot stays valid. Used when resuming from a checkpoint.
func FromSnapshot(snap *Snapshot) (*SplatData, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	if snap.NumSplats <= 0 {
		return nil, fmt.Errorf("snapshot holds %d primitives, expected at least one", snap.NumSplats)
	}
	if snap.MaxSHDegree < 0 || snap.MaxSHDegree > 3 {
		return nil, fmt.Errorf("snapshot sh degree %d out of supported range [0,3]", snap.MaxSHDegree)
	}

	s := &SplatData{
		n:           snap.NumSplats,
		maxSHDegree: snap.MaxSHDegree,
	}
	if err := s.SetActiveSHDegree(snap.ActiveSHDegree); err != nil {
		return nil, err
	}

	groups := []struct {
		name ParamGroup
		src  *tensor.Tensor
		dst  **tensor.Tensor
	}{
		{GroupMeans, snap.Means, &s.means},
		{GroupQuats, snap.Quats, &s.quats},
		{GroupLogScales, snap.LogScales, &s.logScales},
		{GroupOpacities, snap.RawOpacities, &s.rawOpacities},
		{GroupSH0, snap.SH0, &s.sh0},
		{GroupSHN, snap.SHN, &s.shN},
	}
	for _, g := range groups {
		dim := RowDim(g.name, snap.MaxSHDegree)
		if dim == 0 {
			if g.src != nil {
				return nil, fmt.Errorf("snapshot group %s present but layout has no such parameters", g.name)
			}
			continue
		}
		if g.src == nil {
			return nil, fmt.Errorf("snapshot group %s is missing", g.name)
		}
		if g.src.Shape[0] != snap.NumSplats || g.src.NumElems != snap.NumSplats*dim {
			return nil, fmt.Errorf("snapshot group %s has shape %v, expected %d rows of %d floats",
				g.name, g.src.Shape, snap.NumSplats, dim)
		}
		*g.dst = g.src.Clone()
	}

	if len(snap.IDs) == snap.NumSplats {
		s.ids = make([]uint64, snap.NumSplats)
		copy(s.ids, snap.IDs)
	} else {
		s.ids = make([]uint64, snap.NumSplats)
		for i := range s.ids {
			s.ids[i] = uint64(i)
		}
	}
	for _, id := range s.ids {
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
	return s, nil
}
