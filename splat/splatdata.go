// Package splat holds the mutable Gaussian primitive set a scene is
// optimized over. Parameters are stored as struct-of-arrays tensors in
// their unconstrained optimization domains: scales as logarithms,
// opacities as logits. Structural mutations (Append, Remove) go through
// this package so every per-primitive array stays index-aligned and the
// caller receives a Relayout describing how rows moved.
package splat

import (
	"fmt"
	"sort"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// ParamGroup names one optimizable parameter family. The names double as
// checkpoint tensor names, so they are part of the on-disk format.
type ParamGroup string

const (
	GroupMeans     ParamGroup = "means"
	GroupQuats     ParamGroup = "quats"
	GroupLogScales ParamGroup = "log_scales"
	GroupOpacities ParamGroup = "opacities"
	GroupSH0       ParamGroup = "sh0"
	GroupSHN       ParamGroup = "shn"
)

// Groups returns every parameter group in a stable order.
func Groups() []ParamGroup {
	return []ParamGroup{GroupMeans, GroupQuats, GroupLogScales, GroupOpacities, GroupSH0, GroupSHN}
}

// SHCoeffs returns the number of spherical-harmonics coefficients per
// color channel for the given degree.
func SHCoeffs(degree int) int {
	return (degree + 1) * (degree + 1)
}

// RowDim returns the number of floats one primitive occupies in a group.
// GroupSHN has dimension zero when the model carries no higher-order
// harmonics.
func RowDim(g ParamGroup, maxSHDegree int) int {
	switch g {
	case GroupMeans, GroupLogScales, GroupSH0:
		return 3
	case GroupQuats:
		return 4
	case GroupOpacities:
		return 1
	case GroupSHN:
		return (SHCoeffs(maxSHDegree) - 1) * 3
	default:
		return 0
	}
}

// SplatData is the scene model. It is not safe for concurrent use; the
// trainer serializes mutations and hands concurrent readers deep-copied
// snapshots instead.
type SplatData struct {
	n              int
	maxSHDegree    int
	activeSHDegree int

	means        *tensor.Tensor // [n,3]
	quats        *tensor.Tensor // [n,4] w-first, unnormalized
	logScales    *tensor.Tensor // [n,3]
	rawOpacities *tensor.Tensor // [n]
	sh0          *tensor.Tensor // [n,3]
	shN          *tensor.Tensor // [n,K-1,3], nil when maxSHDegree == 0

	ids    []uint64
	nextID uint64
}

// NewSplatData allocates a model of n primitives with identity rotations
// and all other parameters zero.
func NewSplatData(n, maxSHDegree int) (*SplatData, error) {
	if n <= 0 {
		return nil, fmt.Errorf("model must hold at least one primitive, got %d", n)
	}
	if maxSHDegree < 0 || maxSHDegree > 3 {
		return nil, fmt.Errorf("sh degree %d out of supported range [0,3]", maxSHDegree)
	}

	s := &SplatData{n: n, maxSHDegree: maxSHDegree}

	var err error
	if s.means, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if s.quats, err = tensor.Zeros([]int{n, 4}); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		s.quats.Data[i*4] = 1
	}
	if s.logScales, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if s.rawOpacities, err = tensor.Zeros([]int{n}); err != nil {
		return nil, err
	}
	if s.sh0, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if maxSHDegree > 0 {
		if s.shN, err = tensor.Zeros([]int{n, SHCoeffs(maxSHDegree) - 1, 3}); err != nil {
			return nil, err
		}
	}

	s.ids = make([]uint64, n)
	for i := range s.ids {
		s.ids[i] = uint64(i)
	}
	s.nextID = uint64(n)
	return s, nil
}

func (s *SplatData) Size() int           { return s.n }
func (s *SplatData) MaxSHDegree() int    { return s.maxSHDegree }
func (s *SplatData) ActiveSHDegree() int { return s.activeSHDegree }

// IncrementSHDegree raises the optimized harmonics band by one, saturating
// at the layout's maximum. Returns the new active degree.
func (s *SplatData) IncrementSHDegree() int {
	if s.activeSHDegree < s.maxSHDegree {
		s.activeSHDegree++
	}
	return s.activeSHDegree
}

func (s *SplatData) SetActiveSHDegree(d int) error {
	if d < 0 || d > s.maxSHDegree {
		return fmt.Errorf("active sh degree %d out of range [0,%d]", d, s.maxSHDegree)
	}
	s.activeSHDegree = d
	return nil
}

// Means returns the live [n,3] position tensor. Callers may mutate values
// but never the shape; structural changes go through Append and Remove.
func (s *SplatData) Means() *tensor.Tensor { return s.means }

// Quats returns the live [n,4] rotation tensor, w-first and unnormalized.
func (s *SplatData) Quats() *tensor.Tensor { return s.quats }

// LogScales returns the live [n,3] log-domain scale tensor.
func (s *SplatData) LogScales() *tensor.Tensor { return s.logScales }

// RawOpacities returns the live [n] logit-domain opacity tensor.
func (s *SplatData) RawOpacities() *tensor.Tensor { return s.rawOpacities }

// SH0 returns the live [n,3] DC color tensor.
func (s *SplatData) SH0() *tensor.Tensor { return s.sh0 }

// SHN returns the live higher-order harmonics tensor, or nil when the
// model was built with degree zero.
func (s *SplatData) SHN() *tensor.Tensor { return s.shN }

// Group returns the live tensor for g, or nil for an absent GroupSHN.
func (s *SplatData) Group(g ParamGroup) *tensor.Tensor {
	switch g {
	case GroupMeans:
		return s.means
	case GroupQuats:
		return s.quats
	case GroupLogScales:
		return s.logScales
	case GroupOpacities:
		return s.rawOpacities
	case GroupSH0:
		return s.sh0
	case GroupSHN:
		return s.shN
	default:
		return nil
	}
}

// ID returns the stable identity of the primitive currently at index i.
func (s *SplatData) ID(i int) uint64 { return s.ids[i] }

// IDs returns a copy of the identity array.
func (s *SplatData) IDs() []uint64 {
	out := make([]uint64, len(s.ids))
	copy(out, s.ids)
	return out
}

// RefreshID assigns a new identity to the primitive at index i and
// returns it. Used when a slot is reused for a logically new primitive.
func (s *SplatData) RefreshID(i int) uint64 {
	s.ids[i] = s.nextID
	s.nextID++
	return s.ids[i]
}

// ApplyUpdate subtracts optimizer deltas from every parameter group in
// place. The primitive count never changes here.
func (s *SplatData) ApplyUpdate(deltas *Gradients) error {
	if err := deltas.Validate(s.n, s.maxSHDegree); err != nil {
		return fmt.Errorf("update rejected: %v", err)
	}
	for _, g := range Groups() {
		p := s.Group(g)
		d := deltas.Group(g)
		if p == nil {
			continue
		}
		for i := range p.Data {
			p.Data[i] -= d.Data[i]
		}
	}
	return nil
}

// CopyRow copies every parameter of primitive src into slot dst. The
// identity of dst is untouched; callers reusing the slot for a new
// primitive should follow with RefreshID.
func (s *SplatData) CopyRow(dst, src int) error {
	if dst < 0 || dst >= s.n || src < 0 || src >= s.n {
		return fmt.Errorf("row copy %d -> %d out of range [0,%d)", src, dst, s.n)
	}
	s.copyRowAll(dst, src)
	return nil
}

func (s *SplatData) copyRowAll(dst, src int) {
	for _, g := range Groups() {
		t := s.Group(g)
		if t == nil {
			continue
		}
		dim := RowDim(g, s.maxSHDegree)
		copy(t.Data[dst*dim:(dst+1)*dim], t.Data[src*dim:(src+1)*dim])
	}
}

// Remove deletes the given primitive indices and compacts the arrays by
// moving tail survivors into the holes. Indices must be unique and in
// range, and at least one primitive must survive. The returned Relayout
// records every executed move so per-primitive sidecar state (optimizer
// moments, accumulated statistics) can be realigned.
func (s *SplatData) Remove(indices []int) (Relayout, error) {
	oldN := s.n
	if len(indices) == 0 {
		return Relayout{OldN: oldN, NewN: oldN}, nil
	}

	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= oldN {
			return Relayout{}, fmt.Errorf("remove index %d out of range [0,%d)", idx, oldN)
		}
		if seen[idx] {
			return Relayout{}, fmt.Errorf("duplicate remove index %d", idx)
		}
		seen[idx] = true
	}

	newN := oldN - len(indices)
	if newN == 0 {
		return Relayout{}, fmt.Errorf("cannot remove all %d primitives", oldN)
	}

	holes := make([]int, 0, len(indices))
	for idx := range seen {
		holes = append(holes, idx)
	}
	sort.Ints(holes)

	var moves []Move
	tail := oldN - 1
	for _, hole := range holes {
		if hole >= newN {
			break
		}
		for seen[tail] {
			tail--
		}
		if tail <= hole {
			break
		}
		s.copyRowAll(hole, tail)
		s.ids[hole] = s.ids[tail]
		moves = append(moves, Move{From: tail, To: hole})
		tail--
	}

	s.truncate(newN)
	return Relayout{OldN: oldN, NewN: newN, Removed: holes, Moves: moves}, nil
}

func (s *SplatData) truncate(newN int) {
	for _, g := range Groups() {
		t := s.Group(g)
		if t == nil {
			continue
		}
		dim := RowDim(g, s.maxSHDegree)
		t.Shape[0] = newN
		t.NumElems = newN * dim
		t.Data = t.Data[:t.NumElems]
	}
	s.ids = s.ids[:newN]
	s.n = newN
}

// Append grows the model by the batch's rows, assigning fresh identities.
// The batch layout must match the model's harmonics layout.
func (s *SplatData) Append(b *Batch) (Relayout, error) {
	if b == nil || b.rows == 0 {
		return Relayout{OldN: s.n, NewN: s.n}, nil
	}
	if b.maxSHDegree != s.maxSHDegree {
		return Relayout{}, fmt.Errorf("batch sh degree %d does not match model degree %d", b.maxSHDegree, s.maxSHDegree)
	}

	oldN := s.n
	newN := oldN + b.rows
	for _, g := range Groups() {
		t := s.Group(g)
		if t == nil {
			continue
		}
		dim := RowDim(g, s.maxSHDegree)
		t.Data = append(t.Data, b.group(g).Data...)
		t.Shape[0] = newN
		t.NumElems = newN * dim
	}
	for i := 0; i < b.rows; i++ {
		s.ids = append(s.ids, s.nextID)
		s.nextID++
	}
	s.n = newN
	return Relayout{OldN: oldN, NewN: newN, Appended: b.rows}, nil
}

// Batch stages rows to append to a model. Rows start zeroed with identity
// rotations.
type Batch struct {
	rows        int
	maxSHDegree int

	means        *tensor.Tensor
	quats        *tensor.Tensor
	logScales    *tensor.Tensor
	rawOpacities *tensor.Tensor
	sh0          *tensor.Tensor
	shN          *tensor.Tensor
}

// NewBatch allocates a staging batch of k rows matching the given
// harmonics layout.
func NewBatch(k, maxSHDegree int) (*Batch, error) {
	if k <= 0 {
		return nil, fmt.Errorf("batch must hold at least one row, got %d", k)
	}
	model, err := NewSplatData(k, maxSHDegree)
	if err != nil {
		return nil, err
	}
	return &Batch{
		rows:         k,
		maxSHDegree:  maxSHDegree,
		means:        model.means,
		quats:        model.quats,
		logScales:    model.logScales,
		rawOpacities: model.rawOpacities,
		sh0:          model.sh0,
		shN:          model.shN,
	}, nil
}

func (b *Batch) Rows() int { return b.rows }

func (b *Batch) group(g ParamGroup) *tensor.Tensor {
	switch g {
	case GroupMeans:
		return b.means
	case GroupQuats:
		return b.quats
	case GroupLogScales:
		return b.logScales
	case GroupOpacities:
		return b.rawOpacities
	case GroupSH0:
		return b.sh0
	case GroupSHN:
		return b.shN
	default:
		return nil
	}
}

// CopyFromModel fills batch row dst with a full copy of model primitive src.
func (b *Batch) CopyFromModel(dst int, s *SplatData, src int) error {
	if dst < 0 || dst >= b.rows {
		return fmt.Errorf("batch row %d out of range [0,%d)", dst, b.rows)
	}
	if src < 0 || src >= s.n {
		return fmt.Errorf("model row %d out of range [0,%d)", src, s.n)
	}
	if b.maxSHDegree != s.maxSHDegree {
		return fmt.Errorf("batch sh degree %d does not match model degree %d", b.maxSHDegree, s.maxSHDegree)
	}
	for _, g := range Groups() {
		from := s.Group(g)
		if from == nil {
			continue
		}
		dim := RowDim(g, s.maxSHDegree)
		copy(b.group(g).Data[dst*dim:(dst+1)*dim], from.Data[src*dim:(src+1)*dim])
	}
	return nil
}

// SetMean overwrites the position of batch row i.
func (b *Batch) SetMean(i int, p [3]float32) {
	copy(b.means.Data[i*3:i*3+3], p[:])
}

// SetLogScale overwrites the log-domain scale of batch row i.
func (b *Batch) SetLogScale(i int, ls [3]float32) {
	copy(b.logScales.Data[i*3:i*3+3], ls[:])
}

// SetRawOpacity overwrites the logit-domain opacity of batch row i.
func (b *Batch) SetRawOpacity(i int, raw float32) {
	b.rawOpacities.Data[i] = raw
}
