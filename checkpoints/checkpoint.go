// Package checkpoints persists reconstruction state: periodic snapshots the
// trainer writes through a sink, and the loaders that resume a run or hand a
// finished scene to a viewer.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// Format defines the serialization format.
type Format int

const (
	// FormatJSON stores the full checkpoint including training state,
	// suitable for resuming.
	FormatJSON Format = iota
	// FormatPLY stores only the primitive set in the splat interchange
	// layout viewers read.
	FormatPLY
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatPLY:
		return "PLY"
	default:
		return "Unknown"
	}
}

func (f Format) extension() string {
	switch f {
	case FormatPLY:
		return ".ply"
	default:
		return ".json"
	}
}

// Checkpoint is a complete persisted training state: the primitive set plus
// the counters needed to resume the schedule where it left off.
type Checkpoint struct {
	Splats   []ParamTensor `json:"splats"`
	IDs      []uint64      `json:"ids,omitempty"`
	Training TrainingState `json:"training_state"`
	Metadata Metadata      `json:"metadata"`
}

// ParamTensor is one parameter group's raw values.
type ParamTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures where the run was when the checkpoint was written.
type TrainingState struct {
	Iteration      int `json:"iteration"`
	NumSplats      int `json:"num_splats"`
	ActiveSHDegree int `json:"active_sh_degree"`
	MaxSHDegree    int `json:"max_sh_degree"`
}

// Metadata identifies a checkpoint's origin.
type Metadata struct {
	Version     string    `json:"version"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

const formatVersion = "1.0.0"

// FromSnapshot packages a model snapshot and iteration counter into a
// checkpoint.
func FromSnapshot(snap *splat.Snapshot, iteration int) (*Checkpoint, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}

	ck := &Checkpoint{
		IDs: snap.IDs,
		Training: TrainingState{
			Iteration:      iteration,
			NumSplats:      snap.NumSplats,
			ActiveSHDegree: snap.ActiveSHDegree,
			MaxSHDegree:    snap.MaxSHDegree,
		},
		Metadata: Metadata{
			Version:   formatVersion,
			CreatedAt: time.Now().UTC(),
		},
	}

	groups := []struct {
		name splat.ParamGroup
		t    *tensor.Tensor
	}{
		{splat.GroupMeans, snap.Means},
		{splat.GroupQuats, snap.Quats},
		{splat.GroupLogScales, snap.LogScales},
		{splat.GroupOpacities, snap.RawOpacities},
		{splat.GroupSH0, snap.SH0},
		{splat.GroupSHN, snap.SHN},
	}
	for _, g := range groups {
		if g.t == nil {
			continue
		}
		ck.Splats = append(ck.Splats, ParamTensor{
			Name:  string(g.name),
			Shape: append([]int(nil), g.t.Shape...),
			Data:  append([]float32(nil), g.t.Data...),
		})
	}
	return ck, nil
}

// ToSnapshot reconstructs a model snapshot from the checkpoint's parameter
// tensors.
func (ck *Checkpoint) ToSnapshot() (*splat.Snapshot, error) {
	snap := &splat.Snapshot{
		NumSplats:      ck.Training.NumSplats,
		MaxSHDegree:    ck.Training.MaxSHDegree,
		ActiveSHDegree: ck.Training.ActiveSHDegree,
		IDs:            ck.IDs,
	}

	for _, p := range ck.Splats {
		t, err := tensor.NewTensor(p.Shape, p.Data)
		if err != nil {
			return nil, fmt.Errorf("parameter group %s: %v", p.Name, err)
		}
		switch splat.ParamGroup(p.Name) {
		case splat.GroupMeans:
			snap.Means = t
		case splat.GroupQuats:
			snap.Quats = t
		case splat.GroupLogScales:
			snap.LogScales = t
		case splat.GroupOpacities:
			snap.RawOpacities = t
		case splat.GroupSH0:
			snap.SH0 = t
		case splat.GroupSHN:
			snap.SHN = t
		default:
			return nil, fmt.Errorf("unknown parameter group %q", p.Name)
		}
	}
	return snap, nil
}

// Saver reads and writes checkpoints in one format.
type Saver struct {
	format Format
}

// NewSaver creates a saver for the given format.
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Save writes the checkpoint to path.
func (s *Saver) Save(ck *Checkpoint, path string) error {
	switch s.format {
	case FormatJSON:
		return s.saveJSON(ck, path)
	case FormatPLY:
		return s.savePLY(ck, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	switch s.format {
	case FormatJSON:
		return s.loadJSON(path)
	case FormatPLY:
		return s.loadPLY(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

func (s *Saver) saveJSON(ck *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(ck); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func (s *Saver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var ck Checkpoint
	if err := json.NewDecoder(file).Decode(&ck); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &ck, nil
}

func (s *Saver) savePLY(ck *Checkpoint, path string) error {
	snap, err := ck.ToSnapshot()
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()
	return WritePLY(file, snap)
}

func (s *Saver) loadPLY(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	snap, err := ReadPLY(file)
	if err != nil {
		return nil, err
	}
	// PLY carries no training state; iteration zero means "fresh".
	return FromSnapshot(snap, 0)
}

// DiskSink writes periodic checkpoints into a directory, one file per
// iteration. It satisfies the trainer's checkpoint sink contract.
type DiskSink struct {
	dir    string
	prefix string
	runID  string
	saver  *Saver
	format Format
}

// NewDiskSink creates the directory if needed and tags every checkpoint it
// writes with a fresh run identifier.
func NewDiskSink(dir string, format Format) (*DiskSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	return &DiskSink{
		dir:    dir,
		prefix: "checkpoint",
		runID:  uuid.NewString(),
		saver:  NewSaver(format),
		format: format,
	}, nil
}

// RunID returns the identifier stamped on this sink's checkpoints.
func (d *DiskSink) RunID() string {
	return d.runID
}

// Path returns the file a given iteration is written to.
func (d *DiskSink) Path(iteration int) string {
	name := fmt.Sprintf("%s_%07d%s", d.prefix, iteration, d.format.extension())
	return filepath.Join(d.dir, name)
}

// Save persists one snapshot. The trainer treats failures as non-fatal.
func (d *DiskSink) Save(snap *splat.Snapshot, iteration int) error {
	ck, err := FromSnapshot(snap, iteration)
	if err != nil {
		return err
	}
	ck.Metadata.RunID = d.runID
	return d.saver.Save(ck, d.Path(iteration))
}

// Resume loads a JSON checkpoint and rebuilds the mutable model plus the
// iteration counter to continue from.
func Resume(path string) (*splat.SplatData, int, error) {
	ck, err := NewSaver(FormatJSON).Load(path)
	if err != nil {
		return nil, 0, err
	}
	snap, err := ck.ToSnapshot()
	if err != nil {
		return nil, 0, fmt.Errorf("invalid checkpoint %s: %v", path, err)
	}
	model, err := splat.FromSnapshot(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid checkpoint %s: %v", path, err)
	}
	return model, ck.Training.Iteration, nil
}
