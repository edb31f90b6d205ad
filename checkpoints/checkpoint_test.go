package checkpoints

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
)

func buildModel(t *testing.T, n, maxSH int) *splat.SplatData {
	t.Helper()
	model, err := splat.NewSplatData(n, maxSH)
	if err != nil {
		t.Fatalf("NewSplatData failed: %v", err)
	}
	for i := 0; i < n; i++ {
		f := float32(i)
		model.SetMeanAt(i, [3]float32{f, 2 * f, -f})
		model.SetScaleAt(i, [3]float32{0.1 + f/10, 0.2, 0.3})
		model.SetOpacityAt(i, 0.1+0.8*f/float32(n))
	}
	sh0 := model.Group(splat.GroupSH0)
	for i := range sh0.Data {
		sh0.Data[i] = float32(i) * 0.01
	}
	if shn := model.Group(splat.GroupSHN); shn != nil {
		for i := range shn.Data {
			shn.Data[i] = float32(i) * 0.001
		}
	}
	return model
}

func tensorsEqual(t *testing.T, name string, a, b []float32) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("%s length mismatch: %d vs %d", name, len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("%s[%d] = %g, want %g", name, i, b[i], a[i])
		}
	}
}

func TestCheckpointJSONRoundTrip(t *testing.T) {
	model := buildModel(t, 6, 2)
	snap := model.Snapshot()

	sink, err := NewDiskSink(t.TempDir(), FormatJSON)
	if err != nil {
		t.Fatalf("NewDiskSink failed: %v", err)
	}
	if sink.RunID() == "" {
		t.Error("sink should carry a run id")
	}
	if err := sink.Save(snap, 1234); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	path := sink.Path(1234)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	restored, iteration, err := Resume(path)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if iteration != 1234 {
		t.Errorf("iteration = %d, want 1234", iteration)
	}
	if restored.Size() != model.Size() {
		t.Errorf("size = %d, want %d", restored.Size(), model.Size())
	}
	if restored.MaxSHDegree() != 2 || restored.ActiveSHDegree() != model.ActiveSHDegree() {
		t.Errorf("degrees = %d/%d, want %d/%d",
			restored.ActiveSHDegree(), restored.MaxSHDegree(),
			model.ActiveSHDegree(), model.MaxSHDegree())
	}

	for _, g := range splat.Groups() {
		orig := model.Group(g)
		back := restored.Group(g)
		if orig == nil && back == nil {
			continue
		}
		tensorsEqual(t, string(g), orig.Data, back.Data)
	}

	origIDs := model.IDs()
	backIDs := restored.IDs()
	for i := range origIDs {
		if origIDs[i] != backIDs[i] {
			t.Fatalf("id[%d] = %d, want %d", i, backIDs[i], origIDs[i])
		}
	}
}

func TestCheckpointMetadata(t *testing.T) {
	model := buildModel(t, 3, 0)
	ck, err := FromSnapshot(model.Snapshot(), 50)
	if err != nil {
		t.Fatalf("FromSnapshot failed: %v", err)
	}
	if ck.Metadata.Version == "" {
		t.Error("checkpoint should carry a format version")
	}
	if ck.Metadata.CreatedAt.IsZero() {
		t.Error("checkpoint should carry a creation time")
	}
	if ck.Training.NumSplats != 3 || ck.Training.Iteration != 50 {
		t.Errorf("training state = %+v", ck.Training)
	}
	// Degree zero layout has no higher-order group.
	for _, p := range ck.Splats {
		if p.Name == string(splat.GroupSHN) {
			t.Error("degree-0 checkpoint should not contain the shn group")
		}
	}

	if _, err := FromSnapshot(nil, 0); err == nil {
		t.Error("expected error for nil snapshot")
	}
}

func TestCheckpointToSnapshotRejectsBadGroups(t *testing.T) {
	model := buildModel(t, 3, 0)
	ck, err := FromSnapshot(model.Snapshot(), 10)
	if err != nil {
		t.Fatalf("FromSnapshot failed: %v", err)
	}

	ck.Splats[0].Name = "mystery"
	if _, err := ck.ToSnapshot(); err == nil {
		t.Error("expected error for unknown group name")
	}

	ck.Splats[0].Name = string(splat.GroupMeans)
	ck.Splats[0].Shape = []int{2, 2}
	if _, err := ck.ToSnapshot(); err == nil {
		t.Error("expected error for shape/data mismatch")
	}
}

func TestPLYRoundTrip(t *testing.T) {
	model := buildModel(t, 5, 2)
	snap := model.Snapshot()

	var buf bytes.Buffer
	if err := WritePLY(&buf, snap); err != nil {
		t.Fatalf("WritePLY failed: %v", err)
	}

	back, err := ReadPLY(&buf)
	if err != nil {
		t.Fatalf("ReadPLY failed: %v", err)
	}
	if back.NumSplats != 5 {
		t.Errorf("vertices = %d, want 5", back.NumSplats)
	}
	if back.MaxSHDegree != 2 || back.ActiveSHDegree != 2 {
		t.Errorf("degrees = %d/%d, want 2/2", back.ActiveSHDegree, back.MaxSHDegree)
	}

	tensorsEqual(t, "means", snap.Means.Data, back.Means.Data)
	tensorsEqual(t, "quats", snap.Quats.Data, back.Quats.Data)
	tensorsEqual(t, "log scales", snap.LogScales.Data, back.LogScales.Data)
	tensorsEqual(t, "opacities", snap.RawOpacities.Data, back.RawOpacities.Data)
	tensorsEqual(t, "sh0", snap.SH0.Data, back.SH0.Data)
	tensorsEqual(t, "shn", snap.SHN.Data, back.SHN.Data)
}

func TestPLYRoundTripDegreeZero(t *testing.T) {
	model := buildModel(t, 4, 0)
	snap := model.Snapshot()

	var buf bytes.Buffer
	if err := WritePLY(&buf, snap); err != nil {
		t.Fatalf("WritePLY failed: %v", err)
	}
	back, err := ReadPLY(&buf)
	if err != nil {
		t.Fatalf("ReadPLY failed: %v", err)
	}
	if back.MaxSHDegree != 0 || back.SHN != nil {
		t.Errorf("degree-0 file should parse without higher-order harmonics")
	}
	tensorsEqual(t, "means", snap.Means.Data, back.Means.Data)
}

func TestPLYSaverRoundTrip(t *testing.T) {
	model := buildModel(t, 4, 1)
	sink, err := NewDiskSink(t.TempDir(), FormatPLY)
	if err != nil {
		t.Fatalf("NewDiskSink failed: %v", err)
	}
	if err := sink.Save(model.Snapshot(), 100); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	path := sink.Path(100)
	if !strings.HasSuffix(path, ".ply") {
		t.Errorf("ply sink path = %q, want .ply suffix", path)
	}

	ck, err := NewSaver(FormatPLY).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// PLY carries no schedule position.
	if ck.Training.Iteration != 0 {
		t.Errorf("ply iteration = %d, want 0", ck.Training.Iteration)
	}
	if ck.Training.NumSplats != 4 {
		t.Errorf("ply splats = %d, want 4", ck.Training.NumSplats)
	}
}

func TestReadPLYRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"not ply", "nope\n"},
		{"ascii format", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nend_header\n"},
		{"no vertex element", "ply\nformat binary_little_endian 1.0\nend_header\n"},
		{"double property", "ply\nformat binary_little_endian 1.0\nelement vertex 1\nproperty double x\nend_header\n"},
		{
			"missing opacity",
			"ply\nformat binary_little_endian 1.0\nelement vertex 1\n" +
				"property float x\nproperty float y\nproperty float z\n" +
				"property float f_dc_0\nproperty float f_dc_1\nproperty float f_dc_2\n" +
				"property float scale_0\nproperty float scale_1\nproperty float scale_2\n" +
				"property float rot_0\nproperty float rot_1\nproperty float rot_2\nproperty float rot_3\n" +
				"end_header\n" + strings.Repeat("\x00", 13*4),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadPLY(strings.NewReader(tt.header)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestReadPLYTruncatedBody(t *testing.T) {
	model := buildModel(t, 3, 0)
	var buf bytes.Buffer
	if err := WritePLY(&buf, model.Snapshot()); err != nil {
		t.Fatalf("WritePLY failed: %v", err)
	}
	data := buf.Bytes()
	if _, err := ReadPLY(bytes.NewReader(data[:len(data)-8])); err == nil {
		t.Error("expected error for truncated vertex data")
	}
}

func TestSaverUnknownFormat(t *testing.T) {
	s := NewSaver(Format(42))
	if err := s.Save(&Checkpoint{}, "x"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := s.Load("x"); err == nil {
		t.Error("expected error for unknown format")
	}
}
