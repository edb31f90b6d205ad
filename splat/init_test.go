package splat

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

func TestInitFromPointCloud(t *testing.T) {
	pc := PointCloud{
		Points: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Colors: [][3]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0.5, 0.5, 0.5}},
	}
	cfg := DefaultInitConfig()
	cfg.MaxSHDegree = 1

	s, err := InitFromPointCloud(pc, cfg)
	if err != nil {
		t.Fatalf("InitFromPointCloud failed: %v", err)
	}
	if s.Size() != 4 {
		t.Fatalf("Size = %d, expected 4", s.Size())
	}

	// Positions copied through.
	if s.MeanAt(1) != [3]float32{1, 0, 0} {
		t.Errorf("mean = %v", s.MeanAt(1))
	}

	// DC color inverts back to the input RGB.
	r := s.SH0().Data[0]*SHC0 + 0.5
	if math.Abs(float64(r-1)) > 1e-5 {
		t.Errorf("red channel = %f, expected 1", r)
	}
	// Mid-gray encodes to exactly zero.
	if got := s.SH0().Data[9]; got != 0 {
		t.Errorf("gray sh0 = %f, expected 0", got)
	}

	// Higher bands start at zero.
	for _, v := range s.SHN().Data {
		if v != 0 {
			t.Fatalf("shn initialized nonzero: %f", v)
		}
	}

	// Opacity matches the configured init value.
	if got := s.OpacityAt(0); math.Abs(float64(got-cfg.InitOpacity)) > 1e-4 {
		t.Errorf("opacity = %f, expected %f", got, cfg.InitOpacity)
	}

	// Unit tetrahedron: all neighbor distances are 1 or sqrt(2), so every
	// extent lies within that range.
	for i := 0; i < 4; i++ {
		sc := s.ScaleAt(i)
		if sc[0] < 0.9 || sc[0] > 1.5 {
			t.Errorf("scale[%d] = %f outside plausible range", i, sc[0])
		}
		if sc[0] != sc[1] || sc[1] != sc[2] {
			t.Errorf("init scale %d not isotropic: %v", i, sc)
		}
	}
}

func TestInitFromPointCloudNoColors(t *testing.T) {
	pc := PointCloud{Points: [][3]float32{{0, 0, 0}, {1, 1, 1}}}
	s, err := InitFromPointCloud(pc, DefaultInitConfig())
	if err != nil {
		t.Fatalf("InitFromPointCloud failed: %v", err)
	}
	// Colorless points start mid-gray, which is zero in the DC basis.
	for _, v := range s.SH0().Data {
		if v != 0 {
			t.Fatalf("sh0 = %f, expected 0 for colorless cloud", v)
		}
	}
}

func TestInitFromPointCloudValidation(t *testing.T) {
	if _, err := InitFromPointCloud(PointCloud{}, DefaultInitConfig()); err == nil {
		t.Error("expected error for empty cloud")
	}

	pc := PointCloud{
		Points: [][3]float32{{0, 0, 0}},
		Colors: [][3]float32{{1, 0, 0}, {0, 1, 0}},
	}
	if _, err := InitFromPointCloud(pc, DefaultInitConfig()); err == nil {
		t.Error("expected error for color count mismatch")
	}

	cfg := DefaultInitConfig()
	cfg.InitOpacity = 1.5
	if _, err := InitFromPointCloud(PointCloud{Points: pc.Points}, cfg); err == nil {
		t.Error("expected error for out-of-range opacity")
	}
}

func TestRandomPointCloud(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	center := [3]float32{1, 2, 3}
	pc, err := RandomPointCloud(100, center, 0.5, rng)
	if err != nil {
		t.Fatalf("RandomPointCloud failed: %v", err)
	}
	if len(pc.Points) != 100 || len(pc.Colors) != 100 {
		t.Fatalf("lengths = %d points, %d colors", len(pc.Points), len(pc.Colors))
	}
	for i, p := range pc.Points {
		for a := 0; a < 3; a++ {
			if p[a] < center[a]-0.5 || p[a] > center[a]+0.5 {
				t.Fatalf("point %d axis %d = %f outside cube", i, a, p[a])
			}
		}
		for a := 0; a < 3; a++ {
			if pc.Colors[i][a] < 0 || pc.Colors[i][a] > 1 {
				t.Fatalf("color %d axis %d = %f outside [0,1]", i, a, pc.Colors[i][a])
			}
		}
	}

	if _, err := RandomPointCloud(0, center, 1, rng); err == nil {
		t.Error("expected error for zero points")
	}
}

func TestNeighborDistancesGridMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := bruteForceThreshold + 40
	points := make([][3]float32, n)
	for i := range points {
		for a := 0; a < 3; a++ {
			points[i][a] = rng.Float32() * 10
		}
	}

	grid := gridNeighborDistances(points, 3)
	brute := bruteForceNeighborDistances(points, 3)
	for i := range points {
		rel := math.Abs(float64(grid[i]-brute[i])) / math.Max(float64(brute[i]), 1e-12)
		if rel > 1e-4 {
			t.Fatalf("point %d: grid %f vs brute %f", i, grid[i], brute[i])
		}
	}
}

func TestInsertNeighbor(t *testing.T) {
	best := []float32{1, 5, 9}
	insertNeighbor(best, 4)
	if best[0] != 1 || best[1] != 4 || best[2] != 5 {
		t.Errorf("best = %v, expected [1 4 5]", best)
	}
	insertNeighbor(best, 100)
	if best[2] != 5 {
		t.Error("insertNeighbor admitted a worse value")
	}
}
