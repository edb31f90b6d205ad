package splat

import (
	"fmt"

	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"
)

// SHC0 is the degree-zero spherical harmonics basis constant; DC colors
// are stored as (rgb - 0.5) / SHC0.
const SHC0 = 0.28209479177387814

// PointCloud is the sparse geometry a model is seeded from, typically a
// structure-from-motion reconstruction. Colors are optional RGB in [0,1];
// when absent, primitives start mid-gray.
type PointCloud struct {
	Points [][3]float32
	Colors [][3]float32
}

// InitConfig controls point-cloud seeding.
type InitConfig struct {
	MaxSHDegree int
	InitOpacity float32
	// ScaleMultiplier stretches the neighbor-distance derived extents.
	ScaleMultiplier float32
}

// DefaultInitConfig mirrors the defaults most capture pipelines train with.
func DefaultInitConfig() InitConfig {
	return InitConfig{
		MaxSHDegree:     3,
		InitOpacity:     0.5,
		ScaleMultiplier: 1.0,
	}
}

// InitFromPointCloud seeds one primitive per point: DC color from the
// point color, isotropic extent from the mean squared distance to the
// three nearest neighbors, identity rotation, uniform opacity.
func InitFromPointCloud(pc PointCloud, cfg InitConfig) (*SplatData, error) {
	n := len(pc.Points)
	if n == 0 {
		return nil, fmt.Errorf("point cloud is empty")
	}
	if len(pc.Colors) != 0 && len(pc.Colors) != n {
		return nil, fmt.Errorf("point cloud has %d points but %d colors", n, len(pc.Colors))
	}
	if cfg.InitOpacity <= 0 || cfg.InitOpacity >= 1 {
		return nil, fmt.Errorf("init opacity %f out of range (0,1)", cfg.InitOpacity)
	}
	if cfg.ScaleMultiplier <= 0 {
		return nil, fmt.Errorf("scale multiplier must be positive, got %f", cfg.ScaleMultiplier)
	}

	s, err := NewSplatData(n, cfg.MaxSHDegree)
	if err != nil {
		return nil, err
	}

	for i, p := range pc.Points {
		copy(s.means.Data[i*3:i*3+3], p[:])
	}

	for i := 0; i < n; i++ {
		c := [3]float32{0.5, 0.5, 0.5}
		if pc.Colors != nil {
			c = pc.Colors[i]
		}
		for ch := 0; ch < 3; ch++ {
			s.sh0.Data[i*3+ch] = (c[ch] - 0.5) / SHC0
		}
	}

	rawOpacity := Logit(cfg.InitOpacity)
	for i := 0; i < n; i++ {
		s.rawOpacities.Data[i] = rawOpacity
	}

	dists := meanSquaredNeighborDistances(pc.Points, 3)
	for i := 0; i < n; i++ {
		d := math32.Sqrt(dists[i]) * cfg.ScaleMultiplier
		if d < 1e-7 {
			d = 1e-7
		}
		ls := math32.Log(d)
		s.logScales.Data[i*3] = ls
		s.logScales.Data[i*3+1] = ls
		s.logScales.Data[i*3+2] = ls
	}

	return s, nil
}

// RandomPointCloud scatters n colored points uniformly inside a cube of
// the given half-extent around center. Useful for synthetic scenes and
// for seeding when no reconstruction exists.
func RandomPointCloud(n int, center [3]float32, extent float32, rng *rand.Rand) (PointCloud, error) {
	if n <= 0 {
		return PointCloud{}, fmt.Errorf("point count must be positive, got %d", n)
	}
	if extent <= 0 {
		return PointCloud{}, fmt.Errorf("extent must be positive, got %f", extent)
	}

	pc := PointCloud{
		Points: make([][3]float32, n),
		Colors: make([][3]float32, n),
	}
	for i := 0; i < n; i++ {
		for a := 0; a < 3; a++ {
			pc.Points[i][a] = center[a] + (rng.Float32()*2-1)*extent
			pc.Colors[i][a] = rng.Float32()
		}
	}
	return pc, nil
}

// bruteForceThreshold is the point count below which exact pairwise
// search beats building the grid.
const bruteForceThreshold = 512

// meanSquaredNeighborDistances returns, per point, the mean squared
// distance to its k nearest neighbors. Large clouds go through a uniform
// grid so the common case stays near linear.
func meanSquaredNeighborDistances(points [][3]float32, k int) []float32 {
	n := len(points)
	if n == 1 {
		return []float32{1}
	}
	if k > n-1 {
		k = n - 1
	}
	if n <= bruteForceThreshold {
		return bruteForceNeighborDistances(points, k)
	}
	return gridNeighborDistances(points, k)
}

func bruteForceNeighborDistances(points [][3]float32, k int) []float32 {
	n := len(points)
	out := make([]float32, n)
	best := make([]float32, k)
	for i := 0; i < n; i++ {
		for j := range best {
			best[j] = math32.MaxFloat32
		}
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			insertNeighbor(best, squaredDistance(points[i], points[j]))
		}
		out[i] = meanOf(best)
	}
	return out
}

type gridKey struct{ x, y, z int32 }

func gridNeighborDistances(points [][3]float32, k int) []float32 {
	n := len(points)

	lo, hi := points[0], points[0]
	for _, p := range points {
		for a := 0; a < 3; a++ {
			if p[a] < lo[a] {
				lo[a] = p[a]
			}
			if p[a] > hi[a] {
				hi[a] = p[a]
			}
		}
	}
	volume := float64(hi[0]-lo[0]) * float64(hi[1]-lo[1]) * float64(hi[2]-lo[2])
	if volume <= 0 {
		// Degenerate cloud (plane, line or single location); fall back to
		// the largest bounding extent so cells still partition the points.
		span := math32.Max(hi[0]-lo[0], math32.Max(hi[1]-lo[1], hi[2]-lo[2]))
		if span <= 0 {
			out := make([]float32, n)
			return out
		}
		volume = float64(span) * float64(span) * float64(span)
	}
	// Aim for a handful of points per cell.
	cell := math32.Cbrt(float32(volume/float64(n))) * 2
	if cell <= 0 {
		cell = 1
	}

	cells := make(map[gridKey][]int, n/4)
	keyOf := func(p [3]float32) gridKey {
		return gridKey{
			int32(math32.Floor((p[0] - lo[0]) / cell)),
			int32(math32.Floor((p[1] - lo[1]) / cell)),
			int32(math32.Floor((p[2] - lo[2]) / cell)),
		}
	}
	for i, p := range points {
		key := keyOf(p)
		cells[key] = append(cells[key], i)
	}

	maxRing := int32(math32.Ceil(math32.Max(hi[0]-lo[0], math32.Max(hi[1]-lo[1], hi[2]-lo[2]))/cell)) + 1

	out := make([]float32, n)
	best := make([]float32, k)
	for i, p := range points {
		for j := range best {
			best[j] = math32.MaxFloat32
		}
		center := keyOf(p)
		found := 0
		for ring := int32(0); ring <= maxRing; ring++ {
			// Once k neighbors are known and the ring's inner boundary lies
			// beyond the current worst, no closer point can appear.
			if found >= k {
				inner := float32(ring-1) * cell
				if inner > 0 && inner*inner > best[k-1] {
					break
				}
			}
			visitRing(center, ring, func(key gridKey) {
				for _, j := range cells[key] {
					if j == i {
						continue
					}
					insertNeighbor(best, squaredDistance(p, points[j]))
					found++
				}
			})
		}
		out[i] = meanOf(best)
	}
	return out
}

// visitRing calls fn for every cell on the surface of the cube shell at
// Chebyshev distance ring from center. Ring zero is the center itself.
func visitRing(center gridKey, ring int32, fn func(gridKey)) {
	if ring == 0 {
		fn(center)
		return
	}
	for dx := -ring; dx <= ring; dx++ {
		for dy := -ring; dy <= ring; dy++ {
			for dz := -ring; dz <= ring; dz++ {
				if maxAbs3(dx, dy, dz) != ring {
					continue
				}
				fn(gridKey{center.x + dx, center.y + dy, center.z + dz})
			}
		}
	}
}

func maxAbs3(a, b, c int32) int32 {
	m := a
	if m < 0 {
		m = -m
	}
	if b < 0 {
		b = -b
	}
	if b > m {
		m = b
	}
	if c < 0 {
		c = -c
	}
	if c > m {
		m = c
	}
	return m
}

// insertNeighbor keeps best sorted ascending, dropping the worst entry.
func insertNeighbor(best []float32, d2 float32) {
	if d2 >= best[len(best)-1] {
		return
	}
	pos := len(best) - 1
	for pos > 0 && best[pos-1] > d2 {
		best[pos] = best[pos-1]
		pos--
	}
	best[pos] = d2
}

func meanOf(vals []float32) float32 {
	var sum float32
	count := 0
	for _, v := range vals {
		if v == math32.MaxFloat32 {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float32(count)
}

func squaredDistance(a, b [3]float32) float32 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}
