package checkpoints

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zhouxl3/gaussian-splatting-cuda/splat"
	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// The PLY layout below is the de-facto interchange format for Gaussian
// splat scenes: one vertex per primitive with position, unused normals,
// DC color coefficients, higher-order coefficients flattened channel-major,
// logit opacity, log scales and the unnormalized rotation quaternion.

// plyStride returns the number of float properties per vertex for a model
// with the given number of harmonics coefficients per color channel.
func plyStride(shCoeffs int) int {
	return 3 + 3 + 3 + 3*(shCoeffs-1) + 1 + 3 + 4
}

// WritePLY serializes a snapshot as binary little-endian PLY.
func WritePLY(w io.Writer, snap *splat.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	n := snap.NumSplats
	if n <= 0 {
		return fmt.Errorf("snapshot holds no primitives")
	}
	for name, t := range map[string]*tensor.Tensor{
		"means":     snap.Means,
		"quats":     snap.Quats,
		"logscales": snap.LogScales,
		"opacities": snap.RawOpacities,
		"sh0":       snap.SH0,
	} {
		if t == nil {
			return fmt.Errorf("snapshot is missing %s", name)
		}
	}
	coeffs := splat.SHCoeffs(snap.MaxSHDegree)
	restDim := 3 * (coeffs - 1)
	if restDim > 0 && snap.SHN == nil {
		return fmt.Errorf("snapshot is missing higher-order harmonics")
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", n)
	for _, p := range []string{"x", "y", "z", "nx", "ny", "nz"} {
		fmt.Fprintf(bw, "property float %s\n", p)
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(bw, "property float f_dc_%d\n", i)
	}
	for i := 0; i < restDim; i++ {
		fmt.Fprintf(bw, "property float f_rest_%d\n", i)
	}
	fmt.Fprintf(bw, "property float opacity\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(bw, "property float scale_%d\n", i)
	}
	for i := 0; i < 4; i++ {
		fmt.Fprintf(bw, "property float rot_%d\n", i)
	}
	fmt.Fprintf(bw, "end_header\n")

	row := make([]float32, plyStride(coeffs))
	for i := 0; i < n; i++ {
		k := 0
		for a := 0; a < 3; a++ {
			row[k] = snap.Means.Data[i*3+a]
			k++
		}
		for a := 0; a < 3; a++ {
			row[k] = 0 // normals are unused
			k++
		}
		for a := 0; a < 3; a++ {
			row[k] = snap.SH0.Data[i*3+a]
			k++
		}
		// Higher-order coefficients go channel-major: all of one color
		// channel's coefficients before the next channel.
		for c := 0; c < 3; c++ {
			for j := 0; j < coeffs-1; j++ {
				row[k] = snap.SHN.Data[(i*(coeffs-1)+j)*3+c]
				k++
			}
		}
		row[k] = snap.RawOpacities.Data[i]
		k++
		for a := 0; a < 3; a++ {
			row[k] = snap.LogScales.Data[i*3+a]
			k++
		}
		for a := 0; a < 4; a++ {
			row[k] = snap.Quats.Data[i*4+a]
			k++
		}
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return fmt.Errorf("writing vertex %d: %v", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing ply: %v", err)
	}
	return nil
}

// plyHeader is the parsed vertex layout of an incoming file.
type plyHeader struct {
	count   int
	columns map[string]int
	stride  int
}

func parsePLYHeader(br *bufio.Reader) (*plyHeader, error) {
	line, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return nil, fmt.Errorf("not a ply file")
	}

	h := &plyHeader{count: -1, columns: make(map[string]int)}
	inVertex := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("truncated ply header: %v", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "comment":
		case "format":
			if len(fields) < 2 || fields[1] != "binary_little_endian" {
				return nil, fmt.Errorf("only binary_little_endian ply is supported")
			}
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed element line %q", strings.TrimSpace(line))
			}
			inVertex = fields[1] == "vertex"
			if inVertex {
				n, err := strconv.Atoi(fields[2])
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("bad vertex count %q", fields[2])
				}
				h.count = n
			}
		case "property":
			if !inVertex {
				continue
			}
			if len(fields) != 3 || fields[1] != "float" {
				return nil, fmt.Errorf("unsupported vertex property %q", strings.TrimSpace(line))
			}
			h.columns[fields[2]] = h.stride
			h.stride++
		case "end_header":
			if h.count < 0 {
				return nil, fmt.Errorf("ply has no vertex element")
			}
			return h, nil
		}
	}
}

func (h *plyHeader) column(name string) (int, error) {
	idx, ok := h.columns[name]
	if !ok {
		return 0, fmt.Errorf("ply is missing property %s", name)
	}
	return idx, nil
}

// restCoeffs counts the contiguous f_rest_* columns and maps them to a
// harmonics degree.
func (h *plyHeader) restCoeffs() (restDim, maxSHDegree int, err error) {
	for {
		if _, ok := h.columns[fmt.Sprintf("f_rest_%d", restDim)]; !ok {
			break
		}
		restDim++
	}
	switch restDim {
	case 0:
		return 0, 0, nil
	case 9:
		return restDim, 1, nil
	case 24:
		return restDim, 2, nil
	case 45:
		return restDim, 3, nil
	default:
		return 0, 0, fmt.Errorf("ply has %d f_rest properties, expected 0, 9, 24 or 45", restDim)
	}
}

// ReadPLY parses a binary splat PLY back into a snapshot. The active
// harmonics degree is set to the maximum the file carries.
func ReadPLY(r io.Reader) (*splat.Snapshot, error) {
	br := bufio.NewReader(r)
	h, err := parsePLYHeader(br)
	if err != nil {
		return nil, err
	}

	restDim, maxSH, err := h.restCoeffs()
	if err != nil {
		return nil, err
	}
	coeffs := splat.SHCoeffs(maxSH)

	required := []string{"x", "y", "z", "f_dc_0", "f_dc_1", "f_dc_2", "opacity",
		"scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3"}
	cols := make(map[string]int, len(required))
	for _, name := range required {
		idx, err := h.column(name)
		if err != nil {
			return nil, err
		}
		cols[name] = idx
	}
	restCols := make([]int, restDim)
	for i := range restCols {
		idx, err := h.column(fmt.Sprintf("f_rest_%d", i))
		if err != nil {
			return nil, err
		}
		restCols[i] = idx
	}

	n := h.count
	snap := &splat.Snapshot{
		NumSplats:      n,
		MaxSHDegree:    maxSH,
		ActiveSHDegree: maxSH,
	}
	if snap.Means, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if snap.Quats, err = tensor.Zeros([]int{n, 4}); err != nil {
		return nil, err
	}
	if snap.LogScales, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if snap.RawOpacities, err = tensor.Zeros([]int{n}); err != nil {
		return nil, err
	}
	if snap.SH0, err = tensor.Zeros([]int{n, 3}); err != nil {
		return nil, err
	}
	if restDim > 0 {
		if snap.SHN, err = tensor.Zeros([]int{n, coeffs - 1, 3}); err != nil {
			return nil, err
		}
	}

	row := make([]float32, h.stride)
	for i := 0; i < n; i++ {
		if err := binary.Read(br, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("reading vertex %d: %v", i, err)
		}
		snap.Means.Data[i*3+0] = row[cols["x"]]
		snap.Means.Data[i*3+1] = row[cols["y"]]
		snap.Means.Data[i*3+2] = row[cols["z"]]
		for a := 0; a < 3; a++ {
			snap.SH0.Data[i*3+a] = row[cols[fmt.Sprintf("f_dc_%d", a)]]
		}
		for c := 0; c < 3; c++ {
			for j := 0; j < coeffs-1; j++ {
				snap.SHN.Data[(i*(coeffs-1)+j)*3+c] = row[restCols[c*(coeffs-1)+j]]
			}
		}
		snap.RawOpacities.Data[i] = row[cols["opacity"]]
		for a := 0; a < 3; a++ {
			snap.LogScales.Data[i*3+a] = row[cols[fmt.Sprintf("scale_%d", a)]]
		}
		for a := 0; a < 4; a++ {
			snap.Quats.Data[i*4+a] = row[cols[fmt.Sprintf("rot_%d", a)]]
		}
	}
	return snap, nil
}
