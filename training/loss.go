package training

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zhouxl3/gaussian-splatting-cuda/tensor"
)

// Loss computes a scalar photometric loss between a rendered image and a
// reference image, and the gradient of that loss with respect to the
// rendered image. Images are [H, W, 3] tensors with float32 channels.
type Loss interface {
	// Forward computes the scalar loss value.
	Forward(rendered, reference *tensor.Tensor) (float32, error)

	// Backward computes dLoss/dRendered with the same shape as the input.
	Backward(rendered, reference *tensor.Tensor) (*tensor.Tensor, error)

	// Name returns a short identifier for logging.
	Name() string
}

func validateImagePair(rendered, reference *tensor.Tensor) (h, w int, err error) {
	if rendered == nil || reference == nil {
		return 0, 0, fmt.Errorf("image tensors cannot be nil")
	}
	if len(rendered.Shape) != 3 || rendered.Shape[2] != 3 {
		return 0, 0, fmt.Errorf("rendered image must have shape [H, W, 3], got %v", rendered.Shape)
	}
	if len(reference.Shape) != 3 || reference.Shape[2] != 3 {
		return 0, 0, fmt.Errorf("reference image must have shape [H, W, 3], got %v", reference.Shape)
	}
	for i := 0; i < 3; i++ {
		if rendered.Shape[i] != reference.Shape[i] {
			return 0, 0, fmt.Errorf("image shapes must match: %v vs %v", rendered.Shape, reference.Shape)
		}
	}
	return rendered.Shape[0], rendered.Shape[1], nil
}

// L1Loss is the mean absolute error over all pixels and channels.
type L1Loss struct{}

// NewL1Loss creates an L1 (mean absolute error) loss.
func NewL1Loss() *L1Loss {
	return &L1Loss{}
}

// Name returns the loss identifier.
func (l *L1Loss) Name() string {
	return "l1"
}

// Forward computes mean(|rendered - reference|).
func (l *L1Loss) Forward(rendered, reference *tensor.Tensor) (float32, error) {
	if _, _, err := validateImagePair(rendered, reference); err != nil {
		return 0, fmt.Errorf("l1 forward: %v", err)
	}

	var sum float32
	for i, v := range rendered.Data {
		sum += math32.Abs(v - reference.Data[i])
	}
	return sum / float32(rendered.NumElems), nil
}

// Backward computes sign(rendered - reference) / N elementwise.
func (l *L1Loss) Backward(rendered, reference *tensor.Tensor) (*tensor.Tensor, error) {
	if _, _, err := validateImagePair(rendered, reference); err != nil {
		return nil, fmt.Errorf("l1 backward: %v", err)
	}

	grad := tensor.ZerosLike(rendered)
	scale := 1.0 / float32(rendered.NumElems)
	for i, v := range rendered.Data {
		diff := v - reference.Data[i]
		switch {
		case diff > 0:
			grad.Data[i] = scale
		case diff < 0:
			grad.Data[i] = -scale
		}
	}
	return grad, nil
}

// SSIMLoss is the structural dissimilarity 1 - mean(SSIM) computed per
// channel with a Gaussian window. Window means near the image border are
// renormalized over the in-bounds taps, so a pair of identical images
// scores an SSIM of exactly 1 everywhere including the border.
type SSIMLoss struct {
	windowSize int
	sigma      float32
	c1         float32
	c2         float32
	kernel     []float32
}

// SSIMConfig holds the window and stability constants for SSIM.
type SSIMConfig struct {
	WindowSize int     // odd window width, default 11
	Sigma      float32 // Gaussian sigma, default 1.5
	C1         float32 // luminance stabilizer, default (0.01)^2
	C2         float32 // contrast stabilizer, default (0.03)^2
}

// DefaultSSIMConfig returns the standard SSIM constants.
func DefaultSSIMConfig() SSIMConfig {
	return SSIMConfig{
		WindowSize: 11,
		Sigma:      1.5,
		C1:         0.01 * 0.01,
		C2:         0.03 * 0.03,
	}
}

// NewSSIMLoss creates an SSIM loss with the standard 11x11 sigma-1.5 window.
func NewSSIMLoss() *SSIMLoss {
	loss, _ := NewSSIMLossWithConfig(DefaultSSIMConfig())
	return loss
}

// NewSSIMLossWithConfig creates an SSIM loss with explicit constants.
func NewSSIMLossWithConfig(config SSIMConfig) (*SSIMLoss, error) {
	if config.WindowSize < 1 || config.WindowSize%2 == 0 {
		return nil, fmt.Errorf("ssim window size must be a positive odd number, got %d", config.WindowSize)
	}
	if config.Sigma <= 0 {
		return nil, fmt.Errorf("ssim sigma must be positive, got %f", config.Sigma)
	}
	if config.C1 <= 0 || config.C2 <= 0 {
		return nil, fmt.Errorf("ssim stabilizers must be positive, got C1=%f C2=%f", config.C1, config.C2)
	}
	return &SSIMLoss{
		windowSize: config.WindowSize,
		sigma:      config.Sigma,
		c1:         config.C1,
		c2:         config.C2,
		kernel:     gaussianKernel(config.WindowSize, config.Sigma),
	}, nil
}

// Name returns the loss identifier.
func (l *SSIMLoss) Name() string {
	return "ssim"
}

// gaussianKernel builds a normalized 1D Gaussian window.
func gaussianKernel(size int, sigma float32) []float32 {
	kernel := make([]float32, size)
	center := float32(size-1) / 2
	var sum float32
	for i := range kernel {
		d := float32(i) - center
		kernel[i] = math32.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// ssimMaps holds the per-channel windowed statistics for one image pair.
type ssimMaps struct {
	h, w   int
	weight []float32 // in-bounds window mass per pixel
	mx, my []float32
	vx, vy []float32 // variances
	cxy    []float32 // covariance
}

// convRow applies the 1D kernel along rows with zero padding.
func convRow(src, dst []float32, h, w int, kernel []float32) {
	r := len(kernel) / 2
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		out := dst[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float32
			for k := -r; k <= r; k++ {
				xx := x + k
				if xx < 0 || xx >= w {
					continue
				}
				acc += kernel[k+r] * row[xx]
			}
			out[x] = acc
		}
	}
}

// convCol applies the 1D kernel along columns with zero padding.
func convCol(src, dst []float32, h, w int, kernel []float32) {
	r := len(kernel) / 2
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			var acc float32
			for k := -r; k <= r; k++ {
				yy := y + k
				if yy < 0 || yy >= h {
					continue
				}
				acc += kernel[k+r] * src[yy*w+x]
			}
			dst[y*w+x] = acc
		}
	}
}

// convSep runs the separable window over a plane without renormalization.
func (l *SSIMLoss) convSep(src []float32, h, w int, tmp []float32) []float32 {
	dst := make([]float32, len(src))
	convRow(src, tmp, h, w, l.kernel)
	convCol(tmp, dst, h, w, l.kernel)
	return dst
}

// windowWeight computes the in-bounds window mass at every pixel. Interior
// pixels have weight 1; border pixels less. Dividing a zero-padded
// convolution by this map yields a mean over the valid taps only.
func (l *SSIMLoss) windowWeight(h, w int) []float32 {
	ones := make([]float32, h*w)
	for i := range ones {
		ones[i] = 1
	}
	tmp := make([]float32, h*w)
	return l.convSep(ones, h, w, tmp)
}

// blur computes the renormalized windowed mean of a plane.
func (l *SSIMLoss) blur(src, weight []float32, h, w int, tmp []float32) []float32 {
	dst := l.convSep(src, h, w, tmp)
	for i := range dst {
		dst[i] /= weight[i]
	}
	return dst
}

// adjointBlur applies the transpose of blur, needed for the backward pass:
// the incoming values are divided by the window mass at their own pixel
// first, then spread through the plain window.
func (l *SSIMLoss) adjointBlur(src, weight []float32, h, w int, tmp []float32) []float32 {
	scaled := make([]float32, len(src))
	for i := range scaled {
		scaled[i] = src[i] / weight[i]
	}
	return l.convSep(scaled, h, w, tmp)
}

// extractPlane copies channel c of an [H, W, 3] tensor into a dense plane.
func extractPlane(t *tensor.Tensor, c int, dst []float32) {
	for i := range dst {
		dst[i] = t.Data[i*3+c]
	}
}

// channelMaps computes windowed means, variances, and covariance for one
// channel pair.
func (l *SSIMLoss) channelMaps(x, y, weight []float32, h, w int) ssimMaps {
	n := h * w
	tmp := make([]float32, n)
	prod := make([]float32, n)

	m := ssimMaps{h: h, w: w, weight: weight}
	m.mx = l.blur(x, weight, h, w, tmp)
	m.my = l.blur(y, weight, h, w, tmp)

	for i := 0; i < n; i++ {
		prod[i] = x[i] * x[i]
	}
	m.vx = l.blur(prod, weight, h, w, tmp)
	for i := 0; i < n; i++ {
		prod[i] = y[i] * y[i]
	}
	m.vy = l.blur(prod, weight, h, w, tmp)
	for i := 0; i < n; i++ {
		prod[i] = x[i] * y[i]
	}
	m.cxy = l.blur(prod, weight, h, w, tmp)

	for i := 0; i < n; i++ {
		m.vx[i] -= m.mx[i] * m.mx[i]
		m.vy[i] -= m.my[i] * m.my[i]
		m.cxy[i] -= m.mx[i] * m.my[i]
	}
	return m
}

// Forward computes 1 - mean(SSIM) over all pixels and channels.
func (l *SSIMLoss) Forward(rendered, reference *tensor.Tensor) (float32, error) {
	h, w, err := validateImagePair(rendered, reference)
	if err != nil {
		return 0, fmt.Errorf("ssim forward: %v", err)
	}

	n := h * w
	weight := l.windowWeight(h, w)
	x := make([]float32, n)
	y := make([]float32, n)

	var sum float64
	for c := 0; c < 3; c++ {
		extractPlane(rendered, c, x)
		extractPlane(reference, c, y)
		m := l.channelMaps(x, y, weight, h, w)
		for i := 0; i < n; i++ {
			a1 := 2*m.mx[i]*m.my[i] + l.c1
			a2 := 2*m.cxy[i] + l.c2
			b1 := m.mx[i]*m.mx[i] + m.my[i]*m.my[i] + l.c1
			b2 := m.vx[i] + m.vy[i] + l.c2
			sum += float64(a1 * a2 / (b1 * b2))
		}
	}
	mean := float32(sum / float64(3*n))
	return 1 - mean, nil
}

// Backward computes the analytic gradient of 1 - mean(SSIM) with respect to
// the rendered image.
func (l *SSIMLoss) Backward(rendered, reference *tensor.Tensor) (*tensor.Tensor, error) {
	h, w, err := validateImagePair(rendered, reference)
	if err != nil {
		return nil, fmt.Errorf("ssim backward: %v", err)
	}

	grad := tensor.ZerosLike(rendered)
	n := h * w
	weight := l.windowWeight(h, w)
	x := make([]float32, n)
	y := make([]float32, n)
	tmp := make([]float32, n)
	dMu := make([]float32, n)
	dVar := make([]float32, n)
	dCov := make([]float32, n)
	scaled := make([]float32, n)
	invM := 1 / float32(3*n)

	for c := 0; c < 3; c++ {
		extractPlane(rendered, c, x)
		extractPlane(reference, c, y)
		m := l.channelMaps(x, y, weight, h, w)

		// Partial derivatives of the per-pixel SSIM value with respect
		// to the windowed statistics, treating mean, variance, and
		// covariance as independent inputs.
		for i := 0; i < n; i++ {
			a1 := 2*m.mx[i]*m.my[i] + l.c1
			a2 := 2*m.cxy[i] + l.c2
			b1 := m.mx[i]*m.mx[i] + m.my[i]*m.my[i] + l.c1
			b2 := m.vx[i] + m.vy[i] + l.c2
			s := a1 * a2 / (b1 * b2)

			dMu[i] = 2*m.my[i]*a2/(b1*b2) - 2*m.mx[i]*s/b1
			dVar[i] = -s / b2
			dCov[i] = 2 * a1 / (b1 * b2)
		}

		tMu := l.adjointBlur(dMu, weight, h, w, tmp)
		tVar := l.adjointBlur(dVar, weight, h, w, tmp)
		for i := 0; i < n; i++ {
			scaled[i] = m.mx[i] * dVar[i]
		}
		tVarMu := l.adjointBlur(scaled, weight, h, w, tmp)
		tCov := l.adjointBlur(dCov, weight, h, w, tmp)
		for i := 0; i < n; i++ {
			scaled[i] = m.my[i] * dCov[i]
		}
		tCovMu := l.adjointBlur(scaled, weight, h, w, tmp)

		for i := 0; i < n; i++ {
			dS := tMu[i] + 2*x[i]*tVar[i] - 2*tVarMu[i] + y[i]*tCov[i] - tCovMu[i]
			grad.Data[i*3+c] = -invM * dS
		}
	}
	return grad, nil
}

// CombinedLoss blends L1 and structural dissimilarity the way splat
// training does: (1-lambda)*L1 + lambda*(1-SSIM).
type CombinedLoss struct {
	lambda float32
	l1     *L1Loss
	ssim   *SSIMLoss
}

// NewCombinedLoss creates the blended photometric loss. lambda is the
// weight on the structural term and must lie in [0, 1].
func NewCombinedLoss(lambda float32) (*CombinedLoss, error) {
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("loss lambda must be in [0, 1], got %f", lambda)
	}
	return &CombinedLoss{
		lambda: lambda,
		l1:     NewL1Loss(),
		ssim:   NewSSIMLoss(),
	}, nil
}

// Name returns the loss identifier.
func (l *CombinedLoss) Name() string {
	return "l1+dssim"
}

// Lambda returns the structural term weight.
func (l *CombinedLoss) Lambda() float32 {
	return l.lambda
}

// Forward computes the blended scalar loss.
func (l *CombinedLoss) Forward(rendered, reference *tensor.Tensor) (float32, error) {
	l1, err := l.l1.Forward(rendered, reference)
	if err != nil {
		return 0, fmt.Errorf("combined forward: %v", err)
	}
	if l.lambda == 0 {
		return l1, nil
	}
	dssim, err := l.ssim.Forward(rendered, reference)
	if err != nil {
		return 0, fmt.Errorf("combined forward: %v", err)
	}
	return (1-l.lambda)*l1 + l.lambda*dssim, nil
}

// Backward computes the blended gradient with respect to the rendered image.
func (l *CombinedLoss) Backward(rendered, reference *tensor.Tensor) (*tensor.Tensor, error) {
	gradL1, err := l.l1.Backward(rendered, reference)
	if err != nil {
		return nil, fmt.Errorf("combined backward: %v", err)
	}
	if l.lambda == 0 {
		return gradL1, nil
	}
	gradSSIM, err := l.ssim.Backward(rendered, reference)
	if err != nil {
		return nil, fmt.Errorf("combined backward: %v", err)
	}
	combined := tensor.Scale(gradL1, 1-l.lambda)
	if err := tensor.AxpyInPlace(combined, l.lambda, gradSSIM); err != nil {
		return nil, fmt.Errorf("combined backward: %v", err)
	}
	return combined, nil
}
