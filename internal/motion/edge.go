package motion

import (
	"fmt"
	"math"

	"nexara/internal/frame"
)

const (
	DefaultEdgeLow  = 50.0
	DefaultEdgeHigh = 150.0

	strongEdge = 255
	weakEdge   = 128
)

// DetectEdges runs ApplyEdgeDetection with thresholds 50 and 150
func DetectEdges(f *frame.Frame) (*frame.Frame, error) {
	return ApplyEdgeDetection(f, DefaultEdgeLow, DefaultEdgeHigh)
}

// ApplyEdgeDetection returns an opaque edge map of f: Sobel gradients,
// non-maximum suppression over four direction bins, then double
// thresholding. Strong edges are white, weak edges mid-grey, the rest and
// the one-pixel border black. Weak edges are not traced to strong ones.
func ApplyEdgeDetection(f *frame.Frame, low, high float64) (*frame.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("edge detection: %w", err)
	}

	w, h := f.Width, f.Height
	gray := grayscale(f)
	mag := make([]float64, w*h)
	dir := make([]float64, w*h)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			tl, tc, tr := gray[i-w-1], gray[i-w], gray[i-w+1]
			ml, mr := gray[i-1], gray[i+1]
			bl, bc, br := gray[i+w-1], gray[i+w], gray[i+w+1]

			gx := -tl + tr - 2*ml + 2*mr - bl + br
			gy := -tl - 2*tc - tr + bl + 2*bc + br

			mag[i] = math.Hypot(gx, gy)
			dir[i] = math.Atan2(gy, gx)
		}
	}

	out := frame.New(w, h)
	out.Timestamp = f.Timestamp
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 255
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := mag[i]
			n1, n2 := neighbours(i, w, dir[i])
			if m < mag[n1] || m < mag[n2] {
				continue
			}

			var v uint8
			switch {
			case m >= high:
				v = strongEdge
			case m >= low:
				v = weakEdge
			default:
				continue
			}
			p := i * 4
			out.Pix[p], out.Pix[p+1], out.Pix[p+2] = v, v, v
		}
	}
	return out, nil
}

// neighbours picks the two pixels along the gradient direction
func neighbours(i, w int, angle float64) (int, int) {
	const eighth = math.Pi / 8
	switch {
	case (angle >= -eighth && angle < eighth) || angle >= 7*eighth || angle < -7*eighth:
		return i - 1, i + 1
	case (angle >= eighth && angle < 3*eighth) || (angle >= -7*eighth && angle < -5*eighth):
		return i - w - 1, i + w + 1
	case (angle >= 3*eighth && angle < 5*eighth) || (angle >= -5*eighth && angle < -3*eighth):
		return i - w, i + w
	default:
		return i - w + 1, i + w - 1
	}
}

func grayscale(f *frame.Frame) []float64 {
	gray := make([]float64, f.Width*f.Height)
	for i := range gray {
		p := i * 4
		gray[i] = 0.299*float64(f.Pix[p]) + 0.587*float64(f.Pix[p+1]) + 0.114*float64(f.Pix[p+2])
	}
	return gray
}
