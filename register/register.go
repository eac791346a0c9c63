/*Package register measures the sub-pixel displacement of a spot between
two images.

The FCS reference and current frames each contain one bright lamp spot.
Each image is collapsed to a 1-D profile per axis by summing over the
orthogonal axis, the profiles are floored at a clipped background level
to suppress noise, and the reference profile is cross-correlated against
the current one over a bounded search radius.  A parabola through the
three correlation samples around the integer-lag peak gives the sub-pixel
offset.  The X and Y axes are treated independently.

The sign convention: a positive X offset means the spot moved toward
larger column numbers between the reference and the current image.
*/
package register

import (
	"errors"
	"fmt"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrPeakAtBoundary is generated when the correlation maximum falls
	// on the edge of the search window, where the three point parabola
	// is degenerate.  The spot is either gone or displaced beyond the
	// search radius; callers must reject the image.
	ErrPeakAtBoundary = errors.New("correlation peak at search boundary, image rejected")

	// ErrFlatProfile is generated when a profile carries no signal above
	// the clipped background, e.g. the lamp was off.
	ErrFlatProfile = errors.New("profile is flat after background clip, no spot present")

	// ErrDimensionMismatch is generated when the two images differ in size
	ErrDimensionMismatch = errors.New("reference and current images differ in dimensions")
)

// Options configures a registration.  The zero value projects the whole
// image and uses the instrument defaults for the rest.
type Options struct {
	// X0, X1, Y0, Y1 bound the projection window, half open; all zero
	// means the full image
	X0, X1, Y0, Y1 int

	// SearchRadius bounds the correlation lag in pixels
	SearchRadius int

	// ClipFactor multiplies the background mean to form the clip floor
	ClipFactor float64

	// BackgroundWidth is the number of samples at each end of a profile
	// averaged to estimate the background level
	BackgroundWidth int
}

func (o Options) withDefaults(w, h int) Options {
	if o.X1 == 0 {
		o.X1 = w
	}
	if o.Y1 == 0 {
		o.Y1 = h
	}
	if o.SearchRadius == 0 {
		o.SearchRadius = 30
	}
	if o.ClipFactor == 0 {
		o.ClipFactor = 1.1
	}
	if o.BackgroundWidth == 0 {
		o.BackgroundWidth = 10
	}
	return o
}

// Offset is a sub-pixel displacement.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Register computes the sub-pixel displacement of the spot from ref to
// cur.  Images are indexed [row][col] and must agree in dimensions.
func Register(ref, cur [][]float64, opt Options) (Offset, error) {
	if len(ref) == 0 || len(ref) != len(cur) || len(ref[0]) != len(cur[0]) {
		return Offset{}, ErrDimensionMismatch
	}
	opt = opt.withDefaults(len(ref[0]), len(ref))

	dx, err := axisShift(ProjectX(ref, opt), ProjectX(cur, opt), opt)
	if err != nil {
		return Offset{}, fmt.Errorf("x axis: %w", err)
	}
	dy, err := axisShift(ProjectY(ref, opt), ProjectY(cur, opt), opt)
	if err != nil {
		return Offset{}, fmt.Errorf("y axis: %w", err)
	}
	return Offset{X: dx, Y: dy}, nil
}

func axisShift(refProf, curProf []float64, opt Options) (float64, error) {
	r, err := ClipBaseline(refProf, opt.BackgroundWidth, opt.ClipFactor)
	if err != nil {
		return 0, err
	}
	c, err := ClipBaseline(curProf, opt.BackgroundWidth, opt.ClipFactor)
	if err != nil {
		return 0, err
	}
	corr := CrossCorrelate(r, c, opt.SearchRadius)
	return PeakOffset(corr)
}

// ProjectX collapses the window to a 1-D profile along the column axis
// by summing each column over the window rows.
func ProjectX(img [][]float64, opt Options) []float64 {
	prof := make([]float64, opt.X1-opt.X0)
	for y := opt.Y0; y < opt.Y1; y++ {
		floats.Add(prof, img[y][opt.X0:opt.X1])
	}
	return prof
}

// ProjectY collapses the window to a 1-D profile along the row axis by
// summing each row over the window columns.
func ProjectY(img [][]float64, opt Options) []float64 {
	prof := make([]float64, opt.Y1-opt.Y0)
	for y := opt.Y0; y < opt.Y1; y++ {
		prof[y-opt.Y0] = floats.Sum(img[y][opt.X0:opt.X1])
	}
	return prof
}

// ClipBaseline floors the profile at clipFactor times the mean of the
// bgWidth samples at each end, suppressing background noise before the
// correlation.  The returned profile has the floor subtracted so the
// background sits at zero.
func ClipBaseline(profile []float64, bgWidth int, clipFactor float64) ([]float64, error) {
	if bgWidth*2 >= len(profile) {
		bgWidth = len(profile) / 4
	}
	if bgWidth < 1 {
		bgWidth = 1
	}
	bg := make([]float64, 0, 2*bgWidth)
	bg = append(bg, profile[:bgWidth]...)
	bg = append(bg, profile[len(profile)-bgWidth:]...)
	mean, err := stats.Mean(stats.Float64Data(bg))
	if err != nil {
		return nil, err
	}
	floor := clipFactor * mean

	out := make([]float64, len(profile))
	flat := true
	for i, v := range profile {
		if v > floor {
			out[i] = v - floor
			flat = false
		}
	}
	if flat {
		return nil, ErrFlatProfile
	}
	return out, nil
}

// CrossCorrelate computes the sliding dot product of ref against cur for
// lags in [-radius, radius].  Index k of the result holds lag k-radius.
func CrossCorrelate(ref, cur []float64, radius int) []float64 {
	n := len(ref)
	if radius >= n {
		radius = n - 1
	}
	corr := make([]float64, 2*radius+1)
	for lag := -radius; lag <= radius; lag++ {
		if lag >= 0 {
			corr[lag+radius] = floats.Dot(ref[:n-lag], cur[lag:])
		} else {
			corr[lag+radius] = floats.Dot(ref[-lag:], cur[:n+lag])
		}
	}
	return corr
}

// PeakOffset locates the correlation maximum and refines it with a three
// point parabolic fit.  The returned value is the full sub-pixel lag.
// The lag window is recovered from the correlation length, which keeps
// the index to lag mapping correct when CrossCorrelate clamped the
// requested radius.  A maximum on the boundary of the search window is
// rejected rather than clamped: the fit window would be degenerate and
// the shift is unbounded below by the true displacement anyway.
func PeakOffset(corr []float64) (float64, error) {
	radius := len(corr) / 2
	p := floats.MaxIdx(corr)
	if p == 0 || p == len(corr)-1 {
		return 0, ErrPeakAtBoundary
	}
	y1, y2, y3 := corr[p-1], corr[p], corr[p+1]
	c2 := (y1 + y3 - 2*y2) / 2
	c1 := (y3 - y1) / 2
	if c2 == 0 {
		// three collinear samples, the profile has no curvature at
		// the peak to interpolate against
		return 0, ErrFlatProfile
	}
	sub := -c1 / (2 * c2)
	return float64(p-radius) + sub, nil
}
