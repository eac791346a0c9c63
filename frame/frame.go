/*Package frame loads and writes FCS detector frames.

An FCS frame is a single-HDU FITS file from the two flexure compensation
CCDs, read out side by side into one image.  Pixel data is promoted to
float64 for the registration math; the header cards describing the
instrument state at readout time (rotator angle, grating tilt, stage
positions, frame number) ride along.
*/
package frame

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/astrogo/fitsio"
)

// ErrMissingCard is wrapped by Float and Int when a required header card
// is absent from the frame.
var ErrMissingCard = errors.New("required header card missing")

// Frame is one FCS image with its header.
type Frame struct {
	// Pix is the pixel grid indexed [row][col]
	Pix [][]float64

	// Width and Height are the image dimensions in pixels
	Width, Height int

	cards map[string]interface{}
}

// Load reads a frame from a file on disk.
func Load(path string) (*Frame, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return Read(fid)
}

// Read decodes a frame from r.
func Read(r io.Reader) (*Frame, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hdu := f.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, errors.New("primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("expected 2-D image, got %d axes", len(axes))
	}
	w, h := axes[0], axes[1]

	flat := make([]float64, w*h)
	switch hdr.Bitpix() {
	case 16:
		raw := make([]int16, w*h)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		bzero, bscale := scaling(hdr)
		for i, v := range raw {
			flat[i] = float64(v)*bscale + bzero
		}
	case 32:
		raw := make([]int32, w*h)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		bzero, bscale := scaling(hdr)
		for i, v := range raw {
			flat[i] = float64(v)*bscale + bzero
		}
	case -32:
		raw := make([]float32, w*h)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			flat[i] = float64(v)
		}
	case -64:
		if err := img.Read(&flat); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported bitpix %d", hdr.Bitpix())
	}

	pix := make([][]float64, h)
	for y := 0; y < h; y++ {
		pix[y] = flat[y*w : (y+1)*w]
	}

	cards := make(map[string]interface{})
	for _, c := range hdr.Keys() {
		if card := hdr.Get(c); card != nil {
			cards[card.Name] = card.Value
		}
	}
	return &Frame{Pix: pix, Width: w, Height: h, cards: cards}, nil
}

func scaling(hdr *fitsio.Header) (bzero, bscale float64) {
	bscale = 1
	if c := hdr.Get("BZERO"); c != nil {
		bzero = toFloat(c.Value)
	}
	if c := hdr.Get("BSCALE"); c != nil {
		if s := toFloat(c.Value); s != 0 {
			bscale = s
		}
	}
	return bzero, bscale
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

// Card returns the raw value of a header card.
func (f *Frame) Card(name string) (interface{}, bool) {
	v, ok := f.cards[name]
	return v, ok
}

// Float reads a header card as a float64.
func (f *Frame) Float(name string) (float64, error) {
	v, ok := f.cards[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrMissingCard)
	}
	return toFloat(v), nil
}

// Int reads a header card as an int.
func (f *Frame) Int(name string) (int, error) {
	fv, err := f.Float(name)
	if err != nil {
		return 0, err
	}
	return int(fv), nil
}

// String reads a header card as a string.
func (f *Frame) String(name string) (string, error) {
	v, ok := f.cards[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrMissingCard)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// Split returns the two CCD windows of the frame, left and right halves
// of the column range.  Rows are shared slices, not copies.
func (f *Frame) Split() (left, right [][]float64) {
	half := f.Width / 2
	left = make([][]float64, f.Height)
	right = make([][]float64, f.Height)
	for y := 0; y < f.Height; y++ {
		left[y] = f.Pix[y][:half]
		right[y] = f.Pix[y][half:]
	}
	return left, right
}

// Write streams pix to w as a 16-bit FITS image with the given header
// cards.  Values are clamped to the unsigned 16-bit range before the
// BZERO shift.
func Write(w io.Writer, metadata []fitsio.Card, pix [][]float64) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	height := len(pix)
	if height == 0 {
		return errors.New("empty image")
	}
	width := len(pix[0])
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	ints := make([]int16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := pix[y][x]
			if v < 0 {
				v = 0
			} else if v > 65535 {
				v = 65535
			}
			ints[y*width+x] = int16(uint16(v) - 32768)
		}
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
