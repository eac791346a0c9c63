package frame_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"

	"github.com/wmko/deifcs/frame"
)

func writeTestFrame(t *testing.T, pix [][]float64, cards []fitsio.Card) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fcs0001.fits")
	fid, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fid.Close()
	if err := frame.Write(fid, cards, pix); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func gradient(w, h int) [][]float64 {
	pix := make([][]float64, h)
	for y := 0; y < h; y++ {
		pix[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			pix[y][x] = float64(y*w + x)
		}
	}
	return pix
}

func TestRoundTrip(t *testing.T) {
	pix := gradient(64, 32)
	cards := []fitsio.Card{
		{Name: "ROTATVAL", Value: 90.25},
		{Name: "FRAMENO", Value: 17},
		{Name: "GRATENAM", Value: "1200G"},
	}
	path := writeTestFrame(t, pix, cards)

	f, err := frame.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if f.Width != 64 || f.Height != 32 {
		t.Errorf("expected 64x32 got %dx%d", f.Width, f.Height)
	}
	for y := 0; y < 32; y += 7 {
		for x := 0; x < 64; x += 11 {
			if math.Abs(f.Pix[y][x]-pix[y][x]) > 1e-9 {
				t.Fatalf("pixel (%d,%d): expected %f got %f", x, y, pix[y][x], f.Pix[y][x])
			}
		}
	}

	pa, err := f.Float("ROTATVAL")
	if err != nil || math.Abs(pa-90.25) > 1e-9 {
		t.Errorf("expected ROTATVAL 90.25 got %f err %v", pa, err)
	}
	n, err := f.Int("FRAMENO")
	if err != nil || n != 17 {
		t.Errorf("expected FRAMENO 17 got %d err %v", n, err)
	}
	g, err := f.String("GRATENAM")
	if err != nil || g != "1200G" {
		t.Errorf("expected GRATENAM 1200G got %q err %v", g, err)
	}
}

func TestMissingCard(t *testing.T) {
	path := writeTestFrame(t, gradient(16, 16), nil)
	f, err := frame.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	_, err = f.Float("TMIRRRAW")
	if !errors.Is(err, frame.ErrMissingCard) {
		t.Errorf("expected ErrMissingCard, got %v", err)
	}
}

func TestSplitHalvesColumns(t *testing.T) {
	path := writeTestFrame(t, gradient(64, 8), nil)
	f, err := frame.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	left, right := f.Split()
	if len(left[0]) != 32 || len(right[0]) != 32 {
		t.Errorf("expected 32 column halves, got %d and %d", len(left[0]), len(right[0]))
	}
	if left[3][5] != f.Pix[3][5] {
		t.Errorf("left half must alias original columns")
	}
	if right[3][5] != f.Pix[3][37] {
		t.Errorf("right half must start at the midpoint")
	}
}

func TestWriteClampsRange(t *testing.T) {
	pix := [][]float64{{-100, 0, 70000, 65535}}
	path := writeTestFrame(t, pix, nil)
	f, err := frame.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if f.Pix[0][0] != 0 {
		t.Errorf("negative input must clamp to 0, got %f", f.Pix[0][0])
	}
	if f.Pix[0][2] != 65535 {
		t.Errorf("oversized input must clamp to 65535, got %f", f.Pix[0][2])
	}
}
