package track

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/wmko/deifcs/fcs"
	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/fcs/fcserr"
	"github.com/wmko/deifcs/fcs/reffile"
	"github.com/wmko/deifcs/frame"
	"github.com/wmko/deifcs/ktl"
	"github.com/wmko/deifcs/track/history"
)

// writeSpot writes a two-CCD test frame: one Gaussian spot per half,
// independently placed so cosmic-ray disagreement can be synthesized.
func writeSpot(t *testing.T, path string, frameno int, focus, cxLeft, cxRight float64) {
	t.Helper()
	const w, h, half = 128, 64, 64
	pix := make([][]float64, h)
	for y := range pix {
		pix[y] = make([]float64, w)
		for x := range pix[y] {
			cx := cxLeft
			fx := float64(x)
			if x >= half {
				cx = float64(half) + cxRight
			}
			d2 := (fx-cx)*(fx-cx) + (float64(y)-32)*(float64(y)-32)
			pix[y][x] = 100 + 3000*math.Exp(-d2/18)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cards := []fitsio.Card{
		{Name: "FRAMENO", Value: frameno},
		{Name: "DWFOCRAW", Value: focus},
	}
	if err := frame.Write(f, cards, pix); err != nil {
		t.Fatalf("cannot write test frame: %v", err)
	}
}

// bench builds a Loop over mock services with a reference on disk.
func bench(t *testing.T) (*Loop, fcs.Observed, *ktl.Mock, *ktl.Mock, string) {
	t.Helper()
	dir := t.TempDir()
	datadir := filepath.Join(dir, "fcs1")
	if err := os.MkdirAll(datadir, 0755); err != nil {
		t.Fatal(err)
	}

	mot := ktl.NewMock("deimot", map[string]string{
		"GRATENAM": "1200G", "GRATEPOS": "3",
		"G3TLTWAV": "7800.0", "G3TLTOFF": "0",
		"DWFILNAM": "OG550", "DWFOCRAW": "-420",
		"TMIRRVAL": "2048", "DWXL8RAW": "5120",
	})
	rot := ktl.NewMock("deirot", map[string]string{"ROTATVAL": "90"})
	fcsvc := ktl.NewMock("deifcs", map[string]string{
		"FLAMPS": "Cu1", "TTIME": "10",
		"OUTDIR": "fcs1", "OUTFILE": "fcs", "FRAMENO": "2",
	})

	snap := reffile.Snapshot{
		Grating: "1200G", Slider: 3, PA: 90, Wavelength: 7800,
		Filter: "OG550", Focus: -420, Lamps: "Cu1", Exptime: 10,
		OutDir: datadir, OutFile: "fcs", FrameNo: 1,
	}
	if _, err := snap.Write(datadir, 1); err != nil {
		t.Fatalf("cannot write reference snapshot: %v", err)
	}
	writeSpot(t, filepath.Join(datadir, "fcs0001.fits"), 1, -420, 32, 32)

	cfg := config.Default()
	cfg.OutputPrefix = dir + "/"
	ins := fcs.Instrument{Mot: mot, Rot: rot, Fcs: fcsvc}
	l := New(ins, cfg, fcs.NewStatus(fcsvc), nil)

	o, err := ins.Observe(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return l, o, mot, fcsvc, datadir
}

func TestFindReference(t *testing.T) {
	l, o, _, fcsvc, _ := bench(t)
	if err := l.FindReference(o); err != nil {
		t.Fatalf("expected reference to be found, got %v", err)
	}
	if fcsvc.Writes["FCSREFFI"] != 1 {
		t.Errorf("expected FCSREFFI to be published")
	}
	if l.snap.Grating != "1200G" || l.snap.FrameNo != 1 {
		t.Errorf("loaded wrong snapshot: %+v", l.snap)
	}
}

func TestFindReferenceMissing(t *testing.T) {
	l, o, _, _, _ := bench(t)
	o.Wavelength = 6600 // no reference for this tilt
	err := l.FindReference(o)
	if fcserr.CodeOf(err) != fcserr.ErrNoReference.Code {
		t.Errorf("expected no-reference lockout -60, got %v", err)
	}
}

func TestFindReferenceFocusMismatch(t *testing.T) {
	l, o, _, _, _ := bench(t)
	o.Focus = -300 // 120 counts from the reference, delta is 25
	err := l.FindReference(o)
	if !errors.Is(err, fcserr.ErrFocusMismatch) {
		t.Errorf("expected focus mismatch, got %v", err)
	}
	if fcserr.SeverityOf(err) != fcserr.Warning {
		t.Errorf("focus mismatch is a warning in the error table, got %v", fcserr.SeverityOf(err))
	}
}

func TestSetupDetectorPushesReadoutConfig(t *testing.T) {
	l, _, _, fcsvc, _ := bench(t)
	if err := l.setupDetector(); err != nil {
		t.Fatalf("detector setup failed: %v", err)
	}
	want := map[string]string{
		"WINDOW":   l.Cfg.Detector.Window,
		"BINNING":  l.Cfg.Detector.Binning,
		"AUTOSHUT": "1",
		"FCSBOXX":  "40",
		"FCSBOXY":  "40",
	}
	for kw, v := range want {
		got, err := fcsvc.Show(kw)
		if err != nil || got != v {
			t.Errorf("deifcs.%s = %q (%v), expected %q", kw, got, err, v)
		}
	}
}

func TestProcessFrameAppliesCorrection(t *testing.T) {
	l, o, mot, _, datadir := bench(t)
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	// both spots drift 2 px toward larger columns
	path := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, path, 2, -420, 34, 34)
	if err := l.ProcessFrame(path, o); err != nil {
		t.Fatalf("expected correction to apply, got %v", err)
	}
	if mot.Writes["DWXL8RAW"] != 1 {
		t.Fatalf("expected one dewar stage move, got %d", mot.Writes["DWXL8RAW"])
	}
	v, _ := ktl.ShowFloat(mot, "DWXL8RAW")
	// dx ~ +2 px, scale 15.48, so the stage moves about -31 counts
	if v >= 5120 || v < 5120-2.5*15.48 {
		t.Errorf("dewar stage moved to %f, expected a move near -31 counts", v)
	}
	x, y := l.Integrators()
	if math.Abs(x-2) > 0.2 || math.Abs(y) > 0.2 {
		t.Errorf("integrators (%.2f, %.2f), expected about (2, 0)", x, y)
	}
}

func TestProcessFrameWithinTolerance(t *testing.T) {
	l, o, mot, fcsvc, datadir := bench(t)
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, path, 2, -420, 32, 32)
	if err := l.ProcessFrame(path, o); err != nil {
		t.Fatalf("zero-drift frame should succeed, got %v", err)
	}
	if mot.Writes["DWXL8RAW"] != 0 || mot.Writes["TMIRRVAL"] != 0 {
		t.Errorf("no stage may move for a zero-drift frame")
	}
	if code, _ := fcsvc.Show("FCSERR"); code != "24" {
		t.Errorf("expected within-tolerance advisory 24, got %s", code)
	}
}

func TestCosmicRayVeto(t *testing.T) {
	l, o, mot, _, datadir := bench(t)
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	p2 := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, p2, 2, -420, 32, 32)
	if err := l.ProcessFrame(p2, o); err != nil {
		t.Fatal(err)
	}
	// left CCD centroid jumps 2 px while the right stays put
	p3 := filepath.Join(datadir, "fcs0003.fits")
	writeSpot(t, p3, 3, -420, 34, 32)
	err := l.ProcessFrame(p3, o)
	if fcserr.CodeOf(err) != fcserr.ErrCosmicRayX.Code {
		t.Fatalf("expected cosmic-ray veto -90, got %v", err)
	}
	if mot.Writes["DWXL8RAW"] != 0 {
		t.Errorf("a vetoed frame must not move the stages")
	}
}

func TestStaleFrameRejected(t *testing.T) {
	l, o, _, fcsvc, datadir := bench(t)
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	fcsvc.Modify("LFRAMENO", "7", true)
	path := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, path, 2, -420, 32, 32)
	err := l.ProcessFrame(path, o)
	if fcserr.CodeOf(err) != fcserr.ErrStaleFrame.Code {
		t.Errorf("expected stale-frame rejection -88, got %v", err)
	}
	// a stale frame means the detector software lost sync; the loop
	// must stop, not skip the image
	if fcserr.SeverityOf(err) != fcserr.Emergency {
		t.Errorf("stale frame must carry emergency severity, got %v", fcserr.SeverityOf(err))
	}
}

func TestStageHardLimit(t *testing.T) {
	l, o, mot, _, datadir := bench(t)
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	mot.Modify("TMIRRVAL", "4050", true) // inside the high-limit buffer
	path := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, path, 2, -420, 34, 34)
	err := l.ProcessFrame(path, o)
	if fcserr.CodeOf(err) != fcserr.ErrTentHighLimit.Code {
		t.Fatalf("expected tent mirror high-limit emergency -98, got %v", err)
	}
	if mot.Writes["DWXL8RAW"] != 0 {
		t.Errorf("stages must not move past a limit check failure")
	}
}

func TestMonitorModeMeasuresOnly(t *testing.T) {
	l, o, mot, _, datadir := bench(t)
	l.Monitor = true
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, path, 2, -420, 34, 34)
	if err := l.ProcessFrame(path, o); err != nil {
		t.Fatalf("monitor mode should succeed, got %v", err)
	}
	if mot.Writes["TMIRRVAL"] != 0 {
		t.Errorf("monitor mode must not command the tent mirror")
	}
	if mot.Writes["DWXL8RAW"] != 0 {
		t.Errorf("monitor mode must not command the dewar stage")
	}
	x, _ := l.Integrators()
	if math.Abs(x-2) > 0.2 {
		t.Errorf("monitor mode must still integrate, x = %f", x)
	}
}

func TestNextFramePath(t *testing.T) {
	l, _, _, _, datadir := bench(t)
	path, err := l.NextFramePath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(datadir, "fcs0001.fits") {
		t.Errorf("FRAMENO 2 means the last completed frame is fcs0001.fits, got %s", path)
	}
}

func TestHistoryRecorded(t *testing.T) {
	l, o, _, _, datadir := bench(t)
	st, err := history.New(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	l.Hist = st
	if err := l.FindReference(o); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(datadir, "fcs0002.fits")
	writeSpot(t, path, 2, -420, 34, 34)
	if err := l.ProcessFrame(path, o); err != nil {
		t.Fatal(err)
	}
	rec, err := st.Last()
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Applied {
		t.Errorf("expected the correction recorded as applied")
	}
	if math.Abs(rec.Dx-2) > 0.2 {
		t.Errorf("recorded dx %f, expected about 2", rec.Dx)
	}
	if rec.FrameNo != 2 || rec.Grating != "1200G" {
		t.Errorf("record misidentifies the frame: %+v", rec)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	l, _, _, _, datadir := bench(t)
	l.Interval = 5 * time.Millisecond
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()

	// a frame landing in the watched directory exercises the event path
	time.Sleep(20 * time.Millisecond)
	writeSpot(t, filepath.Join(datadir, "fcs0002.fits"), 2, -420, 32, 32)
	time.Sleep(20 * time.Millisecond)

	l.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("stopped loop must return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after the loop returned")
	}
}
