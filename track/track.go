/*Package track implements the flexure tracking loop, the fcstrack tool.

It watches the FCS output directory for new frames, registers each frame
against the reference spot for the live instrument configuration, and
converts the measured drift into tent mirror and dewar translation stage
corrections.
*/
package track

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/wmko/deifcs/fcs"
	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/fcs/fcserr"
	"github.com/wmko/deifcs/fcs/reffile"
	"github.com/wmko/deifcs/frame"
	"github.com/wmko/deifcs/ktl"
	"github.com/wmko/deifcs/register"
	"github.com/wmko/deifcs/track/history"
)

// Loop is the flexure tracking control loop.
type Loop struct {
	Ins    fcs.Instrument
	Cfg    config.Config
	Status *fcs.Status
	Hist   *history.Store

	// Monitor measures and records without commanding the stages,
	// FCSMODE Monitor
	Monitor bool

	// Interval is the polling fallback period when the directory
	// watcher misses events (NFS mounts do not always deliver them)
	Interval time.Duration

	snap     reffile.Snapshot
	refFrame *frame.Frame
	refLeft  [][]float64
	refRight [][]float64

	limiter  *rate.Limiter
	stop     chan struct{}
	stopOnce sync.Once

	prevLeft, prevRight register.Offset
	havePrev            bool
	intX, intY          float64
	lastFrameNo         int
}

// New builds a Loop against the given instrument.  The history store
// may be nil.
func New(ins fcs.Instrument, cfg config.Config, status *fcs.Status, hist *history.Store) *Loop {
	return &Loop{
		Ins:      ins,
		Cfg:      cfg,
		Status:   status,
		Hist:     hist,
		Interval: 5 * time.Second,
		// one correction per interval with a burst of one keeps a flood
		// of frames from slewing the stages
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		stop:    make(chan struct{})}
}

// FindReference locates the reference snapshot matching the live
// instrument configuration and loads the frame it points at.
func (l *Loop) FindReference(o fcs.Observed) error {
	want := reffile.Snapshot{
		Grating:    o.Grating,
		Slider:     o.Slider,
		Wavelength: o.Wavelength,
		Filter:     o.Filter,
	}
	dir := l.Cfg.OutputPrefix + o.OutDir
	path := filepath.Join(dir, want.Filename(l.Cfg.WavelengthDecimals))
	if _, err := os.Stat(path); err != nil {
		return fcserr.Detail(fcserr.ErrNoReference,
			"no FCS reference for %s slider %d at %s %s, take one with fcsref",
			o.Grating, o.Slider, reffile.FormatWavelength(o.Wavelength, l.Cfg.WavelengthDecimals), o.Filter)
	}
	snap, err := reffile.Load(path)
	if err != nil {
		return err
	}

	// the reference frame sits next to the snapshot under the frame
	// number recorded when fcsref ran
	fr, err := frame.Load(framePath(snap.OutDir, snap.OutFile, snap.FrameNo))
	if err != nil {
		return fcserr.Detail(fcserr.ErrNoReference,
			"reference frame for %s cannot be read: %v", filepath.Base(path), err)
	}
	if math.Abs(o.Focus-snap.Focus) > l.Cfg.FocusDelta {
		return fcserr.Detail(fcserr.ErrFocusMismatch,
			"current focus %.0f does not match the reference focus %.0f", o.Focus, snap.Focus)
	}
	l.snap = snap
	l.refFrame = fr
	l.refLeft, l.refRight = fr.Split()
	l.Status.Deifcs.Modify("FCSREFFI", path, true)
	l.Status.Log(fmt.Sprintf("tracking against %s", filepath.Base(path)))
	return nil
}

func framePath(dir, outfile string, frameno int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%04d.fits", outfile, frameno))
}

// NextFramePath returns the path the CCD software will write the
// frame in progress to.  FRAMENO is the number of the NEXT frame, so
// the most recent completed frame is FRAMENO-1.
func (l *Loop) NextFramePath() (string, error) {
	outdir, err := l.Ins.Fcs.Show("OUTDIR")
	if err != nil {
		return "", fcserr.CommFailure("deifcs", "OUTDIR")
	}
	outfile, err := l.Ins.Fcs.Show("OUTFILE")
	if err != nil {
		return "", fcserr.CommFailure("deifcs", "OUTFILE")
	}
	frameno, err := ktl.ShowInt(l.Ins.Fcs, "FRAMENO")
	if err != nil {
		return "", fcserr.CommFailure("deifcs", "FRAMENO")
	}
	return framePath(l.Cfg.OutputPrefix+outdir, outfile, frameno-1), nil
}

// Run executes the tracking loop until ctx is cancelled or Stop is
// called.  A severity of Lockout or worse stops the loop; lesser errors
// are reported and the loop continues with the next frame.
func (l *Loop) Run(ctx context.Context) error {
	o, err := l.Ins.Observe(l.Cfg)
	if err != nil {
		return err
	}
	if _, err := fcs.Preflight(l.Cfg, o); err != nil {
		return err
	}
	if err := l.FindReference(o); err != nil {
		return err
	}
	if err := l.setupDetector(); err != nil {
		return err
	}

	l.Status.SetState(fcs.StateOK)
	l.Status.SetSta(fcs.StaTracking)
	l.Status.SetTrack(fcs.TrackSeeking)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		watcher.Add(l.Cfg.OutputPrefix + o.OutDir)
		defer watcher.Close()
	} else {
		l.Status.Log(fmt.Sprintf("directory watcher unavailable, polling every %s: %v", l.Interval, err))
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	// done releases the forwarder on every exit path, including frame
	// errors that end the loop without cancelling ctx
	done := make(chan struct{})
	defer close(done)

	var events chan fsnotify.Event
	if watcher != nil {
		events = make(chan fsnotify.Event)
		go func() {
			for ev := range watcher.Events {
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case events <- ev:
				case <-done:
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-events:
		case <-ticker.C:
		}
		if err := l.Step(o); err != nil {
			l.Status.Report(err)
			if fcserr.SeverityOf(err) >= fcserr.Lockout {
				return err
			}
		}
	}
}

// setupDetector pushes the FCS CCD readout configuration so frames are
// taken the same way the reference was.
func (l *Loop) setupDetector() error {
	writes := []struct{ kw, val string }{
		{"WINDOW", l.Cfg.Detector.Window},
		{"BINNING", l.Cfg.Detector.Binning},
		{"AUTOSHUT", strconv.Itoa(l.Cfg.Detector.Autoshut)},
		{"FCSBOXX", strconv.Itoa(l.Cfg.BoxX)},
		{"FCSBOXY", strconv.Itoa(l.Cfg.BoxY)},
	}
	for _, w := range writes {
		if err := l.Ins.Fcs.Modify(w.kw, w.val, true); err != nil {
			return fcserr.CommFailure("deifcs", w.kw)
		}
	}
	return nil
}

// Stop ends a running loop.  It is safe to call more than once and
// after the loop has already returned.
func (l *Loop) Stop() { l.stopOnce.Do(func() { close(l.stop) }) }

// Step processes the most recent completed frame, if it is new.
func (l *Loop) Step(o fcs.Observed) error {
	path, err := l.NextFramePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		// frame still integrating
		return nil
	}
	return l.ProcessFrame(path, o)
}

// ProcessFrame measures the drift in one frame and applies the derived
// stage correction.
func (l *Loop) ProcessFrame(path string, o fcs.Observed) error {
	l.Status.SetTask(fcs.TaskProcessing)
	defer l.Status.SetTask(fcs.TaskIdle)

	fr, err := frame.Load(path)
	if err != nil {
		// the CCD software may still be writing the file; the next
		// event or tick retries it
		l.Status.Log(fmt.Sprintf("cannot read frame %s yet: %v", filepath.Base(path), err))
		return nil
	}

	frameno, err := fr.Int("FRAMENO")
	if err != nil {
		return fcserr.Detail(fcserr.ErrMissingValues,
			"frame %s: %v", filepath.Base(path), err)
	}
	if frameno == l.lastFrameNo {
		return nil
	}
	if last, err := ktl.ShowInt(l.Ins.Fcs, "LFRAMENO"); err == nil && frameno != last {
		return fcserr.Detail(fcserr.ErrStaleFrame,
			"frame %s carries FRAMENO %d but the last completed frame is %d",
			filepath.Base(path), frameno, last)
	}
	if focus, err := fr.Float("DWFOCRAW"); err == nil {
		if math.Abs(focus-l.snap.Focus) > l.Cfg.FocusDelta {
			return fcserr.Detail(fcserr.ErrFocusTooFar,
				"frame focus %.0f is too far from the reference focus %.0f", focus, l.snap.Focus)
		}
	}

	curLeft, curRight := fr.Split()
	opt := register.Options{SearchRadius: l.Cfg.SearchRadius}
	left, err := register.Register(l.refLeft, curLeft, opt)
	if err != nil {
		return fcserr.Detail(fcserr.ErrLowContrast,
			"left CCD registration failed: %v", err)
	}
	right, err := register.Register(l.refRight, curRight, opt)
	if err != nil {
		return fcserr.Detail(fcserr.ErrLowContrast,
			"right CCD registration failed: %v", err)
	}

	rec := history.Record{
		FramePath: path,
		FrameNo:   frameno,
		Grating:   o.Grating,
		Slider:    o.Slider,
		DxLeft:    left.X,
		DyLeft:    left.Y,
		DxRight:   right.X,
		DyRight:   right.Y,
		Dx:        (left.X + right.X) / 2,
		Dy:        (left.Y + right.Y) / 2,
	}

	if err := l.cosmicVeto(left, right); err != nil {
		rec.ErrCode = fcserr.CodeOf(err)
		rec.ErrMsg = err.Error()
		l.Hist.Insert(rec)
		return err
	}
	l.prevLeft, l.prevRight = left, right
	l.havePrev = true
	l.lastFrameNo = frameno

	l.Status.Deifcs.Modify("FCSIMGFI", path, true)

	err = l.apply(rec.Dx, rec.Dy, &rec)
	if herr := l.Hist.Insert(rec); herr != nil {
		l.Status.Log(fmt.Sprintf("cannot record correction: %v", herr))
	}
	return err
}

// cosmicVeto rejects a measurement when the two CCDs disagree about how
// much the spot moved since the previous iteration.  Real flexure moves
// both spots together; a cosmic ray hit drags one centroid.
func (l *Loop) cosmicVeto(left, right register.Offset) error {
	if !l.havePrev {
		return nil
	}
	dxl := left.X - l.prevLeft.X
	dxr := right.X - l.prevRight.X
	if math.Abs(dxl-dxr) > l.Cfg.CosmicTolerance {
		return fcserr.Detail(fcserr.ErrCosmicRayX,
			"CCD x motions disagree (%.2f vs %.2f px), probable cosmic ray", dxl, dxr)
	}
	dyl := left.Y - l.prevLeft.Y
	dyr := right.Y - l.prevRight.Y
	if math.Abs(dyl-dyr) > l.Cfg.CosmicTolerance {
		return fcserr.Detail(fcserr.ErrCosmicRayY,
			"CCD y motions disagree (%.2f vs %.2f px), probable cosmic ray", dyl, dyr)
	}
	return nil
}

// apply converts the measured pixel drift into stage moves and commands
// them, honoring limits and the rate limiter.  The record is annotated
// with what was done.
func (l *Loop) apply(dx, dy float64, rec *history.Record) error {
	model, ok := l.Cfg.Models[rec.Grating]
	if !ok {
		return fcserr.Detail(fcserr.ErrInvalidGrating,
			"no optical model for grating %s", rec.Grating)
	}

	l.intX += dx
	l.intY += dy
	ktl.ModifyFloat(l.Status.Deifcs, "FCSINTXM", l.intX, true)
	ktl.ModifyFloat(l.Status.Deifcs, "FCSINTYM", l.intY, true)

	// the dewar translation stage takes out x drift, the tent mirror
	// takes out y drift
	dewarMove := -dx*model.Scale + model.Offset
	tentMove := -dy*model.Scale + model.Offset
	rec.DewarMove = dewarMove
	rec.TentMove = tentMove

	if math.Abs(dx) < 0.05 && math.Abs(dy) < 0.05 {
		l.Status.SetTrack(fcs.TrackOnTarget)
		l.Status.Report(fcserr.WithinTolerance)
		return nil
	}

	if l.Monitor {
		l.Status.SetTrack(fcs.TrackNotCorrecting)
		return nil
	}
	if !l.limiter.Allow() {
		l.Status.Log("correction deferred by the rate limiter")
		return nil
	}

	tent, err := ktl.ShowFloat(l.Ins.Mot, "TMIRRVAL")
	if err != nil {
		return fcserr.CommFailure("deimot", "TMIRRVAL")
	}
	dewar, err := ktl.ShowFloat(l.Ins.Mot, "DWXL8RAW")
	if err != nil {
		return fcserr.CommFailure("deimot", "DWXL8RAW")
	}

	tentTarget := tent + tentMove
	dewarTarget := dewar + dewarMove
	if err := fcs.CheckStageLimits(tentTarget, l.Cfg.TentMirror,
		fcserr.ErrTentLowLimit, fcserr.ErrTentHighLimit); err != nil {
		return err
	}
	if err := fcs.CheckStageLimits(dewarTarget, l.Cfg.DewarX,
		fcserr.ErrDewarNegLimit, fcserr.ErrDewarPosLimit); err != nil {
		return err
	}

	l.Status.SetTask(fcs.TaskCorrecting)
	l.Status.Report(fcserr.ApplyingCorrection)
	if err := ktl.ModifyFloat(l.Ins.Mot, "TMIRRVAL", tentTarget, true); err != nil {
		return fcserr.Detail(fcserr.ErrTentRecenter,
			"cannot move the tent mirror: %v", err)
	}
	if err := ktl.ModifyFloat(l.Ins.Mot, "DWXL8RAW", dewarTarget, true); err != nil {
		return fcserr.Detail(fcserr.ErrDewarRecenter,
			"cannot move the dewar stage: %v", err)
	}
	rec.Applied = true
	l.Status.SetTrack(fcs.TrackOnTarget)

	// nearing the end of stage travel is worth a heads-up before the
	// hard limit locks tracking out
	if outsideBand(tentTarget, l.Cfg.TentMirror) {
		l.Status.Report(fcserr.TentRecenterNeeded)
	}
	if outsideBand(dewarTarget, l.Cfg.DewarX) {
		l.Status.Report(fcserr.Detail(fcserr.TentRecenterNeeded,
			"dewar translation stage recentering is needed"))
	}
	return nil
}

func outsideBand(v float64, st config.Stage) bool {
	return v < st.Center-st.Delta || v > st.Center+st.Delta
}

// Integrators returns the accumulated correction in pixels since the
// loop started.
func (l *Loop) Integrators() (x, y float64) { return l.intX, l.intY }
