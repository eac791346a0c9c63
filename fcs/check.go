package fcs

import (
	"fmt"
	"math"

	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/fcs/fcserr"
	"github.com/wmko/deifcs/ktl"
)

// Instrument bundles the keyword services the FCS tools use.
type Instrument struct {
	Mot ktl.Service // deimot: optics and stage keywords
	Rot ktl.Service // deirot: rotator keywords
	Fcs ktl.Service // deifcs: FCS camera and state keywords
	Ccd ktl.Service // deiccd: science detector keywords
}

// Connect dials the keyword services named in the configuration.
func Connect(cfg config.Config) Instrument {
	svc := func(name string) ktl.Service {
		sa := cfg.Services[name]
		return ktl.NewRemote(name, sa.Addr, sa.Serial)
	}
	return Instrument{
		Mot: svc("deimot"),
		Rot: svc("deirot"),
		Fcs: svc("deifcs"),
		Ccd: svc("deiccd")}
}

// Observed is one coherent reading of the instrument configuration.
type Observed struct {
	Grating    string
	Slider     int
	Wavelength float64 // rounded to the configured decimals
	TiltOffset float64
	PA         float64
	Filter     string
	Focus      float64
	TentMirror float64
	DewarX     float64
	Lamps      string
	Exptime    float64
	OutDir     string
	OutFile    string
	FrameNo    int
}

// Observe reads the instrument configuration from the keyword services.
// Any read failure maps to the communication-failure code of the service
// that failed.
func (ins Instrument) Observe(cfg config.Config) (Observed, error) {
	var (
		o   Observed
		err error
	)
	if o.Grating, err = ins.Mot.Show("GRATENAM"); err != nil {
		return o, fcserr.CommFailure("deimot", "GRATENAM")
	}
	if o.Slider, err = ktl.ShowInt(ins.Mot, "GRATEPOS"); err != nil {
		return o, fcserr.CommFailure("deimot", "GRATEPOS")
	}

	// slider 2 is the mirror, it has no tilt wavelength
	if o.Slider == 3 || o.Slider == 4 {
		kw := fmt.Sprintf("G%dTLTWAV", o.Slider)
		wav, err := ktl.ShowFloat(ins.Mot, kw)
		if err != nil {
			return o, fcserr.CommFailure("deimot", kw)
		}
		o.Wavelength = roundTo(wav, cfg.WavelengthDecimals)

		kw = fmt.Sprintf("G%dTLTOFF", o.Slider)
		if o.TiltOffset, err = ktl.ShowFloat(ins.Mot, kw); err != nil {
			return o, fcserr.CommFailure("deimot", kw)
		}
	}

	if o.PA, err = ktl.ShowFloat(ins.Rot, "ROTATVAL"); err != nil {
		return o, fcserr.CommFailure("deirot", "ROTATVAL")
	}
	if o.Filter, err = ins.Mot.Show("DWFILNAM"); err != nil {
		return o, fcserr.CommFailure("deimot", "DWFILNAM")
	}
	if o.Focus, err = ktl.ShowFloat(ins.Mot, "DWFOCRAW"); err != nil {
		return o, fcserr.CommFailure("deimot", "DWFOCRAW")
	}
	if o.TentMirror, err = ktl.ShowFloat(ins.Mot, "TMIRRVAL"); err != nil {
		return o, fcserr.CommFailure("deimot", "TMIRRVAL")
	}
	if o.DewarX, err = ktl.ShowFloat(ins.Mot, "DWXL8RAW"); err != nil {
		return o, fcserr.CommFailure("deimot", "DWXL8RAW")
	}
	if o.Lamps, err = ins.Fcs.Show("FLAMPS"); err != nil {
		return o, fcserr.CommFailure("deifcs", "FLAMPS")
	}
	if o.Exptime, err = ktl.ShowFloat(ins.Fcs, "TTIME"); err != nil {
		return o, fcserr.CommFailure("deifcs", "TTIME")
	}
	if o.OutDir, err = ins.Fcs.Show("OUTDIR"); err != nil {
		return o, fcserr.CommFailure("deifcs", "OUTDIR")
	}
	if o.OutFile, err = ins.Fcs.Show("OUTFILE"); err != nil {
		return o, fcserr.CommFailure("deifcs", "OUTFILE")
	}
	if o.FrameNo, err = ktl.ShowInt(ins.Fcs, "FRAMENO"); err != nil {
		return o, fcserr.CommFailure("deifcs", "FRAMENO")
	}
	return o, nil
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// PAInWindow reports whether pa falls in the window center ± delta,
// also accepting the equivalent angle one revolution down.  A center of
// config.AnyPA accepts everything.
func PAInWindow(pa, center, delta float64) bool {
	if center == config.AnyPA {
		return true
	}
	low, high := center-delta, center+delta
	if pa > low && pa < high {
		return true
	}
	return pa > low-360 && pa < high-360
}

// CheckOptics validates the grating name and slider position.
func CheckOptics(cfg config.Config, o Observed) error {
	if !cfg.GratingValid(o.Grating) {
		return fcserr.Detail(fcserr.ErrInvalidGrating,
			"grating %s is not valid for FCS", o.Grating)
	}
	if !cfg.SliderValid(o.Slider) {
		return fcserr.Detail(fcserr.ErrInvalidSlider,
			"slider position %d is not valid for FCS", o.Slider)
	}
	return nil
}

// CheckPA validates the rotator angle against the slider's flexure
// window.  The bool result asks the caller to confirm with the operator:
// true when the slider accepts any PA so there is nothing to validate
// automatically.
func CheckPA(cfg config.Config, o Observed) (freePA bool, err error) {
	fx, ok := cfg.Flexure(o.Slider)
	if !ok {
		return false, fcserr.ErrNoSliderClamped
	}
	if fx.Center == config.AnyPA {
		return true, nil
	}
	if !PAInWindow(o.PA, fx.Center, fx.Delta) {
		return false, fcserr.Detail(fcserr.ErrPANotCentered,
			"rotator PA %.1f is not at the slider %d center of flexure (%.1f +/- %.1f)",
			o.PA, o.Slider, fx.Center, fx.Delta)
	}
	return false, nil
}

// CheckTiltCentered requires a zero grating tilt offset on sliders 3
// and 4 before a reference is taken.
func CheckTiltCentered(o Observed) error {
	if o.Slider == 2 {
		return nil
	}
	if o.TiltOffset != 0 {
		return fcserr.Detail(fcserr.ErrTiltNotCentered,
			"slider %d tilt offset %.0f is not centered", o.Slider, o.TiltOffset)
	}
	return nil
}

// CheckStageCentered validates a stage reading against its centered
// operating band, returning notCentered when outside.
func CheckStageCentered(v float64, st config.Stage, notCentered *fcserr.Error) error {
	if v < st.Center-st.Delta || v > st.Center+st.Delta {
		return fcserr.Errorf(notCentered.Code, notCentered.Severity,
			"%s: position %.0f outside %.0f +/- %.0f", notCentered.Msg, v, st.Center, st.Delta)
	}
	return nil
}

// CheckStageLimits validates a stage reading against its hard travel
// limits, used by the tracking loop before commanding a move.
func CheckStageLimits(v float64, st config.Stage, lowErr, highErr *fcserr.Error) error {
	if v <= st.Low+st.Buffer {
		return lowErr
	}
	if v >= st.High-st.Buffer {
		return highErr
	}
	return nil
}

// CheckLampsAndExptime validates the FCS lamp state and integration time.
func CheckLampsAndExptime(cfg config.Config, o Observed) error {
	if o.Lamps == "Off" || o.Lamps == "off" {
		return fcserr.ErrLampsOff
	}
	if o.Exptime < cfg.MinExptime {
		return fcserr.Detail(fcserr.ErrExptimeTooShort,
			"FCS exposure time %.1f s is below the minimum %.1f s", o.Exptime, cfg.MinExptime)
	}
	if o.Exptime > cfg.MaxExptime {
		return fcserr.Detail(fcserr.ErrExptimeTooLong,
			"FCS exposure time %.1f s is above the maximum %.1f s", o.Exptime, cfg.MaxExptime)
	}
	return nil
}

// Preflight runs every check a reference capture requires, in the order
// the original operator procedure prescribes.  The freePA result is true
// when the PA window is advisory and the operator should confirm.
func Preflight(cfg config.Config, o Observed) (freePA bool, err error) {
	if err := CheckOptics(cfg, o); err != nil {
		return false, err
	}
	freePA, err = CheckPA(cfg, o)
	if err != nil {
		return false, err
	}
	if err := CheckTiltCentered(o); err != nil {
		return false, err
	}
	if err := CheckStageCentered(o.TentMirror, cfg.TentMirror, fcserr.ErrTentNotCentered); err != nil {
		return false, err
	}
	if err := CheckStageCentered(o.DewarX, cfg.DewarX, fcserr.ErrDewarNotCentered); err != nil {
		return false, err
	}
	if err := CheckLampsAndExptime(cfg, o); err != nil {
		return false, err
	}
	return freePA, nil
}
