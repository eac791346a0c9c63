package fcs

import (
	"fmt"

	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/fcs/fcserr"
	"github.com/wmko/deifcs/ktl"
)

// ZeroMode selects how much of the instrument fcszero re-centers.
type ZeroMode string

// Zero modes: New prepares the instrument for taking a new reference
// frame, re-centering the tent mirror, dewar stage, and tilt offset;
// Match only rotates to the flexure-center PA so an existing reference
// can be matched.
const (
	ZeroNew   ZeroMode = "new"
	ZeroMatch ZeroMode = "match"
)

// ParseZeroMode validates a command line mode argument; empty means new.
func ParseZeroMode(s string) (ZeroMode, error) {
	switch s {
	case "", "new":
		return ZeroNew, nil
	case "match":
		return ZeroMatch, nil
	}
	return "", fcserr.Detail(fcserr.ErrBadArguments,
		"unknown mode %q, expected new or match", s)
}

// Zero rotates the instrument to the center of the flexure curve for the
// clamped slider and, in new mode, re-centers the tent mirror, the dewar
// X translation stage, and the grating tilt offset.
func Zero(ins Instrument, cfg config.Config, mode ZeroMode, status *Status) error {
	state, err := ins.Fcs.Show("FCSSTATE")
	if err != nil {
		return fcserr.CommFailure("deifcs", "FCSSTATE")
	}
	if State(state) != StateIdle {
		return fcserr.Detail(fcserr.ErrStateNotIdle,
			"FCSSTATE is %s, stop tracking before running fcszero", state)
	}

	slider, err := ktl.ShowInt(ins.Mot, "GRATEPOS")
	if err != nil {
		return fcserr.CommFailure("deimot", "GRATEPOS")
	}
	fx, ok := cfg.Flexure(slider)
	if !ok {
		return fcserr.ErrNoSliderClamped
	}
	status.Log(fmt.Sprintf("slider %d is clamped in position", slider))

	pa, err := ktl.ShowFloat(ins.Rot, "ROTATVAL")
	if err != nil {
		return fcserr.CommFailure("deirot", "ROTATVAL")
	}

	if err := rotateToFlexureCenter(ins, status, slider, pa, fx); err != nil {
		return err
	}

	if mode != ZeroNew {
		return nil
	}
	if slider == 3 || slider == 4 {
		if err := centerTiltOffset(ins, status, slider); err != nil {
			return err
		}
	}
	if err := recenterStage(ins, status, "TMIRRVAL", "tent mirror", cfg.TentMirror, fcserr.ErrTentRecenter); err != nil {
		return err
	}
	return recenterStage(ins, status, "DWXL8RAW", "dewar X translation stage", cfg.DewarX, fcserr.ErrDewarRecenter)
}

func rotateToFlexureCenter(ins Instrument, status *Status, slider int, pa float64, fx config.Flexure) error {
	if fx.Center == config.AnyPA {
		status.Log(fmt.Sprintf("slider %d can be clamped at any rotation angle, clamping at PA %.1f", slider, pa))
		return nil
	}
	if PAInWindow(pa, fx.Center, fx.Delta) {
		status.Log(fmt.Sprintf("rotator is already at PA %.1f, the slider %d center of flexure", pa, slider))
		return nil
	}

	status.Log(fmt.Sprintf("rotator PA %.1f is not at the center of flexure for slider %d", pa, slider))
	lck, err := ins.Rot.Show("ROTATLCK")
	if err != nil {
		return fcserr.CommFailure("deirot", "ROTATLCK")
	}
	if lck != "UNLOCKED" {
		return fcserr.ErrRotatorLocked
	}
	if err := ins.Rot.Modify("ROTATMOD", "pos", true); err != nil {
		return fcserr.ErrRotatorMode
	}
	status.Log(fmt.Sprintf("rotating to PA %.1f, the slider %d center of flexure", fx.Center, slider))
	if err := ktl.ModifyFloat(ins.Rot, "ROTATVAL", fx.Center, true); err != nil {
		return fcserr.Detail(fcserr.ErrRotateFailed,
			"error rotating to PA %.1f: %v", fx.Center, err)
	}
	return nil
}

func centerTiltOffset(ins Instrument, status *Status, slider int) error {
	kw := fmt.Sprintf("G%dTLTOFF", slider)
	off, err := ktl.ShowFloat(ins.Mot, kw)
	if err != nil {
		return fcserr.CommFailure("deimot", kw)
	}
	if off == 0 {
		status.Log(fmt.Sprintf("slider %d tilt is already centered in its range", slider))
		return nil
	}
	status.Log(fmt.Sprintf("recentering the slider %d tilt by zeroing %s (was %.0f)", slider, kw, off))
	if err := ktl.ModifyFloat(ins.Mot, kw, 0, true); err != nil {
		return fcserr.Detail(fcserr.ErrTiltRecenter,
			"cannot center the slider %d tilt offset: %v", slider, err)
	}
	return nil
}

func recenterStage(ins Instrument, status *Status, kw, what string, st config.Stage, fail *fcserr.Error) error {
	v, err := ktl.ShowFloat(ins.Mot, kw)
	if err != nil {
		return fcserr.CommFailure("deimot", kw)
	}
	if v >= st.Center-st.Delta && v <= st.Center+st.Delta {
		status.Log(fmt.Sprintf("%s is already centered in its range", what))
		return nil
	}
	status.Log(fmt.Sprintf("%s position %.0f is not centered, re-centering to %.0f", what, v, st.Center))
	if err := ktl.ModifyFloat(ins.Mot, kw, st.Center, true); err != nil {
		return fcserr.Errorf(fail.Code, fail.Severity, "%s: %v", fail.Msg, err)
	}
	return nil
}
