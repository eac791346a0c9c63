package fcs

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/fcs/fcserr"
	"github.com/wmko/deifcs/fcs/reffile"
)

// TakeReference captures the live instrument configuration into a
// reference snapshot file, the fcsref procedure.  confirm is consulted
// before writing when the PA window is advisory; out receives an echo of
// the written file so the operator can eyeball it.
func TakeReference(ins Instrument, cfg config.Config, confirm func(string) bool, out io.Writer) (string, error) {
	o, err := ins.Observe(cfg)
	if err != nil {
		return "", err
	}
	freePA, err := Preflight(cfg, o)
	if err != nil {
		return "", err
	}

	var prompt string
	if freePA {
		prompt = fmt.Sprintf("FCS reference can be taken at any rotator angle for slider %d. Proceed (y/[n])? ", o.Slider)
	} else {
		prompt = fmt.Sprintf("Rotator is at PA %.1f, the slider %d center of flexure. Proceed (y/[n])? ", o.PA, o.Slider)
	}
	if confirm != nil && !confirm(prompt) {
		return "", fcserr.ErrUserterminated
	}

	snap := reffile.Snapshot{
		Grating:    o.Grating,
		Slider:     o.Slider,
		PA:         o.PA,
		Wavelength: o.Wavelength,
		Filter:     o.Filter,
		Focus:      o.Focus,
		Lamps:      o.Lamps,
		Exptime:    o.Exptime,
		OutDir:     cfg.OutputPrefix + o.OutDir,
		OutFile:    o.OutFile,
		FrameNo:    o.FrameNo,
	}
	dir := cfg.OutputPrefix + o.OutDir
	path, err := snap.Write(dir, cfg.WavelengthDecimals)
	if err != nil {
		return "", err
	}
	if out != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "fcsref successful. Contents of snapshot file:")
		fmt.Fprintln(out)
		fmt.Fprint(out, snap.Render(cfg.WavelengthDecimals))
	}
	return filepath.Clean(path), nil
}
