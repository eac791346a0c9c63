/*Package ds9 drives an external SAOimage ds9 viewer over XPA.

The XPA messaging library is not linked in; the package shells out to
the xpaset and xpaget binaries the way the observing tools at the summit
always have.  A missing binary surfaces as an error from New, not at
first use in the middle of the night.
*/
package ds9

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes an external command and returns its combined output.
// Tests substitute a recorder.
type Runner func(name string, args ...string) ([]byte, error)

func run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Target is one ds9 instance, addressed by its XPA title.
type Target struct {
	// Title is the XPA access point, the -title the viewer was
	// started with
	Title string

	// Run executes xpaset/xpaget; defaults to exec
	Run Runner

	// XPASetBin, XPAGetBin, and DS9Bin are the resolved binary paths;
	// empty falls back to the bare names
	XPASetBin string
	XPAGetBin string
	DS9Bin    string
}

// New locates the XPA binaries and returns a Target for title.
func New(title string) (*Target, error) {
	xpaset, err := exec.LookPath("xpaset")
	if err != nil {
		return nil, fmt.Errorf("xpaset not found in PATH, install XPA: %w", err)
	}
	xpaget, err := exec.LookPath("xpaget")
	if err != nil {
		return nil, fmt.Errorf("xpaget not found in PATH, install XPA: %w", err)
	}
	t := &Target{Title: title, Run: run, XPASetBin: xpaset, XPAGetBin: xpaget}
	t.DS9Bin, _ = exec.LookPath("ds9")
	return t, nil
}

func orName(bin, name string) string {
	if bin == "" {
		return name
	}
	return bin
}

// XPAGet queries the viewer and returns the trimmed response.
func (t *Target) XPAGet(args ...string) (string, error) {
	out, err := t.Run(orName(t.XPAGetBin, "xpaget"), append([]string{t.Title}, args...)...)
	if err != nil {
		return "", fmt.Errorf("xpaget %s %s: %v", t.Title, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// XPASet sends a command to the viewer without payload (-p).
func (t *Target) XPASet(args ...string) error {
	_, err := t.Run(orName(t.XPASetBin, "xpaset"), append([]string{"-p", t.Title}, args...)...)
	if err != nil {
		return fmt.Errorf("xpaset -p %s %s: %v", t.Title, strings.Join(args, " "), err)
	}
	return nil
}

// Attach verifies a viewer with the target title is answering, starting
// one when it is not and a ds9 binary is available.  ds9 takes a few
// seconds to register its XPA access point after launch.
func (t *Target) Attach() error {
	if _, err := t.XPAGet("version"); err == nil {
		return nil
	}
	if t.DS9Bin == "" {
		return fmt.Errorf("no ds9 titled %s is answering and no ds9 binary is in PATH", t.Title)
	}
	cmd := exec.Command(t.DS9Bin, "-title", t.Title, "-preserve", "pan", "yes")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start ds9: %v", err)
	}
	for i := 0; i < 10; i++ {
		time.Sleep(time.Second)
		if _, err := t.XPAGet("version"); err == nil {
			return nil
		}
	}
	return fmt.Errorf("started ds9 titled %s but it never answered over XPA", t.Title)
}

// Frame selects the viewer frame number.
func (t *Target) Frame(n int) error {
	return t.XPASet("frame", fmt.Sprint(n))
}

// Open loads a FITS file into the given viewer frame.
func (t *Target) Open(path string, frame int) error {
	if err := t.Frame(frame); err != nil {
		return err
	}
	return t.XPASet("file", path)
}

// ZoomTo sets the zoom, e.g. "fit" or "2".
func (t *Target) ZoomTo(zoom string) error {
	return t.XPASet("zoom", "to", zoom)
}

// ScaleMode sets the intensity scaling, e.g. "zscale".
func (t *Target) ScaleMode(mode string) error {
	return t.XPASet("scale", "mode", mode)
}

// RegionsShape sets the default region shape, e.g. "box".
func (t *Target) RegionsShape(shape string) error {
	return t.XPASet("regions", "shape", shape)
}

// Preserve controls whether pan or regions survive a file load.
func (t *Target) Preserve(what string, on bool) error {
	v := "no"
	if on {
		v = "yes"
	}
	return t.XPASet("preserve", what, v)
}

// View is the operator-adjustable display state the monitor loop reads
// back before each load so operator tweaks survive.
type View struct {
	Zoom         string
	ScaleMode    string
	RegionsShape string
}

// CurrentView reads the live display settings.
func (t *Target) CurrentView() (View, error) {
	var v View
	var err error
	if v.Zoom, err = t.XPAGet("zoom"); err != nil {
		return v, err
	}
	if v.ScaleMode, err = t.XPAGet("scale", "mode"); err != nil {
		return v, err
	}
	v.RegionsShape, err = t.XPAGet("regions", "shape")
	return v, err
}

// ApplyView restores display settings after a load.
func (t *Target) ApplyView(v View) error {
	if err := t.ZoomTo(v.Zoom); err != nil {
		return err
	}
	if err := t.ScaleMode(v.ScaleMode); err != nil {
		return err
	}
	return t.RegionsShape(v.RegionsShape)
}
