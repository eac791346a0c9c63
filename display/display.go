/*Package display keeps a ds9 viewer pointed at the most recent FCS
frame, the monitor-and-display tool.

The path of the newest frame is derived from the OUTDIR, OUTFILE, and
FRAMENO keywords; FRAMENO names the frame in progress, so the newest
complete frame is one behind it.  Operator adjustments to zoom, scale,
and region shape are read back before every load so they survive.
*/
package display

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wmko/deifcs/ds9"
	"github.com/wmko/deifcs/ktl"
)

// Defaults applied when the viewer is first attached.
const (
	InitialZoom         = "fit"
	InitialScaleMode    = "zscale"
	InitialRegionsShape = "box"
)

// Monitor watches the FCS output directory keywords and pushes each new
// frame to a ds9 target.
type Monitor struct {
	Fcs    ktl.Service // deifcs keyword service
	Viewer *ds9.Target

	// Prefix is prepended to OUTDIR; the CCD daemons report paths
	// without the automount prefix
	Prefix string

	// Interval is the keyword polling period
	Interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a Monitor with the standard five second poll.
func New(fcs ktl.Service, viewer *ds9.Target, prefix string) *Monitor {
	return &Monitor{
		Fcs:      fcs,
		Viewer:   viewer,
		Prefix:   prefix,
		Interval: 5 * time.Second,
		stop:     make(chan struct{})}
}

// LatestPath returns the newest complete frame path, or "" when the
// frame is still integrating or has not been written yet.
func (m *Monitor) LatestPath() (string, error) {
	outdir, err := m.Fcs.Show("OUTDIR")
	if err != nil {
		return "", fmt.Errorf("deifcs keyword service is unreachable: %w", err)
	}
	outfile, err := m.Fcs.Show("OUTFILE")
	if err != nil {
		return "", fmt.Errorf("deifcs keyword service is unreachable: %w", err)
	}
	frameno, err := ktl.ShowInt(m.Fcs, "FRAMENO")
	if err != nil {
		return "", fmt.Errorf("deifcs keyword service is unreachable: %w", err)
	}
	path := filepath.Join(m.Prefix+outdir, fmt.Sprintf("%s%04d.fits", outfile, frameno-1))
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

// Show loads path into frame 1 of the viewer and restores the view.
func (m *Monitor) Show(path string, v ds9.View) error {
	if err := m.Viewer.Open(path, 1); err != nil {
		return err
	}
	return m.Viewer.ApplyView(v)
}

// Run attaches the viewer and displays each new frame until ctx is
// cancelled or Stop is called.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Viewer.Attach(); err != nil {
		return err
	}
	m.Viewer.Preserve("pan", true)
	m.Viewer.Preserve("regions", true)

	view := ds9.View{Zoom: InitialZoom, ScaleMode: InitialScaleMode, RegionsShape: InitialRegionsShape}
	last, err := m.LatestPath()
	if err != nil {
		return err
	}
	if last != "" {
		if err := m.Show(last, view); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
		}

		current, err := m.LatestPath()
		if err != nil {
			log.Print(err)
			continue
		}
		if current == "" || current == last {
			continue
		}
		if v, err := m.Viewer.CurrentView(); err == nil {
			view = v
		}
		log.Printf("new image %s has arrived", filepath.Base(current))
		if err := m.Show(current, view); err != nil {
			log.Printf("cannot display %s: %v", current, err)
			continue
		}
		last = current
	}
}

// Stop ends a running monitor.  It is safe to call more than once and
// after the monitor has already returned.
func (m *Monitor) Stop() { m.stopOnce.Do(func() { close(m.stop) }) }
