/*Package reffile reads and writes FCS reference snapshot files.

A reference file captures the instrument configuration in force when an
FCS reference image was taken.  Its name encodes the configuration it
belongs to:

	fcsref.<grating>.slider<N>.at.<wavelength>.<filter>.ref

e.g. fcsref.1200G.slider3.at.7800.0.OG550.ref, so the tracking loop can
locate the snapshot matching the live configuration by constructing the
name alone.  The body is one field per line in a fixed order, terminated
by a CRC-16/XMODEM line; a truncated or hand-edited file fails the
checksum and is treated as incomplete rather than silently half-applied.
*/
package reffile

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/snksoft/crc"

	"github.com/wmko/deifcs/fcs/fcserr"
)

var crcTable = crc.NewTable(crc.XMODEM)

var nameRe = regexp.MustCompile(`^fcsref\.(.+)\.slider(\d)\.at\.([0-9]+\.[0-9]+)\.(.+)\.ref$`)

// Snapshot is the instrument configuration stored in a reference file.
type Snapshot struct {
	Grating    string  `json:"grating"`
	Slider     int     `json:"slider"`
	PA         float64 `json:"pa"`
	Wavelength float64 `json:"wavelength"`
	Filter     string  `json:"filter"`
	Focus      float64 `json:"focus"`
	Lamps      string  `json:"lamps"`
	Exptime    float64 `json:"exptime"`
	OutDir     string  `json:"outdir"`
	OutFile    string  `json:"outfile"`
	FrameNo    int     `json:"frameno"`
}

// FormatWavelength renders a wavelength with the configured number of
// decimals, at least one so 7800 reads 7800.0 in file names.
func FormatWavelength(w float64, decimals int) string {
	if decimals < 1 {
		decimals = 1
	}
	return strconv.FormatFloat(w, 'f', decimals, 64)
}

// Filename constructs the reference file name for the snapshot.
func (s Snapshot) Filename(decimals int) string {
	return fmt.Sprintf("fcsref.%s.slider%d.at.%s.%s.ref",
		s.Grating, s.Slider, FormatWavelength(s.Wavelength, decimals), s.Filter)
}

// ParseName extracts the configuration encoded in a reference file name.
func ParseName(name string) (grating string, slider int, wavelength float64, filter string, err error) {
	m := nameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", 0, 0, "", fmt.Errorf("%s is not a reference file name", name)
	}
	slider, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, 0, "", err
	}
	wavelength, err = strconv.ParseFloat(m[3], 64)
	if err != nil {
		return "", 0, 0, "", err
	}
	return m[1], slider, wavelength, m[4], nil
}

func (s Snapshot) body(decimals int) string {
	var b strings.Builder
	fmt.Fprintln(&b, s.Filename(decimals))
	fmt.Fprintln(&b, s.Grating)
	fmt.Fprintln(&b, s.Slider)
	fmt.Fprintln(&b, strconv.FormatFloat(s.PA, 'f', -1, 64))
	fmt.Fprintln(&b, FormatWavelength(s.Wavelength, decimals))
	fmt.Fprintln(&b, s.Filter)
	fmt.Fprintln(&b, strconv.FormatFloat(s.Focus, 'f', -1, 64))
	fmt.Fprintln(&b, s.Lamps)
	fmt.Fprintln(&b, strconv.FormatFloat(s.Exptime, 'f', -1, 64))
	fmt.Fprintln(&b, s.OutDir)
	fmt.Fprintln(&b, s.OutFile)
	fmt.Fprintln(&b, s.FrameNo)
	return b.String()
}

// Render returns the full file content including the checksum line.
func (s Snapshot) Render(decimals int) string {
	body := s.body(decimals)
	sum := crc.CalculateCRC(crc.XMODEM, []byte(body))
	return body + fmt.Sprintf("CRC %04X\n", sum)
}

// Write stores the snapshot under dir.  An existing file for the same
// configuration is renamed aside with a random 5-digit suffix rather
// than overwritten, preserving the operator's previous reference.
// The path of the written file is returned.
func (s Snapshot) Write(dir string, decimals int) (string, error) {
	path := filepath.Join(dir, s.Filename(decimals))
	if _, err := os.Stat(path); err == nil {
		suffix := fmt.Sprintf("%05d", rand.Intn(100000))
		if err := os.Rename(path, path+"."+suffix); err != nil {
			return "", err
		}
	}
	err := os.WriteFile(path, []byte(s.Render(decimals)), 0644)
	if err != nil {
		return "", fcserr.Detail(fcserr.ErrRefWriteDenied,
			"cannot write reference file %s: %v", path, err)
	}
	return path, nil
}

// Load reads and verifies a reference file.  A missing checksum line or
// a checksum mismatch yields the incomplete-reference lockout error.
func Load(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	content := string(raw)
	idx := strings.LastIndex(content, "CRC ")
	if idx < 0 || !strings.HasSuffix(content, "\n") {
		return Snapshot{}, fcserr.Detail(fcserr.ErrIncompleteRef,
			"reference file %s has no checksum line", path)
	}
	body, sumLine := content[:idx], strings.TrimSpace(content[idx+4:])
	want, err := strconv.ParseUint(sumLine, 16, 16)
	if err != nil {
		return Snapshot{}, fcserr.Detail(fcserr.ErrIncompleteRef,
			"reference file %s has a malformed checksum line", path)
	}
	if got := crc.CalculateCRC(crc.XMODEM, []byte(body)); got != want {
		return Snapshot{}, fcserr.Detail(fcserr.ErrIncompleteRef,
			"reference file %s failed its checksum, want %04X got %04X", path, want, got)
	}

	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) != 12 {
		return Snapshot{}, fcserr.Detail(fcserr.ErrIncompleteRef,
			"reference file %s has %d fields, expected 12", path, len(lines))
	}
	var s Snapshot
	s.Grating = lines[1]
	if s.Slider, err = strconv.Atoi(lines[2]); err != nil {
		return Snapshot{}, badField(path, "slider", err)
	}
	if s.PA, err = strconv.ParseFloat(lines[3], 64); err != nil {
		return Snapshot{}, badField(path, "rotator angle", err)
	}
	if s.Wavelength, err = strconv.ParseFloat(lines[4], 64); err != nil {
		return Snapshot{}, badField(path, "wavelength", err)
	}
	s.Filter = lines[5]
	if s.Focus, err = strconv.ParseFloat(lines[6], 64); err != nil {
		return Snapshot{}, badField(path, "focus", err)
	}
	s.Lamps = lines[7]
	if s.Exptime, err = strconv.ParseFloat(lines[8], 64); err != nil {
		return Snapshot{}, badField(path, "exposure time", err)
	}
	s.OutDir = lines[9]
	s.OutFile = lines[10]
	if s.FrameNo, err = strconv.Atoi(lines[11]); err != nil {
		return Snapshot{}, badField(path, "frame number", err)
	}
	return s, nil
}

func badField(path, field string, err error) error {
	return fcserr.Detail(fcserr.ErrIncompleteRef,
		"reference file %s: bad %s: %v", path, field, err)
}
