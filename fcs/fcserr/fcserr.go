/*Package fcserr defines the coded errors shared by the FCS tools.

Every operator-visible failure in the FCS system carries a numeric code
that is published through the FCSERR keyword.  Negative codes are errors,
positive codes are advisories, and code 0 clears any prior error.  The
severity attached to a code tells the tracking loop how to react: an
advisory is logged and tracking continues, a lockout inhibits corrections
until the configuration changes, and an emergency stops the loop outright.
*/
package fcserr

import (
	"errors"
	"fmt"
)

// Severity describes how the control loop must react to a coded error.
type Severity int

// Severities, ordered from least to most disruptive.
const (
	Info Severity = iota
	Warning
	IgnoreImage
	Lockout
	Emergency
	Abort
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case IgnoreImage:
		return "ignore image"
	case Lockout:
		return "lockout"
	case Emergency:
		return "emergency"
	case Abort:
		return "abort"
	}
	return "unknown"
}

// Error is a coded FCS error.  It satisfies the error interface and is
// comparable with errors.Is against the sentinel values in this package;
// two Errors are treated as equal when their codes match, so call sites
// may attach context with Errorf and still be matched against a sentinel.
type Error struct {
	Code     int
	Severity Severity
	Msg      string
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("MSG %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("ERROR %d: %s", e.Code, e.Msg)
}

// Is reports code equality so wrapped and formatted variants of a code
// still match their sentinel.
func (e *Error) Is(target error) bool {
	var o *Error
	if !errors.As(target, &o) {
		return false
	}
	return e.Code == o.Code
}

// New builds a coded error.
func New(code int, sev Severity, msg string) *Error {
	return &Error{Code: code, Severity: sev, Msg: msg}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code int, sev Severity, format string, args ...interface{}) *Error {
	return &Error{Code: code, Severity: sev, Msg: fmt.Sprintf(format, args...)}
}

// Detail restates a sentinel with a specific message, keeping its code
// and severity so call sites cannot drift from the table.
func Detail(e *Error, format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Severity: e.Severity, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the FCS code from err, or 0 if err carries none.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// SeverityOf extracts the severity from err.  Errors without a code are
// treated as warnings so an unexpected failure never silently clears state.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return Warning
}

// Communication failures with the keyword services.
func CommFailure(service, keyword string) *Error {
	code := -21
	switch service {
	case "deimot":
		code = -28
	case "deifcs":
		code = -31
	case "deiccd":
		code = -33
	}
	return Errorf(code, Emergency, "cannot read %s.%s: keyword service unreachable", service, keyword)
}

// Advisories emitted by the tracking loop.
var (
	TentRecenterNeeded = New(23, Info, "tent mirror recentering is needed")
	WithinTolerance    = New(24, Info, "FCS image now aligned within tolerance")
	ApplyingCorrection = New(25, Info, "applying FCS corrections")
	RecenteringTent    = New(26, Info, "re-centering tent mirror")
	CorrectionsApplied = New(28, Info, "FCS corrections applied")
)

// Lockout and emergency conditions shared by fcstrack and the preflight
// checks.
var (
	ErrIncompleteRef   = New(-24, Lockout, "incomplete reference file")
	ErrFocusMismatch   = New(-30, Warning, "focus does not match reference")
	ErrNoSliderClamped = New(-51, Lockout, "no slider clamped")
	ErrInvalidGrating  = New(-52, Lockout, "invalid grating name for FCS")
	ErrInvalidSlider   = New(-53, Lockout, "invalid slider position for FCS")
	ErrNoReference     = New(-60, Lockout, "reference image not found for current configuration")
	ErrStaleFrame      = New(-88, Emergency, "LFRAMENO is different from FRAMENO in header")
	ErrLowContrast     = New(-89, Emergency, "cross-correlation failed: image contrast too low")
	ErrCosmicRayX      = New(-90, IgnoreImage, "FCS CCDs differ in X, cosmic ray suspected")
	ErrCosmicRayY      = New(-91, IgnoreImage, "FCS CCDs differ in Y, cosmic ray suspected")
	ErrDewarNegLimit   = New(-95, Emergency, "dewar translation stage negative limit reached")
	ErrDewarPosLimit   = New(-96, Emergency, "dewar translation stage positive limit reached")
	ErrTentLowLimit    = New(-97, Emergency, "tent mirror low limit reached")
	ErrTentHighLimit   = New(-98, Emergency, "tent mirror high limit reached")
	ErrMissingValues   = New(-100, Emergency, "FCS correction not possible, missing values")
	ErrFocusTooFar     = New(-110, Lockout, "focus too far from reference focus")
)

// Aborts raised by fcszero.
var (
	ErrRotatorLocked  = New(-206, Abort, "rotator is locked")
	ErrRotatorMode    = New(-205, Abort, "cannot set the rotator mode")
	ErrRotateFailed   = New(-209, Abort, "error rotating the instrument")
	ErrTiltRecenter   = New(-211, Abort, "cannot center the slider tilt offset")
	ErrTentRecenter   = New(-216, Abort, "cannot recenter the tent mirror")
	ErrDewarRecenter  = New(-218, Abort, "cannot recenter the dewar X translation stage")
	ErrBadArguments   = New(-400, Abort, "wrong input parameters")
	ErrStateNotIdle   = New(-203, Abort, "FCSSTATE is not idle")
	ErrUserterminated = New(-550, Abort, "terminated by user")
)

// Aborts raised by the fcsref preflight.
var (
	ErrTentNotCentered  = New(-500, Abort, "tent mirror not centered for reference")
	ErrDewarNotCentered = New(-501, Abort, "dewar X translation not centered for reference")
	ErrLampsOff         = New(-502, Abort, "FCS lamps are off")
	ErrExptimeTooShort  = New(-503, Abort, "FCS exposure time too short")
	ErrExptimeTooLong   = New(-504, Abort, "FCS exposure time too long")
	ErrTiltNotCentered  = New(-505, Abort, "grating tilt offset not centered for reference")
	ErrNotClamped       = New(-506, Abort, "grating not clamped for reference")
	ErrPANotCentered    = New(-507, Abort, "rotator not at the center of flexure")
	ErrRefWriteDenied   = New(-39, Warning, "account lacks write access for reference file")
)
