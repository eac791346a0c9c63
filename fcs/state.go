// Package fcs implements the flexure compensation operations: the
// preflight checks shared by the operator tools, the fcszero and fcsref
// procedures, and the keyword-service status publication they all use.
package fcs

import (
	"log"

	"github.com/wmko/deifcs/fcs/fcserr"
	"github.com/wmko/deifcs/ktl"
)

// State is the FCSSTATE keyword enumeration.
type State string

// FCSSTATE values.
const (
	StateOK        State = "OK"
	StateIdle      State = "idle"
	StateWarning   State = "warning"
	StateLockout   State = "lockout"
	StateEmergency State = "emergency"
)

// Sta is the FCSSTA keyword enumeration.
type Sta string

// FCSSTA values.
const (
	StaPassive   Sta = "Passive"
	StaTracking  Sta = "Tracking"
	StaWarning   Sta = "Warning"
	StaSeeking   Sta = "Seeking"
	StaOffTarget Sta = "Off_target"
	StaLockout   Sta = "Lockout"
	StaEmergency Sta = "Emergency"
)

// Mode is the FCSMODE keyword enumeration.
type Mode string

// FCSMODE values.
const (
	ModeOff         Mode = "Off"
	ModeMonitor     Mode = "Monitor"
	ModeEngineering Mode = "Engineering"
	ModeTrack       Mode = "Track"
	ModeCalibrate   Mode = "Calibrate"
)

// TrackState is the FCSTRACK keyword enumeration.
type TrackState string

// FCSTRACK values.
const (
	TrackOnTarget      TrackState = "on target"
	TrackNotCorrecting TrackState = "not correcting"
	TrackSeeking       TrackState = "seeking"
	TrackOffTarget     TrackState = "off target"
)

// Task is the FCSTASK keyword enumeration.
type Task string

// FCSTASK values.
const (
	TaskIdle       Task = "Idle"
	TaskImaging    Task = "Imaging"
	TaskProcessing Task = "Processing"
	TaskCorrecting Task = "Correcting"
)

// Status publishes FCS state, messages, and error codes through the
// deifcs keyword service.  Unchanged values are not rewritten; the
// keyword broadcast layer fans every write out to the GUIs, so writes
// are kept to actual transitions.
type Status struct {
	Deifcs ktl.Service

	lastMsg  string
	lastCode int
}

// NewStatus returns a Status publishing through deifcs.
func NewStatus(deifcs ktl.Service) *Status {
	return &Status{Deifcs: deifcs, lastCode: -1 << 30}
}

// Log prints a message and mirrors it to the FCSMSG keyword.
func (s *Status) Log(msg string) {
	log.Println(msg)
	if s.Deifcs == nil || msg == s.lastMsg {
		return
	}
	if err := s.Deifcs.Modify("FCSMSG", msg, true); err != nil {
		log.Printf("cannot update FCSMSG: %v", err)
		return
	}
	s.lastMsg = msg
}

// Report publishes an error through FCSERR and FCSMSG.  A nil error
// publishes code 0, clearing any prior error.
func (s *Status) Report(err error) {
	code := 0
	msg := "OK"
	if err != nil {
		code = fcserr.CodeOf(err)
		msg = err.Error()
	}
	log.Println(msg)
	if s.Deifcs == nil {
		return
	}
	if code != s.lastCode {
		if werr := ktl.ModifyInt(s.Deifcs, "FCSERR", code, true); werr != nil {
			log.Printf("cannot update FCSERR: %v", werr)
		} else {
			s.lastCode = code
		}
	}
	if msg != s.lastMsg {
		if werr := s.Deifcs.Modify("FCSMSG", msg, true); werr != nil {
			log.Printf("cannot update FCSMSG: %v", werr)
		} else {
			s.lastMsg = msg
		}
	}
}

// SetState writes FCSSTATE.
func (s *Status) SetState(v State) error {
	return s.Deifcs.Modify("FCSSTATE", string(v), true)
}

// SetSta writes FCSSTA.
func (s *Status) SetSta(v Sta) error {
	return s.Deifcs.Modify("FCSSTA", string(v), true)
}

// SetTrack writes FCSTRACK.
func (s *Status) SetTrack(v TrackState) error {
	return s.Deifcs.Modify("FCSTRACK", string(v), true)
}

// SetTask writes FCSTASK.
func (s *Status) SetTask(v Task) error {
	return s.Deifcs.Modify("FCSTASK", string(v), true)
}

// Interrupt returns the FCS keywords to their passive resting values:
// state idle, tracking off, file keywords and integrators cleared, and
// the FCS lamps off.  Used when a tool exits, normally or not.
func (s *Status) Interrupt(err error) {
	if s.Deifcs == nil {
		return
	}
	s.SetSta(StaPassive)
	s.SetState(StateIdle)
	s.SetTask(TaskIdle)
	s.SetTrack(TrackNotCorrecting)
	for _, kw := range []string{"FCSREFFI", "FCSIMGFI", "FCSLOGFI"} {
		s.Deifcs.Modify(kw, "", true)
	}
	for _, kw := range []string{"FCSINTXM", "FCSINTYM"} {
		ktl.ModifyFloat(s.Deifcs, kw, 0, true)
	}
	s.Deifcs.Modify("FLAMPS", "Off", true)
	s.Report(err)
}
