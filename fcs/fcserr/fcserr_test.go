package fcserr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/wmko/deifcs/fcs/fcserr"
)

func TestIsMatchesOnCode(t *testing.T) {
	err := fcserr.Errorf(-89, fcserr.Emergency, "cross-correlation failed on CCD %d", 2)
	if !errors.Is(err, fcserr.ErrLowContrast) {
		t.Errorf("expected formatted code -89 to match ErrLowContrast, got no match")
	}
	if errors.Is(err, fcserr.ErrNoReference) {
		t.Errorf("expected code -89 not to match code -60")
	}
}

func TestIsMatchesWrapped(t *testing.T) {
	err := fmt.Errorf("ccd 1: %w", fcserr.ErrCosmicRayX)
	if !errors.Is(err, fcserr.ErrCosmicRayX) {
		t.Errorf("expected wrapped error to match its sentinel")
	}
	if fcserr.CodeOf(err) != -90 {
		t.Errorf("expected CodeOf wrapped error to be -90, got %d", fcserr.CodeOf(err))
	}
}

func TestDetailKeepsCodeAndSeverity(t *testing.T) {
	err := fcserr.Detail(fcserr.ErrStaleFrame, "frame %d behind LFRAMENO %d", 41, 42)
	if !errors.Is(err, fcserr.ErrStaleFrame) {
		t.Errorf("expected detail error to match its sentinel")
	}
	if fcserr.SeverityOf(err) != fcserr.Emergency {
		t.Errorf("expected the sentinel's severity, got %v", fcserr.SeverityOf(err))
	}
	if s := err.Error(); s != "ERROR -88: frame 41 behind LFRAMENO 42" {
		t.Errorf("detail formatted wrong: %s", s)
	}
}

func TestSeverityOfUncoded(t *testing.T) {
	err := errors.New("socket closed")
	if fcserr.SeverityOf(err) != fcserr.Warning {
		t.Errorf("expected uncoded errors to map to warning, got %v", fcserr.SeverityOf(err))
	}
	if fcserr.CodeOf(err) != 0 {
		t.Errorf("expected uncoded errors to have code 0, got %d", fcserr.CodeOf(err))
	}
}

func TestErrorStringSign(t *testing.T) {
	if s := fcserr.ApplyingCorrection.Error(); s != "MSG 25: applying FCS corrections" {
		t.Errorf("advisory formatted wrong: %s", s)
	}
	if s := fcserr.ErrNoReference.Error(); s != "ERROR -60: reference image not found for current configuration" {
		t.Errorf("error formatted wrong: %s", s)
	}
}

func TestCommFailureCodes(t *testing.T) {
	cases := map[string]int{
		"deimot": -28,
		"deifcs": -31,
		"deiccd": -33,
		"deirot": -21,
	}
	for svc, want := range cases {
		err := fcserr.CommFailure(svc, "GRATENAM")
		if fcserr.CodeOf(err) != want {
			t.Errorf("service %s: expected code %d got %d", svc, want, fcserr.CodeOf(err))
		}
		if fcserr.SeverityOf(err) != fcserr.Emergency {
			t.Errorf("service %s: expected emergency severity", svc)
		}
	}
}
