package ds9

import (
	"fmt"
	"strings"
	"testing"
)

// recorder captures invoked commands and plays back canned responses.
type recorder struct {
	calls []string
	reply map[string]string
	fail  map[string]bool
}

func (r *recorder) run(name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	if r.fail[call] {
		return nil, fmt.Errorf("exit status 1")
	}
	return []byte(r.reply[call] + "\n"), nil
}

func target(r *recorder) *Target {
	return &Target{Title: "deimos_fcs_autodisplay", Run: r.run}
}

func TestOpenSelectsFrameThenFile(t *testing.T) {
	r := &recorder{}
	d := target(r)
	if err := d.Open("/s/data/fcs0042.fits", 1); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"xpaset -p deimos_fcs_autodisplay frame 1",
		"xpaset -p deimos_fcs_autodisplay file /s/data/fcs0042.fits",
	}
	if len(r.calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), r.calls)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("call %d: expected %q got %q", i, want[i], r.calls[i])
		}
	}
}

func TestXPAGetTrims(t *testing.T) {
	r := &recorder{reply: map[string]string{"xpaget deimos_fcs_autodisplay zoom": "  2 "}}
	d := target(r)
	v, err := d.XPAGet("zoom")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2" {
		t.Errorf("expected trimmed response 2, got %q", v)
	}
}

func TestCurrentViewAndApply(t *testing.T) {
	r := &recorder{reply: map[string]string{
		"xpaget deimos_fcs_autodisplay zoom":          "fit",
		"xpaget deimos_fcs_autodisplay scale mode":    "zscale",
		"xpaget deimos_fcs_autodisplay regions shape": "box",
	}}
	d := target(r)
	v, err := d.CurrentView()
	if err != nil {
		t.Fatal(err)
	}
	if v != (View{Zoom: "fit", ScaleMode: "zscale", RegionsShape: "box"}) {
		t.Fatalf("wrong view read back: %+v", v)
	}
	r.calls = nil
	if err := d.ApplyView(v); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"xpaset -p deimos_fcs_autodisplay zoom to fit",
		"xpaset -p deimos_fcs_autodisplay scale mode zscale",
		"xpaset -p deimos_fcs_autodisplay regions shape box",
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("call %d: expected %q got %q", i, want[i], r.calls[i])
		}
	}
}

func TestXPASetError(t *testing.T) {
	r := &recorder{fail: map[string]bool{"xpaset -p deimos_fcs_autodisplay frame 1": true}}
	d := target(r)
	if err := d.Frame(1); err == nil {
		t.Errorf("expected an error from a failing xpaset")
	}
}

func TestPreserve(t *testing.T) {
	r := &recorder{}
	d := target(r)
	d.Preserve("pan", true)
	d.Preserve("regions", false)
	if r.calls[0] != "xpaset -p deimos_fcs_autodisplay preserve pan yes" {
		t.Errorf("unexpected call %q", r.calls[0])
	}
	if r.calls[1] != "xpaset -p deimos_fcs_autodisplay preserve regions no" {
		t.Errorf("unexpected call %q", r.calls[1])
	}
}
