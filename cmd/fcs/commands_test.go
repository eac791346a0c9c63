package main

import (
	"testing"
	"time"

	"github.com/wmko/deifcs/fcs"
	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/ktl"
	"github.com/wmko/deifcs/track"
)

func newServeTracker() *serveTracker {
	// empty services make the loop fail its first observation and exit
	ins := fcs.Instrument{
		Mot: ktl.NewMock("deimot", nil),
		Rot: ktl.NewMock("deirot", nil),
		Fcs: ktl.NewMock("deifcs", nil),
		Ccd: ktl.NewMock("deiccd", nil),
	}
	loop := track.New(ins, config.Default(), fcs.NewStatus(ins.Fcs), nil)
	return &serveTracker{loop: loop}
}

func TestServeTrackerClearsAfterLoopExit(t *testing.T) {
	st := newServeTracker()
	if err := st.SetTracking(true); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for st.Tracking() {
		if time.Now().After(deadline) {
			t.Fatal("tracker still reports tracking after the loop exited")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := st.SetTracking(false); err != nil {
		t.Fatalf("disabling an already stopped tracker must be a no-op, got %v", err)
	}
}

func TestServeTrackerConcurrentToggle(t *testing.T) {
	st := newServeTracker()
	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				st.SetTracking(true)
				st.Tracking()
				st.SetTracking(false)
			}
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	st.SetTracking(false)
	if st.Tracking() {
		t.Error("tracker must be stopped after both togglers finish")
	}
}
