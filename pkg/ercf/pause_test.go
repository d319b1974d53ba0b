// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"strings"
	"testing"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

func TestPauseLockRefusesOperations(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.Pause("manual stop"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !e.Status().Locked {
		t.Fatal("unit not locked after Pause")
	}

	if err := e.ChangeTool(0, false); !errors.Is(err, errors.ErrPauseLocked) {
		t.Errorf("ChangeTool while locked = %v, want pause locked error", err)
	}
	if err := e.Eject(); !errors.Is(err, errors.ErrPauseLocked) {
		t.Errorf("Eject while locked = %v, want pause locked error", err)
	}
	if err := e.Load(); !errors.Is(err, errors.ErrPauseLocked) {
		t.Errorf("Load while locked = %v, want pause locked error", err)
	}

	if err := e.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if e.Status().Locked {
		t.Error("unit still locked after Unlock")
	}
	if !strings.Contains(e.StatisticsString(), "1 pauses") {
		t.Errorf("statistics do not count the pause: %q", e.StatisticsString())
	}
}

func TestTransportErrorLocksDuringPrint(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.gateFilament[0] = false
	rig.printing = true
	e := newTestFeeder(t, testConfig(4), rig, nil)

	err := e.ChangeTool(0, false)
	if !errors.Is(err, errors.ErrPickupFailure) {
		t.Fatalf("ChangeTool on empty gate = %v, want pickup failure", err)
	}
	if !e.Status().Locked {
		t.Error("unit not locked after a transport failure mid print")
	}
	if rig.pauses != 1 {
		t.Errorf("print paused %d times, want 1", rig.pauses)
	}

	if err := e.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if e.Status().Locked {
		t.Error("unit still locked after Unlock")
	}
}

func TestErrorOutsideOfPrintDoesNotLock(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.gateFilament[0] = false
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.ChangeTool(0, false); err == nil {
		t.Fatal("ChangeTool on empty gate succeeded")
	}
	if e.Status().Locked {
		t.Error("unit locked outside of a print")
	}
	if rig.pauses != 0 {
		t.Errorf("print paused %d times, want 0", rig.pauses)
	}
}

func TestResumeRefusesPartialLoad(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.tipRetract = 10
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.Resume(); err == nil {
		t.Fatal("Resume with nothing loaded succeeded")
	}
	if rig.resumes != 0 {
		t.Errorf("print resumed %d times, want 0", rig.resumes)
	}

	if err := e.ChangeTool(0, false); err != nil {
		t.Fatalf("ChangeTool: %v", err)
	}
	if err := e.Resume(); err != nil {
		t.Fatalf("Resume when loaded: %v", err)
	}
	if rig.resumes != 1 {
		t.Errorf("print resumed %d times, want 1", rig.resumes)
	}
}

func TestRecoverForcesSelectionAndState(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.Recover(1, -1, int(StateLoaded)); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st := e.Status()
	if st.Tool != 1 || st.Gate != 1 {
		t.Errorf("tool/gate = %d/%d, want 1/1", st.Tool, st.Gate)
	}
	if st.Transport != StateLoaded {
		t.Errorf("transport = %s, want Loaded", st.TransportName)
	}
}

func TestRecoverProbesFilamentPosition(t *testing.T) {
	rig := newSimRig(t, 4)
	for i := range rig.gateFilament {
		rig.gateFilament[i] = false
	}
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.Recover(0, -1, -1); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := e.Status().Transport; got != StateUnloaded {
		t.Errorf("probed transport = %s, want Unloaded", got)
	}
}
