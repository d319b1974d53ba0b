// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"testing"
	"time"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

func TestChangeToolLoadsToNozzle(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.tipRetract = 10
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.ChangeTool(2, false); err != nil {
		t.Fatalf("ChangeTool: %v", err)
	}
	if e.transport != StateLoaded {
		t.Errorf("transport = %s, want Loaded", e.transport)
	}
	if e.tool != 2 || e.gate != 2 {
		t.Errorf("tool/gate = %d/%d, want 2/2", e.tool, e.gate)
	}
	if rig.fed <= rig.entry {
		t.Errorf("filament depth %.1f not past extruder entry %.1f", rig.fed, rig.entry)
	}
}

func TestChangeToolToLoadedToolIsNoOp(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.tipRetract = 10
	e := newTestFeeder(t, testConfig(4), rig, nil)
	if err := e.ChangeTool(1, false); err != nil {
		t.Fatalf("ChangeTool: %v", err)
	}

	gearMoves, selMoves := rig.gearMoves, rig.selMoves
	if err := e.ChangeTool(1, false); err != nil {
		t.Fatalf("repeat ChangeTool: %v", err)
	}
	if rig.gearMoves != gearMoves || rig.selMoves != selMoves {
		t.Errorf("repeat tool change issued moves: gear %d->%d selector %d->%d",
			gearMoves, rig.gearMoves, selMoves, rig.selMoves)
	}
}

func TestEjectUnloadsToPark(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.tipRetract = 10
	e := newTestFeeder(t, testConfig(4), rig, nil)
	if err := e.ChangeTool(0, false); err != nil {
		t.Fatalf("ChangeTool: %v", err)
	}

	if err := e.Eject(); err != nil {
		t.Fatalf("Eject: %v", err)
	}
	if e.transport != StateUnloaded {
		t.Errorf("transport = %s, want Unloaded", e.transport)
	}
	if rig.fed > 1 {
		t.Errorf("filament depth %.1f after eject, want parked clear of the gate", rig.fed)
	}
	if e.gateStatus[0] != GateAvailableFromBuffer {
		t.Errorf("gate 0 status = %s, want AvailableFromBuffer", e.gateStatus[0])
	}
}

func TestLoadBowdenStuckFilament(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)
	rig.selPos = rig.selOffsets[0]
	rig.slip = 0.85

	err := e.loadBowden(415)
	if !errors.Is(err, errors.ErrStuckFilament) {
		t.Fatalf("loadBowden with 85%% slip = %v, want stuck filament error", err)
	}
	if e.transport != StateUnknown {
		t.Errorf("transport = %s, want Unknown after stuck filament", e.transport)
	}
}

func TestLoadBowdenSlipJustUnderThreshold(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)
	rig.selPos = rig.selOffsets[0]
	rig.slip = 0.79

	if err := e.loadBowden(415); err != nil {
		t.Fatalf("loadBowden with 79%% slip = %v, want success with warning", err)
	}
	if e.transport != StateInBowden {
		t.Errorf("transport = %s, want InBowden", e.transport)
	}
}

func TestUnloadBowdenStuckFilament(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)
	rig.selPos = rig.selOffsets[0]
	rig.fed = 500

	// Slip only on the long retraction, the short grip-check move at
	// the start of the unload stays clean
	rig.slip = 0.85
	rig.slipMinMove = 50

	err := e.unloadBowden(415, true)
	if !errors.Is(err, errors.ErrStuckFilament) {
		t.Fatalf("unloadBowden with 85%% slip = %v, want stuck filament error", err)
	}
}

func TestUnloadBowdenSlipJustUnderThreshold(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)
	rig.selPos = rig.selOffsets[0]
	rig.fed = 500
	rig.slip = 0.79
	rig.slipMinMove = 50

	if err := e.unloadBowden(415, true); err != nil {
		t.Fatalf("unloadBowden with 79%% slip = %v, want success with warning", err)
	}
	if e.transport != StatePastEncoder {
		t.Errorf("transport = %s, want PastEncoder", e.transport)
	}
}

func TestLoadBowdenCorrectionMoves(t *testing.T) {
	rig := newSimRig(t, 4)
	cfg := testConfig(4)
	cfg.ApplyBowdenCorrection = true
	e := newTestFeeder(t, cfg, rig, nil)
	rig.selPos = rig.selOffsets[0]
	rig.slip = 0.05

	if err := e.loadBowden(415); err != nil {
		t.Fatalf("loadBowden: %v", err)
	}
	// One course move plus a single correction move closes the gap
	if rig.gearMoves != 2 {
		t.Errorf("gear moves = %d, want 2 (course + one correction)", rig.gearMoves)
	}
	if e.transport != StateInBowden {
		t.Errorf("transport = %s, want InBowden", e.transport)
	}
}

func TestPickupFailureAfterRetries(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.gateFilament[0] = false
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.home(0, 0); err != nil {
		t.Fatalf("home: %v", err)
	}
	err := e.loadSequence(e.calibrationReference(), false)
	if !errors.Is(err, errors.ErrPickupFailure) {
		t.Fatalf("load on empty gate = %v, want pickup failure", err)
	}
	if e.gateStatus[0] != GateUnknown {
		t.Errorf("gate status = %s, want Unknown after failed pickup", e.gateStatus[0])
	}
	if e.transport != StateUnloaded {
		t.Errorf("transport = %s, want Unloaded", e.transport)
	}
}

func TestTransportStateAdvancesMonotonically(t *testing.T) {
	rig := newSimRig(t, 4)
	rig.tipRetract = 10
	e := newTestFeeder(t, testConfig(4), rig, nil)

	var states []TransportState
	e.recorder = recorderFunc(func(s TransportState) { states = append(states, s) })
	if err := e.ChangeTool(0, false); err != nil {
		t.Fatalf("ChangeTool: %v", err)
	}

	// Ignore the initial Unknown -> Unloaded reset, then require the
	// load phases to only ever advance
	var loadStates []TransportState
	for _, s := range states {
		if s == StateUnloaded {
			loadStates = loadStates[:0]
		}
		loadStates = append(loadStates, s)
	}
	for i := 1; i < len(loadStates); i++ {
		if loadStates[i] <= loadStates[i-1] {
			t.Errorf("transport state regressed during load: %v", loadStates)
			break
		}
	}
	if len(loadStates) == 0 || loadStates[len(loadStates)-1] != StateLoaded {
		t.Errorf("load did not end in Loaded: %v", loadStates)
	}
}

// recorderFunc adapts a state-change func to the Recorder interface.
type recorderFunc func(TransportState)

func (f recorderFunc) RecordMove(MoveMode, float64, float64) {}
func (f recorderFunc) RecordSwap(int, bool, time.Duration)   {}
func (f recorderFunc) RecordSelectorEvent(string)            {}
func (f recorderFunc) RecordStateChange(s TransportState)    { f(s) }
