// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"math"
	"testing"
)

func TestCalibrateReference(t *testing.T) {
	rig := newSimRig(t, 4)
	store := newSimStore()
	e := newTestFeeder(t, testConfig(4), rig, store)

	if err := e.CalibrateSingle(0, 1, false); err != nil {
		t.Fatalf("CalibrateSingle: %v", err)
	}

	ref, ok := store.m[varCalibRef].(float64)
	if !ok {
		t.Fatal("calibration reference not persisted")
	}
	// The rig's extruder entrance sits 505mm past the gate
	if math.Abs(ref-505) > 2 {
		t.Errorf("calibrated reference = %.1fmm, want about 505mm", ref)
	}
	clog, ok := store.m[varCalibClogLength].(float64)
	if !ok {
		t.Fatal("clog detection length not persisted")
	}
	if math.Abs(clog-ref*2/100) > 0.5 {
		t.Errorf("clog detection length = %.1fmm, want about %.1fmm", clog, ref*2/100)
	}
	if got := e.Status().Transport; got != StateUnloaded {
		t.Errorf("transport after calibration = %s, want Unloaded", got)
	}
}

func TestCalibrateGateRatio(t *testing.T) {
	rig := newSimRig(t, 4)
	store := newSimStore()
	e := newTestFeeder(t, testConfig(4), rig, store)
	rig.slip = 0.05

	if err := e.CalibrateSingle(1, 3, false); err != nil {
		t.Fatalf("CalibrateSingle: %v", err)
	}

	ratio, ok := store.m[varCalibPrefix+"1"].(float64)
	if !ok {
		t.Fatal("gate ratio not persisted")
	}
	// 5% slip on every move means the gate feeds 1/0.95 of nominal
	if math.Abs(ratio-1/0.95) > 1e-6 {
		t.Errorf("gate ratio = %.6f, want %.6f", ratio, 1/0.95)
	}
}

func TestCalibrateEncoderResolution(t *testing.T) {
	rig := newSimRig(t, 4)
	store := newSimStore()
	e := newTestFeeder(t, testConfig(4), rig, store)

	// Filament loaded into the bowden, true resolution differs from the
	// believed one
	rig.selPos = rig.selOffsets[0]
	rig.fed = 200
	rig.encRes = 0.7

	if err := e.CalibrateEncoder(100, 2, 0, 0); err != nil {
		t.Fatalf("CalibrateEncoder: %v", err)
	}
	if math.Abs(rig.believedRes-0.7) > 0.005 {
		t.Errorf("calibrated resolution = %.4f, want about 0.7", rig.believedRes)
	}
	saved, ok := store.m[varEncoderResolution].(float64)
	if !ok {
		t.Fatal("encoder resolution not persisted")
	}
	if saved != rig.believedRes {
		t.Errorf("persisted resolution %.4f does not match the applied one %.4f", saved, rig.believedRes)
	}
}

func TestCalibrateEncoderRejectsBadArgs(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)

	if err := e.CalibrateEncoder(0, 3, 0, 0); err == nil {
		t.Error("CalibrateEncoder accepted a zero distance")
	}
	if err := e.CalibrateEncoder(100, 0, 0, 0); err == nil {
		t.Error("CalibrateEncoder accepted zero repeats")
	}
}

func TestGateRatioFallsBackOutOfBand(t *testing.T) {
	rig := newSimRig(t, 4)
	e := newTestFeeder(t, testConfig(4), rig, nil)

	e.calibRatios[2] = 1.15
	if got := e.gateRatio(2); got != 1.0 {
		t.Errorf("gateRatio(2) = %.3f with a 1.15 calibration, want 1.0", got)
	}
	e.calibRatios[2] = 1.05
	if got := e.gateRatio(2); got != 1.05 {
		t.Errorf("gateRatio(2) = %.3f, want 1.05", got)
	}
	if got := e.gateRatio(-1); got != 1.0 {
		t.Errorf("gateRatio(-1) = %.3f, want 1.0", got)
	}
}
