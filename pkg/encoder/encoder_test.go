// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package encoder

import (
	"math"
	"testing"
	"time"
)

func TestDistanceFromPulses(t *testing.T) {
	e := New()
	e.Pulse(100)
	got, err := e.Distance()
	if err != nil {
		t.Fatal(err)
	}
	want := 100 * DefaultResolution
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Distance = %v, want %v", got, want)
	}
}

func TestSetDistanceRewinds(t *testing.T) {
	e := New()
	e.Pulse(50)
	if err := e.SetDistance(10); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Distance()
	if got != 10 {
		t.Errorf("Distance after SetDistance(10) = %v, want 10", got)
	}
	e.Pulse(10)
	got, _ = e.Distance()
	want := 10 + 10*DefaultResolution
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Distance = %v, want %v", got, want)
	}
}

func TestSetResolutionPreservesDistance(t *testing.T) {
	e := New()
	e.Pulse(100)
	before, _ := e.Distance()
	if err := e.SetResolution(1.34); err != nil {
		t.Fatal(err)
	}
	after, _ := e.Distance()
	if math.Abs(before-after) > 1e-9 {
		t.Errorf("Distance changed across SetResolution: %v -> %v", before, after)
	}
	e.Pulse(10)
	after2, _ := e.Distance()
	if math.Abs(after2-(after+13.4)) > 1e-9 {
		t.Errorf("new pulses not credited at new resolution: %v", after2)
	}
}

func TestSetResolutionRejectsNonPositive(t *testing.T) {
	e := New()
	if err := e.SetResolution(0); err == nil {
		t.Error("SetResolution(0) succeeded, want error")
	}
}

func TestWatchdogFiresWhenHeadroomExhausted(t *testing.T) {
	extruderPos := 0.0
	fired := make(chan struct{}, 1)
	e := New(WithRunoutDetection(nil, func() float64 { return extruderPos },
		func() { fired <- struct{}{} }, 10))
	if err := e.EnableDetection(true); err != nil {
		t.Fatal(err)
	}

	// Extrude 6mm twice with no encoder movement: second check trips
	extruderPos = 6
	e.check(0)
	select {
	case <-fired:
		t.Fatal("watchdog fired with headroom remaining")
	default:
	}
	extruderPos = 12
	e.check(0.3)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire after headroom exhausted")
	}
}

func TestWatchdogRefillsOnMovement(t *testing.T) {
	extruderPos := 0.0
	fired := make(chan struct{}, 1)
	e := New(WithRunoutDetection(nil, func() float64 { return extruderPos },
		func() { fired <- struct{}{} }, 10))
	if err := e.EnableDetection(true); err != nil {
		t.Fatal(err)
	}

	// Filament following the extruder never trips the watchdog
	pulses := 6 / DefaultResolution
	for i := 0; i < 10; i++ {
		extruderPos += 6
		e.Pulse(int64(pulses))
		e.check(float64(i))
		select {
		case <-fired:
			t.Fatalf("watchdog fired on pass %d with filament moving", i)
		default:
		}
	}
}

func TestDisabledWatchdogNeverFires(t *testing.T) {
	extruderPos := 0.0
	fired := make(chan struct{}, 1)
	e := New(WithRunoutDetection(nil, func() float64 { return extruderPos },
		func() { fired <- struct{}{} }, 10))

	extruderPos = 100
	e.check(0)
	e.check(0.3)
	select {
	case <-fired:
		t.Fatal("watchdog fired while disabled")
	default:
	}
}
