// Simulated feeder hardware for controller tests
//
// The rig models filament as an insertion depth past the gate: gear
// moves feed it until it reaches the extruder entry, extruder moves
// pull it beyond, and the encoder credits every millimeter that
// actually moved. Knobs on the rig introduce slip, empty gates and
// print state.
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"encoding/json"
	"math"
	"testing"
)

type simStore struct {
	m map[string]interface{}
}

func newSimStore() *simStore {
	return &simStore{m: make(map[string]interface{})}
}

func (s *simStore) GetFloat(key string, fallback float64) float64 {
	if v, ok := s.m[key].(float64); ok {
		return v
	}
	return fallback
}

func (s *simStore) GetInt(key string, fallback int) int {
	switch v := s.m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func (s *simStore) GetIntList(key string, fallback []int) []int {
	if v, ok := s.m[key].([]int); ok {
		return v
	}
	return fallback
}

func (s *simStore) GetStringList(key string, fallback []string) []string {
	if v, ok := s.m[key].([]string); ok {
		return v
	}
	return fallback
}

func (s *simStore) GetObject(key string, out interface{}) bool {
	v, ok := s.m[key]
	if !ok {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func (s *simStore) Set(key string, value interface{}) error {
	s.m[key] = value
	return nil
}

// simRig is the shared hardware model behind all the fake ports.
type simRig struct {
	t *testing.T

	// Filament model
	fed         float64 // insertion depth past the gate
	entry       float64 // depth of the extruder gears
	slip        float64 // fraction of motion lost on every move
	slipMinMove float64 // slip applies only to moves at least this long when set

	// Encoder
	enc         float64
	encBase     float64 // SetDistance offset
	encRes      float64 // physical millimeters per pulse pair
	believedRes float64

	latchDown bool

	// Selector
	selPos     float64
	selOffsets []float64
	selMoves   int     // MoveTo + HomingMoveTo calls
	selStall   float64 // homing moves stall after this much travel when set

	// Per-gate filament availability at the gate entrance
	gateFilament []bool

	// Host state
	printing bool
	pauses   int
	resumes  int
	heatOffs int

	tipRetract float64
	synced     bool
	scale      float64

	// Move accounting, buzz moves under 1mm excluded
	gearMoves int
}

func newSimRig(t *testing.T, gates int) *simRig {
	r := &simRig{
		t:            t,
		entry:        505,
		selOffsets:   make([]float64, gates),
		gateFilament: make([]bool, gates),
		scale:        1.0,
		encRes:       0.67,
		believedRes:  0.67,
	}
	for i := range r.selOffsets {
		r.selOffsets[i] = 3.0 + float64(i)*21.0
		r.gateFilament[i] = true
	}
	return r
}

// currentGate maps the selector position back to a gate index.
func (r *simRig) currentGate() int {
	for i, off := range r.selOffsets {
		if math.Abs(r.selPos-off) < 1.0 {
			return i
		}
	}
	return -1
}

func (r *simRig) hasFilament() bool {
	if r.fed > 0 {
		return true
	}
	gate := r.currentGate()
	return gate >= 0 && r.gateFilament[gate]
}

// applyMove advances the filament model and returns the millimeters of
// filament that actually moved.
func (r *simRig) applyMove(mode MoveMode, distance float64) float64 {
	mag := math.Abs(distance)
	gear := (mode == ModeGear || mode == ModeBoth || mode == ModeSynced) && r.latchDown
	extruder := mode == ModeExtruder || mode == ModeBoth || mode == ModeSynced

	slip := r.slip
	if r.slipMinMove > 0 && mag < r.slipMinMove {
		slip = 0
	}

	var moved float64
	if distance > 0 {
		switch {
		case extruder && r.fed >= r.entry:
			moved = mag
		case gear && r.hasFilament():
			avail := r.entry - r.fed
			if avail < 0 {
				avail = 0
			}
			moved = math.Min(mag, avail)
		}
		moved *= 1 - slip
		r.fed += moved
	} else {
		var avail float64
		if gear {
			avail = r.fed
		} else if extruder {
			avail = math.Max(0, r.fed-r.entry)
		}
		moved = math.Min(mag, avail) * (1 - slip)
		r.fed -= moved
	}
	r.enc += moved
	return moved
}

// Motion port

type simMotion struct{ r *simRig }

func (m *simMotion) Move(mode MoveMode, distance, speed, accel float64) error {
	if math.Abs(distance) > 1 {
		m.r.gearMoves++
	}
	m.r.applyMove(mode, distance)
	return nil
}

func (m *simMotion) HomingMove(mode MoveMode, distance, speed, accel float64, stop StopCondition) (bool, float64, error) {
	moved := m.r.applyMove(mode, distance)
	travel := math.Copysign(moved, distance)
	return true, travel, nil
}

func (m *simMotion) WaitMoves() error { return nil }

func (m *simMotion) SyncGearToExtruder(sync bool) error {
	m.r.synced = sync
	return nil
}

func (m *simMotion) SetGearRotationScale(ratio float64) error {
	m.r.scale = ratio
	return nil
}

// Selector port

type simSelector struct{ r *simRig }

func (s *simSelector) MoveTo(position, speed float64) error {
	s.r.selMoves++
	s.r.selPos = position
	return nil
}

func (s *simSelector) HomingMoveTo(position, speed float64, sensorless bool) (bool, float64, error) {
	s.r.selMoves++
	travel := position - s.r.selPos
	if s.r.selStall > 0 && math.Abs(travel) > s.r.selStall {
		travel = math.Copysign(s.r.selStall, travel)
	}
	s.r.selPos += travel
	return true, travel, nil
}

func (s *simSelector) SetPosition(position float64) error {
	s.r.selPos = position
	return nil
}

func (s *simSelector) Position() (float64, error) { return s.r.selPos, nil }

func (s *simSelector) EnableMotor(enable bool) error { return nil }

// Encoder port

type simEncoder struct{ r *simRig }

func (e *simEncoder) Distance() (float64, error) {
	return e.r.enc - e.r.encBase, nil
}

func (e *simEncoder) SetDistance(mm float64) error {
	e.r.encBase = e.r.enc - mm
	return nil
}

// The counter sees both edges of every pulse, twice the rate the
// resolution is expressed in.
func (e *simEncoder) Counts() (int64, error) {
	return int64(e.r.enc * 2 / e.r.encRes), nil
}

func (e *simEncoder) Resolution() float64 { return e.r.believedRes }

func (e *simEncoder) SetResolution(mmPerPulse float64) error {
	e.r.believedRes = mmPerPulse
	return nil
}

// Latch port

type simLatch struct{ r *simRig }

func (l *simLatch) Engage() error {
	l.r.latchDown = true
	return nil
}

func (l *simLatch) Release() error {
	l.r.latchDown = false
	return nil
}

// Extruder port

type simExtruder struct{ r *simRig }

func (e *simExtruder) EnsureMinTemp() error { return nil }

func (e *simExtruder) HeaterOff() error {
	e.r.heatOffs++
	return nil
}

func (e *simExtruder) CanExtrude() (bool, error) { return true, nil }

// PrintManager port

type simPrinter struct{ r *simRig }

func (p *simPrinter) IsPrinting() bool { return p.r.printing }

func (p *simPrinter) Pause() error {
	p.r.pauses++
	return nil
}

func (p *simPrinter) Resume() error {
	p.r.resumes++
	return nil
}

// TipFormer port

type simTip struct{ r *simRig }

func (f *simTip) FormTip() (float64, error) {
	f.r.applyMove(ModeExtruder, -f.r.tipRetract)
	return f.r.tipRetract, nil
}

// testConfig is a ready-to-run config for a 4 gate unit with a 500mm
// bowden.
func testConfig(gates int) Config {
	cfg := DefaultConfig()
	cfg.SelectorOffsets = make([]float64, gates)
	for i := range cfg.SelectorOffsets {
		cfg.SelectorOffsets[i] = 3.0 + float64(i)*21.0
	}
	cfg.CalibrationBowdenLength = 500
	cfg.HomePositionToNozzle = 70
	cfg.HomeToExtruder = true
	cfg.EnableClogDetection = ClogDetectionOff
	return cfg
}

// newTestFeeder builds a controller on the rig with the bowden
// reference pre-calibrated.
func newTestFeeder(t *testing.T, cfg Config, rig *simRig, store *simStore) *ERCF {
	t.Helper()
	if store == nil {
		store = newSimStore()
	}
	if _, ok := store.m[varCalibRef]; !ok {
		store.m[varCalibRef] = 500.0
	}
	e, err := New(cfg, Ports{
		Motion:   &simMotion{rig},
		Selector: &simSelector{rig},
		Encoder:  &simEncoder{rig},
		Latch:    &simLatch{rig},
		Extruder: &simExtruder{rig},
		Printer:  &simPrinter{rig},
		Tip:      &simTip{rig},
		Store:    store,
	}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}
