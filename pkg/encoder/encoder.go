// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package encoder turns raw pulse counts from the filament motion
// sensor into millimeters of travel and watches for filament that has
// stopped moving while the extruder keeps extruding.
package encoder

import (
	"sync"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
	"github.com/smumriak/ERCF-Software-V3/pkg/reactor"
)

// DefaultResolution is the nominal feed per encoder pulse for the BMG
// gear wheel used in the carrot feeder, in millimeters.
const DefaultResolution = 0.67

// checkInterval is how often the runout watchdog samples, in seconds.
const checkInterval = 0.3

// RunoutFunc is called off the watchdog when filament stops moving.
type RunoutFunc func()

// ExtruderPositionFunc reports the extruder's commanded position in
// millimeters, used to detect extrusion without filament movement.
type ExtruderPositionFunc func() float64

// Encoder accumulates pulses and exposes them as distance. All methods
// are safe for concurrent use; pulses typically arrive from the MCU
// reader goroutine while the controller reads distances.
type Encoder struct {
	mu sync.Mutex

	counts     int64
	resolution float64

	// Distance() = baseDistance + (counts - baseCounts) * resolution
	baseCounts   int64
	baseDistance float64

	detectionLength float64
	detectEnabled   bool
	lastExtruderPos float64
	lastDistance    float64
	headroom        float64

	extruderPos ExtruderPositionFunc
	onRunout    RunoutFunc
	timer       *reactor.Timer
	log         *log.Logger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithResolution overrides the nominal millimeters per pulse.
func WithResolution(mmPerPulse float64) Option {
	return func(e *Encoder) { e.resolution = mmPerPulse }
}

// WithRunoutDetection wires the runout watchdog. detectionLength is the
// allowed extrusion headroom before filament is declared stuck.
func WithRunoutDetection(rtr *reactor.Reactor, pos ExtruderPositionFunc, onRunout RunoutFunc, detectionLength float64) Option {
	return func(e *Encoder) {
		e.extruderPos = pos
		e.onRunout = onRunout
		e.detectionLength = detectionLength
		if rtr != nil {
			e.timer = rtr.RegisterTimer(e.check, reactor.NOW)
		}
	}
}

// New returns an encoder with the nominal resolution.
func New(opts ...Option) *Encoder {
	e := &Encoder{
		resolution: DefaultResolution,
		log:        log.GetLogger("encoder"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.headroom = e.detectionLength
	return e
}

// Pulse records n encoder pulses. Direction is not distinguished, the
// sensor reports motion magnitude only.
func (e *Encoder) Pulse(n int64) {
	e.mu.Lock()
	e.counts += n
	e.mu.Unlock()
}

// Distance returns accumulated millimeters of filament movement.
func (e *Encoder) Distance() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distanceLocked(), nil
}

func (e *Encoder) distanceLocked() float64 {
	return e.baseDistance + float64(e.counts-e.baseCounts)*e.resolution
}

// SetDistance rewinds or resets the accumulated reading.
func (e *Encoder) SetDistance(mm float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseCounts = e.counts
	e.baseDistance = mm
	e.lastDistance = mm
	return nil
}

// Counts returns the raw accumulated pulse count.
func (e *Encoder) Counts() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts, nil
}

// Resolution returns the millimeters credited per pulse.
func (e *Encoder) Resolution() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolution
}

// SetResolution updates the millimeters credited per pulse. The
// current distance reading is preserved across the change.
func (e *Encoder) SetResolution(mmPerPulse float64) error {
	if mmPerPulse <= 0 {
		return errors.RuntimeError("encoder resolution must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseDistance = e.distanceLocked()
	e.baseCounts = e.counts
	e.resolution = mmPerPulse
	return nil
}

// SetDetectionLength updates the extrusion headroom used for clog
// detection.
func (e *Encoder) SetDetectionLength(mm float64) error {
	if mm <= 0 {
		return errors.RuntimeError("detection length must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectionLength = mm
	e.headroom = mm
	return nil
}

// EnableDetection turns the runout watchdog on or off.
func (e *Encoder) EnableDetection(enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enable == e.detectEnabled {
		return nil
	}
	e.detectEnabled = enable
	if enable {
		// Start fresh so past movement cannot trip the watchdog
		if e.extruderPos != nil {
			e.lastExtruderPos = e.extruderPos()
		}
		e.lastDistance = e.distanceLocked()
		e.headroom = e.detectionLength
	}
	return nil
}

// check is the watchdog timer body. Extrusion eats into the headroom,
// encoder movement refills it; exhausted headroom means the filament
// is not following the extruder.
func (e *Encoder) check(eventtime float64) float64 {
	e.mu.Lock()
	if !e.detectEnabled || e.extruderPos == nil || e.detectionLength <= 0 {
		e.mu.Unlock()
		return eventtime + checkInterval
	}

	pos := e.extruderPos()
	extruded := pos - e.lastExtruderPos
	e.lastExtruderPos = pos

	dist := e.distanceLocked()
	moved := dist - e.lastDistance
	e.lastDistance = dist

	if extruded > 0 {
		e.headroom -= extruded
	}
	if moved > 0 {
		e.headroom += moved
		if e.headroom > e.detectionLength {
			e.headroom = e.detectionLength
		}
	}

	if e.headroom <= 0 {
		e.log.Warn("filament stopped following the extruder, headroom exhausted")
		e.detectEnabled = false
		e.headroom = e.detectionLength
		onRunout := e.onRunout
		e.mu.Unlock()
		if onRunout != nil {
			go onRunout()
		}
		return eventtime + checkInterval
	}
	e.mu.Unlock()
	return eventtime + checkInterval
}
