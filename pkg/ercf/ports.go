// Hardware and host collaborator ports for the filament feeder
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

// Motion drives the filament steppers. All distances are millimeters,
// speeds mm/s and accelerations mm/s^2. Positive distances feed toward
// the nozzle, negative distances retract toward the gate.
//
// Implementations must block until the commanded move has been queued
// and, for WaitMoves, until motion has physically completed.
type Motion interface {
	// Move executes a filament move with the given drive train selection.
	Move(mode MoveMode, distance, speed, accel float64) error

	// HomingMove executes a move that stops early when the named stop
	// condition triggers. It returns whether the stop triggered and the
	// travel actually performed before stopping.
	HomingMove(mode MoveMode, distance, speed, accel float64, stop StopCondition) (triggered bool, travel float64, err error)

	// WaitMoves blocks until all queued motion has completed.
	WaitMoves() error

	// SyncGearToExtruder couples the gear stepper to extruder motion
	// outside feeder-commanded moves, as a print-time feed assist.
	SyncGearToExtruder(sync bool) error

	// SetGearRotationScale applies a per-gate correction factor to the
	// gear stepper's effective rotation distance. 1.0 is nominal.
	SetGearRotationScale(ratio float64) error
}

// StopCondition names an endstop-like condition a homing move can stop on.
type StopCondition int

const (
	// StopOnToolheadSensor stops when the toolhead filament sensor triggers.
	StopOnToolheadSensor StopCondition = iota

	// StopOnGearStall stops when the gear stepper driver reports a stall.
	StopOnGearStall
)

// SelectorMotion drives the selector cart along the gate rail. A speed
// of 0 selects the implementation default.
type SelectorMotion interface {
	// MoveTo moves the selector to an absolute rail position.
	MoveTo(position, speed float64) error

	// HomingMoveTo moves toward position and stops on the selector
	// endstop (physical microswitch, or stallguard when sensorless is
	// set). Returns whether the endstop triggered and the travel
	// performed.
	HomingMoveTo(position, speed float64, sensorless bool) (triggered bool, travel float64, err error)

	// SetPosition overrides the selector's believed rail position.
	SetPosition(position float64) error

	// Position reports the selector's current believed rail position.
	Position() (float64, error)

	// EnableMotor powers the selector stepper on or off. Powering off
	// loses the homed position.
	EnableMotor(enable bool) error
}

// DistanceSensor is the encoder view the transport logic needs: total
// millimeters of filament movement, direction insensitive.
type DistanceSensor interface {
	// Distance returns accumulated millimeters of movement.
	Distance() (float64, error)

	// SetDistance rewinds or resets the accumulated reading, for
	// example to discard movement caused by a probe wiggle.
	SetDistance(mm float64) error
}

// PulseCounter is an optional extension of DistanceSensor that exposes
// the raw pulse counter, needed to calibrate the encoder resolution.
type PulseCounter interface {
	// Counts returns the accumulated pulse count.
	Counts() (int64, error)

	// Resolution returns the millimeters credited per pulse.
	Resolution() float64

	// SetResolution updates the millimeters credited per pulse.
	SetResolution(mmPerPulse float64) error
}

// ClogControl adjusts runtime clog/runout detection on the encoder.
type ClogControl interface {
	// SetDetectionLength updates the headroom used for clog detection.
	SetDetectionLength(mm float64) error

	// EnableDetection turns clog/runout monitoring on or off. Detection
	// is disabled during feeder-initiated moves so they are not
	// mistaken for runouts.
	EnableDetection(enable bool) error
}

// Latch is the servo that presses filament against the gear stepper.
type Latch interface {
	// Engage grips the filament (servo down).
	Engage() error

	// Release frees the filament (servo up).
	Release() error
}

// Extruder exposes the hotend controls the feeder needs.
type Extruder interface {
	// EnsureMinTemp blocks until the hotend is at least at the minimum
	// extrude temperature, heating if needed.
	EnsureMinTemp() error

	// HeaterOff turns the hotend heater off.
	HeaterOff() error

	// CanExtrude reports whether the hotend is hot enough to extrude.
	CanExtrude() (bool, error)
}

// ToolheadSensor is an optional filament switch just above the extruder
// gears. Implementations report presence; a nil sensor means the unit
// has none installed.
type ToolheadSensor interface {
	// FilamentPresent reports whether the sensor sees filament.
	FilamentPresent() (bool, error)
}

// PrintManager is the feeder's view of the running print job. It is how
// pause, resume and toolhead parking are delegated to the host.
type PrintManager interface {
	// IsPrinting reports whether a print job is active.
	IsPrinting() bool

	// Pause pauses the print and parks the toolhead.
	Pause() error

	// Resume restores the toolhead position and resumes the print.
	Resume() error
}

// TipFormer shapes the filament tip before unloading. Usually this runs
// a host macro; a standalone tip shaper can substitute.
type TipFormer interface {
	// FormTip runs the tip forming routine and returns the net
	// extruder retraction it performed, in millimeters.
	FormTip() (retracted float64, err error)
}

// Store persists feeder state across restarts.
type Store interface {
	// GetFloat returns a persisted float, or fallback when absent.
	GetFloat(key string, fallback float64) float64

	// GetInt returns a persisted int, or fallback when absent.
	GetInt(key string, fallback int) int

	// GetIntList returns a persisted int slice, or fallback when absent.
	GetIntList(key string, fallback []int) []int

	// GetStringList returns a persisted string slice, or fallback when absent.
	GetStringList(key string, fallback []string) []string

	// GetObject decodes a persisted structured value into out and
	// reports whether the key was present.
	GetObject(key string, out interface{}) bool

	// Set stores a value under key. The write is flushed to disk
	// before Set returns.
	Set(key string, value interface{}) error
}
