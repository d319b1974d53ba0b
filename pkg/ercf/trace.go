// Slip-tracing move primitive and latch helpers
//
// Every filament move goes through traceMove so commanded versus
// measured distance is always accounted for. The returned delta is
// |commanded| - measured: positive means the filament moved less than
// the stepper, negative means it moved more (spring release).
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"math"

	"github.com/smumriak/ERCF-Software-V3/pkg/log"
)

// moveSpeed picks the default speed for a gear move of the given
// distance. Long pulling moves slow down when the gate may still be
// feeding straight off a spool.
func (e *ERCF) moveSpeed(distance float64) float64 {
	if math.Abs(distance) > LongMoveThreshold {
		if distance > 0 && e.gate >= 0 && e.gateStatus[e.gate] != GateAvailableFromBuffer {
			return e.cfg.LongMovesSpeedFromSpool
		}
		return e.cfg.LongMovesSpeed
	}
	return e.cfg.ShortMovesSpeed
}

// traceMove performs a filament move and returns the slip delta,
// |distance| minus the encoder-measured movement. speed and accel of 0
// select defaults.
func (e *ERCF) traceMove(name string, distance, speed, accel float64, mode MoveMode) (float64, error) {
	if speed == 0 && (mode == ModeGear || mode == ModeBoth || mode == ModeSynced) {
		speed = e.moveSpeed(distance)
	}
	if accel == 0 && (mode == ModeBoth || mode == ModeSynced) {
		accel = e.cfg.GearSyncAccel
	}

	start, err := e.encoder.Distance()
	if err != nil {
		return 0, err
	}
	if err := e.motion.Move(mode, distance, speed, accel); err != nil {
		return 0, err
	}
	if err := e.motion.WaitMoves(); err != nil {
		return 0, err
	}
	end, err := e.encoder.Distance()
	if err != nil {
		return 0, err
	}

	measured := end - start
	delta := math.Abs(distance) - measured
	e.log.WithFields(log.Fields{
		"motor":    mode.String(),
		"moved":    distance,
		"measured": measured,
		"delta":    delta,
	}).Debug(name)
	if e.recorder != nil {
		e.recorder.RecordMove(mode, distance, measured)
	}
	return delta, nil
}

// traceHomingMove performs a gear move that stops on a stall or sensor
// condition, returning the trigger flag, travel and slip delta.
func (e *ERCF) traceHomingMove(name string, distance, speed, accel float64, mode MoveMode, stop StopCondition) (bool, float64, float64, error) {
	if speed == 0 {
		speed = e.cfg.ShortMovesSpeed
	}
	if accel == 0 {
		accel = e.cfg.GearHomingAccel
	}
	start, err := e.encoder.Distance()
	if err != nil {
		return false, 0, 0, err
	}
	triggered, travel, err := e.motion.HomingMove(mode, distance, speed, accel, stop)
	if err != nil {
		return false, 0, 0, err
	}
	end, err := e.encoder.Distance()
	if err != nil {
		return false, 0, 0, err
	}
	measured := end - start
	delta := math.Abs(travel) - measured
	e.log.WithFields(log.Fields{
		"motor":     mode.String(),
		"triggered": triggered,
		"travel":    travel,
		"measured":  measured,
	}).Debug(name)
	if e.recorder != nil {
		e.recorder.RecordMove(mode, travel, measured)
	}
	return triggered, travel, delta, nil
}

// latchDown grips the filament and seats it with two short gear buzzes.
func (e *ERCF) latchDown() error {
	if e.latchState == LatchDown {
		return nil
	}
	e.log.Debug("engaging filament latch")
	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	if err := e.latch.Engage(); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if err := e.motion.Move(ModeGear, 0.5, e.cfg.ShortMovesSpeed, e.cfg.GearBuzzAccel); err != nil {
			return err
		}
		if err := e.motion.Move(ModeGear, -0.5, e.cfg.ShortMovesSpeed, e.cfg.GearBuzzAccel); err != nil {
			return err
		}
	}
	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	e.latchState = LatchDown
	return nil
}

// latchUp releases the filament and measures any spring-back, rewinding
// the encoder so the release is not counted as movement. Returns the
// measured spring in millimeters.
func (e *ERCF) latchUp() (float64, error) {
	if e.latchState == LatchUp {
		return 0, nil
	}
	e.log.Debug("releasing filament latch")
	if err := e.motion.WaitMoves(); err != nil {
		return 0, err
	}
	before, err := e.encoder.Distance()
	if err != nil {
		return 0, err
	}
	if err := e.latch.Release(); err != nil {
		return 0, err
	}
	e.latchState = LatchUp
	after, err := e.encoder.Distance()
	if err != nil {
		return 0, err
	}
	spring := after - before
	if spring > 0 {
		e.log.Debug("spring in filament measured %.1fmm, rewinding encoder", spring)
		if err := e.encoder.SetDistance(before); err != nil {
			return 0, err
		}
	}
	return spring, nil
}

// buzzGearMotor wiggles the gear stepper and reports whether the
// encoder saw real movement, without disturbing the distance counter.
func (e *ERCF) buzzGearMotor() (bool, error) {
	before, err := e.encoder.Distance()
	if err != nil {
		return false, err
	}
	if err := e.motion.Move(ModeGear, 2.0, e.cfg.ShortMovesSpeed, e.cfg.GearBuzzAccel); err != nil {
		return false, err
	}
	if err := e.motion.Move(ModeGear, -2.0, e.cfg.ShortMovesSpeed, e.cfg.GearBuzzAccel); err != nil {
		return false, err
	}
	if err := e.motion.WaitMoves(); err != nil {
		return false, err
	}
	after, err := e.encoder.Distance()
	if err != nil {
		return false, err
	}
	delta := after - before
	e.log.Debug("after buzzing gear motor, encoder moved %.2f", delta)
	if err := e.encoder.SetDistance(before); err != nil {
		return false, err
	}
	return delta > EncoderMin, nil
}

// checkFilamentInEncoder probes for filament at the encoder by gripping
// and buzzing the gear.
func (e *ERCF) checkFilamentInEncoder() (bool, error) {
	e.log.Debug("checking for filament in encoder")
	if err := e.latchDown(); err != nil {
		return false, err
	}
	return e.buzzGearMotor()
}

// checkFilamentStuckInExtruder retracts with the extruder alone to see
// whether the extruder gears still hold filament.
func (e *ERCF) checkFilamentStuckInExtruder() (bool, error) {
	e.log.Debug("checking for filament stuck in extruder gears")
	if err := e.extruder.EnsureMinTemp(); err != nil {
		return false, err
	}
	if _, err := e.latchUp(); err != nil {
		return false, err
	}
	delta, err := e.traceMove("checking extruder", -e.cfg.ToolheadHomingMax, 25, 0, ModeExtruder)
	if err != nil {
		return false, err
	}
	return (e.cfg.ToolheadHomingMax - delta) > 1.0, nil
}

// disableDetection turns off clog monitoring for the duration of a
// feeder-initiated operation. The returned func restores it. Calls
// nest, detection comes back only when the outermost caller restores.
func (e *ERCF) disableDetection() func() {
	if e.clog == nil || e.cfg.EnableClogDetection == ClogDetectionOff {
		return func() {}
	}
	e.detectionDepth++
	if e.detectionDepth == 1 {
		if err := e.clog.EnableDetection(false); err != nil {
			e.log.WithError(err).Warn("failed to disable clog detection")
		}
	}
	return func() {
		e.detectionDepth--
		if e.detectionDepth == 0 {
			if err := e.clog.EnableDetection(true); err != nil {
				e.log.WithError(err).Warn("failed to re-enable clog detection")
			}
		}
	}
}
