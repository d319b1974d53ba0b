// Filament load and unload sequencing
//
// Loading runs the phases: encoder pickup, fast bowden transit,
// optional homing to the extruder entrance or toolhead sensor, then the
// extruder transfer. Unloading runs them in reverse: tip forming,
// extruder exit, fast bowden transit, stepwise encoder exit and park.
// The transport state only ever advances during a load and only ever
// retreats during an unload.
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"math"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

// selectAndLoadTool selects the gate mapped to tool and loads to the
// nozzle. Assumes the unit is unloaded.
func (e *ERCF) selectAndLoadTool(tool int) error {
	e.log.Debug("loading tool T%d", tool)
	if err := e.selectTool(tool, false); err != nil {
		return err
	}
	gate := e.toolToGate[tool]
	if e.gateStatus[gate] == GateEmpty {
		return errors.GateEmptyError(gate)
	}
	return e.loadSequence(e.calibrationReference(), false)
}

// loadSequence loads filament the given distance. A full-length load
// homes to the extruder (when configured) and finishes with the
// extruder transfer; a partial load stops in the bowden.
func (e *ERCF) loadSequence(length float64, noExtruder bool) error {
	prev := e.setAction(ActionLoading)
	defer e.setAction(prev)
	restore := e.disableDetection()
	defer restore()

	e.log.Info("Loading filament...")
	e.setTransportState(StateUnloaded)

	ref := e.calibrationReference()
	home := false
	if length >= ref {
		if length > ref {
			e.log.Info("restricting load length to calibration reference of %.1fmm", ref)
			length = ref
		}
		home = true
	}

	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	if err := e.encoder.SetDistance(0); err != nil {
		return err
	}
	measured, err := e.loadEncoder(true, true)
	if err != nil {
		return err
	}
	if length-measured > 0 {
		if home {
			// Powers the extruder stepper so it resists the collision
			if err := e.extruder.EnsureMinTemp(); err != nil {
				return err
			}
		}
		if err := e.loadBowden(length - measured); err != nil {
			return err
		}
	}

	if home {
		e.setTransportState(StateEndOfBowden)
		e.log.Debug("full length load, homing filament")
		if e.cfg.HomeToExtruder {
			if err := e.homeToExtruder(e.cfg.ExtruderHomingMax); err != nil {
				return err
			}
		}
		if e.sensor != nil && e.cfg.SensorToNozzle > 0 {
			if err := e.homeToSensor(); err != nil {
				return err
			}
		}
		if !noExtruder {
			if err := e.loadExtruder(false); err != nil {
				return err
			}
		}
	}

	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	total, err := e.encoder.Distance()
	if err != nil {
		return err
	}
	e.log.Info("Loaded %.1fmm of filament", total)
	return nil
}

// loadEncoder feeds until the encoder confirms movement, retrying with
// a latch cycle between attempts. Returns the measured movement.
func (e *ERCF) loadEncoder(retry, latchUpOnError bool) (float64, error) {
	if err := e.latchDown(); err != nil {
		return 0, err
	}
	initial, err := e.encoder.Distance()
	if err != nil {
		return 0, err
	}
	retries := 1
	if retry {
		retries = e.cfg.LoadEncoderRetries
	}
	for i := 0; i < retries; i++ {
		name := "initial load into encoder"
		if i > 0 {
			name = "retry load into encoder"
		}
		delta, err := e.traceMove(name, LongMoveThreshold, 0, 0, ModeGear)
		if err != nil {
			return 0, err
		}
		if (LongMoveThreshold - delta) > minMovementMargin {
			// Do not downgrade a buffered gate
			if e.gateStatus[e.gate] < GateAvailable {
				e.setGateStatus(e.gate, GateAvailable)
			}
			e.setTransportState(StatePastEncoder)
			now, err := e.encoder.Distance()
			if err != nil {
				return 0, err
			}
			return now - initial, nil
		}
		e.log.Debug("not enough movement detected at encoder on attempt %d", i+1)
		if i < retries-1 {
			if _, err := e.latchUp(); err != nil {
				return 0, err
			}
			if err := e.latchDown(); err != nil {
				return 0, err
			}
			e.gateStats[e.gate].ServoRetries++
		}
	}
	e.setGateStatus(e.gate, GateUnknown)
	e.setTransportState(StateUnloaded)
	if latchUpOnError {
		if _, err := e.latchUp(); err != nil {
			return 0, err
		}
	}
	return 0, errors.PickupError(e.gate, retries)
}

// loadBowden performs the fast transit toward the extruder. Excessive
// slip triggers up to two correction moves when enabled; slip of 80%
// or more of the commanded length means the filament is stuck.
func (e *ERCF) loadBowden(length float64) error {
	e.log.Debug("loading bowden tube")
	tolerance := e.cfg.LoadBowdenTolerance
	if err := e.latchDown(); err != nil {
		return err
	}

	moves := 1
	if length >= e.calibrationReference()/float64(e.cfg.NumMoves) {
		moves = e.cfg.NumMoves
	}
	var delta float64
	for i := 0; i < moves; i++ {
		d, err := e.traceMove("course loading move into bowden", length/float64(moves), 0, 0, ModeGear)
		if err != nil {
			return err
		}
		delta += d
		e.setTransportState(StateInBowden)
	}

	if e.calibrating {
		return nil
	}
	if delta >= length*stuckSlipFraction {
		e.setTransportState(StateUnknown)
		return errors.StuckFilamentError(length, length-delta)
	}
	if delta >= tolerance {
		if e.cfg.ApplyBowdenCorrection {
			for i := 0; i < 2 && delta >= tolerance; i++ {
				d, err := e.traceMove("correction load move into bowden", delta, 0, 0, ModeGear)
				if err != nil {
					return err
				}
				delta = d
			}
			e.setTransportState(StateInBowden)
			if delta >= tolerance {
				e.log.Warn("excess slippage remained after bowden correction moves, delta %.1fmm", delta)
			}
		} else {
			e.log.Warn("excess slippage detected in bowden load but correction is disabled, gear moved %.1fmm, delta %.1fmm", length, delta)
		}
	}
	return nil
}

// homeToExtruder snugs the filament up to the extruder gears.
func (e *ERCF) homeToExtruder(maxLength float64) error {
	if err := e.latchDown(); err != nil {
		return err
	}
	if err := e.extruder.EnsureMinTemp(); err != nil {
		return err
	}

	var homed bool
	var measured float64
	var err error
	if e.cfg.HomingMethod == HomingStallguard {
		homed, measured, err = e.homeToExtruderStallguard(maxLength)
	} else {
		homed, measured, err = e.homeToExtruderCollision(maxLength)
	}
	if err != nil {
		return err
	}
	if !homed {
		e.setTransportState(StateEndOfBowden)
		method := "collision detection"
		if e.cfg.HomingMethod == HomingStallguard {
			method = "stallguard"
		}
		return errors.HomingError(method, maxLength)
	}
	if measured > maxLength*0.8 {
		e.log.Warn("80%% of the homing window was used, consider recalibrating the bowden reference")
	}
	e.setTransportState(StateHomedExtruder)
	return nil
}

// homeToExtruderCollision steps until the encoder stops tracking: not
// enough movement in a step, or an implausible total, means the
// filament hit the extruder gears.
func (e *ERCF) homeToExtruderCollision(maxLength float64) (bool, float64, error) {
	step := e.cfg.ExtruderHomingStep
	e.log.Debug("homing to extruder gear, up to %.1fmm in %.1fmm steps", maxLength, step)

	initial, err := e.encoder.Distance()
	if err != nil {
		return false, 0, err
	}
	homed := false
	var measured float64
	steps := int(maxLength / step)
	for i := 0; i < steps; i++ {
		delta, err := e.traceMove("homing step to extruder", step, 5, e.cfg.GearHomingAccel, ModeGear)
		if err != nil {
			return false, 0, err
		}
		now, err := e.encoder.Distance()
		if err != nil {
			return false, 0, err
		}
		measured = now - initial
		totalDelta := step*float64(i+1) - measured
		if delta >= step/2 || math.Abs(totalDelta) > step {
			homed = true
			if totalDelta > 5.0 {
				e.log.Warn("a lot of slippage was detected while homing to extruder")
			}
			break
		}
	}
	return homed, measured, nil
}

// homeToExtruderStallguard homes with the gear driver's stall detection.
func (e *ERCF) homeToExtruderStallguard(maxLength float64) (bool, float64, error) {
	e.log.Debug("homing to extruder gear with stallguard, up to %.1fmm", maxLength)
	initial, err := e.encoder.Distance()
	if err != nil {
		return false, 0, err
	}
	if _, _, _, err := e.traceHomingMove("homing filament to extruder", maxLength, 5, e.cfg.GearHomingAccel, ModeGear, StopOnGearStall); err != nil {
		return false, 0, err
	}
	now, err := e.encoder.Distance()
	if err != nil {
		return false, 0, err
	}
	measured := now - initial
	return measured < maxLength, measured, nil
}

// homeToSensor advances until the toolhead filament sensor triggers.
func (e *ERCF) homeToSensor() error {
	if err := e.latchDown(); err != nil {
		return err
	}
	triggered, _, _, err := e.traceHomingMove("homing filament to toolhead sensor",
		e.cfg.ToolheadHomingMax, e.cfg.SyncLoadSpeed, e.cfg.GearHomingAccel, ModeBoth, StopOnToolheadSensor)
	if err != nil {
		return err
	}
	if !triggered {
		return errors.HomingError("toolhead sensor", e.cfg.ToolheadHomingMax)
	}
	e.setTransportState(StateHomedSensor)
	return nil
}

// homePositionToNozzle is the remaining travel from the homed position
// to the nozzle meltzone.
func (e *ERCF) homePositionToNozzle() float64 {
	if e.transport == StateHomedSensor && e.cfg.SensorToNozzle > 0 {
		return e.cfg.SensorToNozzle
	}
	if e.cfg.ExtruderToNozzle > 0 {
		return e.cfg.ExtruderToNozzle
	}
	return e.cfg.HomePositionToNozzle
}

// loadExtruder hands the filament to the extruder and feeds it to the
// nozzle, verifying the encoder saw the transfer.
func (e *ERCF) loadExtruder(skipEntryMoves bool) error {
	prev := e.setAction(ActionLoadingExtruder)
	defer e.setAction(prev)

	if err := e.extruder.EnsureMinTemp(); err != nil {
		return err
	}
	target := e.homePositionToNozzle()
	length := target
	e.log.Debug("loading last %.1fmm to the nozzle", length)
	initial, err := e.encoder.Distance()
	if err != nil {
		return err
	}

	if e.cfg.SyncLoadExtruder && !skipEntryMoves {
		if err := e.latchDown(); err != nil {
			return err
		}
		if _, err := e.traceMove("synchronously loading filament to nozzle", length, e.cfg.SyncLoadSpeed, 0, ModeSynced); err != nil {
			return err
		}
	} else {
		if !skipEntryMoves {
			if e.cfg.DelayServoRelease > 0 {
				// Keep filament tension through the handoff
				if _, err := e.traceMove("extruder move under filament tension before latch release",
					e.cfg.DelayServoRelease, e.cfg.SyncLoadSpeed, 0, ModeExtruder); err != nil {
					return err
				}
				length -= e.cfg.DelayServoRelease
			}
			if e.cfg.SyncLoadLength > 0 {
				if err := e.latchDown(); err != nil {
					return err
				}
				e.log.Debug("moving gear and extruder motors in sync for %.1fmm", e.cfg.SyncLoadLength)
				if _, err := e.traceMove("sync load move", e.cfg.SyncLoadLength, e.cfg.SyncLoadSpeed, 0, ModeBoth); err != nil {
					return err
				}
				length -= e.cfg.SyncLoadLength
			}
		}
		if _, err := e.latchUp(); err != nil {
			return err
		}
		if _, err := e.traceMove("remainder of final move to meltzone", length, e.cfg.NozzleLoadSpeed, 0, ModeExtruder); err != nil {
			return err
		}
	}

	now, err := e.encoder.Distance()
	if err != nil {
		return err
	}
	measured := now - initial
	totalDelta := target - measured
	e.log.Debug("total measured movement %.1fmm, total delta %.1fmm", measured, totalDelta)
	tolerance := math.Max(e.clogLength, target*0.5)
	if totalDelta > tolerance {
		if !e.cfg.IgnoreExtruderLoadError {
			e.setTransportState(StateInExtruder)
			return errors.ExtruderPickupError("encoder did not sense sufficient movement into the extruder")
		}
		e.log.Warn("ignoring failed extruder transfer check, delta %.1fmm", totalDelta)
	}

	e.setTransportState(StateLoaded)
	e.log.Info("ERCF load successful")

	if !skipEntryMoves {
		if err := e.applyPrintSync(); err != nil {
			return err
		}
	}
	return nil
}

// applyPrintSync sets the steady-state gear/extruder coupling and latch
// position for printing.
func (e *ERCF) applyPrintSync() error {
	if err := e.motion.SyncGearToExtruder(e.cfg.SyncToExtruder); err != nil {
		return err
	}
	if e.cfg.SyncToExtruder {
		return e.latchDown()
	}
	_, err := e.latchUp()
	return err
}

// unloadTool unloads the current tool but keeps the selection.
func (e *ERCF) unloadTool(skipTip bool) error {
	if e.transport == StateUnloaded {
		e.log.Debug("tool already unloaded")
		return nil
	}
	e.log.Debug("unloading tool T%d", e.tool)
	return e.unloadSequence(e.calibrationReference(), false, false, skipTip)
}

// unloadSequence ejects the filament back to the gate park position.
func (e *ERCF) unloadSequence(length float64, checkState, skipSyncMove, skipTip bool) error {
	prev := e.setAction(ActionUnloading)
	defer e.setAction(prev)
	restore := e.disableDetection()
	defer restore()

	if err := e.motion.SyncGearToExtruder(false); err != nil {
		return err
	}
	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	if err := e.encoder.SetDistance(0); err != nil {
		return err
	}

	if checkState || e.transport == StateUnknown {
		e.log.Error("unsure of filament position, recovering state...")
		if err := e.recoverLoadedState(); err != nil {
			return err
		}
	}
	if e.transport == StateUnloaded {
		e.log.Debug("filament already ejected")
		_, err := e.latchUp()
		return err
	}

	e.log.Info("Unloading filament...")
	e.log.Info("%s", VisualState(e.tool, e.transport, e.sensor != nil))

	if !skipTip && e.transport >= StateInExtruder {
		detected, err := e.formTipStandalone(false)
		if err != nil {
			return err
		}
		if detected {
			e.setTransportState(StateInExtruder)
		} else {
			// No movement during tip forming means the filament is
			// already out of the extruder
			e.setTransportState(StateInBowden)
		}
	}

	switch {
	case e.transport >= StateHomedExtruder:
		if e.transport >= StateHomedSensor {
			if err := e.unloadExtruder(); err != nil {
				return err
			}
		}
		if err := e.unloadBowden(length, skipSyncMove); err != nil {
			return err
		}
		if err := e.unloadEncoder(e.cfg.UnloadBuffer); err != nil {
			return err
		}
		e.setGateStatus(e.gate, GateAvailableFromBuffer)
	case e.transport >= StateBeforeEncoder:
		// Unsure how deep we are, slow unload the whole way
		if err := e.unloadEncoder(length); err != nil {
			return err
		}
		e.setGateStatus(e.gate, GateAvailableFromBuffer)
	default:
		return errors.RuntimeError("unexpected filament state during unload sequence")
	}

	spring, err := e.latchUp()
	if err != nil {
		return err
	}
	if spring > EncoderMin {
		return errors.ParkError(spring)
	}

	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	total, err := e.encoder.Distance()
	if err != nil {
		return err
	}
	e.log.Info("Unloaded %.1fmm of filament", total)
	return e.encoder.SetDistance(0)
}

// recoverLoadedState probes the filament and sets the most conservative
// transport state for unload purposes.
func (e *ERCF) recoverLoadedState() error {
	inEncoder, err := e.checkFilamentInEncoder()
	if err != nil {
		return err
	}
	if !inEncoder {
		e.setTransportState(StateUnloaded)
		return nil
	}
	inExtruder, err := e.checkFilamentStuckInExtruder()
	if err != nil {
		return err
	}
	if inExtruder {
		e.setTransportState(StateInExtruder)
	} else {
		// Prevents an unsafe fast unload move
		e.setTransportState(StateInBowden)
	}
	return nil
}

// unloadExtruder backs the filament out of the extruder gears in
// encoder-step increments until the encoder stops seeing movement.
func (e *ERCF) unloadExtruder() error {
	prev := e.setAction(ActionUnloadingExtruder)
	defer e.setAction(prev)

	e.log.Info("Extracting filament from extruder")
	if err := e.extruder.EnsureMinTemp(); err != nil {
		return err
	}

	syncAllowed := e.cfg.SyncUnloadExtruder
	mode := ModeExtruder
	if syncAllowed {
		mode = ModeSynced
		if err := e.latchDown(); err != nil {
			return err
		}
	} else {
		if _, err := e.latchUp(); err != nil {
			return err
		}
	}

	step := e.cfg.EncoderMoveStepSize
	maxLength := e.homePositionToNozzle() + step
	// First pull is slower in case the tip is not well formed
	speed := e.cfg.NozzleUnloadSpeed * 0.5
	e.log.Debug("trying to exit the extruder, up to %.1fmm in %.1fmm steps", maxLength, step)

	outOfExtruder := false
	entranceReached := false
	steps := int(math.Ceil(maxLength / step))
	for i := 0; i < steps; i++ {
		delta, err := e.traceMove("extruder exit step", -step, speed, 0, mode)
		if err != nil {
			return err
		}
		speed = e.cfg.NozzleUnloadSpeed
		if (step - delta) < EncoderMin {
			e.log.Debug("no encoder movement after %d moves", i+1)
			entranceReached = true
			break
		}
	}

	if !syncAllowed {
		outOfExtruder = entranceReached
	} else if entranceReached {
		// Synced pulling cannot distinguish a jam from a clean exit,
		// verify with the extruder alone
		stillIn, err := e.testFilamentInExtruderByRetracting()
		if err != nil {
			return err
		}
		outOfExtruder = !stillIn
	}

	if !outOfExtruder {
		e.setTransportState(StateInExtruder)
		return errors.ExtruderPickupError("filament seems to be stuck in the extruder")
	}
	e.log.Debug("filament is out of the extruder")
	e.setTransportState(StateEndOfBowden)
	return nil
}

// testFilamentInExtruderByRetracting retracts with the extruder alone
// and reports whether the encoder still sees movement.
func (e *ERCF) testFilamentInExtruderByRetracting() (bool, error) {
	if err := e.motion.SyncGearToExtruder(false); err != nil {
		return false, err
	}
	if _, err := e.latchUp(); err != nil {
		return false, err
	}
	length := e.cfg.EncoderMoveStepSize
	delta, err := e.traceMove("moving extruder to test for exit", -length, e.cfg.NozzleLoadSpeed*0.5, 0, ModeExtruder)
	if err != nil {
		return false, err
	}
	return (length - delta) >= EncoderMin, nil
}

// unloadBowden performs the fast retraction from the extruder entrance
// to just short of the gate.
func (e *ERCF) unloadBowden(length float64, skipSyncMove bool) error {
	e.log.Debug("unloading bowden tube")
	tolerance := e.cfg.UnloadBowdenTolerance
	if err := e.latchDown(); err != nil {
		return err
	}

	if !e.calibrating {
		// Initial short move surfaces latch grip problems early
		sync := !skipSyncMove && e.cfg.SyncUnloadLength > 0
		initialMove := 10.0
		mode := ModeGear
		if sync {
			initialMove = e.cfg.SyncUnloadLength
			mode = ModeBoth
		}
		delta, err := e.traceMove("initial unload move", -initialMove, e.cfg.SyncUnloadSpeed, 0, mode)
		if err != nil {
			return err
		}
		if delta > math.Max(initialMove*0.5, 1) {
			e.log.Warn("not enough movement detected at encoder, suspect latch not gripping, retrying")
			if _, err := e.latchUp(); err != nil {
				return err
			}
			if err := e.latchDown(); err != nil {
				return err
			}
			e.gateStats[e.gate].ServoRetries++
			delta, err = e.traceMove("retry unload move after latch reset", -delta, e.cfg.SyncUnloadSpeed, 0, mode)
			if err != nil {
				return err
			}
			if delta > math.Max(initialMove*0.5, 1) {
				e.setTransportState(StateInExtruder)
				return errors.ExtruderPickupError("too much slippage on the initial unload move, filament may still be in the extruder")
			}
		}
		length -= initialMove - delta
	}

	moves := 1
	if length >= e.calibrationReference()/float64(e.cfg.NumMoves) {
		moves = e.cfg.NumMoves
	}
	var delta float64
	for i := 0; i < moves; i++ {
		d, err := e.traceMove("course unloading move from bowden", -length/float64(moves), 0, 0, ModeGear)
		if err != nil {
			return err
		}
		delta += d
		e.setTransportState(StateInBowden)
	}

	if !e.calibrating {
		if delta >= length*stuckSlipFraction {
			return errors.StuckFilamentError(length, length-delta)
		}
		if delta >= tolerance {
			// The stepwise encoder exit will absorb the shortfall
			e.log.Warn("excess slippage detected in bowden unload, gear moved %.1fmm, delta %.1fmm", length, delta)
		}
	}
	e.setTransportState(StatePastEncoder)
	return nil
}

// unloadEncoder steps the filament out of the encoder and parks it
// clear of the selector.
func (e *ERCF) unloadEncoder(maxLength float64) error {
	e.log.Debug("slow unload of the encoder")
	step := e.cfg.EncoderMoveStepSize
	maxSteps := int(maxLength/step) + 5
	if err := e.latchDown(); err != nil {
		return err
	}
	for i := 0; i < maxSteps; i++ {
		delta, err := e.traceMove("unloading step from encoder", -step, 0, 0, ModeGear)
		if err != nil {
			return err
		}
		if delta >= step*encoderExitFraction {
			// The filament end has cleared the encoder wheel
			e.setTransportState(StateBeforeEncoder)
			park := e.cfg.ParkingDistance - delta
			delta, err = e.traceMove("final parking", -park, 0, 0, ModeGear)
			if err != nil {
				return err
			}
			// Encoder should be silent now unless it is free-spinning
			if park-delta > 1.0 {
				e.log.Warn("possible encoder malfunction (free-spinning) during final filament parking")
			}
			e.setTransportState(StateUnloaded)
			return nil
		}
	}
	return errors.ParkError(maxLength)
}

// formTipStandalone runs the tip forming routine and reports whether
// filament was detected at the encoder during it.
func (e *ERCF) formTipStandalone(disableSync bool) (bool, error) {
	if err := e.motion.WaitMoves(); err != nil {
		return false, err
	}
	prev := e.setAction(ActionFormingTip)
	defer e.setAction(prev)

	e.log.Info("Forming tip...")
	if err := e.extruder.EnsureMinTemp(); err != nil {
		return false, err
	}
	if e.tip == nil {
		return false, errors.RuntimeError("no tip forming routine is configured")
	}

	syncTip := e.cfg.SyncFormTip && !disableSync
	if err := e.motion.SyncGearToExtruder(syncTip); err != nil {
		return false, err
	}
	if syncTip {
		if err := e.latchDown(); err != nil {
			return false, err
		}
	} else {
		if _, err := e.latchUp(); err != nil {
			return false, err
		}
	}

	initial, err := e.encoder.Distance()
	if err != nil {
		return false, err
	}
	parkPos, err := e.tip.FormTip()
	if err != nil {
		return false, err
	}
	now, err := e.encoder.Distance()
	if err != nil {
		return false, err
	}
	delta := now - initial
	e.log.Debug("after tip formation, encoder moved %.2f", delta)
	if err := e.encoder.SetDistance(initial + parkPos); err != nil {
		return false, err
	}

	if syncTip {
		if delta > EncoderMin {
			stillIn, err := e.testFilamentInExtruderByRetracting()
			if err != nil {
				return false, err
			}
			return stillIn, nil
		}
		return false, nil
	}
	return delta > EncoderMin, nil
}
