// Selector cart control: homing, gate selection and jam recovery
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"math"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

// homeSelector drives the selector to its endstop and zeroes the rail
// position. The selection is lost until a gate is chosen again.
func (e *ERCF) homeSelector() error {
	e.homed = false
	e.setGateSelected(GateNotSelected)
	if _, err := e.latchUp(); err != nil {
		return err
	}
	length := e.cfg.SelectorLength()
	e.log.Debug("moving up to %.1fmm to home a %d channel ERCF", length, e.cfg.Gates())
	if err := e.motion.WaitMoves(); err != nil {
		return err
	}

	if e.cfg.SensorlessSelector {
		if err := e.selector.SetPosition(0); err != nil {
			return err
		}
		triggered, _, err := e.selector.HomingMoveTo(-length, 60, true)
		if err != nil {
			return err
		}
		if !triggered {
			e.setToolSelected(ToolUnknown)
			return errors.SelectorHomingError("stallguard endstop did not trigger")
		}
	} else {
		if err := e.selector.SetPosition(0); err != nil {
			return err
		}
		// Fast coarse home
		triggered, _, err := e.selector.HomingMoveTo(-length, 100, false)
		if err != nil {
			return err
		}
		if !triggered {
			e.setToolSelected(ToolUnknown)
			return errors.SelectorHomingError("endstop did not trigger, blockage or malfunction")
		}
		// Back off and re-home slowly for accuracy
		if err := e.selector.SetPosition(0); err != nil {
			return err
		}
		if err := e.selector.MoveTo(5, 0); err != nil {
			return err
		}
		if err := e.selector.SetPosition(0); err != nil {
			return err
		}
		if triggered, _, err = e.selector.HomingMoveTo(-10, 10, false); err != nil {
			return err
		}
		if !triggered {
			e.setToolSelected(ToolUnknown)
			return errors.SelectorHomingError("slow homing bump did not trigger")
		}
	}
	if err := e.selector.SetPosition(0); err != nil {
		return err
	}
	e.homed = true
	if e.recorder != nil {
		e.recorder.RecordSelectorEvent("homed")
	}
	return nil
}

// attemptSelectorMove performs a stall-aware move to the target and
// reports whether the full travel was achieved.
func (e *ERCF) attemptSelectorMove(target float64) (bool, float64, error) {
	initial, err := e.selector.Position()
	if err != nil {
		return false, 0, err
	}
	targetMove := target - initial
	_, travel, err := e.selector.HomingMoveTo(target, 0, e.cfg.SensorlessSelector)
	if err != nil {
		return false, 0, err
	}
	delta := math.Abs(targetMove - travel)
	e.log.Debug("selector moved %.1fmm of intended travel from %.1fmm to %.1fmm (delta %.1fmm)",
		travel, initial, target, delta)
	if delta <= selectorPositionTolerance {
		// True up the position
		if err := e.selector.SetPosition(initial + travel); err != nil {
			return false, 0, err
		}
		if err := e.selector.MoveTo(target, 0); err != nil {
			return false, 0, err
		}
		return true, travel, nil
	}
	return false, travel, nil
}

// moveSelectorSensorless moves to target and, on a short stall, tries
// to recover from filament jammed inside the selector by ejecting it.
func (e *ERCF) moveSelectorSensorless(target float64) error {
	ok, travel, err := e.attemptSelectorMove(target)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	e.log.Info("selector stalled after %.1fmm of travel", math.Abs(travel))
	if e.recorder != nil {
		e.recorder.RecordSelectorEvent("blocked")
	}

	if math.Abs(travel) >= selectorInternalBlockTravel {
		// Made real progress before stalling, so the path is blocked
		// at a gate, not inside the cart
		e.homed = false
		e.unselectTool()
		return errors.SelectorObstructedError(e.gate, math.Abs(travel))
	}

	e.log.Info("selector is blocked by filament inside it, trying to recover...")
	if err := e.selector.SetPosition(0); err != nil {
		return err
	}
	if err := e.selector.MoveTo(-travel, 0); err != nil {
		return err
	}

	found, err := e.checkFilamentInEncoder()
	if err != nil {
		return err
	}
	if !found {
		// Push the jammed filament forward so the unload has grip
		delta, err := e.traceMove("trying to re-engage encoder", 45.0, 0, 0, ModeGear)
		if err != nil {
			return err
		}
		if delta == 45.0 {
			return errors.SelectorBlockedError(math.Abs(travel))
		}
	}

	if err := e.unloadSequence(e.calibrationReference(), true, false, false); err != nil {
		return errors.Wrap(err, errors.ErrSelectorBlocked, "selector recovery failed during filament eject").
			SetContext("travel", math.Abs(travel))
	}

	if err := e.homeSelector(); err != nil {
		return err
	}
	ok, travel, err = e.attemptSelectorMove(target)
	if err != nil {
		return err
	}
	if !ok {
		e.homed = false
		e.unselectTool()
		return errors.SelectorBlockedError(math.Abs(travel))
	}
	return nil
}

// selectGate positions the selector at the gate.
func (e *ERCF) selectGate(gate int) error {
	if gate == e.gate {
		return nil
	}
	prev := e.setAction(ActionSelecting)
	defer e.setAction(prev)

	if _, err := e.latchUp(); err != nil {
		return err
	}
	offset := e.cfg.SelectorOffsets[gate]
	if e.cfg.SensorlessSelector {
		if err := e.moveSelectorSensorless(offset); err != nil {
			return err
		}
	} else {
		if err := e.selector.MoveTo(offset, 0); err != nil {
			return err
		}
	}
	e.setGateSelected(gate)
	return nil
}

// selectTool selects the gate mapped to the tool. Selecting the already
// selected tool is a no-op and issues no moves.
func (e *ERCF) selectTool(tool int, moveLatch bool) error {
	if tool < 0 || tool >= e.cfg.Gates() {
		return errors.RuntimeError("tool does not exist")
	}
	gate := e.toolToGate[tool]
	if tool == e.tool && gate == e.gate && e.latchState != LatchStateUnknown {
		return nil
	}
	e.log.Debug("selecting tool T%d on gate #%d", tool, gate)
	if err := e.selectGate(gate); err != nil {
		return err
	}
	e.setToolSelected(tool)
	if moveLatch {
		if _, err := e.latchUp(); err != nil {
			return err
		}
	}
	e.log.Info("Tool T%d enabled on gate #%d", tool, gate)
	return nil
}

// unselectTool drops the tool selection, keeping the selector position.
func (e *ERCF) unselectTool() {
	if _, err := e.latchUp(); err != nil {
		e.log.WithError(err).Warn("failed to release latch while unselecting tool")
	}
	e.setToolSelected(ToolUnknown)
}

func (e *ERCF) setGateSelected(gate int) {
	e.gate = gate
	e.persist(varGateSelected, gate)
}

// setToolSelected records the tool and applies the gate's calibrated
// rotation correction to the gear stepper.
func (e *ERCF) setToolSelected(tool int) {
	e.tool = tool
	e.persist(varToolSelected, tool)
	ratio := 1.0
	if tool != ToolUnknown {
		ratio = e.gateRatio(e.gate)
	}
	if err := e.motion.SetGearRotationScale(ratio); err != nil {
		e.log.WithError(err).Warn("failed to apply gear rotation correction")
	}
}

// home homes the selector, optionally after a forced or automatic
// unload, then selects the tool.
func (e *ERCF) home(tool int, forceUnload int) error {
	prev := e.setAction(ActionHoming)
	defer e.setAction(prev)

	e.log.Info("Homing ERCF...")
	if e.locked {
		e.log.Debug("ERCF is locked, unlocking before homing")
		e.unlock()
	}

	if forceUnload == 1 {
		if err := e.unloadSequence(e.calibrationReference(), true, false, false); err != nil {
			return err
		}
	} else if forceUnload == -1 && e.transport != StateUnloaded {
		if err := e.unloadSequence(e.calibrationReference(), false, false, false); err != nil {
			return err
		}
	}

	e.unselectTool()
	if err := e.homeSelector(); err != nil {
		return err
	}
	if tool >= 0 {
		return e.selectTool(tool, true)
	}
	return nil
}
