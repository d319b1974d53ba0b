// Pause lock and recovery handling
//
// A transport failure during a print pauses the print, parks the
// toolhead and locks the feeder. Every entry point is refused until
// Unlock, and the hotend is switched off on a timer so filament does
// not cook in the meltzone while the unit waits for attention.
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/reactor"
)

// pause locks the feeder after a failure. When a print is active it
// also pauses the print and arms the heater-off timer. Caller holds mu.
func (e *ERCF) pause(reason string, forceInPrint bool) {
	if e.printer.IsPrinting() || forceInPrint {
		if e.locked {
			return
		}
		e.locked = true
		e.swapStats.Pauses++
		if e.gate >= 0 {
			e.gateStats[e.gate].Pauses++
		}
		e.pausedTemp = true
		if e.reactor != nil && e.heaterTimer != nil {
			e.reactor.UpdateTimer(e.heaterTimer, e.reactor.Monotonic()+float64(e.cfg.DisableHeater))
		}
		e.log.Error("An issue with the ERCF has been detected. Print paused\nReason: %s", reason)
		e.log.Info("When you intervene to fix the issue, first call unlock")
		if err := e.printer.Pause(); err != nil {
			e.log.WithError(err).Error("failed to pause the print")
		}
	} else {
		e.log.Error("An issue with the ERCF has been detected whilst out of a print\nReason: %s", reason)
	}

	if err := e.motion.SyncGearToExtruder(false); err != nil {
		e.log.WithError(err).Warn("failed to unsync gear stepper")
	}
	if _, err := e.latchUp(); err != nil {
		e.log.WithError(err).Warn("failed to release latch on pause")
	}
}

// pauseOnError pauses with the error text and returns the error, for
// use at the tail of failed operations.
func (e *ERCF) pauseOnError(err error) error {
	e.pause(err.Error(), false)
	return err
}

// unlock clears the pause lock. Caller holds mu.
func (e *ERCF) unlock() {
	if !e.locked {
		return
	}
	if e.reactor != nil && e.heaterTimer != nil {
		e.reactor.UpdateTimer(e.heaterTimer, reactor.NEVER)
	}
	if e.pausedTemp {
		// Restore the hotend in case the heater-off timer fired
		if err := e.extruder.EnsureMinTemp(); err != nil {
			e.log.WithError(err).Warn("failed to restore extruder temperature")
		}
		e.pausedTemp = false
	}
	if err := e.encoder.SetDistance(0); err != nil {
		e.log.WithError(err).Warn("failed to reset encoder")
	}
	e.locked = false
}

// StartTimers registers the reactor timers the feeder uses. Must be
// called once before operations when a reactor is wired.
func (e *ERCF) StartTimers() {
	if e.reactor == nil {
		return
	}
	e.heaterTimer = e.reactor.RegisterTimer(func(eventtime float64) float64 {
		e.log.Info("Disabling extruder heater after pause timeout")
		if err := e.extruder.HeaterOff(); err != nil {
			e.log.WithError(err).Error("failed to disable extruder heater")
		}
		return reactor.NEVER
	}, reactor.NEVER)
}

// Unlock clears the pause lock so operations are accepted again.
func (e *ERCF) Unlock() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return errors.DisabledError("unlock")
	}
	if !e.locked {
		e.log.Info("ERCF is not locked")
		return nil
	}
	e.log.Info("Unlocking the ERCF")
	e.unlock()
	e.log.Info("When the issue is addressed you can resume the print")
	return nil
}

// Pause locks the feeder explicitly, citing the given reason.
func (e *ERCF) Pause(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return errors.DisabledError("pause")
	}
	e.pause(reason, true)
	return nil
}

// Resume resumes a paused print. It refuses to resume unless the
// filament is fully loaded, so a half-loaded state cannot print air.
func (e *ERCF) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return errors.DisabledError("resume")
	}
	if e.locked {
		return errors.PauseLockedError("resume")
	}
	if e.transport != StateLoaded {
		return errors.RuntimeError("cannot resume: filament is not fully loaded, recover or reload first")
	}
	if err := e.encoder.SetDistance(0); err != nil {
		return err
	}
	if err := e.applyPrintSync(); err != nil {
		return err
	}
	return e.printer.Resume()
}

// Recover probes or forces the believed filament position. With
// tool/gate of -1 the current selection is kept; state -1 probes the
// filament to derive a conservative transport state.
func (e *ERCF) Recover(tool, gate, state int) error {
	if err := e.begin("recover"); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if tool >= 0 && tool < e.cfg.Gates() {
		e.setToolSelected(tool)
		if gate >= 0 && gate < e.cfg.Gates() {
			e.setGateSelected(gate)
		} else {
			e.setGateSelected(e.toolToGate[tool])
		}
	}
	if state >= int(StateUnloaded) && state <= int(StateLoaded) {
		e.setTransportState(TransportState(state))
		return nil
	}
	e.log.Info("Probing filament position to recover state...")
	return e.recoverLoadedState()
}
