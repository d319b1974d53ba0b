// Public feeder operations: tool changes, loads, ejects and the
// operator utilities
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"strings"
	"time"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

// Home unloads any filament if needed, homes the selector and selects
// the tool. forceUnload of 1 always runs an unload first, -1 unloads
// only when filament is believed present, 0 never unloads.
func (e *ERCF) Home(tool, forceUnload int) error {
	if err := e.begin("home"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	restore := e.disableDetection()
	defer restore()
	if err := e.home(tool, forceUnload); err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// SelectTool positions the selector at the tool's gate without loading.
func (e *ERCF) SelectTool(tool int) error {
	if err := e.begin("select tool"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if !e.homed {
		return errors.NotHomedError("select tool")
	}
	if e.transport > StateUnloaded && e.transport != StateUnknown {
		return errors.RuntimeError("cannot select tool while filament is loaded")
	}
	restore := e.disableDetection()
	defer restore()
	if err := e.selectTool(tool, true); err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// SelectGate positions the selector at a gate directly, bypassing the
// tool mapping. Used by maintenance flows.
func (e *ERCF) SelectGate(gate int) error {
	if err := e.begin("select gate"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if !e.homed {
		return errors.NotHomedError("select gate")
	}
	if gate < 0 || gate >= e.cfg.Gates() {
		return errors.RuntimeError("gate does not exist")
	}
	if e.transport > StateUnloaded && e.transport != StateUnknown {
		return errors.RuntimeError("cannot select gate while filament is loaded")
	}
	restore := e.disableDetection()
	defer restore()
	if err := e.selectGate(gate); err != nil {
		return e.pauseOnError(err)
	}
	e.setToolSelected(ToolUnknown)
	return nil
}

// ChangeTool performs a complete filament swap to the tool: tip
// forming, unload, selector move and load. Changing to the already
// loaded tool is a no-op.
func (e *ERCF) ChangeTool(tool int, skipTip bool) error {
	if err := e.begin("change tool"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if tool < 0 || tool >= e.cfg.Gates() {
		return errors.RuntimeError("tool does not exist")
	}
	if tool == e.tool && e.transport == StateLoaded {
		e.log.Info("Tool T%d is already loaded", tool)
		return nil
	}
	if !e.homed {
		if err := e.home(-1, 0); err != nil {
			return e.pauseOnError(err)
		}
	}

	e.lastToolchange = fmt.Sprintf("T%d > T%d", e.tool, tool)
	e.log.Info("Tool change requested: %s", e.lastToolchange)
	restore := e.disableDetection()
	defer restore()
	started := time.Now()

	if e.transport != StateUnloaded {
		if err := e.unloadTool(skipTip); err != nil {
			e.recordSwap(tool, false, started)
			return e.pauseOnError(err)
		}
	}
	if err := e.selectAndLoadTool(tool); err != nil {
		e.recordSwap(tool, false, started)
		return e.pauseOnError(err)
	}
	e.recordSwap(tool, true, started)
	return nil
}

// Load loads the currently selected tool all the way to the nozzle.
func (e *ERCF) Load() error {
	if err := e.begin("load"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.tool == ToolUnknown {
		return errors.RuntimeError("no tool selected")
	}
	if e.transport == StateLoaded {
		e.log.Info("Filament is already loaded")
		return nil
	}
	restore := e.disableDetection()
	defer restore()
	if err := e.selectAndLoadTool(e.tool); err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// TestLoad performs a partial test load of the given length into the
// bowden without approaching the extruder, then leaves it there.
func (e *ERCF) TestLoad(length float64) error {
	if err := e.begin("test load"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.transport != StateUnloaded {
		return errors.RuntimeError("cannot test load while filament is loaded")
	}
	if length <= 0 || length > e.calibrationReference() {
		length = e.calibrationReference() - 100
	}
	restore := e.disableDetection()
	defer restore()
	if err := e.loadSequence(length, true); err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// Eject unloads the filament from wherever it is and parks it in the
// gate, ready for spool removal.
func (e *ERCF) Eject() error {
	if err := e.begin("eject"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.transport == StateUnloaded {
		e.log.Info("Filament is already ejected")
		return nil
	}
	restore := e.disableDetection()
	defer restore()
	if err := e.unloadTool(false); err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// recordSwap tallies a tool change in the statistics and notifies the
// recorder. Caller holds mu.
func (e *ERCF) recordSwap(tool int, ok bool, started time.Time) {
	duration := time.Since(started)
	e.swapStats.Swaps++
	e.swapStats.TimeSpent += duration.Seconds()
	if e.gate >= 0 {
		if ok {
			e.gateStats[e.gate].Loads++
		} else {
			e.gateStats[e.gate].LoadFailures++
		}
	}
	e.persistStats()
	if e.recorder != nil {
		e.recorder.RecordSwap(tool, ok, duration)
	}
}

// persistStats writes the swap and per-gate statistics. Caller holds mu.
func (e *ERCF) persistStats() {
	e.persist(varSwapStatistics, e.swapStats)
	for i := range e.gateStats {
		e.persist(fmt.Sprintf("%s%d", varGateStatsPrefix, i), e.gateStats[i])
	}
}

// StatisticsString renders the swap statistics for operators.
func (e *ERCF) StatisticsString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%d swaps completed in %s, with %d pauses\n",
		e.swapStats.Swaps, time.Duration(e.swapStats.TimeSpent*float64(time.Second)).Round(time.Second), e.swapStats.Pauses)
	for i, g := range e.gateStats {
		fmt.Fprintf(&b, "Gate #%d: %d loads (%d failed), %d servo retries, %d pauses\n",
			i, g.Loads, g.LoadFailures, g.ServoRetries, g.Pauses)
	}
	return b.String()
}

// ResetStatistics zeroes the swap and per-gate statistics.
func (e *ERCF) ResetStatistics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swapStats = swapStatistics{}
	for i := range e.gateStats {
		e.gateStats[i] = gateStatistics{}
	}
	e.persistStats()
}

// EncoderPosition reads the encoder's accumulated distance.
func (e *ERCF) EncoderPosition() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoder.Distance()
}

// Buzz wiggles the gear motor and reports whether filament was seen
// moving at the encoder.
func (e *ERCF) Buzz() (bool, error) {
	if err := e.begin("buzz gear motor"); err != nil {
		return false, err
	}
	defer e.mu.Unlock()
	restore := e.disableDetection()
	defer restore()
	return e.buzzGearMotor()
}

// LatchDown grips the filament against the gear.
func (e *ERCF) LatchDown() error {
	if err := e.begin("latch down"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	return e.latchDown()
}

// LatchUp releases the filament.
func (e *ERCF) LatchUp() error {
	if err := e.begin("latch up"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	_, err := e.latchUp()
	return err
}

// MotorsOff powers down the selector stepper and releases the latch.
// The selector loses its homed position.
func (e *ERCF) MotorsOff() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.latchUp(); err != nil {
		return err
	}
	e.homed = false
	e.setGateSelected(GateNotSelected)
	e.setToolSelected(ToolUnknown)
	return e.selector.EnableMotor(false)
}

// TestGearMove issues a raw gear move for hardware bring-up.
func (e *ERCF) TestGearMove(distance, speed, accel float64) error {
	if err := e.begin("test gear move"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	restore := e.disableDetection()
	defer restore()
	if err := e.latchDown(); err != nil {
		return err
	}
	delta, err := e.traceMove("test gear move", distance, speed, accel, ModeGear)
	if err != nil {
		return err
	}
	e.log.Info("Moved %.1fmm, slip %.1fmm", distance, delta)
	return nil
}
