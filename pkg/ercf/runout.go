// Runout handling, EndlessSpool and the tool-to-gate map
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"strings"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

func (e *ERCF) setGateStatus(gate int, status GateStatus) {
	if gate < 0 || gate >= e.cfg.Gates() {
		return
	}
	e.gateStatus[gate] = status
	e.persistGateMap()
}

// resetTTGMap restores the identity tool-to-gate mapping.
func (e *ERCF) resetTTGMap() {
	for i := range e.toolToGate {
		e.toolToGate[i] = i
	}
	e.persist(varToolToGateMap, e.toolToGate)
	e.log.Debug("tool to gate mapping reset: %s", e.toolToGateString())
}

// remapTool points a tool at a different gate.
func (e *ERCF) remapTool(tool, gate int, available GateStatus) {
	e.toolToGate[tool] = gate
	e.persist(varToolToGateMap, e.toolToGate)
	e.setGateStatus(gate, available)
}

// handleRunout reacts to an encoder runout event on the selected gate.
// Unless forced, a buzz test first distinguishes a true runout from a
// clog. With EndlessSpool enabled the next available gate in the spent
// gate's group takes over mid print.
func (e *ERCF) handleRunout(force bool) error {
	if e.tool == ToolUnknown {
		return errors.RuntimeError("runout reported but no tool is selected")
	}
	e.log.Info("Issue on tool T%d", e.tool)
	if err := e.motion.SyncGearToExtruder(false); err != nil {
		e.log.WithError(err).Warn("failed to unsync gear stepper")
	}

	e.log.Debug("checking if this is a clog or a runout...")
	if err := e.latchDown(); err != nil {
		return err
	}
	found, err := e.buzzGearMotor()
	if err != nil {
		return err
	}
	if found && !force {
		// Filament is still present at the encoder, so this is a clog
		return errors.RuntimeError("clog detected: filament is still present at the encoder")
	}

	// A real runout, the gate is spent
	e.setGateStatus(e.gate, GateEmpty)
	if !e.endlessSpool {
		return errors.GateEmptyError(e.gate)
	}

	group := e.endlessGroups[e.gate]
	e.log.Info("EndlessSpool mode is engaged, checking for alternative gates in group %d", group)
	next := GateNotSelected
	n := e.cfg.Gates()
	for i := 1; i < n; i++ {
		candidate := (e.gate + i) % n
		if e.endlessGroups[candidate] == group && e.gateStatus[candidate].Loaded() {
			next = candidate
			break
		}
	}
	if next == GateNotSelected {
		return errors.NoSpoolError(group)
	}

	e.log.Info("Remapping T%d to gate #%d", e.tool, next)
	e.handlingRunout = true
	defer func() { e.handlingRunout = false }()

	if _, err := e.formTipStandalone(true); err != nil {
		return err
	}
	if err := e.unloadTool(true); err != nil {
		return err
	}
	e.remapTool(e.tool, next, GateAvailable)
	if err := e.selectAndLoadTool(e.tool); err != nil {
		return err
	}

	if e.printer.IsPrinting() {
		if err := e.encoder.SetDistance(0); err != nil {
			return err
		}
		if err := e.applyPrintSync(); err != nil {
			return err
		}
		return e.printer.Resume()
	}
	return nil
}

// HandleRunout is the entry point for the encoder's runout callback.
// A failure here locks the feeder.
func (e *ERCF) HandleRunout(force bool) error {
	if err := e.begin("runout"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.handleRunout(force); err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// CheckGates probes the listed gates (all when empty) for filament by
// attempting a pickup at each, updating gate status as it goes.
func (e *ERCF) CheckGates(gates []int) error {
	if err := e.begin("check gates"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.transport != StateUnloaded {
		return errors.RuntimeError("cannot check gates while filament is loaded")
	}
	if len(gates) == 0 {
		gates = make([]int, e.cfg.Gates())
		for i := range gates {
			gates[i] = i
		}
	}

	prev := e.setAction(ActionChecking)
	defer e.setAction(prev)
	restore := e.disableDetection()
	defer restore()

	previousTool := e.tool
	for _, gate := range gates {
		if gate < 0 || gate >= e.cfg.Gates() {
			return errors.RuntimeError(fmt.Sprintf("gate #%d does not exist", gate))
		}
		e.log.Info("Checking gate #%d...", gate)
		if err := e.selectGate(gate); err != nil {
			return e.pauseOnError(err)
		}
		if err := e.encoder.SetDistance(0); err != nil {
			return err
		}
		if _, err := e.loadEncoder(false, true); err != nil {
			e.log.Info("Gate #%d is empty", gate)
			e.setGateStatus(gate, GateEmpty)
			continue
		}
		e.log.Info("Gate #%d has filament", gate)
		e.setGateStatus(gate, GateAvailable)
		if err := e.unloadEncoder(e.cfg.UnloadBuffer); err != nil {
			return e.pauseOnError(err)
		}
		e.setTransportState(StateUnloaded)
	}

	if previousTool != ToolUnknown {
		if err := e.selectTool(previousTool, true); err != nil {
			return e.pauseOnError(err)
		}
	}
	e.log.Info(e.gateMapString())
	return nil
}

// Preload feeds filament into a gate until the encoder confirms pickup,
// then parks it just behind the encoder ready for selection.
func (e *ERCF) Preload(gate int) error {
	if err := e.begin("preload"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if gate < 0 || gate >= e.cfg.Gates() {
		return errors.RuntimeError("gate does not exist")
	}
	if e.transport != StateUnloaded {
		return errors.RuntimeError("cannot preload while filament is loaded")
	}

	prev := e.setAction(ActionChecking)
	defer e.setAction(prev)
	restore := e.disableDetection()
	defer restore()

	if err := e.selectGate(gate); err != nil {
		return e.pauseOnError(err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		if err := e.encoder.SetDistance(0); err != nil {
			return err
		}
		if _, err := e.loadEncoder(false, true); err != nil {
			continue
		}
		if err := e.unloadEncoder(e.cfg.UnloadBuffer); err != nil {
			return e.pauseOnError(err)
		}
		e.setTransportState(StateUnloaded)
		e.log.Info("Filament detected and parked in gate #%d", gate)
		return nil
	}
	e.setGateStatus(gate, GateEmpty)
	return errors.PickupError(gate, 5)
}

// RemapTool assigns a tool to a gate and marks the gate available.
func (e *ERCF) RemapTool(tool, gate int, available bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tool < 0 || tool >= e.cfg.Gates() || gate < 0 || gate >= e.cfg.Gates() {
		return errors.RuntimeError("tool or gate does not exist")
	}
	status := GateAvailable
	if !available {
		status = GateEmpty
	}
	e.remapTool(tool, gate, status)
	e.log.Info(e.toolToGateString())
	return nil
}

// ResetToolToGateMap restores the identity tool-to-gate mapping.
func (e *ERCF) ResetToolToGateMap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetTTGMap()
}

// SetGateMap replaces the per-gate status, material and color records.
// Nil slices leave the corresponding record untouched.
func (e *ERCF) SetGateMap(status []GateStatus, material, color []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.cfg.Gates()
	if status != nil {
		if len(status) != n {
			return errors.RuntimeError("gate status list length does not match the number of gates")
		}
		copy(e.gateStatus, status)
	}
	if material != nil {
		if len(material) != n {
			return errors.RuntimeError("gate material list length does not match the number of gates")
		}
		copy(e.gateMaterial, material)
	}
	if color != nil {
		if len(color) != n {
			return errors.RuntimeError("gate color list length does not match the number of gates")
		}
		copy(e.gateColor, color)
	}
	e.persistGateMap()
	e.log.Info(e.gateMapString())
	return nil
}

// SetEndlessSpool enables or disables EndlessSpool and optionally
// replaces the gate grouping.
func (e *ERCF) SetEndlessSpool(enable bool, groups []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if groups != nil {
		if len(groups) != e.cfg.Gates() {
			return errors.RuntimeError("endless spool group list length does not match the number of gates")
		}
		copy(e.endlessGroups, groups)
		e.persist(varEndlessGroups, e.endlessGroups)
	}
	e.endlessSpool = enable
	e.persist(varEnableEndless, boolToInt(enable))
	return nil
}

// GateMapString renders the per-gate availability for operators.
func (e *ERCF) GateMapString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gateMapString()
}

func (e *ERCF) gateMapString() string {
	var b strings.Builder
	b.WriteString("Gates: ")
	for i, s := range e.gateStatus {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "#%d(%s)", i, s)
	}
	return b.String()
}
