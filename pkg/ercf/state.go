// Filament transport state model for the Enraged Rabbit Carrot Feeder
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"strings"
)

// TransportState tracks how far filament has progressed along the feed path.
// The values are ordered: loading only ever increases the state, unloading
// only ever decreases it.
type TransportState int

const (
	// StateUnknown means the filament position cannot be trusted.
	StateUnknown TransportState = -1

	// StateUnloaded means no filament is in the unit past the gate.
	StateUnloaded TransportState = 0

	// StateBeforeEncoder means filament is gripped but not yet seen by the encoder.
	StateBeforeEncoder TransportState = 1

	// StatePastEncoder means the encoder has confirmed movement.
	StatePastEncoder TransportState = 2

	// StateInBowden means filament is partway through the bowden tube.
	StateInBowden TransportState = 3

	// StateEndOfBowden means the fast bowden transit completed.
	StateEndOfBowden TransportState = 4

	// StateHomedExtruder means filament touched the extruder gear entrance.
	StateHomedExtruder TransportState = 5

	// StateHomedSensor means filament triggered the toolhead sensor.
	StateHomedSensor TransportState = 6

	// StateInExtruder means the extruder has picked up the filament.
	StateInExtruder TransportState = 7

	// StateLoaded means filament is fully loaded to the nozzle.
	StateLoaded TransportState = 8
)

// String returns the human readable name of the transport state.
func (s TransportState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateUnloaded:
		return "Unloaded"
	case StateBeforeEncoder:
		return "BeforeEncoder"
	case StatePastEncoder:
		return "PastEncoder"
	case StateInBowden:
		return "InBowden"
	case StateEndOfBowden:
		return "EndOfBowden"
	case StateHomedExtruder:
		return "HomedExtruder"
	case StateHomedSensor:
		return "HomedSensor"
	case StateInExtruder:
		return "InExtruder"
	case StateLoaded:
		return "Loaded"
	default:
		return fmt.Sprintf("TransportState(%d)", int(s))
	}
}

// Action describes what the unit is currently doing.
type Action int

const (
	ActionIdle Action = iota
	ActionLoading
	ActionLoadingExtruder
	ActionUnloading
	ActionUnloadingExtruder
	ActionFormingTip
	ActionHeating
	ActionChecking
	ActionHoming
	ActionSelecting
)

// String returns the human readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "Idle"
	case ActionLoading:
		return "Loading"
	case ActionLoadingExtruder:
		return "Loading Ext"
	case ActionUnloading:
		return "Unloading"
	case ActionUnloadingExtruder:
		return "Unloading Ext"
	case ActionFormingTip:
		return "Forming Tip"
	case ActionHeating:
		return "Heating"
	case ActionChecking:
		return "Checking"
	case ActionHoming:
		return "Homing"
	case ActionSelecting:
		return "Selecting"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// GateStatus records whether a gate is believed to hold filament.
type GateStatus int

const (
	// GateUnknown means the gate has never been probed.
	GateUnknown GateStatus = -1

	// GateEmpty means the gate has no filament.
	GateEmpty GateStatus = 0

	// GateAvailable means the gate holds filament from a spool.
	GateAvailable GateStatus = 1

	// GateAvailableFromBuffer means the gate holds filament already pulled
	// from the spool into a buffer, so reloads do not fight spool drag.
	GateAvailableFromBuffer GateStatus = 2
)

// String returns the human readable name of the gate status.
func (g GateStatus) String() string {
	switch g {
	case GateUnknown:
		return "Unknown"
	case GateEmpty:
		return "Empty"
	case GateAvailable:
		return "Spool"
	case GateAvailableFromBuffer:
		return "Buffer"
	default:
		return fmt.Sprintf("GateStatus(%d)", int(g))
	}
}

// Loaded reports whether the gate can be loaded from.
func (g GateStatus) Loaded() bool {
	return g == GateAvailable || g == GateAvailableFromBuffer
}

// Sentinel values for "nothing selected".
const (
	ToolUnknown     = -1
	GateNotSelected = -1
)

// MoveMode selects which drive trains execute a filament motion.
type MoveMode int

const (
	// ModeGear moves the gear stepper only.
	ModeGear MoveMode = iota

	// ModeExtruder moves the extruder only.
	ModeExtruder

	// ModeBoth moves gear and extruder as independent simultaneous moves.
	ModeBoth

	// ModeSynced moves the gear stepper synchronized to the extruder.
	ModeSynced
)

// String returns the motor name used in logs and trace output.
func (m MoveMode) String() string {
	switch m {
	case ModeGear:
		return "gear"
	case ModeExtruder:
		return "extruder"
	case ModeBoth:
		return "both"
	case ModeSynced:
		return "synced"
	default:
		return fmt.Sprintf("MoveMode(%d)", int(m))
	}
}

// LatchState tracks the servo that grips filament against the gear.
type LatchState int

const (
	LatchStateUnknown LatchState = iota
	LatchUp
	LatchDown
)

// String returns the human readable latch position.
func (l LatchState) String() string {
	switch l {
	case LatchUp:
		return "Up"
	case LatchDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// Status is a point-in-time snapshot of the unit, safe to serialize.
type Status struct {
	Enabled        bool           `json:"enabled"`
	Tool           int            `json:"tool"`
	Gate           int            `json:"gate"`
	Transport      TransportState `json:"transport_state"`
	TransportName  string         `json:"transport_state_name"`
	Action         Action         `json:"action"`
	ActionName     string         `json:"action_name"`
	Latch          string         `json:"latch"`
	Homed          bool           `json:"homed"`
	Locked         bool           `json:"locked"`
	GateStatus     []GateStatus   `json:"gate_status"`
	GateMaterial   []string       `json:"gate_material"`
	GateColor      []string       `json:"gate_color"`
	ToolToGate     []int          `json:"tool_to_gate_map"`
	EndlessGroups  []int          `json:"endless_spool_groups"`
	Clog           string         `json:"clog_detection"`
	EndlessSpool   bool           `json:"endless_spool"`
	LastToolchange string         `json:"last_toolchange"`
	Filament       string         `json:"filament"`
}

// VisualState renders the one-line filament position diagram shown in
// status output, in the style:
//
//	ERCF [T3] >>> [En] >>>>>>>>>>>>>>>>>> [Ex] >> [Ts] >> [Nz] LOADED
func VisualState(tool int, state TransportState, sensor bool) string {
	var sb strings.Builder
	sb.WriteString("ERCF [")
	if tool == ToolUnknown {
		sb.WriteString("T?")
	} else {
		fmt.Fprintf(&sb, "T%d", tool)
	}
	sb.WriteString("] ")

	seg := func(reached bool, long bool) string {
		n := 3
		if long {
			n = 10
		}
		if reached {
			return strings.Repeat(">", n) + " "
		}
		return strings.Repeat(".", n) + " "
	}

	sb.WriteString(seg(state >= StatePastEncoder, false))
	sb.WriteString("[En] ")
	sb.WriteString(seg(state >= StateEndOfBowden, true))
	sb.WriteString("[Ex] ")
	if sensor {
		sb.WriteString(seg(state >= StateHomedSensor, false))
		sb.WriteString("[Ts] ")
	}
	sb.WriteString(seg(state >= StateInExtruder, false))
	sb.WriteString("[Nz]")

	switch {
	case state == StateLoaded:
		sb.WriteString(" LOADED")
	case state == StateUnloaded:
		sb.WriteString(" UNLOADED")
	case state == StateUnknown:
		sb.WriteString(" UNKNOWN")
	}
	return sb.String()
}
