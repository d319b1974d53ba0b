// Enraged Rabbit Carrot Feeder transport controller
//
// The controller owns all feeder state and serializes every operation:
// exactly one filament operation runs at a time, and the public entry
// points are the only way in.
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
	"github.com/smumriak/ERCF-Software-V3/pkg/reactor"
)

// Persisted variable keys. These match the classic save-variables file
// layout so existing installations carry their state forward.
const (
	varCalibRef          = "ercf_calib_ref"
	varCalibPrefix       = "ercf_calib_"
	varCalibClogLength   = "ercf_calib_clog_length"
	varSelectorOffsets   = "ercf_selector_offsets"
	varEnableEndless     = "ercf_state_enable_endless_spool"
	varEndlessGroups     = "ercf_state_endless_spool_groups"
	varToolToGateMap     = "ercf_state_tool_to_gate_map"
	varGateStatus        = "ercf_state_gate_status"
	varGateMaterial      = "ercf_state_gate_material"
	varGateColor         = "ercf_state_gate_color"
	varGateSelected      = "ercf_state_gate_selected"
	varToolSelected      = "ercf_state_tool_selected"
	varLoadedStatus      = "ercf_state_loaded_status"
	varEncoderResolution = "ercf_encoder_resolution"
	varSwapStatistics    = "ercf_statistics_swaps"
	varGateStatsPrefix   = "ercf_statistics_gate_"
)

// Recorder receives observability events. A nil recorder is valid.
type Recorder interface {
	// RecordMove reports a traced filament move and its slip.
	RecordMove(mode MoveMode, commanded, measured float64)

	// RecordSwap reports a completed or failed tool change.
	RecordSwap(tool int, ok bool, duration time.Duration)

	// RecordSelectorEvent reports selector homes and blocks.
	RecordSelectorEvent(event string)

	// RecordStateChange reports a transport state transition.
	RecordStateChange(state TransportState)
}

// Ports bundles every collaborator the controller needs. Motion,
// Selector, Encoder, Latch, Extruder, Printer and Store are required.
// Sensor, Clog, Tip and Recorder are optional.
type Ports struct {
	Motion   Motion
	Selector SelectorMotion
	Encoder  DistanceSensor
	Clog     ClogControl
	Latch    Latch
	Extruder Extruder
	Sensor   ToolheadSensor
	Printer  PrintManager
	Tip      TipFormer
	Store    Store
	Recorder Recorder
}

// ERCF is the filament feeder controller.
type ERCF struct {
	cfg Config
	log *log.Logger

	motion   Motion
	selector SelectorMotion
	encoder  DistanceSensor
	clog     ClogControl
	latch    Latch
	extruder Extruder
	sensor   ToolheadSensor
	printer  PrintManager
	tip      TipFormer
	store    Store
	recorder Recorder
	reactor  *reactor.Reactor

	// mu serializes all entry points. Everything below it is guarded.
	mu sync.Mutex

	enabled    bool
	locked     bool
	homed      bool
	tool       int
	gate       int
	transport  TransportState
	action     Action
	latchState LatchState

	toolToGate    []int
	gateStatus    []GateStatus
	gateMaterial  []string
	gateColor     []string
	endlessGroups []int
	endlessSpool  bool

	calibRef    float64
	calibRatios []float64
	clogLength  float64

	calibrating    bool
	handlingRunout bool
	detectionDepth int
	lastToolchange string

	heaterTimer *reactor.Timer
	pausedTemp  bool

	swapStats swapStatistics
	gateStats []gateStatistics
}

type swapStatistics struct {
	Swaps         int     `json:"total_swaps"`
	TimeSpent     float64 `json:"time_spent"`
	Pauses        int     `json:"total_pauses"`
	CompletedJobs int     `json:"completed_jobs"`
}

type gateStatistics struct {
	Pauses       int     `json:"pauses"`
	Loads        int     `json:"loads"`
	LoadDistance float64 `json:"load_distance"`
	LoadDelta    float64 `json:"load_delta"`
	Unloads      int     `json:"unloads"`
	UnloadDelta  float64 `json:"unload_delta"`
	ServoRetries int     `json:"servo_retries"`
	LoadFailures int     `json:"load_failures"`
}

// New validates the config, wires the ports and returns a controller
// ready for Start.
func New(cfg Config, ports Ports, rtr *reactor.Reactor, logger *log.Logger) (*ERCF, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ports.Motion == nil || ports.Selector == nil || ports.Encoder == nil ||
		ports.Latch == nil || ports.Extruder == nil || ports.Printer == nil || ports.Store == nil {
		return nil, errors.RuntimeErrorInit("ercf", "missing required port")
	}
	if logger == nil {
		logger = log.GetLogger("ercf")
	}
	e := &ERCF{
		cfg:       cfg,
		log:       logger,
		motion:    ports.Motion,
		selector:  ports.Selector,
		encoder:   ports.Encoder,
		clog:      ports.Clog,
		latch:     ports.Latch,
		extruder:  ports.Extruder,
		sensor:    ports.Sensor,
		printer:   ports.Printer,
		tip:       ports.Tip,
		store:     ports.Store,
		recorder:  ports.Recorder,
		reactor:   rtr,
		enabled:   true,
		tool:      ToolUnknown,
		gate:      GateNotSelected,
		transport: StateUnknown,
		action:    ActionIdle,

		toolToGate:    append([]int(nil), cfg.ToolToGateMap...),
		gateStatus:    append([]GateStatus(nil), cfg.GateStatus...),
		gateMaterial:  append([]string(nil), cfg.GateMaterial...),
		gateColor:     append([]string(nil), cfg.GateColor...),
		endlessGroups: append([]int(nil), cfg.EndlessSpoolGroups...),
		endlessSpool:  cfg.EnableEndlessSpool,
		calibRatios:   make([]float64, cfg.Gates()),
		gateStats:     make([]gateStatistics, cfg.Gates()),
	}
	for i := range e.calibRatios {
		e.calibRatios[i] = 1.0
	}
	e.restoreState()
	return e, nil
}

// restoreState applies persisted state according to the configured
// persistence level. Lists with the wrong gate count are ignored.
func (e *ERCF) restoreState() {
	n := e.cfg.Gates()
	lvl := e.cfg.PersistenceLevel

	if lvl >= 1 {
		if v := e.store.GetIntList(varEndlessGroups, nil); len(v) == n {
			e.endlessGroups = v
		} else if v != nil {
			e.log.Warn("persisted %s has wrong number of gates, ignoring", varEndlessGroups)
		}
		e.endlessSpool = e.store.GetInt(varEnableEndless, boolToInt(e.endlessSpool)) != 0
	}
	if lvl >= 2 {
		if v := e.store.GetIntList(varToolToGateMap, nil); len(v) == n {
			e.toolToGate = v
		} else if v != nil {
			e.log.Warn("persisted %s has wrong number of gates, ignoring", varToolToGateMap)
		}
	}
	if lvl >= 3 {
		if v := e.store.GetIntList(varGateStatus, nil); len(v) == n {
			for i, s := range v {
				e.gateStatus[i] = GateStatus(s)
			}
		}
		if v := e.store.GetStringList(varGateMaterial, nil); len(v) == n {
			e.gateMaterial = v
		}
		if v := e.store.GetStringList(varGateColor, nil); len(v) == n {
			e.gateColor = v
		}
	}
	if lvl >= 4 {
		tool := e.store.GetInt(varToolSelected, ToolUnknown)
		gate := e.store.GetInt(varGateSelected, GateNotSelected)
		if tool >= -1 && tool < n && gate >= -1 && gate < n {
			e.tool, e.gate = tool, gate
			if gate != GateNotSelected {
				e.transport = TransportState(e.store.GetInt(varLoadedStatus, int(StateUnknown)))
			}
		} else {
			e.log.Warn("persisted tool/gate selection is invalid, ignoring")
		}
	}

	e.calibRef = e.store.GetFloat(varCalibRef, 0)
	for i := 0; i < n; i++ {
		r := e.store.GetFloat(fmt.Sprintf("%s%d", varCalibPrefix, i), 1.0)
		if r > 0.8 && r < 1.2 {
			e.calibRatios[i] = r
		}
	}
	e.store.GetObject(varSwapStatistics, &e.swapStats)
	for i := 0; i < n; i++ {
		e.store.GetObject(fmt.Sprintf("%s%d", varGateStatsPrefix, i), &e.gateStats[i])
	}

	e.clogLength = e.store.GetFloat(varCalibClogLength, 0)
	if e.clogLength > 0 && e.clog != nil {
		if err := e.clog.SetDetectionLength(e.clogLength); err != nil {
			e.log.WithError(err).Warn("failed to restore clog detection length")
		}
	}
}

// begin gates an entry point: the unit must be enabled and not locked.
// It returns with e.mu held on success.
func (e *ERCF) begin(op string) error {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return errors.DisabledError(op)
	}
	if e.locked {
		e.mu.Unlock()
		return errors.PauseLockedError(op)
	}
	return nil
}

// setAction updates the current action and returns the previous one.
func (e *ERCF) setAction(a Action) Action {
	old := e.action
	e.action = a
	return old
}

// setTransportState moves the filament position tracker and persists it.
func (e *ERCF) setTransportState(s TransportState) {
	if s == e.transport {
		return
	}
	e.log.Debug("transport state %s -> %s", e.transport, s)
	e.transport = s
	if e.recorder != nil {
		e.recorder.RecordStateChange(s)
	}
	if err := e.store.Set(varLoadedStatus, int(s)); err != nil {
		e.log.WithError(err).Warn("failed to persist loaded status")
	}
}

// Enable allows operations again after a Disable.
func (e *ERCF) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		e.log.Info("ERCF enabled")
		e.enabled = true
	}
}

// Disable refuses all subsequent operations until Enable.
func (e *ERCF) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		e.log.Info("ERCF disabled")
		e.enabled = false
	}
}

// Enabled reports whether the unit accepts operations.
func (e *ERCF) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Status returns a snapshot of the unit.
func (e *ERCF) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *ERCF) statusLocked() Status {
	clog := "off"
	switch e.cfg.EnableClogDetection {
	case ClogDetectionStatic:
		clog = "static"
	case ClogDetectionAuto:
		clog = "auto"
	}
	return Status{
		Enabled:        e.enabled,
		Tool:           e.tool,
		Gate:           e.gate,
		Transport:      e.transport,
		TransportName:  e.transport.String(),
		Action:         e.action,
		ActionName:     e.action.String(),
		Latch:          e.latchState.String(),
		Homed:          e.homed,
		Locked:         e.locked,
		GateStatus:     append([]GateStatus(nil), e.gateStatus...),
		GateMaterial:   append([]string(nil), e.gateMaterial...),
		GateColor:      append([]string(nil), e.gateColor...),
		ToolToGate:     append([]int(nil), e.toolToGate...),
		EndlessGroups:  append([]int(nil), e.endlessGroups...),
		Clog:           clog,
		EndlessSpool:   e.endlessSpool,
		LastToolchange: e.lastToolchange,
		Filament:       VisualState(e.tool, e.transport, e.sensor != nil),
	}
}

// ToolToGateString renders the tool mapping table shown in status output.
func (e *ERCF) ToolToGateString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toolToGateString()
}

func (e *ERCF) toolToGateString() string {
	var sb strings.Builder
	for t, g := range e.toolToGate {
		fmt.Fprintf(&sb, "T%d -> Gate #%d (%s", t, g, e.gateStatus[g])
		if e.gateMaterial[g] != "" {
			fmt.Fprintf(&sb, ", %s", e.gateMaterial[g])
		}
		sb.WriteString(")")
		if e.endlessSpool {
			fmt.Fprintf(&sb, " [group %d]", e.endlessGroups[g])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// persistGateMap writes the gate status, material and color lists.
func (e *ERCF) persistGateMap() {
	status := make([]int, len(e.gateStatus))
	for i, s := range e.gateStatus {
		status[i] = int(s)
	}
	e.persist(varGateStatus, status)
	e.persist(varGateMaterial, e.gateMaterial)
	e.persist(varGateColor, e.gateColor)
}

func (e *ERCF) persist(key string, value interface{}) {
	if err := e.store.Set(key, value); err != nil {
		e.log.WithError(err).Warnf("failed to persist %s", key)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
