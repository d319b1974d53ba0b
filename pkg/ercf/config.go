// Feeder configuration, loaded from the [ercf] section of the config file
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"

	"github.com/smumriak/ERCF-Software-V3/pkg/config"
	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

// Fixed transport thresholds. These are properties of the mechanism, not
// tunables.
const (
	// LongMoveThreshold separates fast bowden transits from short steps.
	// It is also the initial move used to load past the encoder.
	LongMoveThreshold = 85.0

	// EncoderMin is the smallest encoder reading treated as real
	// movement rather than pulse noise.
	EncoderMin = 1.0

	// minMovementMargin is subtracted from a commanded pickup move when
	// judging whether the encoder saw enough travel.
	minMovementMargin = 6.0

	// stuckSlipFraction of the commanded distance lost to slip on a
	// bowden transit means the filament is stuck.
	stuckSlipFraction = 0.80

	// encoderExitFraction of a park step seen as slip means the
	// filament end has cleared the encoder.
	encoderExitFraction = 0.20

	// selectorPositionTolerance is the travel shortfall the selector
	// accepts before declaring the move failed.
	selectorPositionTolerance = 1.7

	// selectorInternalBlockTravel is the travel below which a failed
	// sensorless selector move means filament is jammed inside the
	// selector itself rather than at a gate.
	selectorInternalBlockTravel = 3.0
)

// HomingMethod selects how filament is homed to the extruder entrance.
type HomingMethod int

const (
	// HomingCollision detects the extruder entrance by stepping until
	// the encoder stops registering movement.
	HomingCollision HomingMethod = 0

	// HomingStallguard detects the extruder entrance with the gear
	// stepper driver's stall detection.
	HomingStallguard HomingMethod = 1
)

// ClogDetectionMode controls runtime clog monitoring on the encoder.
type ClogDetectionMode int

const (
	ClogDetectionOff    ClogDetectionMode = 0
	ClogDetectionStatic ClogDetectionMode = 1
	ClogDetectionAuto   ClogDetectionMode = 2
)

// Config holds every tunable of the feeder. Distances are millimeters,
// speeds mm/s, accelerations mm/s^2, timeouts seconds.
type Config struct {
	// Gear stepper speeds
	LongMovesSpeed          float64 // fast bowden transit speed
	LongMovesSpeedFromSpool float64 // slower transit while pulling off a spool
	ShortMovesSpeed         float64

	// Gear stepper accelerations for special moves. Zero means use the
	// motion controller default.
	GearHomingAccel float64
	GearSyncAccel   float64
	GearBuzzAccel   float64

	// Bowden transit
	NumMoves                int     // fast transit is split into this many moves
	ApplyBowdenCorrection   bool    // re-measure and correct after the fast transit
	LoadBowdenTolerance     float64 // acceptable slip on load before correction/error
	UnloadBowdenTolerance   float64
	CalibrationBowdenLength float64 // approximate bowden length used for calibration

	// Encoder pickup and parking
	ParkingDistance     float64 // retraction from encoder when parking at the gate
	EncoderMoveStepSize float64 // step size for stepwise encoder moves
	LoadEncoderRetries  int
	UnloadBuffer        float64 // distance short of the gate the fast unload stops at

	// Extruder homing and transfer
	HomeToExtruder          bool
	HomingMethod            HomingMethod
	ExtruderHomingMax       float64
	ExtruderHomingStep      float64
	ToolheadHomingMax       float64
	ToolheadHomingStep      float64
	SyncLoadLength          float64
	SyncLoadSpeed           float64
	SyncUnloadLength        float64
	SyncUnloadSpeed         float64
	DelayServoRelease       float64
	HomePositionToNozzle    float64
	ExtruderToNozzle        float64 // preferred over HomePositionToNozzle when homing by collision/stallguard
	SensorToNozzle          float64 // preferred when a toolhead sensor is fitted
	NozzleLoadSpeed         float64
	NozzleUnloadSpeed       float64
	MinTempExtruder         float64
	IgnoreExtruderLoadError bool

	// Gear/extruder synchronization options
	SyncToExtruder     bool // keep gear synced to extruder while printing
	SyncLoadExtruder   bool // load through the extruder fully synced
	SyncUnloadExtruder bool // exit the extruder fully synced
	SyncFormTip        bool // keep gear synced while forming the tip

	// Selector
	SelectorOffsets    []float64 // rail position of each gate; length defines the gate count
	FilamentBlockWidth float64
	SensorlessSelector bool

	// Pause handling
	TimeoutPause  int // seconds before the pause lock gives up and powers down
	TimeoutUnlock int // idle seconds before prompting for recovery, -1 disables
	DisableHeater int // seconds after pause before the hotend is switched off

	// Detection and endless spool
	EnableClogDetection ClogDetectionMode
	EnableEndlessSpool  bool
	EndlessSpoolGroups  []int

	// Per-gate defaults, overridden by persisted state
	ToolToGateMap []int
	GateStatus    []GateStatus
	GateMaterial  []string
	GateColor     []string

	// PersistenceLevel controls how much state is restored at startup:
	// 0 none, 1 endless spool groups, 2 plus tool-to-gate map, 3 plus
	// gate status/material/color, 4 plus selected tool and filament
	// position.
	PersistenceLevel int
}

// DefaultConfig returns a Config with the standard tuning for an ERCF
// v1.1 unit. SelectorOffsets, CalibrationBowdenLength and
// HomePositionToNozzle have no sensible defaults and must be set.
func DefaultConfig() Config {
	return Config{
		LongMovesSpeed:          100.0,
		LongMovesSpeedFromSpool: 100.0,
		ShortMovesSpeed:         25.0,
		GearHomingAccel:         1000.0,
		GearSyncAccel:           1000.0,
		GearBuzzAccel:           2000.0,
		NumMoves:                1,
		ApplyBowdenCorrection:   false,
		LoadBowdenTolerance:     10.0,
		UnloadBowdenTolerance:   10.0,
		ParkingDistance:         23.0,
		EncoderMoveStepSize:     15.0,
		LoadEncoderRetries:      2,
		UnloadBuffer:            30.0,
		HomeToExtruder:          false,
		HomingMethod:            HomingCollision,
		ExtruderHomingMax:       50.0,
		ExtruderHomingStep:      2.0,
		ToolheadHomingMax:       20.0,
		ToolheadHomingStep:      1.0,
		SyncLoadLength:          8.0,
		SyncLoadSpeed:           10.0,
		SyncUnloadLength:        10.0,
		SyncUnloadSpeed:         10.0,
		DelayServoRelease:       2.0,
		NozzleLoadSpeed:         15.0,
		NozzleUnloadSpeed:       20.0,
		MinTempExtruder:         180.0,
		FilamentBlockWidth:      21.0,
		TimeoutPause:            72000,
		TimeoutUnlock:           -1,
		DisableHeater:           600,
		EnableClogDetection:     ClogDetectionAuto,
		PersistenceLevel:        0,
	}
}

// Gates returns the number of gates, defined by the selector offsets.
func (c *Config) Gates() int {
	return len(c.SelectorOffsets)
}

// Validate checks internal consistency and fills derived defaults for
// the per-gate lists. It must be called before the config is used.
func (c *Config) Validate() error {
	n := c.Gates()
	if n == 0 {
		return errors.ConfigValidationError("ercf", "selector_offsets", "at least one gate offset is required")
	}
	if c.CalibrationBowdenLength <= 0 {
		return errors.ConfigValidationError("ercf", "calibration_bowden_length", "must be set to the approximate bowden length")
	}
	if c.HomePositionToNozzle <= 0 && c.ExtruderToNozzle <= 0 && c.SensorToNozzle <= 0 {
		return errors.ConfigValidationError("ercf", "home_position_to_nozzle", "a homing position to nozzle distance must be set")
	}
	if c.NumMoves < 1 {
		return errors.ConfigValidationError("ercf", "num_moves", "must be at least 1")
	}

	if len(c.ToolToGateMap) == 0 {
		c.ToolToGateMap = make([]int, n)
		for i := range c.ToolToGateMap {
			c.ToolToGateMap[i] = i
		}
	}
	if len(c.GateStatus) == 0 {
		c.GateStatus = make([]GateStatus, n)
		for i := range c.GateStatus {
			c.GateStatus[i] = GateUnknown
		}
	}
	if len(c.GateMaterial) == 0 {
		c.GateMaterial = make([]string, n)
	}
	if len(c.GateColor) == 0 {
		c.GateColor = make([]string, n)
	}
	if len(c.EndlessSpoolGroups) == 0 {
		c.EndlessSpoolGroups = make([]int, n)
		for i := range c.EndlessSpoolGroups {
			c.EndlessSpoolGroups[i] = i
		}
	}

	for name, got := range map[string]int{
		"tool_to_gate_map":     len(c.ToolToGateMap),
		"gate_status":          len(c.GateStatus),
		"gate_material":        len(c.GateMaterial),
		"gate_color":           len(c.GateColor),
		"endless_spool_groups": len(c.EndlessSpoolGroups),
	} {
		if got != n {
			return errors.ConfigValidationError("ercf", name,
				fmt.Sprintf("has %d entries but %d gates are configured", got, n))
		}
	}

	for t, g := range c.ToolToGateMap {
		if g < 0 || g >= n {
			return errors.ConfigValidationError("ercf", "tool_to_gate_map",
				fmt.Sprintf("tool %d maps to invalid gate %d", t, g))
		}
	}
	if c.PersistenceLevel < 0 || c.PersistenceLevel > 4 {
		return errors.ConfigValidationError("ercf", "persistence_level", "must be between 0 and 4")
	}
	return nil
}

// SelectorLength returns the usable selector rail length derived from
// the unit geometry.
func (c *Config) SelectorLength() float64 {
	n := c.Gates()
	return 10.0 + float64(n-1)*c.FilamentBlockWidth + float64((n-1)/3)*5.0 + 30.0
}

// LoadConfig reads the [ercf] section from a parsed config file.
func LoadConfig(cf *config.Config) (Config, error) {
	c := DefaultConfig()
	sec, err := cf.GetSection("ercf")
	if err != nil {
		return c, errors.ConfigSectionError("ercf")
	}

	type floatOpt struct {
		dst    *float64
		name   string
		bounds config.FloatBounds
	}
	one := 1.0
	zero := 0.0
	five := 5.0
	half := 0.5
	twelve := 12.0
	fifteen := 15.0
	twenty := 20.0
	twentyFive := 25.0
	hundred := 100.0
	oneThirty := 130.0

	floats := []floatOpt{
		{&c.LongMovesSpeed, "long_moves_speed", config.FloatBounds{MinVal: &one}},
		{&c.ShortMovesSpeed, "short_moves_speed", config.FloatBounds{MinVal: &one}},
		{&c.GearHomingAccel, "gear_homing_accel", config.FloatBounds{}},
		{&c.GearSyncAccel, "gear_sync_accel", config.FloatBounds{}},
		{&c.GearBuzzAccel, "gear_buzz_accel", config.FloatBounds{}},
		{&c.LoadBowdenTolerance, "load_bowden_tolerance", config.FloatBounds{MinVal: &one}},
		{&c.ParkingDistance, "parking_distance", config.FloatBounds{MinVal: &twelve, MaxVal: &oneThirty}},
		{&c.EncoderMoveStepSize, "encoder_move_step_size", config.FloatBounds{MinVal: &five, MaxVal: &twentyFive}},
		{&c.UnloadBuffer, "unload_buffer", config.FloatBounds{MinVal: &fifteen}},
		{&c.ExtruderHomingMax, "extruder_homing_max", config.FloatBounds{Above: &twenty}},
		{&c.ExtruderHomingStep, "extruder_homing_step", config.FloatBounds{MinVal: &half, MaxVal: &five}},
		{&c.ToolheadHomingMax, "toolhead_homing_max", config.FloatBounds{MinVal: &zero}},
		{&c.ToolheadHomingStep, "toolhead_homing_step", config.FloatBounds{MinVal: &half, MaxVal: &five}},
		{&c.SyncLoadLength, "sync_load_length", config.FloatBounds{MinVal: &zero, MaxVal: &hundred}},
		{&c.SyncLoadSpeed, "sync_load_speed", config.FloatBounds{MinVal: &one, MaxVal: &hundred}},
		{&c.SyncUnloadLength, "sync_unload_length", config.FloatBounds{MinVal: &zero, MaxVal: &hundred}},
		{&c.SyncUnloadSpeed, "sync_unload_speed", config.FloatBounds{MinVal: &one, MaxVal: &hundred}},
		{&c.DelayServoRelease, "delay_servo_release", config.FloatBounds{MinVal: &zero, MaxVal: &five}},
		{&c.NozzleLoadSpeed, "nozzle_load_speed", config.FloatBounds{MinVal: &one, MaxVal: &hundred}},
		{&c.NozzleUnloadSpeed, "nozzle_unload_speed", config.FloatBounds{MinVal: &one, MaxVal: &hundred}},
		{&c.MinTempExtruder, "min_temp_extruder", config.FloatBounds{}},
		{&c.FilamentBlockWidth, "filamentblock_width", config.FloatBounds{}},
		{&c.ExtruderToNozzle, "extruder_to_nozzle", config.FloatBounds{MinVal: &zero}},
		{&c.SensorToNozzle, "sensor_to_nozzle", config.FloatBounds{MinVal: &zero}},
	}
	for _, f := range floats {
		v, err := sec.GetFloatWithBounds(f.name, f.bounds, *f.dst)
		if err != nil {
			return c, err
		}
		*f.dst = v
	}

	// Required geometry
	if c.SelectorOffsets, err = sec.GetFloatList("colorselector", ","); err != nil {
		return c, err
	}
	if c.CalibrationBowdenLength, err = sec.GetFloat("calibration_bowden_length"); err != nil {
		return c, err
	}
	if c.HomePositionToNozzle, err = sec.GetFloat("home_position_to_nozzle", 0); err != nil {
		return c, err
	}

	// Options defaulting from other options
	if c.LongMovesSpeedFromSpool, err = sec.GetFloatWithBounds("long_moves_speed_from_spool",
		config.FloatBounds{MinVal: &one}, c.LongMovesSpeed); err != nil {
		return c, err
	}
	if c.UnloadBowdenTolerance, err = sec.GetFloatWithBounds("unload_bowden_tolerance",
		config.FloatBounds{MinVal: &one}, c.LoadBowdenTolerance); err != nil {
		return c, err
	}

	ints := []struct {
		dst  *int
		name string
	}{
		{&c.NumMoves, "num_moves"},
		{&c.LoadEncoderRetries, "load_encoder_retries"},
		{&c.TimeoutPause, "timeout_pause"},
		{&c.TimeoutUnlock, "timeout_unlock"},
		{&c.DisableHeater, "disable_heater"},
		{&c.PersistenceLevel, "persistence_level"},
	}
	for _, iv := range ints {
		v, err := sec.GetInt(iv.name, *iv.dst)
		if err != nil {
			return c, err
		}
		*iv.dst = v
	}

	bools := []struct {
		dst  *bool
		name string
	}{
		{&c.ApplyBowdenCorrection, "apply_bowden_correction"},
		{&c.HomeToExtruder, "home_to_extruder"},
		{&c.IgnoreExtruderLoadError, "ignore_extruder_load_error"},
		{&c.SyncToExtruder, "sync_to_extruder"},
		{&c.SyncLoadExtruder, "sync_load_extruder"},
		{&c.SyncUnloadExtruder, "sync_unload_extruder"},
		{&c.SyncFormTip, "sync_form_tip"},
		{&c.SensorlessSelector, "sensorless_selector"},
		{&c.EnableEndlessSpool, "enable_endless_spool"},
	}
	for _, bv := range bools {
		v, err := sec.GetBool(bv.name, *bv.dst)
		if err != nil {
			return c, err
		}
		*bv.dst = v
	}

	hm, err := sec.GetInt("homing_method", int(c.HomingMethod))
	if err != nil {
		return c, err
	}
	if hm < 0 || hm > 1 {
		return c, errors.ConfigValidationError("ercf", "homing_method", "must be 0 (collision) or 1 (stallguard)")
	}
	c.HomingMethod = HomingMethod(hm)

	cd, err := sec.GetInt("enable_clog_detection", int(c.EnableClogDetection))
	if err != nil {
		return c, err
	}
	if cd < 0 || cd > 2 {
		return c, errors.ConfigValidationError("ercf", "enable_clog_detection", "must be 0 (off), 1 (static) or 2 (auto)")
	}
	c.EnableClogDetection = ClogDetectionMode(cd)

	if c.EndlessSpoolGroups, err = sec.GetIntList("endless_spool_groups", ",", nil); err != nil {
		return c, err
	}
	if c.ToolToGateMap, err = sec.GetIntList("tool_to_gate_map", ",", nil); err != nil {
		return c, err
	}
	rawStatus, err := sec.GetIntList("gate_status", ",", nil)
	if err != nil {
		return c, err
	}
	for _, s := range rawStatus {
		c.GateStatus = append(c.GateStatus, GateStatus(s))
	}
	if c.GateMaterial, err = sec.GetList("gate_material", ",", nil); err != nil {
		return c, err
	}
	if c.GateColor, err = sec.GetList("gate_color", ",", nil); err != nil {
		return c, err
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
