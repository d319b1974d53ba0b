// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"testing"

	"github.com/smumriak/ERCF-Software-V3/pkg/config"
	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

const sampleConfig = `
[ercf]
colorselector: 3.0, 24.0, 45.0, 66.0
calibration_bowden_length: 620
home_position_to_nozzle: 72
long_moves_speed: 120
num_moves: 2
apply_bowden_correction: 1
home_to_extruder: 1
sync_load_length: 12
enable_clog_detection: 1
enable_endless_spool: 1
endless_spool_groups: 0, 0, 1, 1
persistence_level: 4
`

func TestLoadConfig(t *testing.T) {
	cf, err := config.LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	c, err := LoadConfig(cf)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if c.Gates() != 4 {
		t.Errorf("Gates() = %d, want 4", c.Gates())
	}
	if c.CalibrationBowdenLength != 620 {
		t.Errorf("CalibrationBowdenLength = %.1f, want 620", c.CalibrationBowdenLength)
	}
	if c.LongMovesSpeed != 120 {
		t.Errorf("LongMovesSpeed = %.1f, want 120", c.LongMovesSpeed)
	}
	// long_moves_speed_from_spool defaults to long_moves_speed
	if c.LongMovesSpeedFromSpool != 120 {
		t.Errorf("LongMovesSpeedFromSpool = %.1f, want 120", c.LongMovesSpeedFromSpool)
	}
	if c.NumMoves != 2 || !c.ApplyBowdenCorrection || !c.HomeToExtruder {
		t.Errorf("bowden options not applied: NumMoves=%d correction=%v home=%v",
			c.NumMoves, c.ApplyBowdenCorrection, c.HomeToExtruder)
	}
	if c.SyncLoadLength != 12 {
		t.Errorf("SyncLoadLength = %.1f, want 12", c.SyncLoadLength)
	}
	if c.EnableClogDetection != ClogDetectionStatic {
		t.Errorf("EnableClogDetection = %d, want static", c.EnableClogDetection)
	}
	if !c.EnableEndlessSpool || c.EndlessSpoolGroups[2] != 1 {
		t.Errorf("endless spool options not applied: %v %v", c.EnableEndlessSpool, c.EndlessSpoolGroups)
	}
	if c.PersistenceLevel != 4 {
		t.Errorf("PersistenceLevel = %d, want 4", c.PersistenceLevel)
	}
	// Defaulted per-gate lists
	if len(c.ToolToGateMap) != 4 || c.ToolToGateMap[3] != 3 {
		t.Errorf("ToolToGateMap = %v, want identity of 4", c.ToolToGateMap)
	}
	if len(c.GateStatus) != 4 || c.GateStatus[0] != GateUnknown {
		t.Errorf("GateStatus = %v, want 4 unknown gates", c.GateStatus)
	}
}

func TestLoadConfigMissingSection(t *testing.T) {
	cf, err := config.LoadString("[printer]\nkinematics: none\n")
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	if _, err := LoadConfig(cf); !errors.Is(err, errors.ErrConfigSection) {
		t.Fatalf("LoadConfig without [ercf] = %v, want config section error", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := DefaultConfig()
		c.SelectorOffsets = []float64{3, 24, 45}
		c.CalibrationBowdenLength = 500
		c.HomePositionToNozzle = 70
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"no gates", func(c *Config) { c.SelectorOffsets = nil }, false},
		{"no bowden length", func(c *Config) { c.CalibrationBowdenLength = 0 }, false},
		{"no nozzle distance", func(c *Config) { c.HomePositionToNozzle = 0 }, false},
		{"bad num moves", func(c *Config) { c.NumMoves = 0 }, false},
		{"tool map wrong length", func(c *Config) { c.ToolToGateMap = []int{0} }, false},
		{"tool map bad gate", func(c *Config) { c.ToolToGateMap = []int{0, 1, 9} }, false},
		{"bad persistence level", func(c *Config) { c.PersistenceLevel = 5 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}
}

func TestValidateFillsPerGateDefaults(t *testing.T) {
	c := DefaultConfig()
	c.SelectorOffsets = []float64{3, 24, 45, 66}
	c.CalibrationBowdenLength = 500
	c.HomePositionToNozzle = 70
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(c.ToolToGateMap) != 4 || len(c.GateStatus) != 4 ||
		len(c.GateMaterial) != 4 || len(c.GateColor) != 4 || len(c.EndlessSpoolGroups) != 4 {
		t.Error("per-gate defaults not filled to the gate count")
	}
}

func TestSelectorLength(t *testing.T) {
	c := DefaultConfig()
	c.SelectorOffsets = make([]float64, 4)
	// 10 + 3 blocks of 21 + one 5mm bearing gap + 30
	if got := c.SelectorLength(); got != 108 {
		t.Errorf("SelectorLength = %.1f, want 108", got)
	}
}
