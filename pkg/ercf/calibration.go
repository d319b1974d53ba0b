// Calibration: bowden reference length, per-gate gear ratios, encoder
// resolution and selector offsets
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"math"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

const defaultCalibrationReference = 500.0

// calibrationReference is the calibrated bowden length for gate 0.
func (e *ERCF) calibrationReference() float64 {
	if e.calibRef > 0 {
		return e.calibRef
	}
	return defaultCalibrationReference
}

// gateRatio returns the rotation correction for a gate. Out-of-band
// values fall back to 1.0.
func (e *ERCF) gateRatio(gate int) float64 {
	if gate < 0 {
		return 1.0
	}
	ratio := e.calibRatios[gate]
	if ratio > 0.9 && ratio < 1.1 {
		return ratio
	}
	e.log.Warn("gate %d calibration ratio %.6f is invalid, using 1.0, re-run gate calibration", gate, ratio)
	return 1.0
}

// calibrateReference measures the bowden length on gate 0 by loading to
// the extruder entrance repeatedly. It derives the clog detection
// length from the result and persists both.
func (e *ERCF) calibrateReference(extruderHomingLength float64, repeats int) error {
	e.log.Info("Calibrating reference tool T0")
	if err := e.selectTool(0, true); err != nil {
		return errors.CalibrationError(err, 0, 0)
	}
	if err := e.motion.SetGearRotationScale(1.0); err != nil {
		return err
	}
	if err := e.extruder.EnsureMinTemp(); err != nil {
		return err
	}
	defer func() {
		if _, err := e.latchUp(); err != nil {
			e.log.WithError(err).Warn("failed to release latch after calibration")
		}
	}()

	var referenceSum, springMax float64
	successes := 0
	for i := 0; i < repeats; i++ {
		if err := e.encoder.SetDistance(0); err != nil {
			return err
		}
		encoderMoved, err := e.loadEncoder(false, true)
		if err != nil {
			return errors.CalibrationError(err, 0, i+1)
		}
		if err := e.loadBowden(e.cfg.CalibrationBowdenLength - encoderMoved); err != nil {
			return errors.CalibrationError(err, 0, i+1)
		}
		e.log.Info("Finding extruder gear position (try #%d of %d)...", i+1, repeats)
		if err := e.homeToExtruder(extruderHomingLength); err != nil {
			return errors.CalibrationError(err, 0, i+1)
		}
		measured, err := e.encoder.Distance()
		if err != nil {
			return err
		}
		spring, err := e.latchUp()
		if err != nil {
			return err
		}

		// How much spring tension to discount depends on how the
		// regular load sequence hands off to the extruder
		reference := measured - spring*0.1
		if e.cfg.HomeToExtruder {
			reference = measured - spring*1.0
		} else if e.cfg.SyncLoadLength > 0 {
			reference = measured - spring*0.5
		}
		e.log.Info("Pass #%d: encoder measured %.1fmm, filament sprung back %.1fmm, reference %.1fmm",
			i+1, measured, spring, reference)
		referenceSum += reference
		springMax = math.Max(spring, springMax)
		successes++

		if err := e.encoder.SetDistance(0); err != nil {
			return err
		}
		if err := e.unloadBowden(reference-e.cfg.UnloadBuffer, false); err != nil {
			return errors.CalibrationError(err, 0, i+1)
		}
		if err := e.unloadEncoder(e.cfg.UnloadBuffer); err != nil {
			return errors.CalibrationError(err, 0, i+1)
		}
		e.setTransportState(StateUnloaded)
	}

	if successes == 0 {
		return errors.NotCalibratedError("bowden reference")
	}
	average := referenceSum / float64(successes)
	// 2% of the bowden length plus the spring is a good starting point
	detectionLength := average*2/100 + springMax
	e.log.Info("Recommended calibration reference is %.1fmm, clog detection length %.1fmm", average, detectionLength)

	e.calibRef = average
	e.calibRatios[0] = 1.0
	e.clogLength = detectionLength
	e.persist(varCalibRef, average)
	e.persist(varCalibPrefix+"0", 1.0)
	e.persist(varCalibClogLength, detectionLength)
	if e.clog != nil && e.cfg.EnableClogDetection != ClogDetectionOff {
		if err := e.clog.SetDetectionLength(detectionLength); err != nil {
			return err
		}
	}
	return nil
}

// calibrateGateRatio measures a gate's effective feed ratio with a long
// out-and-back move and persists it when plausible.
func (e *ERCF) calibrateGateRatio(tool int) error {
	loadLength := e.cfg.CalibrationBowdenLength - 100.0
	if err := e.selectTool(tool, true); err != nil {
		return errors.CalibrationError(err, tool, 0)
	}
	if err := e.motion.SetGearRotationScale(1.0); err != nil {
		return err
	}
	defer func() {
		if _, err := e.latchUp(); err != nil {
			e.log.WithError(err).Warn("failed to release latch after calibration")
		}
	}()

	if err := e.latchDown(); err != nil {
		return err
	}
	if err := e.encoder.SetDistance(0); err != nil {
		return err
	}
	encoderMoved, err := e.loadEncoder(false, true)
	if err != nil {
		return errors.CalibrationError(err, tool, 1)
	}
	testLength := loadLength - encoderMoved
	if _, err := e.traceMove("calibration load movement", testLength, e.cfg.LongMovesSpeed, 0, ModeGear); err != nil {
		return err
	}
	if _, err := e.traceMove("calibration unload movement", -testLength, e.cfg.LongMovesSpeed, 0, ModeGear); err != nil {
		return err
	}
	measurement, err := e.encoder.Distance()
	if err != nil {
		return err
	}
	ratio := (testLength * 2) / (measurement - encoderMoved)
	e.log.Info("Calibration move of %.1fmm, average encoder measurement %.1fmm - ratio is %.6f",
		testLength*2, measurement-encoderMoved, ratio)

	if tool != 0 {
		if ratio > 0.8 && ratio < 1.2 {
			e.calibRatios[tool] = ratio
			e.persist(fmt.Sprintf("%s%d", varCalibPrefix, tool), ratio)
		} else {
			e.log.Warn("calibration ratio %.6f not saved, outside the plausible range (0.8, 1.2)", ratio)
		}
	}

	if err := e.unloadEncoder(e.cfg.UnloadBuffer); err != nil {
		return errors.CalibrationError(err, tool, 1)
	}
	e.setTransportState(StateUnloaded)
	return nil
}

// CalibrateAll calibrates the reference on gate 0 and the ratio of
// every other gate in turn.
func (e *ERCF) CalibrateAll() error {
	if err := e.begin("calibrate"); err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.resetTTGMap()
	e.calibrating = true
	defer func() { e.calibrating = false }()

	e.log.Info("Starting the complete auto calibration...")
	if err := e.home(0, -1); err != nil {
		return e.pauseOnError(err)
	}
	for i := 0; i < e.cfg.Gates(); i++ {
		var err error
		if i == 0 {
			err = e.calibrateReference(400, 3)
		} else {
			err = e.calibrateGateRatio(i)
		}
		if err != nil {
			return e.pauseOnError(err)
		}
	}
	e.log.Info("End of the complete auto calibration")
	return nil
}

// CalibrateSingle calibrates one tool: the reference for tool 0 or the
// gate ratio otherwise. validate forces a ratio measurement on tool 0.
func (e *ERCF) CalibrateSingle(tool, repeats int, validate bool) error {
	if err := e.begin("calibrate"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if tool < 0 || tool >= e.cfg.Gates() {
		return errors.RuntimeError("tool does not exist")
	}

	e.resetTTGMap()
	e.calibrating = true
	defer func() { e.calibrating = false }()

	if err := e.home(tool, -1); err != nil {
		return e.pauseOnError(err)
	}
	var err error
	if tool == 0 && !validate {
		err = e.calibrateReference(400, repeats)
	} else {
		err = e.calibrateGateRatio(tool)
	}
	if err != nil {
		return e.pauseOnError(err)
	}
	return nil
}

// CalibrateEncoder measures the encoder resolution by driving a known
// length of filament back and forth and averaging the pulse counts of
// both directions. The filament must already be loaded through the
// encoder and into the bowden.
func (e *ERCF) CalibrateEncoder(distance float64, repeats int, speed, accel float64) error {
	if err := e.begin("calibrate encoder"); err != nil {
		return err
	}
	defer e.mu.Unlock()

	counter, ok := e.encoder.(PulseCounter)
	if !ok {
		return errors.NotCalibratedError("encoder pulse counter is not available")
	}
	if distance <= 0 || repeats <= 0 {
		return errors.RuntimeError("distance and repeats must be positive")
	}
	if speed <= 0 {
		speed = e.cfg.ShortMovesSpeed
	}

	e.calibrating = true
	defer func() { e.calibrating = false }()
	restore := e.disableDetection()
	defer restore()

	if err := e.latchDown(); err != nil {
		return err
	}
	plus := make([]int64, 0, repeats)
	minus := make([]int64, 0, repeats)
	for i := 0; i < repeats; i++ {
		before, err := counter.Counts()
		if err != nil {
			return err
		}
		if err := e.motion.Move(ModeGear, distance, speed, accel); err != nil {
			return err
		}
		if err := e.motion.WaitMoves(); err != nil {
			return err
		}
		after, err := counter.Counts()
		if err != nil {
			return err
		}
		plus = append(plus, after-before)

		if err := e.motion.Move(ModeGear, -distance, speed, accel); err != nil {
			return err
		}
		if err := e.motion.WaitMoves(); err != nil {
			return err
		}
		final, err := counter.Counts()
		if err != nil {
			return err
		}
		minus = append(minus, final-after)
		e.log.Info("Pass #%d: +%d counts, -%d counts", i+1, after-before, final-after)
	}

	meanPlus := meanInt64(plus)
	meanMinus := meanInt64(minus)
	halfMean := (meanPlus + meanMinus) / 4
	if halfMean <= 0 {
		return errors.NotCalibratedError("encoder recorded no counts, check the sensor")
	}
	resolution := distance / halfMean
	current := counter.Resolution()
	e.log.Info("Before calibration measured length = %.2fmm", halfMean*current)
	e.log.Info("Resolution is %.6fmm per pulse (was %.6f)", resolution, current)
	if resolution < current*0.971 || resolution > current*1.029 {
		e.log.Warn("measured resolution is more than 3%% away from the current value, "+
			"check the encoder wheel before saving (%0.6f vs %0.6f)", resolution, current)
	}
	if err := counter.SetResolution(resolution); err != nil {
		return err
	}
	e.persist(varEncoderResolution, resolution)
	return nil
}

func meanInt64(values []int64) float64 {
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// CalibrateSelector homes the selector against a gate to record its
// measured offset.
func (e *ERCF) CalibrateSelector(gate int) error {
	if err := e.begin("calibrate selector"); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if gate < 0 || gate >= e.cfg.Gates() {
		return errors.RuntimeError("gate does not exist")
	}

	e.calibrating = true
	defer func() { e.calibrating = false }()

	if _, err := e.latchUp(); err != nil {
		return err
	}
	// Expected travel back to the endstop, with margin
	moveLength := 10.0 + float64(gate)*e.cfg.FilamentBlockWidth + float64(gate/3)*5.0 + 30.0
	e.log.Info("Measuring the selector position for gate %d", gate)
	if err := e.selector.SetPosition(0); err != nil {
		return err
	}
	triggered, travel, err := e.selector.HomingMoveTo(-moveLength, 60, e.cfg.SensorlessSelector)
	if err != nil {
		return err
	}
	if !triggered {
		return errors.SelectorHomingError("endstop not found while measuring selector offset")
	}
	offset := math.Round(math.Abs(travel)*10) / 10
	e.log.Info("Selector offset for gate %d measured as %.1fmm", gate, offset)
	e.cfg.SelectorOffsets[gate] = offset
	e.persist(varSelectorOffsets, e.cfg.SelectorOffsets)
	e.homed = false
	return nil
}
