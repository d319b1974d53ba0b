// Unified error handling for the ERCF filament transport daemon
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Filament transport errors
	ErrPickupFailure  ErrorCode = "PICKUP_FAILURE"
	ErrStuckFilament  ErrorCode = "STUCK_FILAMENT"
	ErrHomingFailure  ErrorCode = "HOMING_FAILURE"
	ErrExtruderPickup ErrorCode = "EXTRUDER_PICKUP"
	ErrParkFailure    ErrorCode = "PARK_FAILURE"

	// Selector errors
	ErrSelectorBlocked    ErrorCode = "SELECTOR_BLOCKED"
	ErrSelectorObstructed ErrorCode = "SELECTOR_OBSTRUCTED"
	ErrSelectorHoming     ErrorCode = "SELECTOR_HOMING"

	// Gate and spool errors
	ErrGateEmpty ErrorCode = "GATE_EMPTY"
	ErrNoSpool   ErrorCode = "NO_SPOOL"

	// Operational state errors
	ErrPauseLocked   ErrorCode = "PAUSE_LOCKED"
	ErrDisabled      ErrorCode = "DISABLED"
	ErrNotHomed      ErrorCode = "NOT_HOMED"
	ErrNotCalibrated ErrorCode = "NOT_CALIBRATED"

	// Calibration errors
	ErrCalibration ErrorCode = "CALIBRATION"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
	ErrRuntimeMCU  ErrorCode = "RUNTIME_MCU"
)

// TransportError is the unified error type for the feeder host
type TransportError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Gate is the gate index involved, or -1 when not applicable
	Gate int

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *TransportError) SetSection(section string) *TransportError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *TransportError) SetOption(option string) *TransportError {
	e.Option = option
	return e
}

// SetGate records the gate involved
func (e *TransportError) SetGate(gate int) *TransportError {
	e.Gate = gate
	return e
}

// SetContext adds additional context
func (e *TransportError) SetContext(key string, value interface{}) *TransportError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new TransportError
func New(code ErrorCode, message string) *TransportError {
	return &TransportError{
		Code:    code,
		Message: message,
		Gate:    -1,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *TransportError {
	return &TransportError{
		Code:    code,
		Message: message,
		Gate:    -1,
		Err:     err,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *TransportError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *TransportError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *TransportError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *TransportError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Transport errors

// PickupError reports a failure to establish encoder-visible movement at a gate.
func PickupError(gate int, retries int) *TransportError {
	return New(ErrPickupFailure, fmt.Sprintf("filament not detected at encoder for gate %d after %d attempts", gate, retries)).
		SetGate(gate)
}

// StuckFilamentError reports excessive slip during a bowden transit.
func StuckFilamentError(commanded, measured float64) *TransportError {
	return New(ErrStuckFilament, fmt.Sprintf("filament stuck: commanded %.1fmm but only %.1fmm measured", commanded, measured)).
		SetContext("commanded", commanded).
		SetContext("measured", measured)
}

// HomingError reports a failure to home filament to the extruder entrance.
func HomingError(method string, travel float64) *TransportError {
	return New(ErrHomingFailure, fmt.Sprintf("failed to home to extruder using %s after %.1fmm of travel", method, travel))
}

// ExtruderPickupError reports that the extruder never picked up the filament.
func ExtruderPickupError(reason string) *TransportError {
	return New(ErrExtruderPickup, fmt.Sprintf("extruder transfer failed: %s", reason))
}

// ParkError reports filament still visible at the encoder after parking.
func ParkError(remaining float64) *TransportError {
	return New(ErrParkFailure, fmt.Sprintf("filament failed to clear the encoder, %.1fmm still moving", remaining)).
		SetContext("remaining", remaining)
}

// Selector errors

// SelectorBlockedError reports an internal jam preventing selector travel.
func SelectorBlockedError(travel float64) *TransportError {
	return New(ErrSelectorBlocked, fmt.Sprintf("selector blocked by filament in the selector after %.1fmm of travel", travel)).
		SetContext("travel", travel)
}

// SelectorObstructedError reports an external obstruction at a gate.
func SelectorObstructedError(gate int, travel float64) *TransportError {
	return New(ErrSelectorObstructed, fmt.Sprintf("selector path to gate %d obstructed after %.1fmm of travel", gate, travel)).
		SetGate(gate).
		SetContext("travel", travel)
}

// SelectorHomingError reports a selector homing failure.
func SelectorHomingError(reason string) *TransportError {
	return New(ErrSelectorHoming, fmt.Sprintf("selector homing failed: %s", reason))
}

// Gate and spool errors

// GateEmptyError reports an operation attempted on a gate with no filament.
func GateEmptyError(gate int) *TransportError {
	return New(ErrGateEmpty, fmt.Sprintf("gate %d is empty", gate)).
		SetGate(gate)
}

// NoSpoolError reports that no alternate gate in the group had filament.
func NoSpoolError(group int) *TransportError {
	return New(ErrNoSpool, fmt.Sprintf("no available spool found in endless spool group %d", group))
}

// Operational state errors

// PauseLockedError reports an operation refused while the pause lock is held.
func PauseLockedError(op string) *TransportError {
	return New(ErrPauseLocked, fmt.Sprintf("%s refused: unit is locked after an error, run unlock first", op))
}

// DisabledError reports an operation refused while the unit is disabled.
func DisabledError(op string) *TransportError {
	return New(ErrDisabled, fmt.Sprintf("%s refused: unit is disabled", op))
}

// NotHomedError reports an operation that requires a homed selector.
func NotHomedError(op string) *TransportError {
	return New(ErrNotHomed, fmt.Sprintf("%s refused: selector is not homed", op))
}

// NotCalibratedError reports a missing calibration prerequisite.
func NotCalibratedError(what string) *TransportError {
	return New(ErrNotCalibrated, fmt.Sprintf("%s has not been calibrated", what))
}

// CalibrationError wraps a failure during a calibration pass with its context.
func CalibrationError(err error, tool int, pass int) *TransportError {
	return Wrap(err, ErrCalibration, fmt.Sprintf("calibration of tool T%d failed on pass %d", tool, pass)).
		SetContext("tool", tool).
		SetContext("pass", pass)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *TransportError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *TransportError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// RuntimeErrorMCU creates an error for controller communication failure
func RuntimeErrorMCU(operation string, reason string) *TransportError {
	return New(ErrRuntimeMCU, fmt.Sprintf("MCU %s failed: %s", operation, reason))
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *TransportError {
	if r := recover(); r != nil {
		var err error
		switch x := r.(type) {
		case string:
			err = RuntimeError(fmt.Sprintf("panic: %s", x))
		case error:
			err = RuntimeError(x.Error())
		case runtime.Error:
			err = RuntimeError(x.Error())
		default:
			err = RuntimeError(fmt.Sprintf("panic: %v", x))
		}
		return err.(*TransportError)
	}
	return nil
}

// Is checks if error matches given error code, unwrapping as needed
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if te, ok := err.(*TransportError); ok {
			if te.Code == code {
				return true
			}
			err = te.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsTransport checks if error is a filament transport error
func IsTransport(err error) bool {
	return Is(err, ErrPickupFailure) ||
		Is(err, ErrStuckFilament) ||
		Is(err, ErrHomingFailure) ||
		Is(err, ErrExtruderPickup) ||
		Is(err, ErrParkFailure)
}

// IsSelector checks if error is a selector error
func IsSelector(err error) bool {
	return Is(err, ErrSelectorBlocked) ||
		Is(err, ErrSelectorObstructed) ||
		Is(err, ErrSelectorHoming)
}
