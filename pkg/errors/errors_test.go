// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *TransportError
		code ErrorCode
		want string
	}{
		{"pickup", PickupError(2, 3), ErrPickupFailure, "gate 2"},
		{"stuck", StuckFilamentError(100.0, 15.0), ErrStuckFilament, "100.0mm"},
		{"homing", HomingError("collision", 50.0), ErrHomingFailure, "collision"},
		{"extruder", ExtruderPickupError("no movement seen"), ErrExtruderPickup, "no movement"},
		{"park", ParkError(2.5), ErrParkFailure, "2.5mm"},
		{"blocked", SelectorBlockedError(1.2), ErrSelectorBlocked, "filament in the selector"},
		{"obstructed", SelectorObstructedError(4, 12.0), ErrSelectorObstructed, "gate 4"},
		{"gate empty", GateEmptyError(0), ErrGateEmpty, "gate 0"},
		{"no spool", NoSpoolError(1), ErrNoSpool, "group 1"},
		{"pause locked", PauseLockedError("load"), ErrPauseLocked, "unlock"},
		{"disabled", DisabledError("select"), ErrDisabled, "disabled"},
		{"not homed", NotHomedError("select"), ErrNotHomed, "not homed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
			}
			if !Is(tt.err, tt.code) {
				t.Errorf("Is(%s) = false, want true", tt.code)
			}
			if !strings.Contains(tt.err.Error(), tt.want) {
				t.Errorf("message %q does not contain %q", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := StuckFilamentError(480.0, 100.0)
	outer := CalibrationError(inner, 3, 2)

	if outer.Code != ErrCalibration {
		t.Errorf("code = %s, want %s", outer.Code, ErrCalibration)
	}
	if outer.Unwrap() != inner {
		t.Error("Unwrap did not return the inner error")
	}
	if !Is(outer, ErrStuckFilament) {
		t.Error("Is should find the wrapped code")
	}
	if !strings.Contains(outer.Error(), "T3") || !strings.Contains(outer.Error(), "pass 2") {
		t.Errorf("message missing tool/pass context: %q", outer.Error())
	}
}

func TestIsWithForeignError(t *testing.T) {
	plain := fmt.Errorf("plain error")
	if Is(plain, ErrRuntime) {
		t.Error("Is should be false for non-transport errors")
	}
	wrapped := Wrap(plain, ErrRuntimeMCU, "write failed")
	if !Is(wrapped, ErrRuntimeMCU) {
		t.Error("Is should match the wrapping code")
	}
}

func TestGateContext(t *testing.T) {
	err := PickupError(5, 2)
	if err.Gate != 5 {
		t.Errorf("gate = %d, want 5", err.Gate)
	}
	if New(ErrRuntime, "x").Gate != -1 {
		t.Error("gate should default to -1")
	}
}

func TestCategoryHelpers(t *testing.T) {
	if !IsTransport(StuckFilamentError(10, 1)) {
		t.Error("IsTransport should match stuck filament")
	}
	if !IsSelector(SelectorBlockedError(1.0)) {
		t.Error("IsSelector should match blocked selector")
	}
	if !IsConfig(ConfigValidationError("ercf", "gear_speed", "must be positive")) {
		t.Error("IsConfig should match validation errors")
	}
	if IsTransport(ConfigSectionError("ercf")) {
		t.Error("IsTransport should not match config errors")
	}
}
