// Calibration commands
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

func newCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run feeder calibration routines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Calibrate the bowden reference and every gate ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildFeeder(false)
			if err != nil {
				return err
			}
			defer stack.shutdown()
			return stack.feeder.CalibrateAll()
		},
	})

	var repeats int
	var validate bool
	tool := &cobra.Command{
		Use:   "tool <N>",
		Short: "Calibrate a single tool (the reference for T0, the gate ratio otherwise)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.RuntimeError("tool must be a number")
			}
			stack, err := buildFeeder(false)
			if err != nil {
				return err
			}
			defer stack.shutdown()
			return stack.feeder.CalibrateSingle(n, repeats, validate)
		},
	}
	tool.Flags().IntVar(&repeats, "repeats", 3, "measurement passes for the reference")
	tool.Flags().BoolVar(&validate, "validate", false, "measure T0 as a ratio check instead of recalibrating the reference")
	cmd.AddCommand(tool)

	cmd.AddCommand(&cobra.Command{
		Use:   "selector <gate>",
		Short: "Measure and store the selector offset of a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.RuntimeError("gate must be a number")
			}
			stack, err := buildFeeder(false)
			if err != nil {
				return err
			}
			defer stack.shutdown()
			return stack.feeder.CalibrateSelector(gate)
		},
	})

	var distance float64
	var passes int
	enc := &cobra.Command{
		Use:   "encoder",
		Short: "Measure the encoder resolution with filament loaded into the bowden",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildFeeder(false)
			if err != nil {
				return err
			}
			defer stack.shutdown()
			return stack.feeder.CalibrateEncoder(distance, passes, 0, 0)
		},
	}
	enc.Flags().Float64Var(&distance, "distance", 500, "test move length in millimeters")
	enc.Flags().IntVar(&passes, "repeats", 5, "measurement passes")
	cmd.AddCommand(enc)

	return cmd
}
