// ercfd is the daemon for the Enraged Rabbit Carrot Feeder: it drives
// the selector, gear and latch hardware over serial, tracks filament
// through the bowden with the motion encoder, and serves feeder status
// to frontends.
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smumriak/ERCF-Software-V3/pkg/log"
)

var (
	flagConfig    string
	flagVars      string
	flagDevice    string
	flagBaud      int
	flagMoonraker string
	flagListen    string
	flagLogFile   string
)

func main() {
	root := &cobra.Command{
		Use:           "ercfd",
		Short:         "Enraged Rabbit Carrot Feeder daemon",
		Long:          "ercfd drives the multi-channel filament feeder: gate selection,\nfilament transport to and from the nozzle, clog and runout handling.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "printer configuration file with the [ercf] section")
	root.PersistentFlags().StringVar(&flagVars, "vars", "ercf_vars.json", "feeder variables file")
	root.PersistentFlags().StringVarP(&flagDevice, "device", "d", "", "feeder board serial device")
	root.PersistentFlags().IntVar(&flagBaud, "baud", 250000, "serial baud rate")
	root.PersistentFlags().StringVar(&flagMoonraker, "moonraker", "http://localhost:7125", "print host API address")
	root.PersistentFlags().StringVar(&flagListen, "listen", ":7227", "status server listen address")
	root.PersistentFlags().StringVar(&flagLogFile, "logfile", "", "log file path (default stdout)")

	root.AddCommand(newRunCommand())
	root.AddCommand(newCalibrateCommand())
	root.AddCommand(newStatusCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ercfd: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() error {
	logger := log.GetLogger("ercf")
	log.ConfigureFromEnv(logger)
	if flagLogFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{
			Filename:   flagLogFile,
			MaxSize:    10,
			MaxBackups: 5,
		})
		if err != nil {
			return err
		}
		logger.SetWriter(w)
		logger.SetColorize(false)
	}
	return nil
}
