// Daemon wiring and the run command
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/smumriak/ERCF-Software-V3/pkg/config"
	"github.com/smumriak/ERCF-Software-V3/pkg/encoder"
	"github.com/smumriak/ERCF-Software-V3/pkg/ercf"
	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
	"github.com/smumriak/ERCF-Software-V3/pkg/mcu"
	"github.com/smumriak/ERCF-Software-V3/pkg/persist"
	"github.com/smumriak/ERCF-Software-V3/pkg/reactor"
	"github.com/smumriak/ERCF-Software-V3/pkg/status"
)

// feederStack is everything a running feeder needs torn down in order.
type feederStack struct {
	feeder  *ercf.ERCF
	board   *mcu.Client
	reactor *reactor.Reactor
}

func (s *feederStack) shutdown() {
	s.reactor.End()
	s.reactor.Wait()
	if err := s.board.Close(); err != nil {
		log.GetLogger("ercf").WithError(err).Warn("failed to close serial connection")
	}
}

// buildFeeder wires the full stack from the command line flags. When
// withMetrics is set the Prometheus recorder is attached.
func buildFeeder(withMetrics bool) (*feederStack, error) {
	if flagConfig == "" {
		return nil, errors.RuntimeError("--config is required")
	}
	if flagDevice == "" {
		return nil, errors.RuntimeError("--device is required")
	}

	cf, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := ercf.LoadConfig(cf)
	if err != nil {
		return nil, err
	}

	store, err := persist.Open(flagVars)
	if err != nil {
		return nil, err
	}

	mcuCfg := mcu.DefaultConfig()
	mcuCfg.Device = flagDevice
	mcuCfg.Baud = flagBaud
	board, err := mcu.Connect(mcuCfg)
	if err != nil {
		return nil, err
	}

	host := newHostClient(flagMoonraker, cfg.MinTempExtruder)
	rtr := reactor.New()

	// The runout callback needs the feeder, which needs the encoder.
	// Route through an indirection resolved below.
	var feeder *ercf.ERCF
	logger := log.GetLogger("ercf")
	onRunout := func() {
		if feeder == nil {
			return
		}
		if err := feeder.HandleRunout(false); err != nil {
			logger.WithError(err).Error("runout handling failed")
		}
	}
	enc := encoder.New(
		encoder.WithResolution(store.GetFloat("ercf_encoder_resolution", encoder.DefaultResolution)),
		encoder.WithRunoutDetection(rtr, host.ExtruderPosition, onRunout, cfg.CalibrationBowdenLength*2/100),
	)
	board.OnPulse(enc.Pulse)

	var recorder ercf.Recorder
	if withMetrics {
		recorder = status.NewRecorder(prometheus.DefaultRegisterer)
	}
	var sensor ercf.ToolheadSensor
	if cfg.SensorToNozzle > 0 {
		sensor = board
	}

	feeder, err = ercf.New(cfg, ercf.Ports{
		Motion:   board,
		Selector: board,
		Encoder:  enc,
		Clog:     enc,
		Latch:    board,
		Extruder: host,
		Sensor:   sensor,
		Printer:  host,
		Tip:      host,
		Store:    store,
		Recorder: recorder,
	}, rtr, logger)
	if err != nil {
		board.Close()
		return nil, err
	}
	feeder.StartTimers()
	rtr.Run()

	return &feederStack{feeder: feeder, board: board, reactor: rtr}, nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the feeder daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildFeeder(true)
			if err != nil {
				return err
			}
			defer stack.shutdown()

			server := status.NewServer(flagListen, stack.feeder)
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()
			defer server.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
			select {
			case sig := <-sigCh:
				log.GetLogger("ercf").Info("received %s, shutting down", sig)
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}
