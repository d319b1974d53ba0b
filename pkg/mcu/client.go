// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mcu talks to the feeder's microcontroller board over a
// serial line protocol. Commands are single lines of space separated
// key=value tokens, answered with "ok" lines; the board streams
// "pulse" lines asynchronously as the encoder wheel turns.
package mcu

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/smumriak/ERCF-Software-V3/pkg/ercf"
	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
)

// Config holds the serial connection settings.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyACM0.
	Device string

	// Baud rate. The feeder boards run at 250000 by default.
	Baud int

	// CommandTimeout bounds how long a command may wait for its ok.
	// Motion commands can legitimately take many seconds.
	CommandTimeout time.Duration
}

// DefaultConfig returns the usual connection settings.
func DefaultConfig() Config {
	return Config{
		Baud:           250000,
		CommandTimeout: 90 * time.Second,
	}
}

// PulseFunc receives asynchronous encoder pulse counts.
type PulseFunc func(n int64)

// Client is a connection to the feeder board. It implements the
// ercf Motion, SelectorMotion and Latch ports.
type Client struct {
	cfg Config
	log *log.Logger

	// writeMu serializes command/response exchanges on the wire.
	writeMu sync.Mutex
	port    io.ReadWriteCloser

	pendingMu sync.Mutex
	pending   chan map[string]string

	onPulse PulseFunc

	closed chan struct{}
	wg     sync.WaitGroup
}

// Connect opens the serial device and starts the read loop.
func Connect(cfg Config) (*Client, error) {
	if cfg.Device == "" {
		return nil, errors.RuntimeErrorMCU("connect", "no serial device configured")
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultConfig().Baud
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntimeMCU, "failed to open serial device").
			SetContext("device", cfg.Device)
	}
	c := newClient(cfg, port)
	c.log.Info("connected to feeder board on %s at %d baud", cfg.Device, cfg.Baud)
	return c, nil
}

// newClient wires a client over any stream, which keeps the protocol
// testable without hardware.
func newClient(cfg Config, stream io.ReadWriteCloser) *Client {
	c := &Client{
		cfg:    cfg,
		log:    log.GetLogger("mcu"),
		port:   stream,
		closed: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// OnPulse registers the encoder pulse callback. Must be set before
// pulses are expected; typically right after Connect.
func (c *Client) OnPulse(fn PulseFunc) {
	c.onPulse = fn
}

// Close shuts the connection down.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	err := c.port.Close()
	c.wg.Wait()
	return err
}

// readLoop parses incoming lines, routing pulse events to the callback
// and responses to the waiting command.
func (c *Client) readLoop() {
	defer c.wg.Done()
	scanner := bufio.NewScanner(c.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := parseLine(line)
		switch fields["_cmd"] {
		case "pulse":
			if c.onPulse != nil {
				if n, err := strconv.ParseInt(fields["n"], 10, 64); err == nil {
					c.onPulse(n)
				}
			}
		case "ok", "error":
			c.pendingMu.Lock()
			pending := c.pending
			c.pending = nil
			c.pendingMu.Unlock()
			if pending != nil {
				pending <- fields
			} else {
				c.log.Warn("unexpected response from board: %s", line)
			}
		default:
			c.log.Debug("board: %s", line)
		}
	}
	select {
	case <-c.closed:
	default:
		c.log.Error("serial read loop terminated: %v", scanner.Err())
	}
}

// parseLine splits "ok t=1 d=-3.5" into {"_cmd":"ok","t":"1","d":"-3.5"}.
func parseLine(line string) map[string]string {
	fields := make(map[string]string)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return fields
	}
	fields["_cmd"] = parts[0]
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(p, "="); ok {
			fields[k] = v
		}
	}
	return fields
}

// call sends one command line and waits for its response.
func (c *Client) call(format string, args ...interface{}) (map[string]string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cmd := fmt.Sprintf(format, args...)
	resp := make(chan map[string]string, 1)
	c.pendingMu.Lock()
	c.pending = resp
	c.pendingMu.Unlock()

	if _, err := io.WriteString(c.port, cmd+"\n"); err != nil {
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()
		return nil, errors.Wrap(err, errors.ErrRuntimeMCU, "failed to send command").
			SetContext("command", cmd)
	}

	select {
	case fields := <-resp:
		if fields["_cmd"] == "error" {
			return nil, errors.RuntimeErrorMCU(cmd, fields["msg"])
		}
		return fields, nil
	case <-time.After(c.cfg.CommandTimeout):
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()
		return nil, errors.RuntimeErrorMCU(cmd, "timed out waiting for response")
	case <-c.closed:
		return nil, errors.RuntimeErrorMCU(cmd, "connection closed")
	}
}

func motorName(mode ercf.MoveMode) string {
	switch mode {
	case ercf.ModeGear:
		return "gear"
	case ercf.ModeExtruder:
		return "extruder"
	case ercf.ModeBoth:
		return "both"
	case ercf.ModeSynced:
		return "synced"
	default:
		return "gear"
	}
}

func stopName(stop ercf.StopCondition) string {
	if stop == ercf.StopOnGearStall {
		return "stall"
	}
	return "sensor"
}

// Move implements ercf.Motion.
func (c *Client) Move(mode ercf.MoveMode, distance, speed, accel float64) error {
	_, err := c.call("move m=%s d=%.3f f=%.1f a=%.1f", motorName(mode), distance, speed, accel)
	return err
}

// HomingMove implements ercf.Motion.
func (c *Client) HomingMove(mode ercf.MoveMode, distance, speed, accel float64, stop ercf.StopCondition) (bool, float64, error) {
	fields, err := c.call("hmove m=%s d=%.3f f=%.1f a=%.1f stop=%s",
		motorName(mode), distance, speed, accel, stopName(stop))
	if err != nil {
		return false, 0, err
	}
	triggered := fields["t"] == "1"
	travel, err := strconv.ParseFloat(fields["d"], 64)
	if err != nil {
		return false, 0, errors.RuntimeErrorMCU("hmove", "malformed travel in response")
	}
	return triggered, travel, nil
}

// WaitMoves implements ercf.Motion.
func (c *Client) WaitMoves() error {
	_, err := c.call("wait")
	return err
}

// SyncGearToExtruder implements ercf.Motion.
func (c *Client) SyncGearToExtruder(sync bool) error {
	_, err := c.call("sync s=%d", boolArg(sync))
	return err
}

// SetGearRotationScale implements ercf.Motion.
func (c *Client) SetGearRotationScale(ratio float64) error {
	_, err := c.call("scale r=%.6f", ratio)
	return err
}

// MoveTo implements ercf.SelectorMotion.
func (c *Client) MoveTo(position, speed float64) error {
	_, err := c.call("sel_move p=%.2f f=%.1f", position, speed)
	return err
}

// HomingMoveTo implements ercf.SelectorMotion.
func (c *Client) HomingMoveTo(position, speed float64, sensorless bool) (bool, float64, error) {
	fields, err := c.call("sel_home p=%.2f f=%.1f sg=%d", position, speed, boolArg(sensorless))
	if err != nil {
		return false, 0, err
	}
	triggered := fields["t"] == "1"
	travel, err := strconv.ParseFloat(fields["d"], 64)
	if err != nil {
		return false, 0, errors.RuntimeErrorMCU("sel_home", "malformed travel in response")
	}
	return triggered, travel, nil
}

// SetPosition implements ercf.SelectorMotion.
func (c *Client) SetPosition(position float64) error {
	_, err := c.call("sel_set p=%.2f", position)
	return err
}

// Position implements ercf.SelectorMotion.
func (c *Client) Position() (float64, error) {
	fields, err := c.call("sel_pos")
	if err != nil {
		return 0, err
	}
	pos, err := strconv.ParseFloat(fields["p"], 64)
	if err != nil {
		return 0, errors.RuntimeErrorMCU("sel_pos", "malformed position in response")
	}
	return pos, nil
}

// EnableMotor implements ercf.SelectorMotion.
func (c *Client) EnableMotor(enable bool) error {
	_, err := c.call("sel_enable e=%d", boolArg(enable))
	return err
}

// FilamentPresent implements ercf.ToolheadSensor for boards with the
// toolhead filament switch wired to them.
func (c *Client) FilamentPresent() (bool, error) {
	fields, err := c.call("sensor")
	if err != nil {
		return false, err
	}
	return fields["f"] == "1", nil
}

// Engage implements ercf.Latch.
func (c *Client) Engage() error {
	_, err := c.call("servo p=down")
	return err
}

// Release implements ercf.Latch.
func (c *Client) Release() error {
	_, err := c.call("servo p=up")
	return err
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}
