// Moonraker adapter: the feeder delegates hotend control, print
// pause/resume and tip forming to the print host over its HTTP API.
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
)

// hostClient talks to the Moonraker instance that owns the printer.
type hostClient struct {
	base    string
	minTemp float64
	client  *http.Client
	log     *log.Logger
}

func newHostClient(base string, minTemp float64) *hostClient {
	return &hostClient{
		base:    base,
		minTemp: minTemp,
		client:  &http.Client{Timeout: 5 * time.Minute},
		log:     log.GetLogger("host"),
	}
}

func (h *hostClient) post(path string) error {
	resp, err := h.client.Post(h.base+path, "application/json", nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "print host request failed").
			SetContext("path", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.RuntimeError(fmt.Sprintf("print host returned %d for %s", resp.StatusCode, path))
	}
	return nil
}

// runScript executes a gcode script on the host and waits for it.
func (h *hostClient) runScript(script string) error {
	h.log.Debug("running host script: %s", script)
	return h.post("/printer/gcode/script?script=" + url.QueryEscape(script))
}

// query fetches printer object status, e.g. query("print_stats").
func (h *hostClient) query(object string, out interface{}) error {
	resp, err := h.client.Get(h.base + "/printer/objects/query?" + url.QueryEscape(object))
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "print host query failed").
			SetContext("object", object)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.RuntimeError(fmt.Sprintf("print host returned %d querying %s", resp.StatusCode, object))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// EnsureMinTemp implements ercf.Extruder. M109 waits for temperature.
func (h *hostClient) EnsureMinTemp() error {
	can, err := h.CanExtrude()
	if err != nil {
		return err
	}
	if can {
		return nil
	}
	h.log.Info("Heating extruder to minimum temperature %.0fC", h.minTemp)
	return h.runScript(fmt.Sprintf("M109 S%.0f", h.minTemp))
}

// HeaterOff implements ercf.Extruder.
func (h *hostClient) HeaterOff() error {
	return h.runScript("M104 S0")
}

// CanExtrude implements ercf.Extruder.
func (h *hostClient) CanExtrude() (bool, error) {
	var out struct {
		Result struct {
			Status struct {
				Extruder struct {
					CanExtrude bool `json:"can_extrude"`
				} `json:"extruder"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := h.query("extruder", &out); err != nil {
		return false, err
	}
	return out.Result.Status.Extruder.CanExtrude, nil
}

// ExtruderPosition reports the commanded extruder axis position, used
// by the runout watchdog to notice extrusion without filament motion.
func (h *hostClient) ExtruderPosition() float64 {
	var out struct {
		Result struct {
			Status struct {
				GcodeMove struct {
					GcodePosition []float64 `json:"gcode_position"`
				} `json:"gcode_move"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := h.query("gcode_move", &out); err != nil {
		return 0
	}
	pos := out.Result.Status.GcodeMove.GcodePosition
	if len(pos) < 4 {
		return 0
	}
	return pos[3]
}

// IsPrinting implements ercf.PrintManager.
func (h *hostClient) IsPrinting() bool {
	var out struct {
		Result struct {
			Status struct {
				PrintStats struct {
					State string `json:"state"`
				} `json:"print_stats"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := h.query("print_stats", &out); err != nil {
		h.log.WithError(err).Warn("failed to query print state, assuming not printing")
		return false
	}
	return out.Result.Status.PrintStats.State == "printing"
}

// Pause implements ercf.PrintManager.
func (h *hostClient) Pause() error {
	return h.post("/printer/print/pause")
}

// Resume implements ercf.PrintManager.
func (h *hostClient) Resume() error {
	return h.post("/printer/print/resume")
}

// FormTip implements ercf.TipFormer by running the tip shaping macro
// and reading back the park position it reports.
func (h *hostClient) FormTip() (float64, error) {
	if err := h.runScript("_ERCF_FORM_TIP_STANDALONE"); err != nil {
		return 0, err
	}
	var out struct {
		Result struct {
			Status map[string]struct {
				Variables map[string]interface{} `json:"variables"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := h.query("gcode_macro _ERCF_FORM_TIP_STANDALONE", &out); err != nil {
		return 0, err
	}
	for _, macro := range out.Result.Status {
		if v, ok := macro.Variables["output_park_pos"]; ok {
			if pos, ok := v.(float64); ok {
				return pos, nil
			}
		}
	}
	return 0, nil
}
