// Prometheus instrumentation for the filament feeder
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smumriak/ERCF-Software-V3/pkg/ercf"
)

// Recorder implements ercf.Recorder on top of Prometheus collectors.
type Recorder struct {
	moves     *prometheus.CounterVec
	slip      prometheus.Histogram
	swaps     *prometheus.CounterVec
	swapTime  prometheus.Histogram
	selector  *prometheus.CounterVec
	transport prometheus.Gauge
}

// NewRecorder builds the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ercf",
			Name:      "moves_total",
			Help:      "Filament moves issued, by drive train.",
		}, []string{"motor"}),
		slip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ercf",
			Name:      "move_slip_mm",
			Help:      "Difference between commanded and encoder-measured travel.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
		}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ercf",
			Name:      "tool_swaps_total",
			Help:      "Tool changes, by outcome.",
		}, []string{"result"}),
		swapTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ercf",
			Name:      "tool_swap_seconds",
			Help:      "Wall time of tool changes.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 8),
		}),
		selector: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ercf",
			Name:      "selector_events_total",
			Help:      "Selector homes and blocks.",
		}, []string{"event"}),
		transport: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ercf",
			Name:      "transport_state",
			Help:      "Current filament transport state as its numeric code.",
		}),
	}
	reg.MustRegister(r.moves, r.slip, r.swaps, r.swapTime, r.selector, r.transport)
	return r
}

// RecordMove counts a traced move and observes its slip.
func (r *Recorder) RecordMove(mode ercf.MoveMode, commanded, measured float64) {
	r.moves.WithLabelValues(mode.String()).Inc()
	r.slip.Observe(math.Abs(math.Abs(commanded) - measured))
}

// RecordSwap counts a tool change.
func (r *Recorder) RecordSwap(tool int, ok bool, duration time.Duration) {
	r.swaps.WithLabelValues(strconv.FormatBool(ok)).Inc()
	r.swapTime.Observe(duration.Seconds())
}

// RecordSelectorEvent counts a selector event.
func (r *Recorder) RecordSelectorEvent(event string) {
	r.selector.WithLabelValues(event).Inc()
}

// RecordStateChange tracks the transport state gauge.
func (r *Recorder) RecordStateChange(state ercf.TransportState) {
	r.transport.Set(float64(state))
}
