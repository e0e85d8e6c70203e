//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package metrics holds cachefs' Prometheus instrumentation. A nil *Metrics
// is a valid no-op instance, so components can be created without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Metrics struct {
	// StoreCommands counts store round-trips.
	// Labels: op=[exists, get_attributes, get_children, set_attributes,
	// set_children], result=[ok, not_connected, transport, reply_error]
	StoreCommands *prometheus.CounterVec

	// StoreDuration tracks store round-trip latency (lock wait included).
	// Labels: op
	StoreDuration *prometheus.HistogramVec

	// Classifications counts cache-decision outcomes.
	// Labels: state=[local, needs-fetch]
	Classifications *prometheus.CounterVec

	// Fetches counts origin fetches.
	// Labels: result=[ok, cached, error]
	Fetches *prometheus.CounterVec

	// FetchedBytes counts bytes retrieved from origin.
	FetchedBytes prometheus.Counter

	// Operations counts dispatched filesystem operations.
	// Labels: op=[getattr, readdir, open, read], errno
	Operations *prometheus.CounterVec
}

// NewMetrics creates and registers cachefs metrics. If registerer is nil,
// prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		StoreCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachefs_store_commands_total",
				Help: "Total metadata-store commands by operation and result",
			},
			[]string{"op", "result"},
		),
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachefs_store_command_duration_seconds",
				Help:    "Metadata-store command duration in seconds, lock wait included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachefs_cache_classifications_total",
				Help: "Total cache-decision outcomes by state",
			},
			[]string{"state"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachefs_origin_fetches_total",
				Help: "Total origin fetches by result",
			},
			[]string{"result"},
		),
		FetchedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cachefs_origin_fetched_bytes_total",
				Help: "Total bytes retrieved from origin",
			},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachefs_fs_operations_total",
				Help: "Total filesystem operations by operation and resulting errno",
			},
			[]string{"op", "errno"},
		),
	}

	registerer.MustRegister(
		m.StoreCommands,
		m.StoreDuration,
		m.Classifications,
		m.Fetches,
		m.FetchedBytes,
		m.Operations,
	)

	return m
}

func (m *Metrics) RecordStoreCommand(op string, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreCommands.WithLabelValues(op, result).Inc()
	m.StoreDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordClassification(state string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordFetch(result string, n int) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
	if n > 0 {
		m.FetchedBytes.Add(float64(n))
	}
}

// RecordOperation records a filesystem operation. An empty errno stands for
// success.
func (m *Metrics) RecordOperation(op string, errno string) {
	if m == nil {
		return
	}
	if errno == "" {
		errno = "ok"
	}
	m.Operations.WithLabelValues(op, errno).Inc()
}

// Serve exposes the default gatherer over http at the given address. It
// blocks until the listener fails.
func Serve(addr string) error {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logrus.Infof("Serving metrics at %s/metrics", addr)

	return http.ListenAndServe(addr, mux)
}
