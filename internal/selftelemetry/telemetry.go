// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package selftelemetry provides the gateway's own metrics, health state and
// the HTTP endpoint that exposes them.
package selftelemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "telegen_gateway"

// Telemetry holds every self-observability counter. One instance is created
// at startup and passed to each component; nothing is registered globally, so
// tests can build as many isolated instances as they need.
type Telemetry struct {
	Registry *prometheus.Registry
	ready    atomic.Bool

	// Receiver metrics
	ReceiverAccepted     *prometheus.CounterVec
	ReceiverRefused      *prometheus.CounterVec
	ReceiverDecodeErrors *prometheus.CounterVec
	ReceiverPullFailures *prometheus.CounterVec

	// Pipeline and processor metrics
	PipelineQueueSize *prometheus.GaugeVec
	PipelineDropped   *prometheus.CounterVec
	ProcessorDropped  *prometheus.CounterVec
	BatchSendSize     *prometheus.HistogramVec

	// Exporter metrics
	ExporterSent      *prometheus.CounterVec
	ExporterFailed    *prometheus.CounterVec
	ExporterRetries   *prometheus.CounterVec
	ExporterDropped   *prometheus.CounterVec
	ExporterQueueSize *prometheus.GaugeVec
	ExporterLatency   *prometheus.HistogramVec

	// Resource guard metrics
	GuardInflight *prometheus.GaugeVec
	GuardRefused  *prometheus.CounterVec

	// Service metrics
	Undelivered prometheus.Counter
	Ready       prometheus.Gauge
	StartTime   prometheus.Gauge
}

// New creates a Telemetry with its own registry. An empty namespace uses
// DefaultNamespace.
func New(namespace string) *Telemetry {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	t := &Telemetry{Registry: reg}

	t.ReceiverAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receiver_accepted_signals_total",
		Help:      "Signals handed to at least one pipeline by a receiver",
	}, []string{"receiver", "transport"})
	t.ReceiverRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receiver_refused_signals_total",
		Help:      "Signals a receiver could not hand to a pipeline",
	}, []string{"receiver", "transport"})
	t.ReceiverDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receiver_decode_errors_total",
		Help:      "Malformed inbound units dropped by a receiver",
	}, []string{"receiver", "transport"})
	t.ReceiverPullFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receiver_pull_failures_total",
		Help:      "Failed scrapes or checks of pull receivers",
	}, []string{"receiver", "target"})

	t.PipelineQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipeline_queue_size",
		Help:      "Batches waiting in a pipeline inbound queue",
	}, []string{"pipeline"})
	t.PipelineDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_dropped_batches_total",
		Help:      "Batches dropped at a pipeline inbound queue",
	}, []string{"pipeline", "reason"})
	t.ProcessorDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processor_dropped_signals_total",
		Help:      "Signals removed by a processor",
	}, []string{"pipeline", "processor", "reason"})
	t.BatchSendSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processor_batch_send_size",
		Help:      "Number of signals in batches released by the batch processor",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000},
	}, []string{"pipeline", "processor", "trigger"})

	t.ExporterSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_sent_signals_total",
		Help:      "Signals successfully delivered by an exporter",
	}, []string{"exporter"})
	t.ExporterFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_send_failed_signals_total",
		Help:      "Signals in failed export attempts by outcome",
	}, []string{"exporter", "outcome"})
	t.ExporterRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_retries_total",
		Help:      "Export attempts scheduled after a retriable failure",
	}, []string{"exporter"})
	t.ExporterDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_dropped_batches_total",
		Help:      "Batches an exporter gave up on",
	}, []string{"exporter", "reason"})
	t.ExporterQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "exporter_queue_size",
		Help:      "Batches waiting in an exporter sending queue",
	}, []string{"exporter"})
	t.ExporterLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exporter_latency_seconds",
		Help:      "Latency of single export attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"exporter"})

	t.GuardInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "guard_inflight_signals",
		Help:      "Signals admitted and not yet delivered or dropped",
	}, []string{"guard"})
	t.GuardRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_refused_signals_total",
		Help:      "Signals refused at hand-off by a resource guard",
	}, []string{"guard", "limit"})

	t.Undelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "service_undelivered_batches_total",
		Help:      "Batches still in flight when the shutdown grace period ran out",
	})
	t.Ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_ready",
		Help:      "Whether all pipelines are running (1 = ready)",
	})
	t.StartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_start_time_seconds",
		Help:      "Unix time the service finished starting",
	})

	reg.MustRegister(
		t.ReceiverAccepted, t.ReceiverRefused, t.ReceiverDecodeErrors, t.ReceiverPullFailures,
		t.PipelineQueueSize, t.PipelineDropped, t.ProcessorDropped, t.BatchSendSize,
		t.ExporterSent, t.ExporterFailed, t.ExporterRetries, t.ExporterDropped,
		t.ExporterQueueSize, t.ExporterLatency,
		t.GuardInflight, t.GuardRefused,
		t.Undelivered, t.Ready, t.StartTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return t
}

// SetReady sets the readiness state.
func (t *Telemetry) SetReady(ready bool) {
	t.ready.Store(ready)
	if ready {
		t.Ready.Set(1)
		t.StartTime.Set(float64(time.Now().Unix()))
	} else {
		t.Ready.Set(0)
	}
}

// IsReady returns the current readiness state.
func (t *Telemetry) IsReady() bool { return t.ready.Load() }
