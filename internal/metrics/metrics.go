// Package metrics declares the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mozaiks_events_dispatched_total",
		Help: "Events dispatched through the event pipeline, by type namespace.",
	}, []string{"namespace"})

	PluginExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mozaiks_plugin_executions_total",
		Help: "Plugin executions by plugin name and outcome.",
	}, []string{"plugin", "outcome"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mozaiks_ws_connections",
		Help: "Currently attached chat websocket connections.",
	})

	UsageEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mozaiks_usage_events_enqueued_total",
		Help: "Usage events accepted by the recorder.",
	})

	UsageFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mozaiks_usage_events_flushed_total",
		Help: "Usage events successfully forwarded to the platform.",
	})

	UsageDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mozaiks_usage_events_dropped_total",
		Help: "Usage events dropped due to buffer overflow.",
	})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mozaiks_runs_active",
		Help: "Workflow runs currently executing.",
	})
)
