// SPDX-License-Identifier: MIT
// Package metrics exposes orchestrator run/task/broker counters as
// real Prometheus collectors, replacing
// src/services/metrics/metrics.go's hand-rolled text writer with the
// genuine github.com/prometheus/client_golang registry/promhttp stack
// already present in go.mod.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric the orchestrator emits.
type Collectors struct {
	registry *prometheus.Registry

	RunsCreated      *prometheus.CounterVec
	RunsCompleted    *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	TasksActive      prometheus.Gauge
	BrokerDeliveries *prometheus.CounterVec
	SchedulerTick    prometheus.Counter
}

// New builds and registers every collector against a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		RunsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcha_runs_created_total",
			Help: "Runs created, by run_type.",
		}, []string{"run_type"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcha_runs_completed_total",
			Help: "Runs reaching a terminal status, by status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orcha_run_duration_seconds",
			Help:    "Run wall-clock duration from start_time to end_time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_id"}),
		TasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orcha_tasks_active",
			Help: "Tasks currently in status enabled.",
		}),
		BrokerDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcha_broker_deliveries_total",
			Help: "Broker delivery attempts, by send_status.",
		}, []string{"send_status"}),
		SchedulerTick: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orcha_scheduler_ticks_total",
			Help: "Due-detection loop ticks processed.",
		}),
	}

	reg.MustRegister(
		c.RunsCreated,
		c.RunsCompleted,
		c.RunDuration,
		c.TasksActive,
		c.BrokerDeliveries,
		c.SchedulerTick,
	)
	return c
}

// Handler serves the registry in the Prometheus text exposition
// format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
