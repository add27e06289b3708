// Package metrics exports engine and worker activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hannabros/researchflow/pkg/api"
)

const namespace = "researchflow"

// Observer is an api.Observer that records Prometheus metrics. Instances
// are labelled by workflow name, so sub-orchestrations show up separately
// from the research workflow that started them.
type Observer struct {
	api.NoopObserver

	registry *prometheus.Registry

	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	instancesRunning  *prometheus.GaugeVec
	instanceDuration  *prometheus.HistogramVec

	activitiesScheduled *prometheus.CounterVec
	activitiesFinished  *prometheus.CounterVec
	activityDuration    *prometheus.HistogramVec

	engineFaults prometheus.Counter
}

// New registers the metrics on a fresh registry, which also carries the Go
// and process collectors.
func New() *Observer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Observer {
	f := promauto.With(reg)
	return &Observer{
		registry: reg,

		instancesStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of workflow instances started",
			},
			[]string{"workflow"},
		),
		instancesFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_finished_total",
				Help:      "Total number of workflow instances that reached a terminal status",
			},
			[]string{"workflow", "status"},
		),
		instancesRunning: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_open",
				Help:      "Workflow instances started by this process and not yet terminal",
			},
			[]string{"workflow"},
		),
		instanceDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_duration_seconds",
				Help:      "Time from start to terminal status",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"workflow", "status"},
		),

		activitiesScheduled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_scheduled_total",
				Help:      "Total number of activities scheduled",
			},
			[]string{"activity"},
		),
		activitiesFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_finished_total",
				Help:      "Total number of activity handler runs",
			},
			[]string{"activity", "outcome"},
		),
		activityDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Activity handler run time",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		engineFaults: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_faults_total",
				Help:      "Replay divergences and corrupt histories",
			},
		),
	}
}

// Registry returns the registry the metrics live on.
func (o *Observer) Registry() *prometheus.Registry { return o.registry }

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

func (o *Observer) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	o.instancesStarted.WithLabelValues(inst.Workflow).Inc()
	o.instancesRunning.WithLabelValues(inst.Workflow).Inc()
}

func (o *Observer) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	o.finished(inst, api.StatusCompleted)
}

func (o *Observer) OnInstanceTerminated(ctx context.Context, inst *api.Instance) {
	o.finished(inst, api.StatusTerminated)
}

func (o *Observer) OnInstanceFailed(ctx context.Context, inst *api.Instance, err error) {
	o.finished(inst, api.StatusFailed)
}

func (o *Observer) finished(inst *api.Instance, status api.Status) {
	o.instancesFinished.WithLabelValues(inst.Workflow, string(status)).Inc()
	o.instancesRunning.WithLabelValues(inst.Workflow).Dec()
	if !inst.CreatedAt.IsZero() && !inst.UpdatedAt.Before(inst.CreatedAt) {
		o.instanceDuration.WithLabelValues(inst.Workflow, string(status)).
			Observe(inst.UpdatedAt.Sub(inst.CreatedAt).Seconds())
	}
}

func (o *Observer) OnActivityScheduled(ctx context.Context, inst *api.Instance, activity string, seq int64) {
	o.activitiesScheduled.WithLabelValues(activity).Inc()
}

func (o *Observer) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.activitiesFinished.WithLabelValues(activity, outcome).Inc()
	o.activityDuration.WithLabelValues(activity).Observe(d.Seconds())
}

func (o *Observer) OnEngineFault(ctx context.Context, instanceID string, err error) {
	o.engineFaults.Inc()
}
