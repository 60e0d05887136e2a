package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Reconciliation
	reconcileCycles   prometheus.Counter
	reconcileDuration prometheus.Histogram
	scaleCommands     *prometheus.CounterVec
	degradedTenants   prometheus.Gauge
	tenantsTotal      *prometheus.GaugeVec

	// Rolling updates
	rolloutDuration prometheus.Histogram
	rolloutTenants  *prometheus.CounterVec
	rolloutRuns     *prometheus.CounterVec

	// Maintenance jobs
	jobsByStatus *prometheus.GaugeVec

	// Cluster backend
	clusterRequests *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		reconcileCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pressfleet_reconcile_cycles_total",
			Help: "Number of completed reconciliation passes",
		}),
		reconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pressfleet_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}),
		scaleCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pressfleet_scale_commands_total",
			Help: "Scale commands issued to the cluster backend",
		}, []string{"result"}),
		degradedTenants: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pressfleet_degraded_tenants",
			Help: "Tenants whose last reconciliation could not converge",
		}),
		tenantsTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pressfleet_tenants",
			Help: "Registered tenants by activation state",
		}, []string{"state"}),
		rolloutDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pressfleet_rolling_update_duration_seconds",
			Help:    "Duration of a full rolling update run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		rolloutTenants: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pressfleet_rolling_update_tenants_total",
			Help: "Per tenant rolling update outcomes",
		}, []string{"result"}),
		rolloutRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pressfleet_rolling_update_runs_total",
			Help: "Rolling update runs by outcome",
		}, []string{"result"}),
		jobsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pressfleet_maintenance_jobs",
			Help: "Maintenance jobs by status",
		}, []string{"status"}),
		clusterRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pressfleet_cluster_requests_total",
			Help: "Requests issued to the cluster backend",
		}, []string{"op", "result"}),
	}
}

func (c *Collector) ReconcileCycle(seconds float64) {
	if c == nil {
		return
	}
	c.reconcileCycles.Inc()
	c.reconcileDuration.Observe(seconds)
}

func (c *Collector) ScaleCommand(result string) {
	if c == nil {
		return
	}
	c.scaleCommands.WithLabelValues(result).Inc()
}

func (c *Collector) SetDegradedTenants(n int) {
	if c == nil {
		return
	}
	c.degradedTenants.Set(float64(n))
}

func (c *Collector) SetTenants(active, disabled int) {
	if c == nil {
		return
	}
	c.tenantsTotal.WithLabelValues("active").Set(float64(active))
	c.tenantsTotal.WithLabelValues("disabled").Set(float64(disabled))
}

func (c *Collector) RolloutRun(success bool, seconds float64) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "partial_failure"
	}
	c.rolloutRuns.WithLabelValues(result).Inc()
	c.rolloutDuration.Observe(seconds)
}

func (c *Collector) RolloutTenant(result string) {
	if c == nil {
		return
	}
	c.rolloutTenants.WithLabelValues(result).Inc()
}

func (c *Collector) SetJobs(status string, n int) {
	if c == nil {
		return
	}
	c.jobsByStatus.WithLabelValues(status).Set(float64(n))
}

func (c *Collector) ClusterRequest(op, result string) {
	if c == nil {
		return
	}
	c.clusterRequests.WithLabelValues(op, result).Inc()
}
